// Package link implements the capture Interface/Sender/Receiver abstraction
// spec.md §6 treats as a given library, backed by gopacket/pcap — live
// capture and injection being exactly what the retrieval pack's own
// packet-capture tools use pcap for.
package link

import (
	"errors"
	"time"

	"github.com/google/gopacket/pcap"
)

// ErrTimedOut is the sentinel the Redirector polls for on Receiver.Receive:
// a blocking read that simply found nothing within its poll timeout, not a
// fatal capture error.
var ErrTimedOut = errors.New("link: receive timed out")

// Interface describes one capturable network interface.
type Interface struct {
	Name       string
	IsUp       bool
	IsLoopback bool
}

// Interfaces enumerates the host's capturable interfaces.
func Interfaces() ([]Interface, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(devs))
	for _, d := range devs {
		out = append(out, Interface{
			Name:       d.Name,
			IsUp:       len(d.Addresses) > 0,
			IsLoopback: d.Flags&pcap.PcapIfLoopback != 0,
		})
	}
	return out, nil
}

// Open starts live capture and injection on the named interface. readTimeout
// bounds how long Receive blocks before returning ErrTimedOut, on which the
// Redirector's run loop sleeps briefly and polls again (spec §4.3 step 1).
func Open(name string, snaplen int, readTimeout time.Duration) (*Sender, *Receiver, error) {
	handle, err := pcap.OpenLive(name, int32(snaplen), true, readTimeout)
	if err != nil {
		return nil, nil, err
	}
	return &Sender{handle: handle}, &Receiver{handle: handle}, nil
}

// Sender injects raw Ethernet frames onto the wire.
type Sender struct {
	handle *pcap.Handle
}

// Send injects one frame.
func (s *Sender) Send(frame []byte) error {
	return s.handle.WritePacketData(frame)
}

// Receiver yields captured raw Ethernet frames.
type Receiver struct {
	handle *pcap.Handle
}

// Receive blocks for one frame, or returns ErrTimedOut if the configured
// read timeout elapses first.
func (r *Receiver) Receive() ([]byte, error) {
	data, _, err := r.handle.ReadPacketData()
	if err == pcap.NextErrorTimeoutExpired {
		return nil, ErrTimedOut
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Close releases the underlying capture handle.
func (r *Receiver) Close() {
	r.handle.Close()
}
