package forwarder

import (
	"context"

	"github.com/vnat-project/vnat/pkg/flow"
	"github.com/vnat-project/vnat/pkg/wire"
)

const udpHeaderLen = 8

// SendUDP builds and injects a UDP/IPv4 datagram, fragmenting at an 8-byte
// aligned boundary when the payload (plus headers) exceeds the MTU recorded
// for the intercepted host. The last fragment clears More-Fragments and the
// datagram consumes one IP identification number per (src,dst) pair.
func (f *Forwarder) SendUDP(ctx context.Context, key flow.Key, payload []byte) error {
	f.guard.Lock()
	mtu := f.mtuFor(key.Source())
	ipID := f.nextIPID(key.Source().String() + key.Destination().String())
	mac := f.hwAddr(key.Source())
	f.guard.Unlock()

	maxPayload := mtu - ipHeaderLen
	firstMax := maxPayload - udpHeaderLen

	if len(payload) <= firstMax {
		dg := wire.UDPDatagram{
			EthSrc: f.cfg.GatewayMAC, EthDst: mac,
			SrcIP: key.Destination(), DstIP: key.Source(),
			SrcPort: key.DestinationPort(), DstPort: key.SourcePort(),
			IPID: ipID, Payload: payload, IncludeUDPHeader: true,
		}
		frame, err := dg.Build()
		if err != nil {
			return err
		}
		return f.send(ctx, frame)
	}

	// Slice the payload into 8-byte-aligned IP fragments. The first fragment
	// carries a real UDP header (built by wire.UDPDatagram itself, not
	// pre-rendered here) so it has alignedMax-udpHeaderLen bytes of room;
	// every later fragment is a raw continuation with no header of its own
	// and gets the full alignedMax.
	var frames [][]byte
	alignedMax := maxPayload &^ 7
	payloadOffset := 0
	logicalOffset := 0
	first := true
	for {
		room := alignedMax
		if first {
			room = alignedMax - udpHeaderLen
		}
		n := len(payload) - payloadOffset
		more := false
		if n > room {
			n = room
			more = true
		}
		chunk := payload[payloadOffset : payloadOffset+n]
		dg := wire.UDPDatagram{
			EthSrc: f.cfg.GatewayMAC, EthDst: mac,
			SrcIP: key.Destination(), DstIP: key.Source(),
			SrcPort: key.DestinationPort(), DstPort: key.SourcePort(),
			IPID:             ipID,
			FragOffset:       uint16(logicalOffset / 8),
			MoreFragments:    more,
			Payload:          chunk,
			IncludeUDPHeader: first,
		}
		frame, err := dg.Build()
		if err != nil {
			return err
		}
		frames = append(frames, frame)

		payloadOffset += n
		logicalOffset += n
		if first {
			logicalOffset += udpHeaderLen
		}
		first = false
		if !more {
			break
		}
	}
	for _, fr := range frames {
		if err := f.send(ctx, fr); err != nil {
			return err
		}
	}
	return nil
}
