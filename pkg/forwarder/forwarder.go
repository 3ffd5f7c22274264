// Package forwarder owns the outbound half of every TCP flow and the
// gateway's reply path in general: ARP replies, SYN-ACKs, segmented TCP
// data, retransmissions, and UDP datagrams/fragments. Every public method
// runs under a single exclusive guard (spec §5) and never suspends while
// holding it — the same "hold the lock, never block under it" discipline
// the teacher's per-flow handler.go applies to its own embedded sync.Mutex.
package forwarder

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/datawire/dlib/dlog"

	"github.com/vnat-project/vnat/pkg/cache"
	"github.com/vnat-project/vnat/pkg/flow"
	"github.com/vnat-project/vnat/pkg/seqnum"
	"github.com/vnat-project/vnat/pkg/tcpstate"
	"github.com/vnat-project/vnat/pkg/wire"
)

// frameSender injects a raw Ethernet frame onto the wire. link.Sender
// satisfies this; tests supply their own.
type frameSender interface {
	Send(frame []byte) error
}

const (
	ipHeaderLen  = 20
	tcpHeaderLen = 20
	defaultMTU   = 1500
)

// Config configures one Forwarder instance.
type Config struct {
	GatewayIP  net.IP
	GatewayMAC net.HardwareAddr
	LocalMTU   int
}

// Forwarder is the gateway's single outbound authority: it owns every
// flow's TxState, per-source MTU and hardware-address observations, and the
// transmit handle.
type Forwarder struct {
	guard sync.Mutex

	cfg    Config
	sender frameSender

	tx        map[flow.Key]*tcpstate.TxState
	srcMTU    map[string]int
	srcHWAddr map[string]net.HardwareAddr
	ipID      map[string]uint16
}

// New creates a Forwarder that injects frames through sender.
func New(cfg Config, sender frameSender) *Forwarder {
	if cfg.LocalMTU == 0 {
		cfg.LocalMTU = defaultMTU
	}
	return &Forwarder{
		cfg:       cfg,
		sender:    sender,
		tx:        make(map[flow.Key]*tcpstate.TxState),
		srcMTU:    make(map[string]int),
		srcHWAddr: make(map[string]net.HardwareAddr),
		ipID:      make(map[string]uint16),
	}
}

// SetSourceHardwareAddr records a source host's MAC, learned from an
// inbound ARP request or Ethernet frame.
func (f *Forwarder) SetSourceHardwareAddr(ip net.IP, mac net.HardwareAddr) {
	f.guard.Lock()
	defer f.guard.Unlock()
	f.srcHWAddr[ip.String()] = mac
}

func (f *Forwarder) hwAddr(ip net.IP) net.HardwareAddr {
	return f.srcHWAddr[ip.String()]
}

// SetSourceMTU records src's path MTU, learned from an ICMPv4 fragmentation
// required message, clamped to the local interface's own MTU.
func (f *Forwarder) SetSourceMTU(src net.IP, mtu int) {
	f.guard.Lock()
	defer f.guard.Unlock()
	if mtu > f.cfg.LocalMTU {
		mtu = f.cfg.LocalMTU
	}
	f.srcMTU[src.String()] = mtu
}

func (f *Forwarder) mtuFor(src net.IP) int {
	if m, ok := f.srcMTU[src.String()]; ok {
		return m
	}
	return f.cfg.LocalMTU
}

func mss(mtu int) uint16 {
	return uint16(mtu - ipHeaderLen - tcpHeaderLen)
}

func (f *Forwarder) nextIPID(srcDst string) uint16 {
	id := f.ipID[srcDst]
	f.ipID[srcDst] = id + 1
	return id
}

// SendArpReply emits an ARP reply naming the gateway's MAC/IP as the owner
// of the fictitious gateway address, to the given source.
func (f *Forwarder) SendArpReply(ctx context.Context, src net.IP) error {
	f.guard.Lock()
	defer f.guard.Unlock()
	mac := f.hwAddr(src)
	if mac == nil {
		return fmt.Errorf("forwarder: no known hardware address for %s", src)
	}
	frame, err := wire.BuildArpReply(f.cfg.GatewayMAC, mac, f.cfg.GatewayIP, src)
	if err != nil {
		return err
	}
	return f.send(ctx, frame)
}

func (f *Forwarder) send(ctx context.Context, frame []byte) error {
	if err := f.sender.Send(frame); err != nil {
		dlog.Errorf(ctx, "forwarder: injection error: %v", err)
		return nil // injection errors are non-fatal; the retransmit timer retries (spec §7)
	}
	return nil
}

// Open admits a new flow: allocates a random ISN, creates its TxState, and
// emits a SYN-ACK mirroring the inbound SYN's negotiated options.
func (f *Forwarder) Open(ctx context.Context, key flow.Key, peerISN seqnum.Value, wscale uint8, sackPerm bool, mss uint16) (seqnum.Value, error) {
	f.guard.Lock()
	defer f.guard.Unlock()

	if mss > 0 {
		f.srcMTU[key.Source().String()] = int(mss) + ipHeaderLen + tcpHeaderLen
	}

	isn := seqnum.Value(rand.Uint32())
	capacity := uint32(tcpstate.RecvWindow) << wscale
	tx := tcpstate.NewTxState(key.SourceAddr(), key.DestinationAddr(), seqnum.Add(isn, 1), capacity)
	tx.Sequence = seqnum.Add(isn, 1) // the SYN itself occupies one sequence number
	tx.Acknowledgement = seqnum.Add(peerISN, 1)
	tx.SendWScale = minWScale(wscale)
	tx.SackPerm = sackPerm
	tx.Window = tcpstate.RecvWindow
	tx.CacheSyn, tx.HasCacheSyn = time.Now(), true
	f.tx[key] = tx

	seg := wire.TCPSegment{
		EthSrc: f.cfg.GatewayMAC, EthDst: f.hwAddr(key.Source()),
		SrcIP: key.Destination(), DstIP: key.Source(),
		SrcPort: key.DestinationPort(), DstPort: key.SourcePort(),
		Seq: uint32(isn), Ack: uint32(tx.Acknowledgement),
		SYN: true, ACK: true,
		Window:         tx.Window,
		MSS:            mssFor(f.mtuFor(key.Source())),
		WindowScale:    tx.SendWScale,
		HasWindowScale: true,
		SACKPermitted:  sackPerm,
		IPID:           f.nextIPID(key.Source().String() + key.Destination().String()),
	}
	frame, err := seg.Build()
	if err != nil {
		return 0, err
	}
	return isn, f.send(ctx, frame)
}

func mssFor(mtu int) uint16 { return mss(mtu) }

func minWScale(peer uint8) uint8 {
	if peer > tcpstate.MaxWindowScale {
		return tcpstate.MaxWindowScale
	}
	return peer
}

// Forward appends bytes to the flow's outbound queue and drains it.
func (f *Forwarder) Forward(ctx context.Context, key flow.Key, data []byte) error {
	f.guard.Lock()
	tx, ok := f.tx[key]
	if !ok {
		f.guard.Unlock()
		return fmt.Errorf("forwarder: unknown flow %s", key)
	}
	if tx.QueueFin {
		f.guard.Unlock()
		return fmt.Errorf("forwarder: flow %s already half-closed for writing", key)
	}
	tx.Queue = append(tx.Queue, data...)
	f.guard.Unlock()
	return f.SendTCPAck(ctx, key)
}

// Close marks the flow's queue FIN-pending and drains it.
func (f *Forwarder) Close(ctx context.Context, key flow.Key) error {
	f.guard.Lock()
	tx, ok := f.tx[key]
	if !ok {
		f.guard.Unlock()
		return nil
	}
	tx.QueueFin = true
	f.guard.Unlock()
	return f.SendTCPAck(ctx, key)
}

// RemoveFlow drops a flow's TxState. Called only by the joint clean-up
// helper that also drops the matching RxState (spec invariant 6); this
// package does not call it on its own.
func (f *Forwarder) RemoveFlow(key flow.Key) {
	f.guard.Lock()
	defer f.guard.Unlock()
	delete(f.tx, key)
}

// HasFlow reports whether key names a currently admitted flow.
func (f *Forwarder) HasFlow(key flow.Key) bool {
	f.guard.Lock()
	defer f.guard.Unlock()
	_, ok := f.tx[key]
	return ok
}

// UpdateAck applies an inbound ACK: advances the send cache's acked prefix
// and updates the peer-advertised window. Any SACK blocks the segment
// carried describe the peer's view of our send cache and are the caller's
// to act on directly (RetransmitTCPAckWithout takes them as an explicit
// argument) rather than state this method stores. window is the raw,
// unscaled wire Window field; it is left-shifted by the flow's negotiated
// window scale before being stored. It returns whether the flow is now
// fully drained: the cache and queue are empty and no FIN awaits an ACK.
// This also holds for an open flow with nothing in flight, so it marks a
// LAST_ACK collapse only together with the upstream side being closed.
func (f *Forwarder) UpdateAck(key flow.Key, ack seqnum.Value, window uint32) (drained bool, err error) {
	f.guard.Lock()
	defer f.guard.Unlock()
	tx, ok := f.tx[key]
	if !ok {
		return false, fmt.Errorf("forwarder: unknown flow %s", key)
	}
	rtt, hasRTT := tx.Cache.InvalidateTo(ack)
	if hasRTT {
		updateRTO(tx, rtt)
	}
	tx.SendWindow = window << tx.SendWScale
	if tx.HasCacheSyn && seqnum.LessEq(tx.Cache.Base(), ack) {
		// Any ACK strictly past the ISN acknowledges the SYN itself.
		tx.HasCacheSyn = false
	}
	if tx.HasCacheFin && seqnum.LessEq(tx.Cache.RecvNext(), ack) {
		tx.HasCacheFin = false
	}
	return tx.Cache.Len() == 0 && !tx.HasCacheFin && len(tx.Queue) == 0, nil
}

// SetAcknowledgement updates the flow's outbound ack number and the SACK
// ranges it reports alongside it, computed by the Redirector from its
// RxState (the contiguous-prefix boundary and any held-but-not-contiguous
// ranges, spec invariant 4 and the SACK option's reporting side).
func (f *Forwarder) SetAcknowledgement(key flow.Key, ack seqnum.Value, sacks []cache.Range) {
	f.guard.Lock()
	defer f.guard.Unlock()
	if tx, ok := f.tx[key]; ok {
		tx.Acknowledgement = ack
		tx.Sacks = sacks
	}
}

// Tick runs the flow's retransmission timer: it retransmits any timed-out
// prefix of the send cache and/or the pending FIN, doubling the RTO once per
// tick (exponential backoff) if either fired.
func (f *Forwarder) Tick(ctx context.Context, key flow.Key) error {
	f.guard.Lock()
	tx, ok := f.tx[key]
	if !ok {
		f.guard.Unlock()
		return nil
	}

	timedOut := tx.Cache.GetTimedOutAndUpdate(tx.RTO * 2)
	finTimedOut := tx.HasCacheFin && time.Since(tx.CacheFin) >= tx.RTO
	if len(timedOut) == 0 && !finTimedOut {
		f.guard.Unlock()
		return nil
	}

	tx.RTO = clampRTO(tx.RTO * 2)

	var segs []wire.TCPSegment
	if len(timedOut) > 0 {
		segs = append(segs, f.buildDataSegment(key, tx, tx.Cache.Base(), timedOut, false))
	}
	if finTimedOut {
		tx.CacheFin = time.Now()
		tx.CacheFinRetrans = true
		segs = append(segs, f.buildDataSegment(key, tx, tx.Cache.RecvNext(), nil, true))
	}
	f.guard.Unlock()

	for _, seg := range segs {
		frame, err := seg.Build()
		if err != nil {
			return err
		}
		if err := f.send(ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

// SetAdvertisedWindow updates the flow's own advertised receive window (the
// unscaled wire Window field), computed by the Redirector from its RxState
// per receive-side SWS avoidance (spec invariant 7).
func (f *Forwarder) SetAdvertisedWindow(key flow.Key, window uint16) {
	f.guard.Lock()
	defer f.guard.Unlock()
	if tx, ok := f.tx[key]; ok {
		tx.Window = window
	}
}

// SendAck emits a bare ACK for key: no payload, no FIN, just the flow's
// current ack/window/SACK state. Used to acknowledge inbound data or a FIN
// without anything of our own queued to send.
func (f *Forwarder) SendAck(ctx context.Context, key flow.Key) error {
	f.guard.Lock()
	tx, ok := f.tx[key]
	if !ok {
		f.guard.Unlock()
		return nil
	}
	seg := f.buildDataSegment(key, tx, tx.Cache.RecvNext(), nil, false)
	f.guard.Unlock()
	frame, err := seg.Build()
	if err != nil {
		return err
	}
	return f.send(ctx, frame)
}

// SendRST emits an RST (optionally ACK, when ack is non-nil) addressed from
// key's destination to key's source with the given sequence number. Unlike
// every other send operation this does not require an admitted flow: it is
// also the Redirector's reply to unknown flows and failed admissions.
func (f *Forwarder) SendRST(ctx context.Context, key flow.Key, seq seqnum.Value, ack *seqnum.Value) error {
	f.guard.Lock()
	mac := f.hwAddr(key.Source())
	ipID := f.nextIPID(key.Source().String() + key.Destination().String())
	f.guard.Unlock()

	seg := wire.TCPSegment{
		EthSrc: f.cfg.GatewayMAC, EthDst: mac,
		SrcIP: key.Destination(), DstIP: key.Source(),
		SrcPort: key.DestinationPort(), DstPort: key.SourcePort(),
		Seq: uint32(seq),
		RST: true,
		IPID: ipID,
	}
	if ack != nil {
		seg.ACK = true
		seg.Ack = uint32(*ack)
	}
	frame, err := seg.Build()
	if err != nil {
		return err
	}
	return f.send(ctx, frame)
}
