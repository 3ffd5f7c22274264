package redirector

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/google/gopacket/layers"
	"golang.org/x/sys/unix"

	"github.com/vnat-project/vnat/pkg/cache"
	"github.com/vnat-project/vnat/pkg/flow"
	"github.com/vnat-project/vnat/pkg/seqnum"
	"github.com/vnat-project/vnat/pkg/tcpstate"
	"github.com/vnat-project/vnat/pkg/wire"
	"github.com/vnat-project/vnat/pkg/workers"
)

// handleTCP dispatches one inbound TCP segment per the RX state machine
// (spec §4.3's table).
func (r *Redirector) handleTCP(ctx context.Context, d *wire.Decoded) {
	tcp := d.TCP
	key := flow.NewKey(unix.IPPROTO_TCP, d.IP4.SrcIP, d.IP4.DstIP, uint16(tcp.SrcPort), uint16(tcp.DstPort))

	if tcp.RST {
		r.cleanUp(ctx, key)
		return
	}

	r.mu.Lock()
	fl, known := r.flows[key]
	r.mu.Unlock()

	if tcp.SYN && !tcp.ACK {
		if known {
			return // duplicate SYN on an already-admitted flow: drop
		}
		r.admit(ctx, key, d)
		return
	}

	if !known {
		r.replyUnknownRST(ctx, key, tcp, d.Payload)
		return
	}

	if tcp.FIN {
		r.handleFin(ctx, key, fl, tcp, d.Payload)
		return
	}
	if len(d.Payload) > 0 {
		r.handleDataAck(ctx, key, fl, tcp, d.Payload)
		return
	}
	r.handlePureAck(ctx, key, fl, tcp)
}

// replyUnknownRST answers any segment naming a flow the Redirector has no
// record of with an RST (spec §4.3's "Any TCP | no | Reply RST").
func (r *Redirector) replyUnknownRST(ctx context.Context, key flow.Key, tcp *layers.TCP, payload []byte) {
	var err error
	if tcp.ACK {
		err = r.fwd.SendRST(ctx, key, seqnum.Value(tcp.Ack), nil)
	} else {
		ack := seqnum.Add(seqnum.Value(tcp.Seq), uint32(len(payload)))
		err = r.fwd.SendRST(ctx, key, 0, &ack)
	}
	if err != nil {
		dlog.Errorf(ctx, "redirector: %s rst to unknown flow: %v", key, err)
	}
}

// admit negotiates a new inbound SYN: connects upstream through SOCKS,
// opens the Forwarder's outbound half, and creates the inbound RxState and
// StreamWorker together.
func (r *Redirector) admit(ctx context.Context, key flow.Key, d *wire.Decoded) {
	tcp := d.TCP
	opts := wire.ParseTCPOptions(tcp)
	wscale := opts.WindowScale
	if !opts.HasWindowScale {
		wscale = 0
	}
	if wscale > tcpstate.MaxWindowScale {
		wscale = tcpstate.MaxWindowScale
	}

	if err := r.connectSem.Acquire(ctx, 1); err != nil {
		return
	}
	defer r.connectSem.Release(1)

	conn, err := r.socks.Connect(ctx, key.DestinationAddr())
	if err != nil {
		dlog.Errorf(ctx, "redirector: %s socks connect: %v", key, err)
		ack := seqnum.Add(seqnum.Value(tcp.Seq), 1)
		if rerr := r.fwd.SendRST(ctx, key, 0, &ack); rerr != nil {
			dlog.Errorf(ctx, "redirector: %s rst after failed connect: %v", key, rerr)
		}
		return
	}

	peerISN := seqnum.Value(tcp.Seq)
	if _, err := r.fwd.Open(ctx, key, peerISN, wscale, opts.SACKPermitted, opts.MSS); err != nil {
		dlog.Errorf(ctx, "redirector: %s open: %v", key, err)
		conn.Close()
		return
	}

	capacity := uint32(tcpstate.RecvWindow) << wscale
	rx := tcpstate.NewRxState(seqnum.Add(peerISN, 1), wscale, opts.SACKPermitted, capacity)
	worker := workers.NewStreamWorker(ctx, key, conn, r.fwd)

	r.mu.Lock()
	r.flows[key] = &tcpFlow{rx: rx, worker: worker}
	r.mu.Unlock()
}

// handlePureAck applies an inbound ACK carrying no payload: window/cache
// update, duplicate-ACK tracking, and fast retransmit.
func (r *Redirector) handlePureAck(ctx context.Context, key flow.Key, fl *tcpFlow, tcp *layers.TCP) {
	opts := wire.ParseTCPOptions(tcp)
	sacks := toCacheRanges(opts.SACKBlocks)

	drained, err := r.fwd.UpdateAck(key, seqnum.Value(tcp.Ack), uint32(tcp.Window))
	if err != nil {
		dlog.Errorf(ctx, "redirector: %s update ack: %v", key, err)
		return
	}

	if fl.worker.IsReadClosed() && drained {
		r.cleanUp(ctx, key)
		return
	}

	ack := seqnum.Value(tcp.Ack)
	if fl.rx.HasLastAck && fl.rx.LastAcknowledgement == ack {
		fl.rx.Duplicate++
	} else {
		fl.rx.Duplicate = 0
	}
	fl.rx.LastAcknowledgement = ack
	fl.rx.HasLastAck = true

	if fl.rx.Duplicate < tcpstate.DupAckThreshold {
		return
	}
	if fl.rx.RetransLimiter.Limit(time.Now()) != 0 {
		return
	}

	var rerr error
	if fl.rx.SackPerm && len(sacks) > 0 {
		rerr = r.fwd.RetransmitTCPAckWithout(ctx, key, sacks)
	} else {
		rerr = r.fwd.RetransmitTCPAck(ctx, key)
	}
	if rerr != nil {
		dlog.Errorf(ctx, "redirector: %s fast retransmit: %v", key, rerr)
	}
}

// handleDataAck applies an inbound segment carrying payload: feeds the
// receive window, delivers any contiguous prefix upstream, and acks.
func (r *Redirector) handleDataAck(ctx context.Context, key flow.Key, fl *tcpFlow, tcp *layers.TCP, payload []byte) {
	prefix, ok := fl.rx.Cache.Append(seqnum.Value(tcp.Seq), payload)
	if !ok {
		r.sendRxAck(ctx, key, fl)
		return
	}

	if err := fl.worker.Send(prefix); err != nil {
		dlog.Errorf(ctx, "redirector: %s send upstream: %v", key, err)
		ack := fl.rx.Cache.Base()
		if rerr := r.fwd.SendRST(ctx, key, 0, &ack); rerr != nil {
			dlog.Errorf(ctx, "redirector: %s rst after upstream send failure: %v", key, rerr)
		}
		r.cleanUp(ctx, key)
		return
	}

	fl.rx.RecvNext = fl.rx.Cache.Base()
	r.sendRxAck(ctx, key, fl)
}

// handleFin applies an inbound FIN, possibly carrying trailing payload.
func (r *Redirector) handleFin(ctx context.Context, key flow.Key, fl *tcpFlow, tcp *layers.TCP, payload []byte) {
	finSeq := seqnum.Add(seqnum.Value(tcp.Seq), uint32(len(payload)))
	fl.rx.FinSequence = finSeq
	fl.rx.HasFin = true

	if len(payload) > 0 {
		if prefix, ok := fl.rx.Cache.Append(seqnum.Value(tcp.Seq), payload); ok {
			if err := fl.worker.Send(prefix); err != nil {
				dlog.Errorf(ctx, "redirector: %s send upstream: %v", key, err)
				ack := fl.rx.Cache.Base()
				if rerr := r.fwd.SendRST(ctx, key, 0, &ack); rerr != nil {
					dlog.Errorf(ctx, "redirector: %s rst after upstream send failure: %v", key, rerr)
				}
				r.cleanUp(ctx, key)
				return
			}
			fl.rx.RecvNext = fl.rx.Cache.Base()
		}
	}

	if fl.rx.FinSequence != fl.rx.RecvNext {
		// The FIN sits behind a still-open gap: ack what we have and wait
		// for the missing bytes to arrive.
		r.sendRxAck(ctx, key, fl)
		return
	}

	fl.rx.RecvNext = seqnum.Add(fl.rx.RecvNext, 1)
	r.sendRxAck(ctx, key, fl)

	if fl.worker.IsReadClosed() {
		r.cleanUp(ctx, key)
		return
	}
	if err := fl.worker.HalfClose(); err != nil {
		dlog.Errorf(ctx, "redirector: %s half close: %v", key, err)
	}
}

// sendRxAck emits an ACK0 carrying the flow's current recv_next, reportable
// SACK ranges, and receive-side SWS-adjusted window.
func (r *Redirector) sendRxAck(ctx context.Context, key flow.Key, fl *tcpFlow) {
	sacks := fl.rx.Cache.Filled()
	r.fwd.SetAcknowledgement(key, fl.rx.RecvNext, sacks)
	r.fwd.SetAdvertisedWindow(key, advertisedWindow(fl.rx.Cache.Remaining(), fl.rx.WScale, r.cfg.LocalMTU))
	if err := r.fwd.SendAck(ctx, key); err != nil {
		dlog.Errorf(ctx, "redirector: %s send ack: %v", key, err)
	}
}

// advertisedWindow applies receive-side SWS avoidance (spec invariant 7):
// the window collapses to zero once remaining capacity drops below
// min(RECV_WINDOW/2, local_mtu); otherwise it is remaining capacity scaled
// back down into the unscaled wire field.
func advertisedWindow(remaining uint32, wscale uint8, localMTU int) uint16 {
	if remaining < tcpstate.SWSThreshold(localMTU) {
		return 0
	}
	w := remaining >> wscale
	if w > 0xFFFF {
		w = 0xFFFF
	}
	return uint16(w)
}

func toCacheRanges(blocks [][2]uint32) []cache.Range {
	if len(blocks) == 0 {
		return nil
	}
	out := make([]cache.Range, len(blocks))
	for i, b := range blocks {
		out[i] = cache.Range{Start: seqnum.Value(b[0]), End: seqnum.Value(b[1])}
	}
	return out
}
