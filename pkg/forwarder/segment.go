package forwarder

import (
	"context"
	"time"

	"github.com/vnat-project/vnat/pkg/cache"
	"github.com/vnat-project/vnat/pkg/flow"
	"github.com/vnat-project/vnat/pkg/seqnum"
	"github.com/vnat-project/vnat/pkg/tcpstate"
	"github.com/vnat-project/vnat/pkg/wire"
)

func (f *Forwarder) buildDataSegment(key flow.Key, tx *tcpstate.TxState, seq seqnum.Value, payload []byte, fin bool) wire.TCPSegment {
	sacks := make([][2]uint32, 0, len(tx.Sacks))
	for _, r := range tx.Sacks {
		sacks = append(sacks, [2]uint32{uint32(r.Start), uint32(r.End)})
	}
	return wire.TCPSegment{
		EthSrc: f.cfg.GatewayMAC, EthDst: f.hwAddr(key.Source()),
		SrcIP: key.Destination(), DstIP: key.Source(),
		SrcPort: key.DestinationPort(), DstPort: key.SourcePort(),
		Seq: uint32(seq), Ack: uint32(tx.Acknowledgement),
		ACK: true, FIN: fin,
		Window:     tx.Window,
		SACKBlocks: sacks,
		Payload:    payload,
		IPID:       f.nextIPID(key.Source().String() + key.Destination().String()),
	}
}

// SendTCPAck runs the segmentation loop: it drains as much of the outbound
// queue as the peer window and send-side SWS avoidance allow, moves it into
// the send cache, and emits it in MSS-sized segments. The final segment
// carries FIN when the queue fully drains and QueueFin is set.
func (f *Forwarder) SendTCPAck(ctx context.Context, key flow.Key) error {
	f.guard.Lock()
	tx, ok := f.tx[key]
	if !ok {
		f.guard.Unlock()
		return nil
	}

	avail := int64(tx.SendWindow) - int64(tx.Cache.Len())
	if avail < 0 {
		avail = 0
	}
	if avail > int64(len(tx.Queue)) {
		avail = int64(len(tx.Queue))
	}
	if avail > 0xFFFF {
		avail = 0xFFFF
	}

	mtu := f.mtuFor(key.Source())
	segSize := int(mss(mtu))

	// Send-side SWS avoidance (invariant 8): while the cache holds
	// unacknowledged data, a segment shorter than the MSS that the peer's
	// window cuts short is withheld. A queue tail short enough to go out
	// whole is still sent at once.
	if avail < int64(segSize) && tx.Cache.Len() > 0 && uint32(avail) < uint32(len(tx.Queue)) {
		avail = 0
	}

	drain := tx.Queue[:avail]
	tx.Queue = tx.Queue[avail:]
	willFin := tx.QueueFin && len(tx.Queue) == 0

	base := tx.Cache.Base()
	if err := tx.Cache.Append(drain, tx.RTO); err != nil {
		f.guard.Unlock()
		return err
	}
	tx.Sequence = tx.Cache.RecvNext()
	if willFin {
		tx.Sequence = seqnum.Add(tx.Sequence, 1)
	}

	var frames [][]byte
	off := int64(0)
	for off < int64(len(drain)) || (willFin && off == 0 && len(drain) == 0) {
		n := int64(len(drain)) - off
		if n > int64(segSize) {
			n = int64(segSize)
		}
		isLast := off+n >= int64(len(drain))
		seq := seqnum.Add(base, uint32(off))
		seg := f.buildDataSegment(key, tx, seq, drain[off:off+n], isLast && willFin)
		if isLast && willFin {
			tx.CacheFin, tx.HasCacheFin = time.Now(), true
		}
		b, err := seg.Build()
		if err != nil {
			f.guard.Unlock()
			return err
		}
		frames = append(frames, b)
		off += n
		if n == 0 {
			break
		}
	}
	f.guard.Unlock()

	for _, fr := range frames {
		if err := f.send(ctx, fr); err != nil {
			return err
		}
	}
	return nil
}

// RetransmitTCPAck performs Go-Back-N retransmission of the entire send
// cache.
func (f *Forwarder) RetransmitTCPAck(ctx context.Context, key flow.Key) error {
	f.guard.Lock()
	tx, ok := f.tx[key]
	if !ok {
		f.guard.Unlock()
		return nil
	}
	payload := tx.Cache.GetAll()
	base := tx.Cache.Base()
	seg := f.buildDataSegment(key, tx, base, payload, false)
	f.guard.Unlock()
	if len(payload) == 0 {
		return nil
	}
	frame, err := seg.Build()
	if err != nil {
		return err
	}
	return f.send(ctx, frame)
}

// RetransmitTCPAckWithout performs selective retransmission: it subtracts
// every SACK range from the cache's full span and retransmits only the
// disjoint ranges that remain.
func (f *Forwarder) RetransmitTCPAckWithout(ctx context.Context, key flow.Key, sacks []cache.Range) error {
	f.guard.Lock()
	tx, ok := f.tx[key]
	if !ok {
		f.guard.Unlock()
		return nil
	}
	main := cache.Range{Start: tx.Cache.Base(), End: tx.Cache.RecvNext()}
	residual := []cache.Range{main}
	for _, s := range sacks {
		var next []cache.Range
		for _, m := range residual {
			next = append(next, subtractRange(m, s)...)
		}
		residual = next
	}

	var frames []wire.TCPSegment
	for _, r := range residual {
		length := r.Len()
		if length == 0 {
			continue
		}
		payload, err := tx.Cache.Get(r.Start, length)
		if err != nil {
			continue
		}
		frames = append(frames, f.buildDataSegment(key, tx, r.Start, payload, false))
	}
	f.guard.Unlock()

	for _, seg := range frames {
		b, err := seg.Build()
		if err != nil {
			return err
		}
		if err := f.send(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

// subtractRange removes sub from main in sequence space, classified by the
// six cases spec.md §4.2 names, using the 16MiB forward-window test for
// ordering.
func subtractRange(main, sub cache.Range) []cache.Range {
	aheadOfStart := seqnum.LessEq(main.Start, sub.Start)
	subStartsInside := aheadOfStart && seqnum.Less(sub.Start, main.End)
	subEndsInside := seqnum.Less(main.Start, sub.End) && seqnum.LessEq(sub.End, main.End)

	switch {
	case subStartsInside && subEndsInside:
		// sub strictly inside main (or touching both edges): up to two
		// residual ranges.
		var out []cache.Range
		if seqnum.Less(main.Start, sub.Start) {
			out = append(out, cache.Range{Start: main.Start, End: sub.Start})
		}
		if seqnum.Less(sub.End, main.End) {
			out = append(out, cache.Range{Start: sub.End, End: main.End})
		}
		return out
	case subStartsInside && !subEndsInside:
		// sub overlaps the right edge of main, or covers it entirely.
		if seqnum.Less(main.Start, sub.Start) {
			return []cache.Range{{Start: main.Start, End: sub.Start}}
		}
		return nil // sub covers main
	case !subStartsInside && subEndsInside:
		// sub overlaps the left edge of main.
		return []cache.Range{{Start: sub.End, End: main.End}}
	default:
		// sub is entirely to the left or right of main: no overlap.
		if seqnum.LessEq(main.End, sub.Start) || seqnum.LessEq(sub.End, main.Start) {
			return []cache.Range{main}
		}
		return nil
	}
}
