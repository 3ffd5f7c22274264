// Package cache implements the two sequence-addressed buffers that back
// every TCP flow: the outbound SendQueue (unacknowledged bytes awaiting ACK,
// with per-stretch RTO deadlines) and the inbound ReceiveWindow (an
// out-of-order reassembly buffer that yields contiguous prefixes). Both are
// plain data structures with no internal locking: callers serialize access
// externally (the Forwarder's exclusive guard, for the SendQueue; the
// Redirector's single-threaded ownership, for the ReceiveWindow), the same
// division of responsibility the teacher's per-flow handler uses around its
// ackWaitQueue and oooQueue linked lists.
package cache

import (
	"errors"
	"time"

	"github.com/vnat-project/vnat/pkg/seqnum"
)

// ErrCapacityExceeded is returned by Append when the queue would grow beyond
// its configured capacity (RECV_WINDOW<<wscale, per spec invariant 2).
var ErrCapacityExceeded = errors.New("cache: capacity exceeded")

// ErrOutOfRange is returned by Get when the requested span falls outside
// what is currently buffered.
var ErrOutOfRange = errors.New("cache: requested span out of range")

type stretch struct {
	length        uint32
	enqueuedAt    time.Time
	rto           time.Duration
	retransmitted bool
}

// SendQueue holds payload bytes from base (the oldest unacknowledged byte)
// up to base+Len, annotated stretch by stretch with when it was (re)sent and
// the RTO then in force. It never reorders; insertion order is sequence
// order.
type SendQueue struct {
	capacity uint32
	base     seqnum.Value
	buf      []byte
	stretches []stretch
}

// NewSendQueue creates an empty queue starting at base with the given byte
// capacity.
func NewSendQueue(base seqnum.Value, capacity uint32) *SendQueue {
	return &SendQueue{capacity: capacity, base: base}
}

// Base returns the sequence number of the oldest buffered byte.
func (q *SendQueue) Base() seqnum.Value { return q.base }

// Len returns the number of buffered (unacknowledged) bytes.
func (q *SendQueue) Len() uint32 { return uint32(len(q.buf)) }

// RecvNext returns base+Len: the next sequence number that will be assigned
// to newly appended payload.
func (q *SendQueue) RecvNext() seqnum.Value { return seqnum.Add(q.base, uint32(len(q.buf))) }

// Append adds payload to the tail of the queue, stamped with now and the RTO
// in force at send time.
func (q *SendQueue) Append(data []byte, rto time.Duration) error {
	if len(data) == 0 {
		return nil
	}
	if uint32(len(q.buf)+len(data)) > q.capacity {
		return ErrCapacityExceeded
	}
	q.buf = append(q.buf, data...)
	q.stretches = append(q.stretches, stretch{length: uint32(len(data)), enqueuedAt: time.Now(), rto: rto})
	return nil
}

// GetAll returns a snapshot of every buffered byte, starting at Base.
func (q *SendQueue) GetAll() []byte {
	out := make([]byte, len(q.buf))
	copy(out, q.buf)
	return out
}

// Get returns a snapshot of length bytes starting at seq. It fails if any
// part of the requested span is not currently buffered.
func (q *SendQueue) Get(seq seqnum.Value, length uint32) ([]byte, error) {
	offset := seqnum.Sub(seq, q.base)
	if offset < 0 || offset+int64(length) > int64(len(q.buf)) {
		return nil, ErrOutOfRange
	}
	out := make([]byte, length)
	copy(out, q.buf[offset:offset+int64(length)])
	return out, nil
}

// InvalidateTo drops every byte strictly before seq (ACK cumulative
// acknowledgement). It reports a measured RTT only when seq lands exactly on
// a stretch boundary that was sent exactly once (Karn's algorithm); a
// partial or already-retransmitted stretch yields no sample.
func (q *SendQueue) InvalidateTo(seq seqnum.Value) (rtt time.Duration, ok bool) {
	drop := seqnum.Sub(seq, q.base)
	if drop <= 0 {
		return 0, false
	}
	if drop > int64(len(q.buf)) {
		drop = int64(len(q.buf))
	}

	now := time.Now()
	var consumed int64
	for len(q.stretches) > 0 {
		s := q.stretches[0]
		end := consumed + int64(s.length)
		if end > drop {
			break
		}
		if end == drop && !s.retransmitted {
			rtt, ok = now.Sub(s.enqueuedAt), true
		}
		consumed = end
		q.stretches = q.stretches[1:]
	}
	if consumed < drop && len(q.stretches) > 0 {
		// Partial consumption of the leading stretch: it survives, shrunk,
		// carrying its original timestamp/retransmitted flag forward. seq
		// did not land on a boundary, so no RTT sample is reported here
		// regardless of what remains.
		q.stretches[0].length -= uint32(drop - consumed)
	}

	q.buf = q.buf[drop:]
	q.base = seqnum.Add(q.base, uint32(drop))
	return rtt, ok
}

// GetTimedOutAndUpdate returns the longest prefix of the queue whose
// deadline (enqueuedAt+rto) has passed, and re-stamps that prefix's
// stretches with now and newRTO, marking them retransmitted so a later
// InvalidateTo cannot attribute an RTT sample to them.
func (q *SendQueue) GetTimedOutAndUpdate(newRTO time.Duration) []byte {
	now := time.Now()
	var prefixLen int64
	for _, s := range q.stretches {
		if now.Sub(s.enqueuedAt) < s.rto {
			break
		}
		prefixLen += int64(s.length)
	}
	if prefixLen == 0 {
		return nil
	}
	out := make([]byte, prefixLen)
	copy(out, q.buf[:prefixLen])

	var consumed int64
	for i := range q.stretches {
		if consumed >= prefixLen {
			break
		}
		q.stretches[i].enqueuedAt = now
		q.stretches[i].rto = newRTO
		q.stretches[i].retransmitted = true
		consumed += int64(q.stretches[i].length)
	}
	return out
}
