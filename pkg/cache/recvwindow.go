package cache

import (
	"sort"

	"github.com/vnat-project/vnat/pkg/seqnum"
)

// Range is an inclusive-exclusive sequence span [Start, End) reported for
// SACK generation.
type Range struct {
	Start, End seqnum.Value
}

// Len returns End-Start in bytes.
func (r Range) Len() uint32 { return uint32(seqnum.Sub(r.End, r.Start)) }

// ReceiveWindow is a fixed-capacity reassembly buffer starting at a base
// sequence number, permitting writes at arbitrary offsets so that
// out-of-order segments can be held until the gap ahead of them closes.
type ReceiveWindow struct {
	capacity uint32
	base     seqnum.Value
	buf      []byte
	filled   []bool
}

// NewReceiveWindow creates an empty window of the given capacity starting at
// base.
func NewReceiveWindow(base seqnum.Value, capacity uint32) *ReceiveWindow {
	return &ReceiveWindow{capacity: capacity, base: base, buf: make([]byte, capacity), filled: make([]bool, capacity)}
}

// Base returns the next in-order sequence number expected.
func (w *ReceiveWindow) Base() seqnum.Value { return w.base }

// Append places bytes at the offset implied by seq-base. If doing so extends
// a contiguous run starting at base, base advances by that run's length and
// the run is returned; otherwise ok is false and the bytes are merely held.
// Bytes (or portions of bytes) that fall before base or beyond capacity are
// silently clipped, matching a receiver that has already acknowledged or
// cannot yet buffer that data.
func (w *ReceiveWindow) Append(seq seqnum.Value, data []byte) (prefix []byte, ok bool) {
	offset := seqnum.Sub(seq, w.base)
	start := 0
	if offset < 0 {
		start = int(-offset)
		offset = 0
	}
	if start >= len(data) {
		return nil, false
	}
	data = data[start:]
	if offset >= int64(w.capacity) {
		return nil, false
	}
	end := offset + int64(len(data))
	if end > int64(w.capacity) {
		end = int64(w.capacity)
		data = data[:end-offset]
	}
	for i, b := range data {
		idx := int(offset) + i
		w.buf[idx] = b
		w.filled[idx] = true
	}

	if !w.filled[0] {
		return nil, false
	}
	n := 0
	for n < len(w.filled) && w.filled[n] {
		n++
	}
	if n == 0 {
		return nil, false
	}
	prefix = make([]byte, n)
	copy(prefix, w.buf[:n])
	copy(w.buf, w.buf[n:])
	copy(w.filled, w.filled[n:])
	for i := len(w.filled) - n; i < len(w.filled); i++ {
		w.filled[i] = false
	}
	w.base = seqnum.Add(w.base, uint32(n))
	return prefix, true
}

// Filled returns the currently populated ranges above base, for SACK
// generation, most sequence-advanced first, capped at 4 (the wire format's
// limit on SACK blocks).
func (w *ReceiveWindow) Filled() []Range {
	var ranges []Range
	i := 0
	for i < len(w.filled) {
		if !w.filled[i] {
			i++
			continue
		}
		j := i
		for j < len(w.filled) && w.filled[j] {
			j++
		}
		ranges = append(ranges, Range{
			Start: seqnum.Add(w.base, uint32(i)),
			End:   seqnum.Add(w.base, uint32(j)),
		})
		i = j
	}
	sort.Slice(ranges, func(a, b int) bool { return seqnum.Less(ranges[b].Start, ranges[a].Start) })
	if len(ranges) > 4 {
		ranges = ranges[:4]
	}
	return ranges
}

// Remaining returns the free space measured from the committed base: total
// capacity minus the gap already spanned by filled-but-not-yet-contiguous
// data (receive-side silly-window-syndrome avoidance uses this).
func (w *ReceiveWindow) Remaining() uint32 {
	furthest := 0
	for i := len(w.filled) - 1; i >= 0; i-- {
		if w.filled[i] {
			furthest = i + 1
			break
		}
	}
	return w.capacity - uint32(furthest)
}
