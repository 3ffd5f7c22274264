// Package defrag wraps gopacket/ip4defrag's IPv4 reassembler with the
// bounding spec.md §9's "Defragmentation table" design note calls for: a cap
// on total buffered bytes, a cap on concurrent in-flight fragment sets, and
// a per-flow timeout, since the underlying defragmenter never expires
// entries on its own.
package defrag

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/gopacket/ip4defrag"
	"github.com/google/gopacket/layers"
)

const (
	maxTotalBytes   = 1024 * 1024
	maxConcurrent   = 64
	fragmentTimeout = 10 * time.Second
)

type entry struct {
	size     int
	lastSeen time.Time
}

// Defraggler accumulates IPv4 fragments keyed by (src, dst, id, protocol)
// and releases the reassembled datagram once complete.
type Defraggler struct {
	mu      sync.Mutex
	inner   *ip4defrag.IPv4Defragmenter
	entries map[string]*entry
	total   int
}

// New creates an empty, bounded defragmenter.
func New() *Defraggler {
	return &Defraggler{
		inner:   ip4defrag.NewIPv4Defragmenter(),
		entries: make(map[string]*entry),
	}
}

// Insert feeds one fragment in. If it completes a datagram, the fully
// reassembled IPv4 layer is returned with ok=true; otherwise ok is false and
// the fragment is now held pending its siblings.
func (d *Defraggler) Insert(ip *layers.IPv4) (reassembled *layers.IPv4, ok bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.expireLocked()

	key := fragmentKey(ip)
	if e, found := d.entries[key]; found {
		d.total -= e.size
	}
	if d.total+len(ip.Payload) > maxTotalBytes || len(d.entries) >= maxConcurrent {
		if _, found := d.entries[key]; !found {
			return nil, false, errTableFull
		}
	}

	out, err := d.inner.DefragIPv4(ip)
	if err != nil {
		delete(d.entries, key)
		return nil, false, err
	}
	if out == nil {
		size := len(ip.Payload)
		if e, found := d.entries[key]; found {
			size += e.size
		}
		d.entries[key] = &entry{size: size, lastSeen: time.Now()}
		d.total += size
		return nil, false, nil
	}
	delete(d.entries, key)
	return out, true, nil
}

func (d *Defraggler) expireLocked() {
	now := time.Now()
	d.inner.DiscardOlderThan(now.Add(-fragmentTimeout))
	for k, e := range d.entries {
		if now.Sub(e.lastSeen) > fragmentTimeout {
			d.total -= e.size
			delete(d.entries, k)
		}
	}
}

func fragmentKey(ip *layers.IPv4) string {
	return string(ip.SrcIP) + "|" + string(ip.DstIP) + "|" + string(ip.Protocol) + "|" + strconv.Itoa(int(ip.Id))
}

type tableFullError struct{}

func (tableFullError) Error() string { return "defrag: fragment table at capacity" }

var errTableFull = tableFullError{}
