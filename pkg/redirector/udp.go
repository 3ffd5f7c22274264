package redirector

import (
	"container/list"
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/sys/unix"

	"github.com/vnat-project/vnat/pkg/flow"
	"github.com/vnat-project/vnat/pkg/wire"
	"github.com/vnat-project/vnat/pkg/workers"
)

// udpPoolCapacity is the UDP source/port table's capacity (spec §3's "UDP
// state").
const udpPoolCapacity = 256

// udpAssociation is the subset of *socksclient.Datagram a bound UDP source
// needs.
type udpAssociation interface {
	SendTo(payload []byte, dst *net.UDPAddr) error
	Receive(buf []byte) (*net.UDPAddr, []byte, error)
	Close() error
}

// udpEntry is one bound (source socket -> local port -> DatagramWorker)
// row, held in the LRU list by source key.
type udpEntry struct {
	srcKey string
	worker *workers.DatagramWorker
}

// udpPortPool is the "(source socket -> local_port) map, a reverse LRU keyed
// by local_port with capacity 256, and a local_port -> DatagramWorker map"
// spec §3 describes, collapsed into one structure: the pack has no LRU
// library (see DESIGN.md), so eviction order is tracked with the standard
// library's container/list, the same doubly-linked-list idiom an LRU cache
// always uses regardless of language.
type udpPortPool struct {
	mu    sync.Mutex
	binds socksConnector
	fwd   udpForwarderHandle

	lru   *list.List // front = most recently used
	bySrc map[string]*list.Element
}

func newUDPPortPool(binds socksConnector, fwd udpForwarderHandle) *udpPortPool {
	return &udpPortPool{
		binds: binds,
		fwd:   fwd,
		lru:   list.New(),
		bySrc: make(map[string]*list.Element),
	}
}

func udpSourceKey(ip net.IP, port uint16) string {
	return fmt.Sprintf("%s:%d", ip.String(), port)
}

// workerFor returns the DatagramWorker bound to key's source, binding a
// fresh SOCKS UDP association (evicting the least-recently-used binding if
// the pool is already at capacity) when none exists yet.
func (p *udpPortPool) workerFor(ctx context.Context, key flow.Key) (*workers.DatagramWorker, error) {
	srcKey := udpSourceKey(key.Source(), key.SourcePort())

	p.mu.Lock()
	if el, ok := p.bySrc[srcKey]; ok {
		p.lru.MoveToFront(el)
		w := el.Value.(*udpEntry).worker
		p.mu.Unlock()
		return w, nil
	}
	var evicted *udpEntry
	if len(p.bySrc) >= udpPoolCapacity {
		if back := p.lru.Back(); back != nil {
			evicted = back.Value.(*udpEntry)
			p.lru.Remove(back)
			delete(p.bySrc, evicted.srcKey)
		}
	}
	p.mu.Unlock()

	if evicted != nil {
		dlog.Infof(ctx, "redirector: udp port pool at capacity, evicting %s", evicted.srcKey)
		if err := evicted.worker.Close(); err != nil {
			dlog.Errorf(ctx, "redirector: closing evicted udp worker for %s: %v", evicted.srcKey, err)
		}
	}

	assoc, err := p.binds.UDPAssociate()
	if err != nil {
		return nil, fmt.Errorf("redirector: udp associate for %s: %w", srcKey, err)
	}
	worker := workers.NewDatagramWorker(ctx, key, assoc, p.fwd)

	p.mu.Lock()
	el := p.lru.PushFront(&udpEntry{srcKey: srcKey, worker: worker})
	p.bySrc[srcKey] = el
	p.mu.Unlock()
	return worker, nil
}

// unbind drops the binding for (ip, port), closing its worker. Used by the
// ICMPv4 destination-port-unreachable handler.
func (p *udpPortPool) unbind(ip net.IP, port uint16) {
	srcKey := udpSourceKey(ip, port)
	p.mu.Lock()
	el, ok := p.bySrc[srcKey]
	var worker *workers.DatagramWorker
	if ok {
		worker = el.Value.(*udpEntry).worker
		p.lru.Remove(el)
		delete(p.bySrc, srcKey)
	}
	p.mu.Unlock()
	if worker != nil {
		worker.Close()
	}
}

// handleUDP binds (or reuses) the source's local port and relays the
// datagram to the ultimate destination through its DatagramWorker.
func (r *Redirector) handleUDP(ctx context.Context, d *wire.Decoded) {
	key := flow.NewKey(unix.IPPROTO_UDP, d.IP4.SrcIP, d.IP4.DstIP, uint16(d.UDP.SrcPort), uint16(d.UDP.DstPort))

	worker, err := r.udp.workerFor(ctx, key)
	if err != nil {
		dlog.Errorf(ctx, "redirector: %s udp bind: %v", key, err)
		return
	}
	if err := worker.SendTo(d.Payload, &net.UDPAddr{IP: key.Destination(), Port: int(key.DestinationPort())}); err != nil {
		dlog.Errorf(ctx, "redirector: %s udp send: %v", key, err)
	}
}
