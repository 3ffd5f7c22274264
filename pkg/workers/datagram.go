package workers

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"github.com/vnat-project/vnat/pkg/flow"
)

// datagramAssociation is the subset of *socksclient.Datagram a DatagramWorker
// drives.
type datagramAssociation interface {
	SendTo(payload []byte, dst *net.UDPAddr) error
	Receive(buf []byte) (*net.UDPAddr, []byte, error)
	Close() error
}

// udpForwarderHandle is the subset of *forwarder.Forwarder a DatagramWorker
// drives.
type udpForwarderHandle interface {
	SendUDP(ctx context.Context, key flow.Key, payload []byte) error
}

// DatagramWorker owns one upstream SOCKS UDP ASSOCIATE session bound to a
// single source port on the intercepted host's side. Every datagram
// received from the relay, regardless of which upstream peer sent it, is
// forwarded back to that one source.
type DatagramWorker struct {
	key   flow.Key
	assoc datagramAssociation
	fwd   udpForwarderHandle

	closed int32
}

// NewDatagramWorker starts the relay reader goroutine.
func NewDatagramWorker(ctx context.Context, key flow.Key, assoc datagramAssociation, fwd udpForwarderHandle) *DatagramWorker {
	w := &DatagramWorker{key: key, assoc: assoc, fwd: fwd}
	go w.readLoop(ctx)
	return w
}

func (w *DatagramWorker) readLoop(ctx context.Context) {
	defer func() {
		if perr := derror.PanicToError(recover()); perr != nil {
			dlog.Errorf(ctx, "workers: %s relay reader panic: %+v", w.key, perr)
		}
	}()
	buf := make([]byte, 0x10000)
	for {
		from, payload, err := w.assoc.Receive(buf)
		if err != nil {
			if atomic.LoadInt32(&w.closed) == 0 {
				dlog.Debugf(ctx, "workers: %s relay read: %v", w.key, err)
			}
			return
		}
		// One bound local port relays to however many distinct remote peers
		// the intercepted source talks to; the reply's key is addressed to
		// whichever peer this particular datagram came from, not the peer
		// that first triggered the binding.
		key := w.key
		if from != nil {
			key = flow.NewKey(w.key.Protocol(), w.key.Source(), from.IP, w.key.SourcePort(), uint16(from.Port))
		}
		if err := w.fwd.SendUDP(ctx, key, payload); err != nil {
			dlog.Errorf(ctx, "workers: %s send udp: %v", key, err)
		}
	}
}

// SendTo relays a downstream-originated datagram to dst through the
// association.
func (w *DatagramWorker) SendTo(payload []byte, dst *net.UDPAddr) error {
	return w.assoc.SendTo(payload, dst)
}

// Close tears down the association. Idempotent.
func (w *DatagramWorker) Close() error {
	if !atomic.CompareAndSwapInt32(&w.closed, 0, 1) {
		return nil
	}
	return w.assoc.Close()
}
