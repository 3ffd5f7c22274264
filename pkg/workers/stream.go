// Package workers owns the upstream half of every flow: one reader goroutine
// per TCP flow copying from the SOCKS5 connection into the Forwarder, with
// writes made synchronously by the caller, modeled on the connection pool's
// dialer.go read loop (CAS-guarded shutdown, half-close on EOF rather than a
// hard connection close).
package workers

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"github.com/vnat-project/vnat/pkg/flow"
)

// forwarderHandle is the subset of *forwarder.Forwarder a StreamWorker
// drives. Declared locally (not imported) to avoid a dependency cycle:
// pkg/redirector wires the concrete forwarder in.
type forwarderHandle interface {
	Forward(ctx context.Context, key flow.Key, data []byte) error
	Close(ctx context.Context, key flow.Key) error
}

// StreamWorker owns one upstream SOCKS TCP connection for one TCP flow. Its
// reader goroutine copies bytes upstream->downstream via Forward; Send
// copies downstream->upstream directly onto the connection.
type StreamWorker struct {
	key  flow.Key
	conn net.Conn
	fwd  forwarderHandle

	closed      int32 // CAS guard, dialer.go's "connected" flag inverted
	readClosed  int32 // upstream read half reached EOF/error
	writeClosed int32 // HalfClose was called (source sent FIN)
}

// NewStreamWorker starts the upstream reader goroutine and returns the
// worker. The caller owns conn's lifetime jointly with the worker: either
// side closing ends the flow.
func NewStreamWorker(ctx context.Context, key flow.Key, conn net.Conn, fwd forwarderHandle) *StreamWorker {
	w := &StreamWorker{key: key, conn: conn, fwd: fwd}
	go w.readLoop(ctx)
	return w
}

func (w *StreamWorker) readLoop(ctx context.Context) {
	defer func() {
		if perr := derror.PanicToError(recover()); perr != nil {
			dlog.Errorf(ctx, "workers: %s reader panic: %+v", w.key, perr)
			w.shutdown(ctx)
		}
	}()
	buf := make([]byte, 0x8000)
	for {
		n, err := w.conn.Read(buf)
		if n > 0 {
			if ferr := w.fwd.Forward(ctx, w.key, buf[:n]); ferr != nil {
				dlog.Errorf(ctx, "workers: %s forward: %v", w.key, ferr)
				w.shutdown(ctx)
				return
			}
		}
		if err != nil {
			atomic.StoreInt32(&w.readClosed, 1)
			if err.Error() != "EOF" {
				dlog.Debugf(ctx, "workers: %s upstream read: %v", w.key, err)
			}
			w.shutdown(ctx)
			return
		}
	}
}

// IsReadClosed reports whether the upstream read half has reached EOF or
// errored.
func (w *StreamWorker) IsReadClosed() bool {
	return atomic.LoadInt32(&w.readClosed) != 0
}

// IsWriteClosed reports whether HalfClose has been called on this worker.
func (w *StreamWorker) IsWriteClosed() bool {
	return atomic.LoadInt32(&w.writeClosed) != 0
}

// Send writes downstream-originated payload to the upstream connection.
func (w *StreamWorker) Send(payload []byte) error {
	for off := 0; off < len(payload); {
		n, err := w.conn.Write(payload[off:])
		if err != nil {
			return err
		}
		off += n
	}
	return nil
}

// HalfClose signals upstream EOF (the intercepted host sent FIN): shuts down
// the write side of the upstream connection without tearing down the flow.
func (w *StreamWorker) HalfClose() error {
	atomic.StoreInt32(&w.writeClosed, 1)
	if cw, ok := w.conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

func (w *StreamWorker) shutdown(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&w.closed, 0, 1) {
		return
	}
	if err := w.fwd.Close(ctx, w.key); err != nil {
		dlog.Errorf(ctx, "workers: %s close: %v", w.key, err)
	}
}

// Close tears down the upstream connection. Each call closes conn again, so
// a repeated call returns whatever error conn.Close reports for that.
func (w *StreamWorker) Close() error {
	atomic.StoreInt32(&w.closed, 1)
	return w.conn.Close()
}
