package workers

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnat-project/vnat/pkg/flow"
)

type fakeForwarder struct {
	forwarded chan []byte
	closed    chan flow.Key
}

func newFakeForwarder() *fakeForwarder {
	return &fakeForwarder{forwarded: make(chan []byte, 8), closed: make(chan flow.Key, 1)}
}

func (f *fakeForwarder) Forward(ctx context.Context, key flow.Key, data []byte) error {
	cp := append([]byte(nil), data...)
	f.forwarded <- cp
	return nil
}

func (f *fakeForwarder) Close(ctx context.Context, key flow.Key) error {
	f.closed <- key
	return nil
}

func TestStreamWorkerForwardsUpstreamReads(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	fwd := newFakeForwarder()
	key := flow.NewKey(6, net.ParseIP("10.0.0.5"), net.ParseIP("1.1.1.1"), 1234, 80)
	w := NewStreamWorker(context.Background(), key, server, fwd)

	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)

	select {
	case got := <-fwd.forwarded:
		assert.Equal(t, []byte("hello"), got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for forwarded payload")
	}

	require.NoError(t, w.Close())
}

func TestStreamWorkerClosesFlowOnEOF(t *testing.T) {
	client, server := net.Pipe()

	fwd := newFakeForwarder()
	key := flow.NewKey(6, net.ParseIP("10.0.0.5"), net.ParseIP("1.1.1.1"), 1234, 80)
	NewStreamWorker(context.Background(), key, server, fwd)

	client.Close()

	select {
	case got := <-fwd.closed:
		assert.Equal(t, key, got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for flow close")
	}
}

func TestStreamWorkerSendWritesToUpstream(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	fwd := newFakeForwarder()
	key := flow.NewKey(6, net.ParseIP("10.0.0.5"), net.ParseIP("1.1.1.1"), 1234, 80)
	w := NewStreamWorker(context.Background(), key, server, fwd)

	done := make(chan struct{})
	var got []byte
	go func() {
		buf := make([]byte, 16)
		n, _ := client.Read(buf)
		got = buf[:n]
		close(done)
	}()

	require.NoError(t, w.Send([]byte("world")))
	select {
	case <-done:
		assert.Equal(t, []byte("world"), got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for write")
	}
}
