package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vnat-project/vnat/pkg/seqnum"
)

func TestReceiveWindowInOrder(t *testing.T) {
	w := NewReceiveWindow(1000, 4096)
	prefix, ok := w.Append(1000, []byte("hello"))
	assert.True(t, ok)
	assert.Equal(t, "hello", string(prefix))
	assert.Equal(t, seqnum.Value(1005), w.Base())
}

func TestReceiveWindowOutOfOrderThenFill(t *testing.T) {
	w := NewReceiveWindow(1000, 4096)

	_, ok := w.Append(1100, []byte("world"))
	assert.False(t, ok, "gap ahead, nothing contiguous yet")
	ranges := w.Filled()
	if assert.Len(t, ranges, 1) {
		assert.Equal(t, seqnum.Value(1100), ranges[0].Start)
		assert.Equal(t, seqnum.Value(1105), ranges[0].End)
	}

	gap := make([]byte, 100)
	prefix, ok := w.Append(1000, gap)
	assert.True(t, ok, "closing the gap reaches straight into the already-buffered island at 1100")
	assert.Equal(t, 105, len(prefix))
	assert.Equal(t, seqnum.Value(1105), w.Base())
}

func TestReceiveWindowDuplicateInsertIsIdempotent(t *testing.T) {
	w := NewReceiveWindow(1000, 4096)
	_, _ = w.Append(1000, []byte("abc"))
	prefix, ok := w.Append(1000, []byte("abc"))
	assert.False(t, ok)
	assert.Nil(t, prefix)
}

func TestReceiveWindowRemaining(t *testing.T) {
	w := NewReceiveWindow(1000, 1000)
	assert.Equal(t, uint32(1000), w.Remaining())
	_, _ = w.Append(1500, make([]byte, 10))
	assert.Equal(t, uint32(490), w.Remaining())
}
