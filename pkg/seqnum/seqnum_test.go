package seqnum

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubReconstructsForwardOffset(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		b := Value(r.Uint32())
		n := uint32(r.Intn(forwardWindow + 1))
		a := Add(b, n)
		assert.Equal(t, int64(n), Sub(a, b))
	}
}

func TestSubBehind(t *testing.T) {
	b := Value(1000)
	a := Value(900)
	assert.True(t, Less(a, b))
	assert.False(t, Less(b, a))
	assert.Equal(t, int64(-100), Sub(a, b))
}

func TestWrapAround(t *testing.T) {
	a := Value(10)
	b := Value(0xFFFFFFF0)
	// a is 0x1A bytes ahead of b across the wrap (0x10 to reach 0, then 10).
	assert.Equal(t, int64(0x1A), Sub(a, b))
	assert.True(t, LessEq(b, a))
}

func TestInWindow(t *testing.T) {
	base := Value(1000)
	assert.True(t, InWindow(1000, base, 500))
	assert.True(t, InWindow(1500, base, 500))
	assert.False(t, InWindow(1501, base, 500))
	assert.False(t, InWindow(999, base, 500))
}
