package flow

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"
)

func TestKeyRoundTrip(t *testing.T) {
	src := net.ParseIP("10.0.0.2")
	dst := net.ParseIP("1.1.1.1")
	k := NewKey(unix.IPPROTO_TCP, src, dst, 40000, 80)

	assert.True(t, k.Source().Equal(src))
	assert.True(t, k.Destination().Equal(dst))
	assert.Equal(t, uint16(40000), k.SourcePort())
	assert.Equal(t, uint16(80), k.DestinationPort())
	assert.Equal(t, unix.IPPROTO_TCP, k.Protocol())
}

func TestKeyReply(t *testing.T) {
	src := net.ParseIP("10.0.0.2")
	dst := net.ParseIP("1.1.1.1")
	k := NewKey(unix.IPPROTO_TCP, src, dst, 40000, 80)
	r := k.Reply()

	assert.True(t, r.Source().Equal(dst))
	assert.True(t, r.Destination().Equal(src))
	assert.Equal(t, uint16(80), r.SourcePort())
	assert.Equal(t, uint16(40000), r.DestinationPort())
	assert.Equal(t, k, r.Reply())
}

func TestKeyUsableAsMapKey(t *testing.T) {
	m := map[Key]int{}
	k1 := NewKey(unix.IPPROTO_TCP, net.ParseIP("10.0.0.2"), net.ParseIP("1.1.1.1"), 1, 80)
	k2 := NewKey(unix.IPPROTO_TCP, net.ParseIP("10.0.0.2"), net.ParseIP("1.1.1.1"), 1, 80)
	m[k1] = 1
	assert.Equal(t, 1, m[k2])
}
