package socksclient

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncapsulateDecapsulateRoundTrip(t *testing.T) {
	dst := &net.UDPAddr{IP: net.ParseIP("8.8.8.8").To4(), Port: 53}
	payload := []byte("hello world")

	wire := encapsulate(dst, payload)
	got, rest, err := decapsulate(wire)
	require.NoError(t, err)
	assert.True(t, got.IP.Equal(dst.IP))
	assert.Equal(t, dst.Port, got.Port)
	assert.Equal(t, payload, rest)
}

func TestEncodeAddrIPv4(t *testing.T) {
	b := encodeAddr(net.ParseIP("10.0.0.1"), 1080)
	assert.Equal(t, byte(atypIPv4), b[0])
	assert.Equal(t, net.IP{10, 0, 0, 1}, net.IP(b[1:5]))
}
