package defrag

import (
	"net"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fragment(id uint16, offset uint16, more bool, payload []byte) *layers.IPv4 {
	flags := layers.IPv4Flags(0)
	if more {
		flags |= layers.IPv4MoreFragments
	}
	return &layers.IPv4{
		Version: 4, IHL: 5, Id: id, TTL: 64,
		Protocol:   layers.IPProtocolUDP,
		SrcIP:      net.ParseIP("10.0.0.2").To4(),
		DstIP:      net.ParseIP("1.1.1.1").To4(),
		Flags:      flags,
		FragOffset: offset,
		Length:     uint16(20 + len(payload)),
		Payload:    payload,
	}
}

func TestDefragReassemblesTwoFragments(t *testing.T) {
	d := New()
	first := fragment(1, 0, true, make([]byte, 8))
	_, ok, err := d.Insert(first)
	require.NoError(t, err)
	assert.False(t, ok)

	second := fragment(1, 1, false, make([]byte, 8))
	out, ok, err := d.Insert(second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 16, len(out.Payload))
}
