package wire

import (
	"encoding/binary"
	"net"

	"github.com/google/gopacket/layers"
)

// EmbeddedDatagram is the (truncated) original IPv4 datagram an ICMPv4 error
// quotes in its payload: enough of the original header plus, for UDP/TCP,
// the first 4 bytes of the transport header to recover both endpoints'
// ports.
type EmbeddedDatagram struct {
	Protocol         layers.IPProtocol
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
}

// ParseEmbeddedDatagram extracts the quoted original datagram from an
// ICMPv4 error's payload (the bytes gopacket hands back as the ICMP
// "payload" layer): an IPv4 header whose length is taken from its IHL field,
// followed by at least 4 bytes of the original transport header.
func ParseEmbeddedDatagram(payload []byte) (EmbeddedDatagram, bool) {
	if len(payload) < 20 {
		return EmbeddedDatagram{}, false
	}
	ihl := int(payload[0]&0x0F) * 4
	if ihl < 20 || len(payload) < ihl+4 {
		return EmbeddedDatagram{}, false
	}
	d := EmbeddedDatagram{
		Protocol: layers.IPProtocol(payload[9]),
		SrcIP:    net.IP(payload[12:16]),
		DstIP:    net.IP(payload[16:20]),
		SrcPort:  binary.BigEndian.Uint16(payload[ihl : ihl+2]),
		DstPort:  binary.BigEndian.Uint16(payload[ihl+2 : ihl+4]),
	}
	return d, true
}

// IsDestinationPortUnreachable reports whether icmp is a Destination
// Unreachable / Port Unreachable message (type 3, code 3).
func IsDestinationPortUnreachable(icmp *layers.ICMPv4) bool {
	return icmp.TypeCode.Type() == layers.ICMPv4TypeDestinationUnreachable &&
		icmp.TypeCode.Code() == layers.ICMPv4CodePort
}

// IsFragmentationNeeded reports whether icmp is a Destination Unreachable /
// Fragmentation Needed and DF Set message (type 3, code 4).
func IsFragmentationNeeded(icmp *layers.ICMPv4) bool {
	return icmp.TypeCode.Type() == layers.ICMPv4TypeDestinationUnreachable &&
		icmp.TypeCode.Code() == layers.ICMPv4CodeFragmentationNeeded
}

// NextHopMTU returns the next-hop MTU a Fragmentation Needed message
// reports. Per RFC 1191, that value occupies the low 16 bits of the
// ICMPv4 header's second word — the same word gopacket surfaces as Seq for
// echo-style messages.
func NextHopMTU(icmp *layers.ICMPv4) int {
	return int(icmp.Seq)
}
