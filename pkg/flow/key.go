// Package flow provides a compact, comparable flow identity usable as a map
// key for both TCP flows and UDP source bindings, modeled on the connection
// pool's ConnID: protocol plus both endpoints packed into one immutable
// string.
package flow

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Key uniquely identifies one TCP flow or UDP source binding: protocol,
// source IPv4+port, destination IPv4+port, packed into a comparable string.
type Key string

// NewKey builds a Key from IPv4 endpoints. IPv6 is out of scope (spec
// non-goal); addresses are always normalized to 4-byte form.
func NewKey(proto int, src, dst net.IP, srcPort, dstPort uint16) Key {
	src4 := src.To4()
	dst4 := dst.To4()
	bs := make([]byte, 4+2+4+2+1)
	copy(bs[0:4], src4)
	binary.BigEndian.PutUint16(bs[4:6], srcPort)
	copy(bs[6:10], dst4)
	binary.BigEndian.PutUint16(bs[10:12], dstPort)
	bs[12] = byte(proto)
	return Key(bs)
}

func (k Key) Source() net.IP       { return net.IP([]byte(k)[0:4]) }
func (k Key) SourcePort() uint16   { return binary.BigEndian.Uint16([]byte(k)[4:6]) }
func (k Key) Destination() net.IP  { return net.IP([]byte(k)[6:10]) }
func (k Key) DestinationPort() uint16 {
	return binary.BigEndian.Uint16([]byte(k)[10:12])
}
func (k Key) Protocol() int { return int(k[len(k)-1]) }

func (k Key) SourceAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: k.Source(), Port: int(k.SourcePort())}
}

func (k Key) DestinationAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: k.Destination(), Port: int(k.DestinationPort())}
}

// Reply returns the key for the opposite direction of the same flow.
func (k Key) Reply() Key {
	return NewKey(k.Protocol(), k.Destination(), k.Source(), k.DestinationPort(), k.SourcePort())
}

func protoString(p int) string {
	switch p {
	case unix.IPPROTO_TCP:
		return "tcp"
	case unix.IPPROTO_UDP:
		return "udp"
	case unix.IPPROTO_ICMP:
		return "icmp"
	default:
		return fmt.Sprintf("ip-proto-%d", p)
	}
}

// String renders the key as "proto src:port -> dst:port" for logging.
func (k Key) String() string {
	return fmt.Sprintf("%s %s:%d -> %s:%d", protoString(k.Protocol()), k.Source(), k.SourcePort(), k.Destination(), k.DestinationPort())
}
