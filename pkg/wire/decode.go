// Package wire parses and serializes the Ethernet/ARP/IPv4/ICMPv4/TCP/UDP
// frames this gateway speaks, using gopacket/layers as the packet codec:
// this is the "given library" spec.md §6 names, and the library the rest of
// the retrieval pack's own packet-capture tools (paqet, mel2oo-go-pcap)
// reach for the same job.
package wire

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Decoded is a lazily-populated view over one captured Ethernet frame. Only
// the layers actually present are non-nil.
type Decoded struct {
	Eth  *layers.Ethernet
	ARP  *layers.ARP
	IP4  *layers.IPv4
	ICMP *layers.ICMPv4
	TCP  *layers.TCP
	UDP  *layers.UDP

	Payload []byte
}

// Decode parses one raw Ethernet frame. Malformed frames (spec §7's
// "malformed frame" error kind) are reported as an error for the caller to
// log and drop.
func Decode(frame []byte) (*Decoded, error) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})
	if err := pkt.ErrorLayer(); err != nil {
		return nil, err.Error()
	}

	d := &Decoded{}
	if l := pkt.Layer(layers.LayerTypeEthernet); l != nil {
		d.Eth = l.(*layers.Ethernet)
	}
	if l := pkt.Layer(layers.LayerTypeARP); l != nil {
		d.ARP = l.(*layers.ARP)
	}
	if l := pkt.Layer(layers.LayerTypeIPv4); l != nil {
		d.IP4 = l.(*layers.IPv4)
	}
	if l := pkt.Layer(layers.LayerTypeICMPv4); l != nil {
		d.ICMP = l.(*layers.ICMPv4)
	}
	if l := pkt.Layer(layers.LayerTypeTCP); l != nil {
		d.TCP = l.(*layers.TCP)
	}
	if l := pkt.Layer(layers.LayerTypeUDP); l != nil {
		d.UDP = l.(*layers.UDP)
	}
	if l := pkt.ApplicationLayer(); l != nil {
		d.Payload = l.Payload()
	}
	return d, nil
}

// DecodeReassembled builds a Decoded from an IPv4 datagram the Defraggler has
// just completed: ip4.Payload is the concatenation of every fragment's
// carried bytes, so the transport layer is parsed starting directly from it
// rather than from an Ethernet frame.
func DecodeReassembled(ip4 *layers.IPv4) (*Decoded, error) {
	d := &Decoded{IP4: ip4}

	var start gopacket.LayerType
	switch ip4.Protocol {
	case layers.IPProtocolTCP:
		start = layers.LayerTypeTCP
	case layers.IPProtocolUDP:
		start = layers.LayerTypeUDP
	case layers.IPProtocolICMPv4:
		start = layers.LayerTypeICMPv4
	default:
		return d, nil
	}

	pkt := gopacket.NewPacket(ip4.Payload, start, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})
	if err := pkt.ErrorLayer(); err != nil {
		return nil, err.Error()
	}
	if l := pkt.Layer(layers.LayerTypeTCP); l != nil {
		d.TCP = l.(*layers.TCP)
	}
	if l := pkt.Layer(layers.LayerTypeUDP); l != nil {
		d.UDP = l.(*layers.UDP)
	}
	if l := pkt.Layer(layers.LayerTypeICMPv4); l != nil {
		d.ICMP = l.(*layers.ICMPv4)
	}
	if l := pkt.ApplicationLayer(); l != nil {
		d.Payload = l.Payload()
	}
	return d, nil
}
