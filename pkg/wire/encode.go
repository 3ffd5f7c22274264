package wire

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// minFrameLen is the minimum Ethernet frame length (802.3 minus FCS); every
// emitted frame is padded up to it.
const minFrameLen = 60

func serialize(pad bool, l ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, l...); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if pad && len(out) < minFrameLen {
		padded := make([]byte, minFrameLen)
		copy(padded, out)
		out = padded
	}
	return out, nil
}

func ethernet(src, dst net.HardwareAddr, ethType layers.EthernetType) *layers.Ethernet {
	return &layers.Ethernet{SrcMAC: src, DstMAC: dst, EthernetType: ethType}
}

// BuildArpReply synthesizes an ARP reply naming (localMAC, localIP) as the
// owner of localIP, addressed to (dstMAC, dstIP) — the Forwarder's
// send_arp_reply operation.
func BuildArpReply(localMAC, dstMAC net.HardwareAddr, localIP, dstIP net.IP) ([]byte, error) {
	eth := ethernet(localMAC, dstMAC, layers.EthernetTypeARP)
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   localMAC,
		SourceProtAddress: localIP.To4(),
		DstHwAddress:      dstMAC,
		DstProtAddress:    dstIP.To4(),
	}
	return serialize(true, eth, arp)
}

// TCPSegment carries everything needed to emit one outbound TCP/IPv4
// segment: addressing, flags, the negotiated options, and payload.
type TCPSegment struct {
	EthSrc, EthDst           net.HardwareAddr
	SrcIP, DstIP             net.IP
	SrcPort, DstPort         uint16
	Seq, Ack                 uint32
	SYN, ACK, FIN, RST       bool
	Window                   uint16
	IPID                     uint16
	MSS                      uint16
	WindowScale              uint8
	HasWindowScale           bool
	SACKPermitted            bool
	SACKBlocks               [][2]uint32
	Payload                  []byte
}

// Build serializes one IPv4/TCP segment wrapped in an Ethernet frame, with
// checksums and lengths computed by the codec.
func (s TCPSegment) Build() ([]byte, error) {
	eth := ethernet(s.EthSrc, s.EthDst, layers.EthernetTypeIPv4)
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Id:       s.IPID,
		SrcIP:    s.SrcIP.To4(),
		DstIP:    s.DstIP.To4(),
		Protocol: layers.IPProtocolTCP,
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.SrcPort),
		DstPort: layers.TCPPort(s.DstPort),
		Seq:     s.Seq,
		Ack:     s.Ack,
		SYN:     s.SYN,
		ACK:     s.ACK,
		FIN:     s.FIN,
		RST:     s.RST,
		Window:  s.Window,
	}
	if s.MSS > 0 {
		tcp.Options = append(tcp.Options, layers.TCPOption{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   []byte{byte(s.MSS >> 8), byte(s.MSS)},
		})
	}
	if s.HasWindowScale {
		tcp.Options = append(tcp.Options, layers.TCPOption{
			OptionType:   layers.TCPOptionKindWindowScale,
			OptionLength: 3,
			OptionData:   []byte{s.WindowScale},
		})
	}
	if s.SACKPermitted {
		tcp.Options = append(tcp.Options, layers.TCPOption{
			OptionType:   layers.TCPOptionKindSACKPermitted,
			OptionLength: 2,
		})
	}
	if len(s.SACKBlocks) > 0 {
		data := make([]byte, 0, len(s.SACKBlocks)*8)
		for _, b := range s.SACKBlocks {
			data = append(data,
				byte(b[0]>>24), byte(b[0]>>16), byte(b[0]>>8), byte(b[0]),
				byte(b[1]>>24), byte(b[1]>>16), byte(b[1]>>8), byte(b[1]))
		}
		tcp.Options = append(tcp.Options, layers.TCPOption{
			OptionType:   layers.TCPOptionKindSACK,
			OptionLength: uint8(2 + len(data)),
			OptionData:   data,
		})
	}
	_ = tcp.SetNetworkLayerForChecksum(ip)

	layersToSend := []gopacket.SerializableLayer{eth, ip, tcp}
	if len(s.Payload) > 0 {
		layersToSend = append(layersToSend, gopacket.Payload(s.Payload))
	}
	return serialize(true, layersToSend...)
}

// UDPDatagram carries everything needed to emit one outbound UDP/IPv4
// datagram (or one fragment of one, per the Forwarder's fragmentation loop).
type UDPDatagram struct {
	EthSrc, EthDst   net.HardwareAddr
	SrcIP, DstIP     net.IP
	SrcPort, DstPort uint16
	IPID             uint16
	FragOffset       uint16 // in 8-byte units
	MoreFragments    bool
	Payload          []byte
	// IncludeUDPHeader is true only for the first fragment: subsequent
	// fragments of the same datagram carry raw IP payload continuation, no
	// UDP header of their own.
	IncludeUDPHeader bool
}

// Build serializes one IPv4 datagram (optionally one fragment of a larger
// one) carrying UDP payload, wrapped in an Ethernet frame.
func (d UDPDatagram) Build() ([]byte, error) {
	eth := ethernet(d.EthSrc, d.EthDst, layers.EthernetTypeIPv4)
	flags := layers.IPv4Flags(0)
	if d.MoreFragments {
		flags |= layers.IPv4MoreFragments
	}
	ip := &layers.IPv4{
		Version:    4,
		TTL:        64,
		Id:         d.IPID,
		SrcIP:      d.SrcIP.To4(),
		DstIP:      d.DstIP.To4(),
		Protocol:   layers.IPProtocolUDP,
		Flags:      flags,
		FragOffset: d.FragOffset,
	}
	if !d.IncludeUDPHeader {
		return serialize(true, eth, ip, gopacket.Payload(d.Payload))
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(d.SrcPort), DstPort: layers.UDPPort(d.DstPort)}
	_ = udp.SetNetworkLayerForChecksum(ip)
	return serialize(true, eth, ip, udp, gopacket.Payload(d.Payload))
}
