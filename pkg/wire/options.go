package wire

import (
	"encoding/binary"

	"github.com/google/gopacket/layers"
)

// TCPOptions is the subset of negotiated TCP options the Redirector and
// Forwarder care about, pulled out of a parsed segment's option list.
type TCPOptions struct {
	MSS            uint16
	WindowScale    uint8
	HasWindowScale bool
	SACKPermitted  bool
	// SACKBlocks holds up to four (start, end) sequence pairs, in wire
	// order, from a single SACK option.
	SACKBlocks [][2]uint32
}

// ParseTCPOptions extracts MSS, window scale, SACK-permitted and SACK block
// options from a decoded TCP segment. Unrecognized or malformed options are
// silently skipped, matching gopacket's own lenient option decoding.
func ParseTCPOptions(tcp *layers.TCP) TCPOptions {
	var o TCPOptions
	for _, opt := range tcp.Options {
		switch opt.OptionType {
		case layers.TCPOptionKindMSS:
			if len(opt.OptionData) >= 2 {
				o.MSS = binary.BigEndian.Uint16(opt.OptionData)
			}
		case layers.TCPOptionKindWindowScale:
			if len(opt.OptionData) >= 1 {
				o.WindowScale = opt.OptionData[0]
				o.HasWindowScale = true
			}
		case layers.TCPOptionKindSACKPermitted:
			o.SACKPermitted = true
		case layers.TCPOptionKindSACK:
			for i := 0; i+8 <= len(opt.OptionData); i += 8 {
				start := binary.BigEndian.Uint32(opt.OptionData[i:])
				end := binary.BigEndian.Uint32(opt.OptionData[i+4:])
				o.SACKBlocks = append(o.SACKBlocks, [2]uint32{start, end})
			}
		}
	}
	return o
}
