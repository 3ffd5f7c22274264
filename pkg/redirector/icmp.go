package redirector

import (
	"context"

	"github.com/datawire/dlib/dlog"
	"github.com/google/gopacket/layers"

	"github.com/vnat-project/vnat/pkg/wire"
)

// handleICMP reacts to the two ICMPv4 error messages the gateway's peer can
// send about a flow it relayed upstream: Destination Unreachable/Port
// (the UDP source's local port is gone, so drop the binding) and
// Fragmentation Needed/DF Set (shrink the path MTU the Forwarder assumes
// for that source).
func (r *Redirector) handleICMP(ctx context.Context, d *wire.Decoded) {
	embedded, ok := wire.ParseEmbeddedDatagram(d.Payload)
	if !ok {
		return
	}

	switch {
	case wire.IsDestinationPortUnreachable(d.ICMP):
		if embedded.Protocol != layers.IPProtocolUDP {
			return
		}
		dlog.Debugf(ctx, "redirector: %s:%d port unreachable, dropping udp binding",
			embedded.DstIP, embedded.DstPort)
		r.udp.unbind(embedded.DstIP, embedded.DstPort)

	case wire.IsFragmentationNeeded(d.ICMP):
		mtu := wire.NextHopMTU(d.ICMP)
		if mtu <= 0 {
			return
		}
		dlog.Debugf(ctx, "redirector: %s reports next-hop mtu %d", embedded.DstIP, mtu)
		r.fwd.SetSourceMTU(embedded.DstIP, mtu)
	}
}
