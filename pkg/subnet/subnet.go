// Package subnet provides CIDR containment checks, used by config.Resolve to
// check that the gateway address lies inside the configured source subnet.
package subnet

import (
	"bytes"
	"net"
)

// Covers reports whether network1 fully contains network2: every address
// matched by network2's mask is also matched by network1.
func Covers(network1, network2 *net.IPNet) bool {
	ones1, bits1 := network1.Mask.Size()
	ones2, bits2 := network2.Mask.Size()
	if bits1 != bits2 || ones1 > ones2 {
		return false
	}
	ip1 := network1.IP.Mask(network1.Mask)
	ip2 := network2.IP.Mask(network1.Mask)
	return bytes.Equal(ip1, ip2)
}
