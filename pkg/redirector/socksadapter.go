package redirector

import (
	"context"
	"net"

	"github.com/vnat-project/vnat/pkg/socksclient"
)

// SocksAdapter adapts a concrete *socksclient.Client to the narrower
// socksConnector interface the Redirector drives. It exists because
// Client.UDPAssociate returns the concrete *socksclient.Datagram, while
// socksConnector's UDPAssociate returns the package-local udpAssociation
// interface — two different method signatures even though *Datagram
// satisfies udpAssociation, so the Client itself cannot be passed to New
// directly.
type SocksAdapter struct {
	Client *socksclient.Client
}

// NewSocksAdapter wraps c for use with New.
func NewSocksAdapter(c *socksclient.Client) *SocksAdapter {
	return &SocksAdapter{Client: c}
}

// Connect delegates to the wrapped Client.
func (a *SocksAdapter) Connect(ctx context.Context, dst *net.TCPAddr) (net.Conn, error) {
	return a.Client.Connect(ctx, dst)
}

// UDPAssociate delegates to the wrapped Client, upcasting its concrete
// *socksclient.Datagram result to the udpAssociation interface.
func (a *SocksAdapter) UDPAssociate() (udpAssociation, error) {
	return a.Client.UDPAssociate()
}
