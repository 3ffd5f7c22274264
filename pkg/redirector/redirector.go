// Package redirector owns the inbound half of every flow: it drives the
// capture receive loop, demultiplexes ARP/ICMPv4/TCP/UDP, reassembles IP
// fragments, and is the sole authority over RxState and the flow tables
// (spec §4.3, §5, §9's "Per-flow clean-up"). It drives the Forwarder and the
// proxy workers but never lets its own state escape.
package redirector

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
	"github.com/google/gopacket/layers"
	"golang.org/x/sync/semaphore"

	"github.com/vnat-project/vnat/pkg/cache"
	"github.com/vnat-project/vnat/pkg/defrag"
	"github.com/vnat-project/vnat/pkg/flow"
	"github.com/vnat-project/vnat/pkg/link"
	"github.com/vnat-project/vnat/pkg/seqnum"
	"github.com/vnat-project/vnat/pkg/tcpstate"
	"github.com/vnat-project/vnat/pkg/wire"
	"github.com/vnat-project/vnat/pkg/workers"
)

// pollIdle is how long the run loop sleeps after Receive reports
// link.ErrTimedOut before it tries again (spec §4.3 step 1).
const pollIdle = 20 * time.Millisecond

// maxConcurrentConnects bounds simultaneous SOCKS CONNECT admissions in
// flight, the same cap pkg/client/daemon/proxy/proxy.go applies to its own
// outbound dial fan-out.
const maxConcurrentConnects = 64

// frameReceiver is the subset of *link.Receiver the run loop drives.
type frameReceiver interface {
	Receive() ([]byte, error)
}

// forwarderHandle is the subset of *forwarder.Forwarder the Redirector
// drives. Declared locally to avoid an import cycle back into pkg/forwarder.
type forwarderHandle interface {
	SetSourceHardwareAddr(ip net.IP, mac net.HardwareAddr)
	SetSourceMTU(src net.IP, mtu int)
	SendArpReply(ctx context.Context, src net.IP) error
	Open(ctx context.Context, key flow.Key, peerISN seqnum.Value, wscale uint8, sackPerm bool, mss uint16) (seqnum.Value, error)
	Forward(ctx context.Context, key flow.Key, data []byte) error
	Close(ctx context.Context, key flow.Key) error
	RemoveFlow(key flow.Key)
	HasFlow(key flow.Key) bool
	UpdateAck(key flow.Key, ack seqnum.Value, window uint32) (bool, error)
	SetAcknowledgement(key flow.Key, ack seqnum.Value, sacks []cache.Range)
	Tick(ctx context.Context, key flow.Key) error
	SendTCPAck(ctx context.Context, key flow.Key) error
	RetransmitTCPAck(ctx context.Context, key flow.Key) error
	RetransmitTCPAckWithout(ctx context.Context, key flow.Key, sacks []cache.Range) error
	SendUDP(ctx context.Context, key flow.Key, payload []byte) error
	SetAdvertisedWindow(key flow.Key, window uint16)
	SendAck(ctx context.Context, key flow.Key) error
	SendRST(ctx context.Context, key flow.Key, seq seqnum.Value, ack *seqnum.Value) error
}

// udpForwarderHandle is the narrower slice of forwarderHandle the UDP port
// pool's workers need; forwarderHandle already satisfies it.
type udpForwarderHandle interface {
	SendUDP(ctx context.Context, key flow.Key, payload []byte) error
}

// socksConnector is the subset of *socksclient.Client (via an adapter) the
// Redirector drives for flow admission.
type socksConnector interface {
	Connect(ctx context.Context, dst *net.TCPAddr) (net.Conn, error)
	UDPAssociate() (udpAssociation, error)
}

// Config configures one Redirector instance.
type Config struct {
	// SourceSubnet is the one subnet the Redirector accepts inbound frames
	// from (spec non-goal: routing beyond a single source subnet).
	SourceSubnet *net.IPNet
	GatewayIP    net.IP
	LocalIP      net.IP
	LocalMTU     int
}

// tcpFlow is one admitted TCP flow's inbound half plus its upstream worker.
type tcpFlow struct {
	rx     *tcpstate.RxState
	worker *workers.StreamWorker
}

// Redirector is the gateway's single inbound authority: it owns every flow's
// RxState and the UDP source/port tables, and is the only code path allowed
// to create or destroy them (spec invariant 6, §9 "Per-flow clean-up").
type Redirector struct {
	cfg    Config
	recv   frameReceiver
	fwd    forwarderHandle
	socks  socksConnector
	defrag *defrag.Defraggler

	connectSem *semaphore.Weighted

	mu      sync.Mutex
	flows   map[flow.Key]*tcpFlow
	udp     *udpPortPool
	knownHW map[string]bool
}

// New creates a Redirector. recv supplies raw frames, fwd is the Forwarder
// driving the reply path, and socks negotiates upstream connections.
func New(cfg Config, recv frameReceiver, fwd forwarderHandle, socks socksConnector) *Redirector {
	if cfg.LocalMTU == 0 {
		cfg.LocalMTU = 1500
	}
	r := &Redirector{
		cfg:        cfg,
		recv:       recv,
		fwd:        fwd,
		socks:      socks,
		defrag:     defrag.New(),
		connectSem: semaphore.NewWeighted(maxConcurrentConnects),
		flows:      make(map[flow.Key]*tcpFlow),
		knownHW:    make(map[string]bool),
	}
	r.udp = newUDPPortPool(socks, fwd)
	return r
}

// Run drives the capture receive loop until ctx is cancelled or the
// receiver reports a non-timeout error.
func (r *Redirector) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		frame, err := r.recv.Receive()
		if err != nil {
			if errors.Is(err, link.ErrTimedOut) {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(pollIdle):
				}
				continue
			}
			return err
		}
		r.handleFrame(ctx, frame)
	}
}

func (r *Redirector) handleFrame(ctx context.Context, frame []byte) {
	defer func() {
		if perr := derror.PanicToError(recover()); perr != nil {
			dlog.Errorf(ctx, "redirector: panic handling frame: %+v", perr)
		}
	}()

	d, err := wire.Decode(frame)
	if err != nil {
		dlog.Debugf(ctx, "redirector: malformed frame: %v", err)
		return
	}
	if d.ARP != nil {
		r.handleARP(ctx, d)
		return
	}
	if d.IP4 == nil {
		return
	}

	src := d.IP4.SrcIP
	if !r.cfg.SourceSubnet.Contains(src) || src.Equal(r.cfg.LocalIP) {
		return
	}
	r.noteHardwareAddr(ctx, src, d.Eth.SrcMAC)

	ip4 := d.IP4
	if ip4.Flags&layers.IPv4MoreFragments != 0 || ip4.FragOffset != 0 {
		reassembled, ok, ferr := r.defrag.Insert(ip4)
		if ferr != nil {
			dlog.Debugf(ctx, "redirector: defrag: %v", ferr)
			return
		}
		if !ok {
			return
		}
		rd, derr := wire.DecodeReassembled(reassembled)
		if derr != nil {
			dlog.Debugf(ctx, "redirector: malformed reassembled datagram: %v", derr)
			return
		}
		rd.Eth = d.Eth
		d = rd
		ip4 = reassembled
	}

	r.dispatch(ctx, d, ip4)
}

func (r *Redirector) dispatch(ctx context.Context, d *wire.Decoded, ip4 *layers.IPv4) {
	switch ip4.Protocol {
	case layers.IPProtocolICMPv4:
		if d.ICMP != nil {
			r.handleICMP(ctx, d)
		}
	case layers.IPProtocolTCP:
		if d.TCP != nil {
			r.handleTCP(ctx, d)
		}
	case layers.IPProtocolUDP:
		if d.UDP != nil {
			r.handleUDP(ctx, d)
		}
	}
}

func (r *Redirector) handleARP(ctx context.Context, d *wire.Decoded) {
	if d.ARP.Operation != layers.ARPRequest {
		return
	}
	if !net.IP(d.ARP.DstProtAddress).Equal(r.cfg.GatewayIP) {
		return
	}
	src := net.IP(d.ARP.SourceProtAddress)
	mac := net.HardwareAddr(d.ARP.SourceHwAddress)
	r.noteHardwareAddr(ctx, src, mac)
	if err := r.fwd.SendArpReply(ctx, src); err != nil {
		dlog.Errorf(ctx, "redirector: arp reply to %s: %v", src, err)
	}
}

// noteHardwareAddr records src's MAC with the Forwarder, logging once the
// first time a given source is observed (original_source/'s "Device %s
// joined the network", see SPEC_FULL.md's supplemented-features section).
func (r *Redirector) noteHardwareAddr(ctx context.Context, ip net.IP, mac net.HardwareAddr) {
	if len(mac) == 0 {
		return
	}
	key := ip.String()
	r.mu.Lock()
	known := r.knownHW[key]
	r.knownHW[key] = true
	r.mu.Unlock()
	if !known {
		dlog.Infof(ctx, "redirector: %s joined the network", ip)
	}
	r.fwd.SetSourceHardwareAddr(ip, mac)
}

// Tick runs the retransmission timer for every admitted TCP flow. The
// caller (cmd/vnat's main loop) drives this on a fixed interval (spec §5's
// "Timers", ~100ms).
func (r *Redirector) Tick(ctx context.Context) {
	r.mu.Lock()
	keys := make([]flow.Key, 0, len(r.flows))
	for k := range r.flows {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	for _, k := range keys {
		if err := r.fwd.Tick(ctx, k); err != nil {
			dlog.Errorf(ctx, "redirector: %s tick: %v", k, err)
		}
	}
}
