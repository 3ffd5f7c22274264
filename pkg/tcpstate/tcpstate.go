// Package tcpstate defines the per-flow TCP state records the Forwarder and
// Redirector own: TxState (outbound half, owned by the Forwarder under its
// guard) and RxState (inbound half, owned by the Redirector exclusively).
// The two are always created and destroyed together (spec invariant 6); nothing
// in this package enforces that jointly — that responsibility belongs to the
// flow table's cleanUp helper (see pkg/redirector).
package tcpstate

import (
	"net"
	"time"

	"github.com/vnat-project/vnat/pkg/cache"
	"github.com/vnat-project/vnat/pkg/limiter"
	"github.com/vnat-project/vnat/pkg/seqnum"
)

// RFC 6298 bounds and the source's receive-window constant.
const (
	MinRTO          = time.Second
	MaxRTO          = 60 * time.Second
	InitialRTO      = time.Second
	RecvWindow      = 65535
	MaxWindowScale  = 8
	MaxSACKBlocks   = 4

	// DupAckThreshold is the number of duplicate ACKs that triggers fast
	// retransmit.
	DupAckThreshold = 3

	// FastRetransmitCooldown is the minimum wall-clock gap between two fast
	// retransmits on the same flow.
	FastRetransmitCooldown = 200 * time.Millisecond
)

// TxState is the outbound half of a TCP flow: everything the Forwarder needs
// to segment, send, and retransmit payload toward the intercepted host.
type TxState struct {
	Src, Dst *net.TCPAddr

	SendWindow uint32 // peer-advertised window, already scaled into bytes
	SendWScale uint8
	SackPerm   bool

	Sequence        seqnum.Value // next byte number to transmit
	Acknowledgement seqnum.Value // mirrors rx.RecvNext

	Window uint16 // our own advertised receive window, unscaled
	Sacks  []cache.Range

	Cache *cache.SendQueue

	CacheSyn         time.Time
	HasCacheSyn      bool
	CacheFin         time.Time
	HasCacheFin      bool
	CacheFinRetrans  bool

	Queue    []byte
	QueueFin bool

	RTO, SRTT, RTTVar time.Duration
	HasSRTT           bool
}

// NewTxState creates a TxState with RFC 6298's initial RTO and an empty send
// cache rooted at isn.
func NewTxState(src, dst *net.TCPAddr, isn seqnum.Value, capacity uint32) *TxState {
	return &TxState{
		Src:      src,
		Dst:      dst,
		Sequence: isn,
		Cache:    cache.NewSendQueue(isn, capacity),
		RTO:      InitialRTO,
	}
}

// RxState is the inbound half of a TCP flow: everything the Redirector needs
// to reassemble and acknowledge payload arriving from the intercepted host.
type RxState struct {
	RecvNext seqnum.Value

	LastAcknowledgement seqnum.Value
	HasLastAck          bool
	Duplicate           int
	RetransLimiter      *limiter.Interval

	WScale   uint8
	SackPerm bool

	Cache *cache.ReceiveWindow

	FinSequence seqnum.Value
	HasFin      bool
}

// NewRxState creates an RxState rooted at the peer's ISN+1 (the first byte
// expected after the handshake).
func NewRxState(recvNext seqnum.Value, wscale uint8, sackPerm bool, capacity uint32) *RxState {
	return &RxState{
		RecvNext:       recvNext,
		WScale:         wscale,
		SackPerm:       sackPerm,
		Cache:          cache.NewReceiveWindow(recvNext, capacity),
		RetransLimiter: limiter.NewInterval(FastRetransmitCooldown),
	}
}

// SWSThreshold is the receive-side silly-window-syndrome floor: the window
// is shrunk to zero once remaining capacity drops below it (spec invariant
// 7).
func SWSThreshold(localMTU int) uint32 {
	half := uint32(RecvWindow / 2)
	if uint32(localMTU) < half {
		return uint32(localMTU)
	}
	return half
}
