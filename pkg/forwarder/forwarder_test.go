package forwarder

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnat-project/vnat/pkg/cache"
	"github.com/vnat-project/vnat/pkg/flow"
	"github.com/vnat-project/vnat/pkg/seqnum"
	"github.com/vnat-project/vnat/pkg/tcpstate"
	"github.com/vnat-project/vnat/pkg/wire"
	"golang.org/x/sys/unix"
)

// fakeSender records every injected frame for inspection, in place of a live
// pcap handle.
type fakeSender struct {
	frames [][]byte
}

func (s *fakeSender) Send(frame []byte) error {
	s.frames = append(s.frames, frame)
	return nil
}

func (s *fakeSender) last() *wire.Decoded {
	d, err := wire.Decode(s.frames[len(s.frames)-1])
	if err != nil {
		panic(err)
	}
	return d
}

func testKey() flow.Key {
	return flow.NewKey(unix.IPPROTO_TCP,
		net.ParseIP("10.0.0.5"), net.ParseIP("10.0.0.1"),
		54321, 80)
}

func newTestForwarder(sender *fakeSender) *Forwarder {
	f := New(Config{
		GatewayIP:  net.ParseIP("10.0.0.1"),
		GatewayMAC: net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		LocalMTU:   1500,
	}, sender)
	f.SetSourceHardwareAddr(net.ParseIP("10.0.0.5"), net.HardwareAddr{0x02, 0, 0, 0, 0, 2})
	return f
}

// Scenario 1 (spec §8): a SYN negotiating wscale=7/SACK_PERM/MSS=1460 is
// answered with a SYN-ACK acknowledging the peer ISN+1, clamping the window
// scale to min(7, MaxWindowScale)=7, and echoing SACK_PERM and an MSS
// derived from the local MTU.
func TestOpenNegotiatesOptions(t *testing.T) {
	sender := &fakeSender{}
	f := newTestForwarder(sender)
	key := testKey()

	isn, err := f.Open(context.Background(), key, seqnum.Value(1000), 7, true, 1460)
	require.NoError(t, err)

	require.Len(t, sender.frames, 1)
	d := sender.last()
	require.NotNil(t, d.TCP)
	assert.True(t, d.TCP.SYN)
	assert.True(t, d.TCP.ACK)
	assert.Equal(t, uint32(isn), d.TCP.Seq)
	assert.Equal(t, uint32(1001), d.TCP.Ack)

	var gotWScale uint8
	var gotSACKPerm bool
	var gotMSS uint16
	for _, o := range d.TCP.Options {
		switch o.OptionType {
		case 3: // window scale
			gotWScale = o.OptionData[0]
		case 4: // SACK permitted
			gotSACKPerm = true
		case 2: // MSS
			gotMSS = uint16(o.OptionData[0])<<8 | uint16(o.OptionData[1])
		}
	}
	assert.Equal(t, uint8(7), gotWScale)
	assert.True(t, gotSACKPerm)
	assert.Equal(t, mss(1500), gotMSS)

	assert.True(t, f.HasFlow(key))
}

func TestOpenClampsWindowScale(t *testing.T) {
	sender := &fakeSender{}
	f := newTestForwarder(sender)
	key := testKey()

	_, err := f.Open(context.Background(), key, seqnum.Value(1), 14, false, 0)
	require.NoError(t, err)

	f.guard.Lock()
	tx := f.tx[key]
	f.guard.Unlock()
	assert.Equal(t, tcpstate.MaxWindowScale, int(tx.SendWScale))
}

// Scenario 5 (spec §8): two consecutive retransmission timeouts without an
// intervening ACK double the RTO each time, clamped at MaxRTO.
func TestTickDoublesRTOOnRepeatedTimeout(t *testing.T) {
	sender := &fakeSender{}
	f := newTestForwarder(sender)
	key := testKey()

	isn, err := f.Open(context.Background(), key, seqnum.Value(1), 0, false, 1460)
	require.NoError(t, err)
	_, err = f.UpdateAck(key, seqnum.Add(isn, 1), 65535)
	require.NoError(t, err)

	require.NoError(t, f.Forward(context.Background(), key, []byte("hello")))

	f.guard.Lock()
	tx := f.tx[key]
	tx.RTO = time.Second
	// Backdate an outstanding FIN so each Tick sees a timeout.
	tx.CacheFin, tx.HasCacheFin = time.Now().Add(-time.Minute), true
	f.guard.Unlock()

	require.NoError(t, f.Tick(context.Background(), key))
	f.guard.Lock()
	rto1 := f.tx[key].RTO
	f.tx[key].CacheFin = time.Now().Add(-time.Minute)
	f.guard.Unlock()
	assert.Equal(t, 2*time.Second, rto1)

	require.NoError(t, f.Tick(context.Background(), key))
	f.guard.Lock()
	rto2 := f.tx[key].RTO
	f.guard.Unlock()
	assert.Equal(t, 4*time.Second, rto2)
}

func TestTickNoRetransmitWhenNotTimedOut(t *testing.T) {
	sender := &fakeSender{}
	f := newTestForwarder(sender)
	key := testKey()

	isn, err := f.Open(context.Background(), key, seqnum.Value(1), 0, false, 1460)
	require.NoError(t, err)
	_, err = f.UpdateAck(key, seqnum.Add(isn, 1), 65535)
	require.NoError(t, err)
	require.NoError(t, f.Forward(context.Background(), key, []byte("hello")))

	before := len(sender.frames)
	require.NoError(t, f.Tick(context.Background(), key))
	assert.Equal(t, before, len(sender.frames))
}

func TestUpdateAckAdvancesCacheAndClearsSynFin(t *testing.T) {
	sender := &fakeSender{}
	f := newTestForwarder(sender)
	key := testKey()

	isn, err := f.Open(context.Background(), key, seqnum.Value(1), 0, false, 1460)
	require.NoError(t, err)

	drained, err := f.UpdateAck(key, seqnum.Add(isn, 1), 65535)
	require.NoError(t, err)
	assert.True(t, drained)

	f.guard.Lock()
	tx := f.tx[key]
	f.guard.Unlock()
	assert.False(t, tx.HasCacheSyn)
}

// Invariant 8: with data still outstanding in the cache, a peer window too
// small for one full segment must not trickle out a partial one.
func TestSendTCPAckWithholdsPartialSegmentUnderSWS(t *testing.T) {
	sender := &fakeSender{}
	f := newTestForwarder(sender)
	key := testKey()

	isn, err := f.Open(context.Background(), key, seqnum.Value(1), 0, false, 1460)
	require.NoError(t, err)
	_, err = f.UpdateAck(key, seqnum.Add(isn, 1), 65535)
	require.NoError(t, err)
	require.NoError(t, f.Forward(context.Background(), key, []byte("hello world")))

	f.guard.Lock()
	tx := f.tx[key]
	tx.SendWindow = uint32(tx.Cache.Len()) + 1 // one byte of headroom, no partial MSS segment worth sending
	tx.Queue = append(tx.Queue, []byte(" more data queued behind the cache")...)
	f.guard.Unlock()

	before := len(sender.frames)
	require.NoError(t, f.SendTCPAck(context.Background(), key))
	assert.Equal(t, before, len(sender.frames))
}

func TestRetransmitTCPAckWithoutSkipsSACKedRanges(t *testing.T) {
	sender := &fakeSender{}
	f := newTestForwarder(sender)
	key := testKey()

	isn, err := f.Open(context.Background(), key, seqnum.Value(1), 0, false, 1460)
	require.NoError(t, err)
	_, err = f.UpdateAck(key, seqnum.Add(isn, 1), 65535)
	require.NoError(t, err)
	require.NoError(t, f.Forward(context.Background(), key, []byte("0123456789")))

	sender.frames = nil
	mid := cache.Range{Start: seqnum.Add(isn, 4), End: seqnum.Add(isn, 7)}
	require.NoError(t, f.RetransmitTCPAckWithout(context.Background(), key, []cache.Range{mid}))

	require.Len(t, sender.frames, 2)
	d0 := func(i int) *wire.Decoded {
		d, err := wire.Decode(sender.frames[i])
		require.NoError(t, err)
		return d
	}
	first := d0(0)
	second := d0(1)
	assert.Equal(t, uint32(seqnum.Add(isn, 1)), first.TCP.Seq)
	assert.Equal(t, []byte("012"), []byte(first.Payload))
	assert.Equal(t, uint32(seqnum.Add(isn, 7)), second.TCP.Seq)
	assert.Equal(t, []byte("6789"), []byte(second.Payload))
}

func TestSendUDPFragmentsOversizedPayload(t *testing.T) {
	sender := &fakeSender{}
	f := newTestForwarder(sender)
	f.cfg.LocalMTU = 100
	key := flow.NewKey(unix.IPPROTO_UDP,
		net.ParseIP("10.0.0.5"), net.ParseIP("10.0.0.1"),
		54321, 53)

	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, f.SendUDP(context.Background(), key, payload))

	require.True(t, len(sender.frames) > 1)
	// Reconstruct from each fragment's raw IP payload: gopacket hands a
	// fragment's contents to its Fragment layer rather than decoding UDP, so
	// the first fragment's UDP header is checked and stripped by hand.
	reassembled := make([]byte, 0, len(payload))
	for i, raw := range sender.frames {
		d, err := wire.Decode(raw)
		require.NoError(t, err)
		require.NotNil(t, d.IP4)
		ipPayload := d.IP4.Payload
		if i == 0 {
			require.Equal(t, []byte{0, 53}, []byte(ipPayload[:2])) // UDP source port
			ipPayload = ipPayload[8:] // strip the real UDP header
		}
		reassembled = append(reassembled, ipPayload...)
		isLast := i == len(sender.frames)-1
		assert.Equal(t, !isLast, d.IP4.Flags&0x1 != 0, "frame %d more-fragments flag", i)
	}
	assert.Equal(t, payload, reassembled)
}
