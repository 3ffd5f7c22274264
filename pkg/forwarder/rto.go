package forwarder

import (
	"time"

	"github.com/vnat-project/vnat/pkg/tcpstate"
)

// updateRTO applies an RFC 6298-style smoothing update for one fresh RTT
// sample: rttvar = 7/8·rttvar + |srtt−R|/4 and srtt = 7/8·srtt + R/8, where
// the srtt update uses the previous srtt (not the previous rttvar — see the
// design notes' first open question).
func updateRTO(tx *tcpstate.TxState, r time.Duration) {
	if !tx.HasSRTT {
		tx.SRTT = r
		tx.RTTVar = r / 2
		tx.HasSRTT = true
	} else {
		diff := tx.SRTT - r
		if diff < 0 {
			diff = -diff
		}
		tx.RTTVar = tx.RTTVar*7/8 + diff/4
		tx.SRTT = tx.SRTT*7/8 + r/8
	}
	k := 4 * tx.RTTVar
	if k < time.Millisecond {
		k = time.Millisecond
	}
	tx.RTO = clampRTO(tx.SRTT + k)
}

// clampRTO applies the corrected clamp min(MAX_RTO, max(MIN_RTO, x)) — the
// source's apparent max(MAX_RTO, min(MIN_RTO, x)) always yields MAX_RTO and
// is the design notes' second open question.
func clampRTO(x time.Duration) time.Duration {
	if x < tcpstate.MinRTO {
		x = tcpstate.MinRTO
	}
	if x > tcpstate.MaxRTO {
		x = tcpstate.MaxRTO
	}
	return x
}
