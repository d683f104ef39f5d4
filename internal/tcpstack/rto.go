package tcpstack

import "time"

// rttEstimator implements the RTT/RTO formulas of spec.md §4.3.2, the
// classic Jacobson/Karels estimator (srtt, rttvar) clamped to [200ms, 60s].
type rttEstimator struct {
	srtt    time.Duration
	rttvar  time.Duration
	rto     time.Duration
	sampled bool
}

func newRTTEstimator() *rttEstimator {
	return &rttEstimator{rto: InitialRTO}
}

// sample folds one round-trip measurement in. Retransmitted segments must
// never be sampled (Karn's rule); callers enforce that before calling this.
func (e *rttEstimator) sample(r time.Duration) {
	if !e.sampled {
		e.srtt = r
		e.rttvar = r / 2
		e.sampled = true
	} else {
		diff := e.srtt - r
		if diff < 0 {
			diff = -diff
		}
		e.rttvar = e.rttvar*3/4 + diff/4
		e.srtt = e.srtt*7/8 + r/8
	}
	rto := e.srtt + 4*e.rttvar
	e.rto = clampDuration(rto, MinRTO, MaxRTO)
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// outstandingSegment is one unacknowledged segment sitting in the
// retransmission queue.
type outstandingSegment struct {
	seq         uint32
	data        []byte
	flags       uint8
	firstSentAt time.Time
	lastTxAt    time.Time
	rto         time.Duration
	txCount     int
	retransmit  bool // set once retransmitted at least once (Karn's rule)
}

func (s *outstandingSegment) end() uint32 {
	n := uint32(len(s.data))
	if s.flags&flagSynOrFin() != 0 {
		n++
	}
	return s.seq + n
}

func flagSynOrFin() uint8 { return 0x02 | 0x01 } // SYN|FIN consume one sequence number each
