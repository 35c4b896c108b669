package tcpstack

import "time"

// RTOEstimator tracks the smoothed round-trip time estimate and derives the
// retransmission timeout from it, per the Jacobson/Karels algorithm
// (alpha=1/8, beta=1/4).
type RTOEstimator struct {
	srtt   time.Duration
	rttvar time.Duration
	rto    time.Duration
	primed bool
	minRTO time.Duration
	maxRTO time.Duration
}

// NewRTOEstimator returns an estimator with an initial retransmission
// timeout of 1s, clamped to [minRTO, maxRTO].
func NewRTOEstimator(minRTO, maxRTO time.Duration) *RTOEstimator {
	e := &RTOEstimator{rto: time.Second, minRTO: minRTO, maxRTO: maxRTO}
	e.clamp()
	return e
}

// Sample feeds one round-trip time observation into the estimator.
func (e *RTOEstimator) Sample(rtt time.Duration) {
	if !e.primed {
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.primed = true
	} else {
		diff := e.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		e.rttvar = e.rttvar - e.rttvar/4 + diff/4
		e.srtt = e.srtt - e.srtt/8 + rtt/8
	}
	e.rto = e.srtt + 4*e.rttvar
	e.clamp()
}

// Backoff doubles the current RTO, for a retransmission timeout with no
// new sample (exponential backoff), clamped to maxRTO.
func (e *RTOEstimator) Backoff() {
	e.rto *= 2
	e.clamp()
}

func (e *RTOEstimator) clamp() {
	if e.rto < e.minRTO {
		e.rto = e.minRTO
	}
	if e.rto > e.maxRTO {
		e.rto = e.maxRTO
	}
}

// RTO returns the current retransmission timeout.
func (e *RTOEstimator) RTO() time.Duration {
	return e.rto
}

// SRTT returns the current smoothed round-trip time estimate.
func (e *RTOEstimator) SRTT() time.Duration {
	return e.srtt
}
