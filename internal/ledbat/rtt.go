package ledbat

import "time"

// rttEstimator maintains the smoothed round-trip time and the congestion
// timeout derived from it, following RFC 6298. The congestion timeout
// plays the role RTO plays there.
type rttEstimator struct {
	measured bool
	rtt      time.Duration // latest accepted sample
	srtt     time.Duration
	rttvar   time.Duration
	cto      time.Duration
}

func newRttEstimator() *rttEstimator {
	return &rttEstimator{cto: minCTO}
}

// observe folds a batch of round-trip samples into the estimator.
// A batch is reduced to its minimum first, as delayed ACKs inflate all
// but the fastest sample.
func (e *rttEstimator) observe(samples []time.Duration) {
	if len(samples) == 0 {
		return
	}

	rtt := samples[0]
	for _, s := range samples[1:] {
		if s < rtt {
			rtt = s
		}
	}

	if !e.measured {
		// First measurement, RFC 6298 p2.2
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.measured = true
	} else {
		// Subsequent measurements, RFC 6298 p2.3
		delta := e.srtt - rtt
		if delta < 0 {
			delta = -delta
		}
		e.rttvar = time.Duration((1-coefBeta)*float64(e.rttvar) + coefBeta*float64(delta))
		e.srtt = time.Duration((1-coefAlpha)*float64(e.srtt) + coefAlpha*float64(rtt))
	}

	e.cto = e.srtt + max(coefG, coefK*e.rttvar)
	if e.cto < minCTO {
		e.cto = minCTO
	}
	e.rtt = rtt
}

// backoff doubles the congestion timeout after a silent CTO window.
func (e *rttEstimator) backoff() {
	e.cto = 2 * e.cto
}
