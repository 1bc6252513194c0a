// Package ledbat implements the LEDBAT congestion control algorithm
// from RFC 6817, driven by one-way delay samples, together with the
// send gate that paces a background bulk transfer.
//
// The controller is not safe for concurrent use. Callers that handle
// events from more than one goroutine must serialize access, typically
// under the per-session lock.
package ledbat

import "time"

// Controller holds the congestion state of one flow. All byte
// quantities are float64 because the cwnd update law accumulates
// fractional growth per ACK.
type Controller struct {
	cfg *Config

	cwnd       float64 // congestion window, bytes
	flightsize float64 // sent but not yet ACKed, bytes

	filters      *delayFilters
	est          *rttEstimator
	queuingDelay float64 // milliseconds

	lastAckReceived time.Time
	lastDataLoss    time.Time
	lastCTOFail     time.Time
	lastSendTime    time.Time
}

// New creates a controller with the given configuration. A nil config
// uses the defaults.
func New(cfg *Config, now time.Time) *Controller {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Controller{
		cfg:     cfg,
		cwnd:    float64(cfg.InitCwnd * cfg.MSS),
		filters: newDelayFilters(cfg, now),
		est:     newRttEstimator(),
	}
}

// OnAck processes the acknowledgment of bytesAcked bytes. delays are
// one-way delay samples in milliseconds, oldest first; rtts are
// round-trip samples taken from non-retransmitted segments.
func (c *Controller) OnAck(bytesAcked int, delays []float64, rtts []time.Duration, now time.Time) {
	c.lastAckReceived = now

	for _, d := range delays {
		c.filters.record(d, now)
	}

	c.queuingDelay = c.filters.queuingDelay()
	offTarget := (c.cfg.Target - c.queuingDelay) / c.cfg.Target
	c.cwnd += c.cfg.Gain * offTarget * float64(bytesAcked) * float64(c.cfg.MSS) / c.cwnd

	// Do not grow past what the sender is actually putting in flight.
	maxAllowed := c.flightsize + c.cfg.AllowedIncrease*float64(c.cfg.MSS)
	if c.cwnd > maxAllowed {
		c.cwnd = maxAllowed
	}
	if floor := float64(c.cfg.MinCwnd * c.cfg.MSS); c.cwnd < floor {
		c.cwnd = floor
	}

	c.flightsize -= float64(bytesAcked)
	if c.flightsize < 0 {
		c.flightsize = 0
	}

	c.est.observe(rtts)
}

// OnDataLoss halves cwnd in response to a loss event, at most once per
// round-trip time. When the lost data will not be retransmitted it is
// also removed from the flightsize accounting.
func (c *Controller) OnDataLoss(willRetransmit bool, lossBytes int, now time.Time) {
	if lossBytes <= 0 {
		lossBytes = c.cfg.MSS
	}

	if !c.lastDataLoss.IsZero() && now.Sub(c.lastDataLoss) < c.est.rtt {
		return
	}
	c.lastDataLoss = now

	halved := c.cwnd / 2
	if floor := float64(c.cfg.MinCwnd * c.cfg.MSS); halved < floor {
		halved = floor
	}
	if halved < c.cwnd {
		c.cwnd = halved
	}

	if !willRetransmit {
		c.flightsize -= float64(lossBytes)
		if c.flightsize < 0 {
			c.flightsize = 0
		}
	}
}

// OnNoAckInCTO collapses cwnd to one MSS and backs off the congestion
// timeout after a full CTO passed with outstanding data and no ACK.
func (c *Controller) OnNoAckInCTO() {
	c.cwnd = float64(c.cfg.MSS)
	c.est.backoff()
}

// NoteSent accounts for data handed to the network.
func (c *Controller) NoteSent(n int, now time.Time) {
	c.flightsize += float64(n)
	c.lastSendTime = now
}

// TrySend reports whether a segment of n bytes may leave now. When it
// may not, the returned duration is the wait before the next attempt.
// Permission also books the segment via NoteSent, so the caller must
// transmit it.
func (c *Controller) TrySend(n int, now time.Time) (bool, time.Duration) {
	// Extreme congestion: a whole CTO passed with data outstanding and
	// nothing ACKed. React once per CTO window, then keep the data back.
	if !c.lastAckReceived.IsZero() && c.flightsize > 0 &&
		now.Sub(c.lastAckReceived) > c.est.cto {
		if c.lastCTOFail.IsZero() || now.Sub(c.lastCTOFail) >= c.est.cto {
			c.OnNoAckInCTO()
			c.lastCTOFail = now
		}
		return false, c.est.cto
	}

	// Nothing measured yet: the first segment always leaves.
	if !c.est.measured {
		c.NoteSent(n, now)
		return true, 0
	}

	if c.flightsize+float64(n) <= c.cwnd {
		c.NoteSent(n, now)
		return true, 0
	}

	return false, c.est.cto / 2
}

// Cwnd returns the congestion window in bytes.
func (c *Controller) Cwnd() float64 { return c.cwnd }

// Flightsize returns the bytes in flight.
func (c *Controller) Flightsize() float64 { return c.flightsize }

// QueuingDelay returns the current queuing delay estimate in milliseconds.
func (c *Controller) QueuingDelay() float64 { return c.queuingDelay }

// Rtt returns the latest accepted round-trip sample, zero before the
// first measurement.
func (c *Controller) Rtt() time.Duration { return c.est.rtt }

// Srtt returns the smoothed round-trip time.
func (c *Controller) Srtt() time.Duration { return c.est.srtt }

// Rttvar returns the round-trip time variation.
func (c *Controller) Rttvar() time.Duration { return c.est.rttvar }

// CTO returns the congestion timeout.
func (c *Controller) CTO() time.Duration { return c.est.cto }

// LastSendTime returns when data last left the gate.
func (c *Controller) LastSendTime() time.Time { return c.lastSendTime }
