package ledbat

import (
	"math"
	"time"
)

// delayFilters tracks the one-way delay samples feeding the controller.
// Both rings are preallocated and never change size: the current ring
// holds the most recent samples with the newest at the tail, the base
// ring holds one minimum per wall-clock minute with the current minute
// at the tail.
type delayFilters struct {
	current      []float64 // milliseconds, oldest first
	base         []float64 // milliseconds, one slot per minute, oldest first
	lastRollover time.Time
}

// currentDelaySentinel pre-fills the current ring so that the filter
// output stays far above any real path delay until samples arrive.
const currentDelaySentinel = 1000000

func newDelayFilters(cfg *Config, now time.Time) *delayFilters {
	f := &delayFilters{
		current:      make([]float64, cfg.CurrentFilter),
		base:         make([]float64, cfg.BaseHistory),
		lastRollover: now,
	}
	for i := range f.current {
		f.current[i] = currentDelaySentinel
	}
	for i := range f.base {
		f.base[i] = math.Inf(1)
	}
	return f
}

// record feeds one delay sample, in milliseconds, into both rings.
func (f *delayFilters) record(delay float64, now time.Time) {
	f.updateBase(delay, now)
	f.updateCurrent(delay)
}

// updateBase maintains the minute-bucketed base delay history. A new
// wall-clock minute rotates the ring; samples within the same minute
// keep the minimum in the tail slot.
func (f *delayFilters) updateBase(delay float64, now time.Time) {
	if now.Minute() != f.lastRollover.Minute() {
		f.lastRollover = now
		copy(f.base, f.base[1:])
		f.base[len(f.base)-1] = delay
	} else {
		f.base[len(f.base)-1] = math.Min(f.base[len(f.base)-1], delay)
	}
}

func (f *delayFilters) updateCurrent(delay float64) {
	copy(f.current, f.current[1:])
	f.current[len(f.current)-1] = delay
}

// queuingDelay returns FILTER(current) - min(base) in milliseconds.
// FILTER is the minimum over the newest quarter of the history window,
// per the MIN filter of RFC 6817.
func (f *delayFilters) queuingDelay() float64 {
	window := int(math.Ceil(float64(len(f.base)) / 4))
	if window > len(f.current) {
		window = len(f.current)
	}
	filtered := minOf(f.current[len(f.current)-window:])
	return filtered - minOf(f.base)
}

func minOf(vals []float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}
