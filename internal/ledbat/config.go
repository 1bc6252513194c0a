package ledbat

import "time"

const (
	// DefaultCurrentFilter is the number of elements in the current delay filter
	DefaultCurrentFilter = 8

	// DefaultBaseHistory is the number of elements in the base delay history
	DefaultBaseHistory = 10

	// DefaultInitCwnd is the number of MSSes in the initial cwnd value
	DefaultInitCwnd = 2

	// DefaultMinCwnd is the number of MSSes in the cwnd floor
	DefaultMinCwnd = 2

	// DefaultMSS is the maximum segment size in bytes
	DefaultMSS = 1500

	// DefaultTarget is the target queuing delay in milliseconds.
	// RFC 6817 requires this to be <= 100ms.
	DefaultTarget = 50

	// DefaultGain is the congestion window to delay response rate
	DefaultGain = 1

	// DefaultAllowedIncrease limits cwnd growth beyond flightsize, in MSSes
	DefaultAllowedIncrease = 1
)

// RFC 6298 retransmission timer coefficients.
const (
	coefG     = 100 * time.Millisecond // clock granularity
	coefK     = 4
	coefAlpha = 0.125 // alpha, beta per Jacobson/Karels congestion avoidance
	coefBeta  = 0.25

	// minCTO is the lower bound on the congestion timeout, RFC 6298 p2.4
	minCTO = 1 * time.Second
)

// Config holds the tunable parameters of the congestion controller.
type Config struct {
	CurrentFilter   int     // elements in the current delay filter
	BaseHistory     int     // elements in the base delay history
	InitCwnd        int     // initial cwnd, in MSSes
	MinCwnd         int     // cwnd floor, in MSSes
	MSS             int     // maximum segment size, bytes
	Target          float64 // target queuing delay, milliseconds
	Gain            float64 // cwnd to delay response rate
	AllowedIncrease float64 // cwnd growth allowance beyond flightsize, in MSSes
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() *Config {
	return &Config{
		CurrentFilter:   DefaultCurrentFilter,
		BaseHistory:     DefaultBaseHistory,
		InitCwnd:        DefaultInitCwnd,
		MinCwnd:         DefaultMinCwnd,
		MSS:             DefaultMSS,
		Target:          DefaultTarget,
		Gain:            DefaultGain,
		AllowedIncrease: DefaultAllowedIncrease,
	}
}
