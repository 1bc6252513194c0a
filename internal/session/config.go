package session

import (
	"time"

	"github.com/aetherflow/ledbat/internal/ledbat"
)

const (
	// DefaultSzData is the payload size of one DATA chunk
	DefaultSzData = 1024

	// DefaultTInitAck is how long to wait for an INIT-ACK
	DefaultTInitAck = 5 * time.Second

	// DefaultTInitData is how long to wait for DATA after an INIT-ACK
	DefaultTInitData = 5 * time.Second

	// DefaultTIdle is how long a session may go without receiving
	// anything before it is destroyed
	DefaultTIdle = 10 * time.Second

	// DefaultPrintEvery is how many chunks pass between status lines
	DefaultPrintEvery = 1000

	// DefaultOOOThresh is how many out-of-order ACKs accumulate before
	// a loss event is declared
	DefaultOOOThresh = 3

	// maxHandshakeAttempts bounds INIT and INIT-ACK transmissions
	maxHandshakeAttempts = 3

	// payloadFiller is the byte the DATA payload is stuffed with
	payloadFiller = 0x7F

	// sampleInterval is the run-log and metrics sampling period
	sampleInterval = 100 * time.Millisecond
)

// Config holds the per-session knobs of the measurement harness.
type Config struct {
	SzData     int           // DATA payload size, bytes
	TInitAck   time.Duration // INIT-ACK wait
	TInitData  time.Duration // DATA-after-INIT-ACK wait
	TIdle      time.Duration // idle teardown threshold
	PrintEvery int           // chunks between status lines
	OOOThresh  int           // out-of-order ACKs tolerated before loss is declared
	Duration   time.Duration // bulk-send time limit, 0 means unlimited
	MakeLog    bool          // write the per-session CSV run log
	LogDir     string        // run-log directory, empty means cwd

	Ledbat *ledbat.Config // controller parameters, nil means defaults
}

// DefaultConfig returns the harness defaults.
func DefaultConfig() *Config {
	return &Config{
		SzData:     DefaultSzData,
		TInitAck:   DefaultTInitAck,
		TInitData:  DefaultTInitData,
		TIdle:      DefaultTIdle,
		PrintEvery: DefaultPrintEvery,
		OOOThresh:  DefaultOOOThresh,
		Ledbat:     ledbat.DefaultConfig(),
	}
}
