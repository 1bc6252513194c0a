package main

// Config is the driver configuration, loadable from YAML and
// overridable from the command line.
type Config struct {
	Server  ServerConfig  `yaml:"Server"`
	Log     LogConfig     `yaml:"Log"`
	Metrics MetricsConfig `yaml:"Metrics"`
	Test    TestConfig    `yaml:"Test"`
	Ledbat  LedbatConfig  `yaml:"Ledbat"`
}

// ServerConfig configures the UDP endpoint.
type ServerConfig struct {
	Host string `yaml:"Host"`
	Port int    `yaml:"Port"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level  string `yaml:"Level"`  // debug, info, warn, error
	Format string `yaml:"Format"` // json, console
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enable bool   `yaml:"Enable"`
	Addr   string `yaml:"Addr"`
	Path   string `yaml:"Path"`
}

// TestConfig configures the measurement harness.
type TestConfig struct {
	SzData     int    `yaml:"SzData"`
	PrintEvery int    `yaml:"PrintEvery"`
	OOOThresh  int    `yaml:"OOOThresh"`
	LogDir     string `yaml:"LogDir"`
}

// LedbatConfig configures the congestion controller.
type LedbatConfig struct {
	Target          float64 `yaml:"Target"` // milliseconds
	Gain            float64 `yaml:"Gain"`
	AllowedIncrease float64 `yaml:"AllowedIncrease"`
	InitCwnd        int     `yaml:"InitCwnd"`
	MinCwnd         int     `yaml:"MinCwnd"`
	MSS             int     `yaml:"MSS"`
}

// DefaultConfig returns the driver defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 6888,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enable: false,
			Addr:   "0.0.0.0:9188",
			Path:   "/metrics",
		},
		Test: TestConfig{
			SzData:     1024,
			PrintEvery: 1000,
			OOOThresh:  3,
		},
		Ledbat: LedbatConfig{
			Target:          50,
			Gain:            1,
			AllowedIncrease: 1,
			InitCwnd:        2,
			MinCwnd:         2,
			MSS:             1500,
		},
	}
}
