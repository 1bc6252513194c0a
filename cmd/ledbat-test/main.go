// Command ledbat-test runs one end of a LEDBAT measurement: a client
// that bulk-sends data under the congestion controller, or a server
// that reflects every chunk into a delay-stamped ACK.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"

	"github.com/aetherflow/ledbat/internal/ledbat"
	"github.com/aetherflow/ledbat/internal/session"
	"github.com/aetherflow/ledbat/internal/transport"
)

var (
	configFile  = flag.String("f", "", "configuration file path")
	role        = flag.String("role", "server", "role of the instance {client|server}")
	remote      = flag.String("remote", "", "IP address of the test server (client only)")
	debug       = flag.Bool("debug", false, "enable verbose output")
	makeLog     = flag.Bool("makelog", false, "save runtime values into a CSV file")
	testTime    = flag.Int("time", 0, "time to run the test in seconds (client only)")
	metricsAddr = flag.String("metrics-addr", "", "Prometheus listen address, overrides config")

	ledbatTarget   = flag.Float64("ledbat-target", 0, "override LEDBAT target queuing delay (ms)")
	ledbatGain     = flag.Float64("ledbat-gain", 0, "override LEDBAT gain")
	ledbatAllowed  = flag.Float64("ledbat-allowed-increase", 0, "override LEDBAT allowed increase (MSSes)")
	ledbatInitCwnd = flag.Int("ledbat-init-cwnd", 0, "override LEDBAT initial cwnd (MSSes)")
	ledbatMinCwnd  = flag.Int("ledbat-min-cwnd", 0, "override LEDBAT minimum cwnd (MSSes)")
	ledbatMSS      = flag.Int("ledbat-mss", 0, "override LEDBAT maximum segment size (bytes)")

	version = "0.1.0"
)

func main() {
	flag.Parse()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Log, *debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if *role == "client" && *remote == "" {
		logger.Fatal("address of the test server must be provided for the client role")
	}
	isClient := *role == "client"

	logger.Info("starting LEDBAT test",
		zap.String("version", version),
		zap.String("role", *role))

	sessCfg := buildSessionConfig(cfg)

	var metrics *session.Metrics
	if addr := metricsEndpoint(cfg); addr != "" {
		reg := prometheus.NewRegistry()
		metrics = session.NewMetrics(reg)
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Warn("metrics endpoint failed", zap.Error(err))
			}
		}()
		logger.Info("metrics enabled", zap.String("addr", addr), zap.String("path", cfg.Metrics.Path))
	}

	conn, err := transport.Listen(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), nil, logger)
	if err != nil {
		logger.Fatal("failed to open socket", zap.Error(err))
	}

	registry := session.NewRegistry(conn, isClient, sessCfg, metrics, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.Serve(registry.HandleDatagram)
	}()

	if isClient {
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(*remote, fmt.Sprintf("%d", cfg.Server.Port)))
		if err != nil {
			logger.Fatal("failed to resolve remote address", zap.Error(err))
		}
		logger.Info("starting test client", zap.Stringer("remote", addr))
		if _, err := registry.StartTest(addr); err != nil {
			logger.Fatal("failed to start test", zap.Error(err))
		}
	} else {
		logger.Info("test server listening", zap.Stringer("addr", conn.LocalAddr()))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("socket error", zap.Error(err))
		}
	case sig := <-sigCh:
		logger.Info("received signal", zap.String("signal", sig.String()))
	case <-registry.Done():
	}

	registry.StopAll()
	conn.Close()
	logger.Info("shutdown complete")
}

// loadConfig reads the YAML config over the defaults. With no file
// given it returns the defaults; a file that cannot be read or parsed
// is an error.
func loadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()
	if filename == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func buildLogger(cfg LogConfig, debug bool) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}

	level := cfg.Level
	if debug {
		level = "debug"
	}
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", level, err)
	}
	zc.Level = zap.NewAtomicLevelAt(parsed)

	return zc.Build()
}

// buildSessionConfig folds the YAML config and the command-line
// overrides into the harness configuration.
func buildSessionConfig(cfg *Config) *session.Config {
	sc := session.DefaultConfig()
	if cfg.Test.SzData > 0 {
		sc.SzData = cfg.Test.SzData
	}
	if cfg.Test.PrintEvery > 0 {
		sc.PrintEvery = cfg.Test.PrintEvery
	}
	if cfg.Test.OOOThresh > 0 {
		sc.OOOThresh = cfg.Test.OOOThresh
	}
	sc.LogDir = cfg.Test.LogDir
	sc.MakeLog = *makeLog
	if *testTime > 0 {
		sc.Duration = time.Duration(*testTime) * time.Second
	}

	lc := ledbat.DefaultConfig()
	applyLedbatConfig(lc, cfg.Ledbat)
	applyLedbatFlags(lc)
	sc.Ledbat = lc

	return sc
}

func applyLedbatConfig(lc *ledbat.Config, yc LedbatConfig) {
	if yc.Target > 0 {
		lc.Target = yc.Target
	}
	if yc.Gain > 0 {
		lc.Gain = yc.Gain
	}
	if yc.AllowedIncrease > 0 {
		lc.AllowedIncrease = yc.AllowedIncrease
	}
	if yc.InitCwnd > 0 {
		lc.InitCwnd = yc.InitCwnd
	}
	if yc.MinCwnd > 0 {
		lc.MinCwnd = yc.MinCwnd
	}
	if yc.MSS > 0 {
		lc.MSS = yc.MSS
	}
}

func applyLedbatFlags(lc *ledbat.Config) {
	if *ledbatTarget > 0 {
		lc.Target = *ledbatTarget
	}
	if *ledbatGain > 0 {
		lc.Gain = *ledbatGain
	}
	if *ledbatAllowed > 0 {
		lc.AllowedIncrease = *ledbatAllowed
	}
	if *ledbatInitCwnd > 0 {
		lc.InitCwnd = *ledbatInitCwnd
	}
	if *ledbatMinCwnd > 0 {
		lc.MinCwnd = *ledbatMinCwnd
	}
	if *ledbatMSS > 0 {
		lc.MSS = *ledbatMSS
	}
}

func metricsEndpoint(cfg *Config) string {
	if *metricsAddr != "" {
		return *metricsAddr
	}
	if cfg.Metrics.Enable {
		return cfg.Metrics.Addr
	}
	return ""
}
