// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sustainable-computing-io/kepler-trace/config"
	"github.com/sustainable-computing-io/kepler-trace/internal/device"
	"github.com/sustainable-computing-io/kepler-trace/internal/exporter/csv"
	"github.com/sustainable-computing-io/kepler-trace/internal/exporter/prometheus"
	"github.com/sustainable-computing-io/kepler-trace/internal/exporter/stdout"
	"github.com/sustainable-computing-io/kepler-trace/internal/logger"
	"github.com/sustainable-computing-io/kepler-trace/internal/monitor"
	"github.com/sustainable-computing-io/kepler-trace/internal/process"
	"github.com/sustainable-computing-io/kepler-trace/internal/server"
	"github.com/sustainable-computing-io/kepler-trace/internal/service"
	"github.com/sustainable-computing-io/kepler-trace/internal/version"
	"k8s.io/utils/ptr"
)

func main() {
	// parse args and config and exit with error if there is an error
	cfg, err := parseArgsAndConfig()
	if err != nil {
		os.Exit(1)
	}

	level := logger.LevelForVerbosity(cfg.Log.Level, cfg.Trace.Verbosity)
	logger := logger.New(level, cfg.Log.Format, os.Stderr)
	logVersionInfo(logger)
	printConfigInfo(logger, cfg)

	if os.Geteuid() != 0 {
		logger.Warn("Not running as root; reading the msr device usually requires root", "euid", os.Geteuid())
	}

	signals := service.NewSignalHandler(logger, os.Interrupt, syscall.SIGTERM)
	services, err := createServices(logger, cfg, signals)
	if err != nil {
		logger.Error("failed to create services", "error", err)
		os.Exit(1)
	}

	if err := service.Init(logger, services); err != nil {
		logger.Error("Initialization failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting trace", "pid", cfg.Trace.PID, "duration", cfg.Trace.Duration, "interval", cfg.Trace.Interval)
	if err := service.Run(context.Background(), logger, services); err != nil {
		logger.Error("Trace terminated with an error", "error", err)
		os.Exit(1)
	}
	logStopSignal(logger, signals)
	logger.Info("Graceful shutdown completed")
}

// logStopSignal logs the signal that ended the trace early, if any
func logStopSignal(logger *slog.Logger, sh *service.SignalHandler) {
	if sig := sh.Received(); sig != nil {
		logger.Info("Trace stopped by signal", "signal", sig.String())
	}
}

func logVersionInfo(logger *slog.Logger) {
	v := version.Info()
	logger.Info("Kepler trace version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}

func parseArgsAndConfig() (*config.Config, error) {
	const appName = "kepler-trace"
	app := kingpin.New(appName, "Per-process energy tracer using Intel RAPL counters.")
	app.Version(version.Info().String())
	app.HelpFlag.Short('h')

	configFile := app.Flag(config.ConfigFileFlag, "Path to YAML or TOML configuration file").String()
	updateConfig := config.RegisterFlags(app)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := logger.New("info", "text", os.Stderr)
	cfg := config.DefaultConfig()
	if *configFile != "" {
		logger.Info("Loading configuration file", "path", *configFile)
		loadedCfg, err := config.FromFile(*configFile)
		if err != nil {
			logger.Error("Error loading config file", "error", err.Error())
			return nil, err
		}
		// Replace default config with loaded config
		cfg = loadedCfg
		logger.Info("Completed loading of configuration file", "path", *configFile)
	}

	// Apply command line flags (these override config file settings)
	if err := updateConfig(cfg); err != nil {
		logger.Error("Error applying command line flags", "error", err.Error())
		return nil, err
	}

	return cfg, nil
}

func printConfigInfo(logger *slog.Logger, cfg *config.Config) {
	if !logger.Enabled(context.Background(), slog.LevelDebug) || cfg.Log.Format == "json" {
		return
	}

	fmt.Fprintf(os.Stderr, `
Configuration
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
%s
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`, cfg)
}

func createRegisterSource(logger *slog.Logger, cfg *config.Config) (device.RegisterSource, error) {
	if fake := cfg.Dev.FakeMSR; ptr.Deref(fake.Enabled, false) {
		domains, err := config.ParseDomains(fake.Domains)
		if err != nil {
			return nil, err
		}
		logger.Warn("Using simulated MSR source; readings are not real", "domains", fake.Domains)

		opts := []device.FakeOptFn{device.WithFakeLogger(logger)}
		if fake.Seed != 0 {
			opts = append(opts, device.WithFakeSeed(fake.Seed))
		}
		if fake.Start != 0 {
			opts = append(opts, device.WithFakeStart(fake.Start))
		}
		return device.NewFakeMSR(domains, opts...), nil
	}

	if err := device.CheckCPU(cfg.MSR.DevicePath, cfg.MSR.CPU); err != nil {
		return nil, err
	}
	msr, err := device.NewMSRDevice(cfg.MSR.DevicePath, cfg.MSR.CPU, logger)
	if err != nil {
		return nil, err
	}
	return msr, nil
}

func createServices(logger *slog.Logger, cfg *config.Config, signals *service.SignalHandler) ([]service.Service, error) {
	logger.Debug("Creating all services")

	src, err := createRegisterSource(logger, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open register source: %w", err)
	}

	procs, err := process.NewProcFSSource(cfg.Host.ProcFS, process.WithLogger(logger))
	if err != nil {
		// the monitor owns src only once it is created
		_ = src.Close()
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}

	var listeners []monitor.Listener
	if ptr.Deref(cfg.Exporter.Stdout.Enabled, false) {
		listeners = append(listeners, stdout.NewExporter(
			stdout.WithLogger(logger),
			stdout.WithOutput(os.Stdout),
			stdout.WithVerbosity(cfg.Trace.Verbosity),
		))
	}
	if ptr.Deref(cfg.Exporter.CSV.Enabled, false) {
		listeners = append(listeners, csv.NewExporter(
			csv.WithLogger(logger),
			csv.WithOutputDir(cfg.Exporter.CSV.OutputDir),
		))
	}

	// already validated
	domains, _ := config.ParseDomains(cfg.Rapl.Domains)

	tm := monitor.NewTraceMonitor(src, procs,
		monitor.WithLogger(logger),
		monitor.WithPID(cfg.Trace.PID),
		monitor.WithDuration(cfg.Trace.Duration),
		monitor.WithInterval(cfg.Trace.Interval),
		monitor.WithDomains(domains),
		monitor.WithPowerCeiling(device.Power(cfg.Rapl.PowerCeiling)*device.Watt),
		monitor.WithListeners(listeners...),
	)

	// the monitor probes the registry before any endpoint can read from it
	services := []service.Service{tm}

	if cfg.ServesHTTP() {
		apiServer := server.NewAPIServer(
			server.WithLogger(logger),
			server.WithListenAddress(cfg.Web.ListenAddresses),
			server.WithWebConfig(cfg.Web.Config),
		)
		services = append(services, apiServer, server.NewProbe(apiServer, tm))

		if ptr.Deref(cfg.Exporter.Prometheus.Enabled, false) {
			collectors := prometheus.CreateCollectors(tm, prometheus.WithLogger(logger))
			services = append(services, prometheus.NewExporter(tm, apiServer,
				prometheus.WithLogger(logger),
				prometheus.WithDebugCollectors(cfg.Exporter.Prometheus.DebugCollectors),
				prometheus.WithCollectors(collectors),
			))
		}
		if ptr.Deref(cfg.Debug.Pprof.Enabled, false) {
			services = append(services, server.NewPprof(apiServer, cfg.Trace.Duration))
		}
	}

	services = append(services, signals)
	return services, nil
}
