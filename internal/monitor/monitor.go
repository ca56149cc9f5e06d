// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sustainable-computing-io/kepler-trace/internal/device"
	"github.com/sustainable-computing-io/kepler-trace/internal/process"
	"github.com/sustainable-computing-io/kepler-trace/internal/service"
	"k8s.io/utils/clock"
)

// Listener receives the samples of a session as they are taken and the
// report once the session ends
type Listener interface {
	service.Service

	// OnSample is called from the sampling goroutine for every tick
	OnSample(Sample)

	// OnFinish is called once with the final report
	OnFinish(*Report) error
}

// SampleProvider gives concurrent readers access to the latest sample
type SampleProvider interface {
	// Domains returns the domains registered for the session
	Domains() []Domain

	// Latest returns the most recent sample or nil before the first tick
	Latest() *Sample

	// PID returns the traced process, 0 in system-wide mode
	PID() int
}

// Service defines the interface of the trace monitoring service
type Service interface {
	service.Initializer
	service.Runner
	service.Shutdowner
	SampleProvider
}

// TraceMonitor is the default implementation of the trace service
type TraceMonitor struct {
	// passed externally
	logger *slog.Logger
	source device.RegisterSource
	procs  process.Source

	clock        clock.WithTicker
	cfg          SessionConfig
	domains      []device.Domain
	powerCeiling device.Power
	listeners    []Listener

	registry *device.Registry
	initial  process.Snapshot

	latest atomic.Pointer[Sample]
	report atomic.Pointer[Report]

	running atomic.Bool
	done    chan struct{}

	closeOnce sync.Once
}

var _ Service = (*TraceMonitor)(nil)

// NewTraceMonitor creates a new TraceMonitor reading registers from src and
// process info from procs
func NewTraceMonitor(src device.RegisterSource, procs process.Source, applyOpts ...OptionFn) *TraceMonitor {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &TraceMonitor{
		logger:       opts.logger.With("service", "monitor"),
		source:       src,
		procs:        procs,
		clock:        opts.clock,
		cfg:          opts.session,
		domains:      opts.domains,
		powerCeiling: opts.powerCeiling,
		listeners:    opts.listeners,
		done:         make(chan struct{}),
	}
}

func (tm *TraceMonitor) Name() string {
	return "monitor"
}

// Init probes the RAPL domains and takes the initial process snapshot
func (tm *TraceMonitor) Init() error {
	if err := tm.cfg.Validate(); err != nil {
		return &device.SetupError{Op: "config", Err: err}
	}

	registry, err := device.Probe(tm.source,
		device.WithProbeLogger(tm.logger),
		device.WithDomains(tm.domains),
		device.WithPowerCeiling(tm.powerCeiling))
	if err != nil {
		return err
	}
	tm.registry = registry

	initial, err := tm.procs.Snapshot(tm.cfg.PID)
	if err != nil {
		return &device.SetupError{Op: "process", Err: err}
	}
	tm.initial = initial

	domains := make([]string, 0, len(registry.Entries()))
	for _, d := range registry.Domains() {
		domains = append(domains, d.Name())
	}
	tm.logger.Info("RAPL domains available", "source", tm.source.Name(), "domains", domains, "units", registry.Scale())
	if info, ok := registry.PowerInfo(); ok {
		tm.logger.Info("Package power info",
			"thermal_spec", info.ThermalSpecPower,
			"min", info.MinPower,
			"max", info.MaxPower,
			"max_window", info.MaxTimeWindow)
	}
	tm.logger.Info("Initial process state",
		"pid", initial.PID,
		"comm", initial.Comm,
		"state", initial.StateLabel,
		"cpu", initial.Processor,
		"runtime_ns", initial.RuntimeNs,
		"voluntary_ctxt_switches", initial.VoluntaryCtxSwitches,
		"nonvoluntary_ctxt_switches", initial.NonvoluntaryCtxSwitches)
	return nil
}

// Run runs the session and hands the report to every listener. It returns
// once the report is delivered, also when ctx is cancelled.
func (tm *TraceMonitor) Run(ctx context.Context) error {
	if tm.registry == nil {
		return fmt.Errorf("monitor is not initialized")
	}
	if !tm.running.CompareAndSwap(false, true) {
		return fmt.Errorf("monitor is already running")
	}
	defer close(tm.done)

	session, err := NewSession(tm.registry, tm.procs, tm.cfg,
		WithLogger(tm.logger), WithClock(tm.clock))
	if err != nil {
		return err
	}

	tm.logger.Info("Monitor is running...")
	report, err := session.Run(ctx, tm.publish)
	if err != nil {
		return err
	}
	tm.report.Store(report)

	var errs []error
	for _, l := range tm.listeners {
		if err := l.OnFinish(report); err != nil {
			tm.logger.Error("Listener failed to handle report", "listener", l.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", l.Name(), err))
		}
	}
	tm.logger.Info("Monitor has terminated.", "reason", report.Reason)
	return errors.Join(errs...)
}

func (tm *TraceMonitor) publish(s Sample) {
	tm.latest.Store(&s)
	for _, l := range tm.listeners {
		l.OnSample(s)
	}
}

// Shutdown waits for a running session to deliver its report and closes the
// register source
func (tm *TraceMonitor) Shutdown() error {
	tm.logger.Info("shutting down monitor")
	if tm.running.Load() {
		<-tm.done
	}

	var err error
	tm.closeOnce.Do(func() {
		err = tm.source.Close()
	})
	return err
}

// Domains returns the probed domains; nil before Init
func (tm *TraceMonitor) Domains() []Domain {
	if tm.registry == nil {
		return nil
	}
	return tm.registry.Domains()
}

func (tm *TraceMonitor) Latest() *Sample {
	return tm.latest.Load()
}

func (tm *TraceMonitor) PID() int {
	return tm.cfg.PID
}

// InitialProcess returns the process snapshot taken during Init
func (tm *TraceMonitor) InitialProcess() process.Snapshot {
	return tm.initial
}

// Report returns the final report or nil while the session is running
func (tm *TraceMonitor) Report() *Report {
	return tm.report.Load()
}
