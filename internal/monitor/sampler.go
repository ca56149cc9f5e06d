// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sustainable-computing-io/kepler-trace/internal/device"
	"github.com/sustainable-computing-io/kepler-trace/internal/process"
	"k8s.io/utils/clock"
)

const (
	// DefaultInterval is the sampling interval when none is configured
	DefaultInterval = time.Second

	// MinInterval is the shortest supported sampling interval
	MinInterval = time.Millisecond
)

var errSessionReused = errors.New("session has already run")

// SessionConfig is the configuration of one measurement session
type SessionConfig struct {
	PID      int // 0 traces the whole host
	Interval time.Duration
	Duration time.Duration
}

// Validate checks the session configuration
func (c SessionConfig) Validate() error {
	var errs []error
	if c.PID < 0 {
		errs = append(errs, fmt.Errorf("invalid pid %d", c.PID))
	}
	if c.Interval < MinInterval {
		errs = append(errs, fmt.Errorf("interval %s is shorter than %s", c.Interval, MinInterval))
	}
	if c.Duration <= 0 {
		errs = append(errs, fmt.Errorf("duration must be positive, got %s", c.Duration))
	}
	return errors.Join(errs...)
}

// Session samples the domains of a registry at fixed intervals for a bounded
// duration. Tick n is scheduled at an absolute deadline of start + n*interval,
// so the time spent in a tick does not shift later ticks. A session runs once.
type Session struct {
	logger   *slog.Logger
	clock    clock.WithTicker
	registry *device.Registry
	procs    process.Source
	cfg      SessionConfig

	active      []bool // per registry entry
	wrapPeriods []time.Duration
	agg         *Aggregator
	report      *Report
	prevAt      time.Time
	ran         bool
}

// NewSession creates a session over the probed registry. Only the logger and
// clock options apply.
func NewSession(registry *device.Registry, procs process.Source, cfg SessionConfig, applyOpts ...OptionFn) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}

	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	entries := registry.Entries()
	s := &Session{
		logger:      opts.logger.With("service", "sampler"),
		clock:       opts.clock,
		registry:    registry,
		procs:       procs,
		cfg:         cfg,
		active:      make([]bool, len(entries)),
		wrapPeriods: make([]time.Duration, len(entries)),
		agg:         NewAggregator(registry.Domains()),
		report: &Report{
			PID:     cfg.PID,
			Scale:   registry.Scale(),
			Domains: registry.Domains(),
		},
	}
	for i := range entries {
		s.active[i] = true
		s.wrapPeriods[i] = registry.WrapPeriod(i)
		if s.wrapPeriods[i] <= cfg.Interval {
			s.logger.Warn("Sampling interval exceeds counter wrap period, energy may be undercounted",
				"domain", entries[i].Domain.Column(),
				"interval", cfg.Interval,
				"wrap_period", s.wrapPeriods[i])
		}
	}
	return s, nil
}

// deadline returns the scheduled time of slot n, never later than the end of
// the session
func (s *Session) deadline(start time.Time, n int) time.Time {
	offset := time.Duration(n) * s.cfg.Interval
	if offset > s.cfg.Duration {
		offset = s.cfg.Duration
	}
	return start.Add(offset)
}

// Run samples until the duration elapses, the traced process exits or ctx is
// cancelled. emit, if not nil, receives every sample in tick order. The report
// is returned in every case.
func (s *Session) Run(ctx context.Context, emit func(Sample)) (*Report, error) {
	if s.ran {
		return nil, errSessionReused
	}
	s.ran = true

	start := s.clock.Now()
	s.prevAt = start
	s.report.Started = start
	s.logger.Info("Session started",
		"pid", s.cfg.PID,
		"interval", s.cfg.Interval,
		"duration", s.cfg.Duration,
		"domains", len(s.report.Domains))

	reason := StopDuration
	slot := 0

loop:
	for {
		sample, ok := s.tick(start)
		if !ok {
			reason = StopProcessExited
			break
		}
		if ctx.Err() != nil {
			// the tick raced with cancellation and is dropped
			reason = StopCancelled
			break
		}

		s.agg.Add(sample)
		if emit != nil {
			emit(sample)
		}

		if sample.Elapsed >= s.cfg.Duration {
			break
		}
		if len(sample.Domains) == 0 {
			s.logger.Error("All RAPL domains failed, ending session")
			reason = StopDomainsLost
			break
		}

		slot++
		now := s.clock.Now()
		wait := s.deadline(start, slot).Sub(now)

		switch {
		case wait < 0:
			// run now and realign to the current slot; missed ticks are skipped
			current := int(now.Sub(start) / s.cfg.Interval)
			s.report.Overruns++
			s.logger.Warn("Sampling fell behind schedule",
				"tick", sample.Tick,
				"late", -wait,
				"skipped", max(current-slot, 0))
			slot = max(current, slot)
			continue

		case wait == 0:
			continue
		}

		select {
		case <-ctx.Done():
			reason = StopCancelled
			break loop
		case <-s.clock.After(wait):
		}
	}

	s.report.Reason = reason
	s.report.Elapsed = s.clock.Since(start)
	s.report.Samples = s.agg.Samples()
	s.report.Summary = s.agg.Summary()

	s.logger.Info("Session finished",
		"reason", reason,
		"samples", len(s.report.Samples),
		"elapsed", s.report.Elapsed,
		"faults", len(s.report.Faults),
		"overruns", s.report.Overruns)
	return s.report, nil
}

// tick reads the process and every active domain. It returns false when the
// traced process is gone.
func (s *Session) tick(start time.Time) (Sample, bool) {
	now := s.clock.Now()
	seq := s.agg.Len()

	snap, err := s.procs.Snapshot(s.cfg.PID)
	switch {
	case errors.Is(err, process.ErrProcessNotFound):
		s.logger.Info("Traced process is gone", "pid", s.cfg.PID, "tick", seq, "error", err)
		return Sample{}, false
	case err != nil:
		s.logger.Warn("Failed to read process info", "pid", s.cfg.PID, "tick", seq, "error", err)
		snap = process.Snapshot{PID: s.cfg.PID, State: "?", StateLabel: "unknown", Processor: -1}
	}

	entries := s.registry.Entries()
	sample := Sample{
		Tick:       seq,
		Timestamp:  now,
		Elapsed:    now.Sub(start),
		Domains:    make([]Domain, 0, len(entries)),
		Energy:     make(map[Domain]Energy, len(entries)),
		Delta:      make(map[Domain]Energy, len(entries)),
		Power:      make(map[Domain]Power, len(entries)),
		CPUPercent: snap.CPUPercent,
		State:      snap.State,
		Process:    snap,
	}

	dt := now.Sub(s.prevAt)
	for i, e := range entries {
		if !s.active[i] {
			continue
		}

		raw, err := s.registry.Read(i)
		if err != nil {
			s.dropDomain(i, sample, err)
			continue
		}

		delta, wrapped := e.Counter.Observe(raw)
		if wrapped {
			s.logger.Debug("Energy counter wrapped", "domain", e.Domain.Column(), "tick", seq, "wraps", e.Counter.Wraps())
		}
		if seq > 0 && dt >= s.wrapPeriods[i] {
			s.report.AmbiguousWraps++
			s.logger.Warn("Time between reads exceeds counter wrap period, energy may be undercounted",
				"domain", e.Domain.Column(), "tick", seq, "dt", dt, "wrap_period", s.wrapPeriods[i])
		}

		var power Power
		if seq > 0 {
			power = device.PowerOver(delta, dt.Seconds())
		}

		sample.Domains = append(sample.Domains, e.Domain)
		sample.Energy[e.Domain] = e.Counter.Energy()
		sample.Delta[e.Domain] = delta
		sample.Power[e.Domain] = power
	}

	s.prevAt = now
	return sample, true
}

// dropDomain removes entry i from the session after a failed read
func (s *Session) dropDomain(i int, sample Sample, err error) {
	d := s.registry.Entries()[i].Domain
	s.active[i] = false

	fault := DomainFault{Domain: d, Tick: sample.Tick, Elapsed: sample.Elapsed, Err: err}
	s.report.Faults = append(s.report.Faults, fault)
	s.logger.Warn("RAPL domain read failed, excluding it for the rest of the session",
		"domain", d.Column(), "tick", sample.Tick, "error", err)
}
