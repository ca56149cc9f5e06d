// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"log/slog"
	"time"

	"github.com/sustainable-computing-io/kepler-trace/internal/device"
	"k8s.io/utils/clock"
)

type Opts struct {
	logger       *slog.Logger
	clock        clock.WithTicker
	session      SessionConfig
	domains      []device.Domain
	powerCeiling device.Power
	listeners    []Listener
}

// DefaultOpts returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		clock:  clock.RealClock{},
		session: SessionConfig{
			PID:      0,
			Interval: DefaultInterval,
		},
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the TraceMonitor
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock the TraceMonitor
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithPID sets the process to trace; 0 traces the whole host
func WithPID(pid int) OptionFn {
	return func(o *Opts) {
		o.session.PID = pid
	}
}

// WithInterval sets the sampling interval
func WithInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.session.Interval = d
	}
}

// WithDuration sets the session duration
func WithDuration(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.session.Duration = d
	}
}

// WithDomains restricts the traced RAPL domains
func WithDomains(domains []device.Domain) OptionFn {
	return func(o *Opts) {
		o.domains = domains
	}
}

// WithPowerCeiling sets the maximum plausible power used to detect reads that
// may span more than one counter wraparound
func WithPowerCeiling(p device.Power) OptionFn {
	return func(o *Opts) {
		o.powerCeiling = p
	}
}

// WithListeners adds listeners receiving every sample and the final report
func WithListeners(listeners ...Listener) OptionFn {
	return func(o *Opts) {
		o.listeners = append(o.listeners, listeners...)
	}
}
