// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"fmt"
	"time"

	"github.com/sustainable-computing-io/kepler-trace/internal/device"
	"github.com/sustainable-computing-io/kepler-trace/internal/process"
)

type (
	Energy = device.Energy
	Power  = device.Power
	Domain = device.Domain
)

const (
	Joule = device.Joule
	Watt  = device.Watt
)

// Sample is the measurement of one sampling tick. Only the domains active at
// the tick are present in the maps. A Sample is never modified once emitted.
//
// Energy counts from the baseline register read taken when the registry is
// probed during Init, not from the first tick. Tick 0 therefore includes the
// energy consumed between Init and the first tick, and its Delta equals its
// Energy.
type Sample struct {
	Tick      int           // sequence number of the sample, 0 for the first
	Timestamp time.Time     // wall time of the tick
	Elapsed   time.Duration // time since the session started

	Domains []Domain          // active domains in output order
	Energy  map[Domain]Energy // cumulative energy since the Init baseline read
	Delta   map[Domain]Energy // energy since the previous tick
	Power   map[Domain]Power  // Delta over the actual time since the previous tick

	CPUPercent float64
	State      string // state code of the traced process
	Process    process.Snapshot
}

// Has reports whether domain d was read at this tick
func (s *Sample) Has(d Domain) bool {
	_, ok := s.Energy[d]
	return ok
}

// SummaryRow holds the session statistics of one domain
type SummaryRow struct {
	Domain      Domain
	TotalEnergy Energy
	AvgPower    Power
	MaxPower    Power
	MinPower    Power
}

// StopReason tells why a session ended
type StopReason int

const (
	// StopDuration means the configured duration elapsed
	StopDuration StopReason = iota
	// StopProcessExited means the traced process disappeared
	StopProcessExited
	// StopCancelled means the session context was cancelled (e.g. SIGINT)
	StopCancelled
	// StopDomainsLost means every RAPL domain failed during the session
	StopDomainsLost
)

func (r StopReason) String() string {
	switch r {
	case StopDuration:
		return "duration elapsed"
	case StopProcessExited:
		return "process exited"
	case StopCancelled:
		return "interrupted"
	case StopDomainsLost:
		return "all domains failed"
	}
	return fmt.Sprintf("StopReason(%d)", int(r))
}

// DomainFault records a domain dropped from the session after a failed read
type DomainFault struct {
	Domain  Domain
	Tick    int
	Elapsed time.Duration
	Err     error
}

func (f DomainFault) Error() string {
	return fmt.Sprintf("domain %s failed at tick %d: %v", f.Domain.Column(), f.Tick, f.Err)
}

func (f DomainFault) Unwrap() error {
	return f.Err
}

// Report is the outcome of a finished session
type Report struct {
	PID     int
	Started time.Time
	Elapsed time.Duration
	Reason  StopReason

	Scale   device.UnitScale
	Domains []Domain // domains registered at session start

	Samples []Sample
	Summary []SummaryRow
	Faults  []DomainFault

	Overruns       int // ticks started after their deadline
	AmbiguousWraps int // reads further apart than the counter wrap period
}

// Faulted reports whether d was dropped during the session and the tick it
// was dropped at
func (r *Report) Faulted(d Domain) (int, bool) {
	for _, f := range r.Faults {
		if f.Domain == d {
			return f.Tick, true
		}
	}
	return 0, false
}
