// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	// ErrNoDomains is returned when no RAPL domain passes its probe read
	ErrNoDomains = errors.New("no readable RAPL energy counters found")

	// ErrUnitRegister is returned when IA32_RAPL_POWER_UNIT cannot be read
	ErrUnitRegister = errors.New("failed to read RAPL power unit register")
)

// SetupError is a fatal error that prevents a measurement session from starting
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}

// Entry is one probed domain with its counter. Index is stable for the whole
// session and is the position of the entry in Registry.Entries
type Entry struct {
	Index   int
	Domain  Domain
	Counter *DomainCounter
}

// Registry is the fixed set of RAPL domains available on the running hardware.
// It is resolved once by Probe and never changes afterwards.
type Registry struct {
	source    RegisterSource
	scale     UnitScale
	powerInfo *PowerInfo
	ceiling   Power
	entries   []Entry
}

type probeOpts struct {
	logger     *slog.Logger
	candidates []Domain
	ceiling    Power
}

// ProbeOptFn sets an option of Probe
type ProbeOptFn func(*probeOpts)

// WithProbeLogger sets the logger used while probing
func WithProbeLogger(l *slog.Logger) ProbeOptFn {
	return func(o *probeOpts) {
		o.logger = l
	}
}

// WithDomains restricts probing to the given domains. Empty means all.
func WithDomains(domains []Domain) ProbeOptFn {
	return func(o *probeOpts) {
		if len(domains) > 0 {
			o.candidates = domains
		}
	}
}

// WithPowerCeiling sets the maximum plausible power used for wrap detection
// when MSR_PKG_POWER_INFO does not report one
func WithPowerCeiling(p Power) ProbeOptFn {
	return func(o *probeOpts) {
		o.ceiling = p
	}
}

// DefaultPowerCeiling is used for wrap detection when neither the hardware
// nor the configuration provides a maximum power
const DefaultPowerCeiling = 1000 * Watt

// Probe reads the unit register and tests each candidate domain with one read.
// Domains whose read fails are excluded for the session. The probe read
// becomes the baseline of the domain counter.
func Probe(src RegisterSource, opts ...ProbeOptFn) (*Registry, error) {
	o := probeOpts{
		logger:     slog.Default(),
		candidates: AllDomains(),
	}
	for _, apply := range opts {
		apply(&o)
	}
	logger := o.logger.With("service", "rapl-registry")

	raw, err := src.Read(MSRPowerUnit)
	if err != nil {
		return nil, &SetupError{Op: "probe", Err: errors.Join(ErrUnitRegister, err)}
	}
	scale := DecodeUnits(raw)
	logger.Debug("RAPL units decoded", "raw", fmt.Sprintf("0x%x", raw), "units", scale)

	r := &Registry{source: src, scale: scale}

	if raw, err := src.Read(MSRPkgPowerInfo); err == nil {
		info := DecodePowerInfo(raw, scale)
		r.powerInfo = &info
		logger.Debug("Package power info decoded",
			"thermal_spec", info.ThermalSpecPower,
			"min", info.MinPower,
			"max", info.MaxPower,
			"max_window", info.MaxTimeWindow)
	} else {
		logger.Debug("Package power info not readable", "error", err)
	}
	r.ceiling = r.resolveCeiling(o.ceiling)

	seen := map[Domain]bool{}
	for _, d := range o.candidates {
		if seen[d] {
			continue
		}
		seen[d] = true

		raw, err := src.Read(d.Address())
		if err != nil {
			logger.Debug("RAPL domain not readable, skipping",
				"domain", d.Column(), "msr", fmt.Sprintf("0x%x", d.Address()), "error", err)
			continue
		}
		counter := NewDomainCounter(d, scale)
		counter.Observe(raw)
		r.entries = append(r.entries, Entry{Index: len(r.entries), Domain: d, Counter: counter})
	}

	if len(r.entries) == 0 {
		return nil, &SetupError{Op: "probe", Err: ErrNoDomains}
	}

	// keep output order independent of the order of configured candidates
	r.sortEntries()
	return r, nil
}

func (r *Registry) resolveCeiling(configured Power) Power {
	if configured > 0 {
		return configured
	}
	if r.powerInfo != nil {
		if c := r.powerInfo.Ceiling(); c > 0 {
			return c
		}
	}
	return DefaultPowerCeiling
}

func (r *Registry) sortEntries() {
	sorted := make([]Entry, 0, len(r.entries))
	for _, d := range AllDomains() {
		for _, e := range r.entries {
			if e.Domain == d {
				e.Index = len(sorted)
				sorted = append(sorted, e)
			}
		}
	}
	r.entries = sorted
}

// Source returns the register source the registry reads from
func (r *Registry) Source() RegisterSource {
	return r.source
}

// Scale returns the session unit scale
func (r *Registry) Scale() UnitScale {
	return r.scale
}

// PowerInfo returns the decoded package power info; ok is false when the
// register was not readable
func (r *Registry) PowerInfo() (PowerInfo, bool) {
	if r.powerInfo == nil {
		return PowerInfo{}, false
	}
	return *r.powerInfo, true
}

// Entries returns the probed domains in output order
func (r *Registry) Entries() []Entry {
	return r.entries
}

// Domains returns the probed domains in output order
func (r *Registry) Domains() []Domain {
	ret := make([]Domain, len(r.entries))
	for i, e := range r.entries {
		ret[i] = e.Domain
	}
	return ret
}

// Read reads the raw energy status register of entry i
func (r *Registry) Read(i int) (uint64, error) {
	return r.source.Read(r.entries[i].Domain.Address())
}

// PowerCeiling returns the maximum plausible power used for wrap detection
func (r *Registry) PowerCeiling() Power {
	return r.ceiling
}

// WrapPeriod returns the shortest time in which the counter of entry i can
// complete a full cycle at the power ceiling. Two reads further apart than this
// may hide more than one wraparound.
func (r *Registry) WrapPeriod(i int) time.Duration {
	maxEnergy := r.entries[i].Counter.MaxEnergy()
	seconds := maxEnergy.Joules() / r.ceiling.Watts()
	return time.Duration(seconds * float64(time.Second))
}
