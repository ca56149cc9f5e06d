// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
)

// NOTE: the fake sources are not intended to be used in production; they back
// the dev.fake-msr setting and tests

// DefaultFakeUnitRegister is a IA32_RAPL_POWER_UNIT value with
// power unit 1/8 W, energy unit 1/2^14 J and time unit 1/2^10 s
const DefaultFakeUnitRegister uint64 = 0x000a0e03

// fakeCounter simulates one energy status register
type fakeCounter struct {
	value        uint32
	increment    uint32
	randomFactor float64
}

// fakeMSR implements RegisterSource with counters that advance on every read
type fakeMSR struct {
	logger    *slog.Logger
	mu        sync.Mutex
	rnd       *rand.Rand
	units     uint64
	powerInfo uint64
	counters  map[uint32]*fakeCounter
}

var _ RegisterSource = (*fakeMSR)(nil)

// FakeOptFn is a functional option for configuring the fake msr source
type FakeOptFn func(*fakeMSR)

// WithFakeLogger sets the logger of the fake msr source
func WithFakeLogger(l *slog.Logger) FakeOptFn {
	return func(m *fakeMSR) {
		m.logger = l.With("service", m.Name())
	}
}

// WithFakeSeed makes the generated increments reproducible
func WithFakeSeed(seed int64) FakeOptFn {
	return func(m *fakeMSR) {
		m.rnd = rand.New(rand.NewSource(seed))
	}
}

// WithFakeStart sets the initial raw counter value of every domain; values
// close to 2^32 exercise wraparound early
func WithFakeStart(raw uint32) FakeOptFn {
	return func(m *fakeMSR) {
		for _, c := range m.counters {
			c.value = raw
		}
	}
}

// NewFakeMSR creates a simulated register source exposing the given domains.
// An empty list exposes Package, Cores and DRAM.
func NewFakeMSR(domains []Domain, opts ...FakeOptFn) RegisterSource {
	if len(domains) == 0 {
		domains = []Domain{Package, Cores, DRAM}
	}

	// increments are in LSB per read
	incrementFactor := map[Domain]uint32{
		Package:  12,
		Cores:    8,
		Uncore:   2,
		DRAM:     5,
		Platform: 20,
	}

	m := &fakeMSR{
		logger:    slog.Default().With("service", "fake-msr"),
		rnd:       rand.New(rand.NewSource(rand.Int63())),
		units:     DefaultFakeUnitRegister,
		powerInfo: 0x1e0, // 60W thermal spec power at 1/8 W
		counters:  make(map[uint32]*fakeCounter, len(domains)),
	}
	for _, d := range domains {
		m.counters[d.Address()] = &fakeCounter{
			increment:    1000 * incrementFactor[d],
			randomFactor: 0.5,
		}
	}

	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *fakeMSR) Name() string {
	return "fake-msr"
}

func (m *fakeMSR) Read(addr uint32) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch addr {
	case MSRPowerUnit:
		return m.units, nil
	case MSRPkgPowerInfo:
		return m.powerInfo, nil
	}

	c, ok := m.counters[addr]
	if !ok {
		return 0, fmt.Errorf("fake MSR 0x%x not present", addr)
	}
	random := uint32(m.rnd.Float64() * float64(c.increment) * c.randomFactor)
	c.value += c.increment + random // wraps at 2^32 like the hardware
	return uint64(c.value), nil
}

func (m *fakeMSR) Close() error {
	return nil
}

// ScriptedRead is one scripted register response
type ScriptedRead struct {
	Value uint64
	Err   error
}

// ScriptedSource is a RegisterSource replaying scripted values per register.
// Once a script is exhausted its last response is repeated; registers without a
// script fail. It is safe for concurrent use.
type ScriptedSource struct {
	mu      sync.Mutex
	scripts map[uint32][]ScriptedRead
	reads   map[uint32]int
	closed  bool
}

var _ RegisterSource = (*ScriptedSource)(nil)

// NewScriptedSource creates a scripted source whose unit register returns units
func NewScriptedSource(units uint64) *ScriptedSource {
	s := &ScriptedSource{
		scripts: map[uint32][]ScriptedRead{},
		reads:   map[uint32]int{},
	}
	s.Script(MSRPowerUnit, ScriptedRead{Value: units})
	return s
}

// Script appends responses for the register at addr
func (s *ScriptedSource) Script(addr uint32, reads ...ScriptedRead) *ScriptedSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[addr] = append(s.scripts[addr], reads...)
	return s
}

// ScriptValues appends successful responses with the given raw values
func (s *ScriptedSource) ScriptValues(addr uint32, values ...uint64) *ScriptedSource {
	reads := make([]ScriptedRead, len(values))
	for i, v := range values {
		reads[i] = ScriptedRead{Value: v}
	}
	return s.Script(addr, reads...)
}

// Reads returns how many times addr was read
func (s *ScriptedSource) Reads(addr uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[addr]
}

// Closed reports whether Close was called
func (s *ScriptedSource) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *ScriptedSource) Name() string {
	return "scripted-msr"
}

func (s *ScriptedSource) Read(addr uint32) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	script, ok := s.scripts[addr]
	if !ok || len(script) == 0 {
		return 0, fmt.Errorf("MSR 0x%x not scripted", addr)
	}
	i := s.reads[addr]
	s.reads[addr]++
	if i >= len(script) {
		i = len(script) - 1
	}
	return script[i].Value, script[i].Err
}

func (s *ScriptedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
