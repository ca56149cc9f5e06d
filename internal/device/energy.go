// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
)

// Energy represents energy as a float64 Joule count.
// RAPL energy units are fractions of a Joule (typically 1/2^14 .. 1/2^16),
// so an integer MicroJoule count would truncate every reading.
// Use functions Joules, MilliJoules and MicroJoules to get the energy
// value as Joule, MilliJoule or MicroJoule respectively
type Energy float64

const (
	Joule      Energy = 1
	MilliJoule        = Joule / 1000
	MicroJoule        = MilliJoule / 1000
)

func (e Energy) MicroJoules() float64 {
	return float64(e / MicroJoule)
}

func (e Energy) MilliJoules() float64 {
	return float64(e / MilliJoule)
}

func (e Energy) Joules() float64 {
	return float64(e)
}

func (e Energy) String() string {
	return fmt.Sprintf("%.6fJ", e.Joules())
}

// Power represents power as a float64 Watt value.
// Use functions Watts, MilliWatts and MicroWatts to get the power value as
// Watts, MilliWatts or MicroWatts respectively
type Power float64

const (
	Watt      Power = 1.0
	MilliWatt       = Watt / 1000
	MicroWatt       = MilliWatt / 1000
)

func (p Power) MicroWatts() float64 {
	return float64(p / MicroWatt)
}

func (p Power) MilliWatts() float64 {
	return float64(p / MilliWatt)
}

func (p Power) Watts() float64 {
	return float64(p)
}

func (p Power) String() string {
	return fmt.Sprintf("%.6fW", p.Watts())
}

// PowerOver returns the average power of consuming e over the period of
// seconds. A non-positive period yields 0.
func PowerOver(e Energy, seconds float64) Power {
	if seconds <= 0 {
		return 0
	}
	return Power(e.Joules() / seconds)
}
