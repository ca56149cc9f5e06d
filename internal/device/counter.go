// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

// counterRange is the number of distinct values of a RAPL energy status
// counter, which occupies the low 32 bits of its MSR.
const counterRange = uint64(1) << 32

// DomainCounter turns repeated raw reads of one energy status MSR into a
// monotonic cumulative energy.
//
// At most one wrap between two observations is assumed; the sampling interval
// must stay below the domain wrap period (see Registry.WrapPeriod).
type DomainCounter struct {
	domain Domain
	unit   Energy

	primed bool
	last   uint32
	total  Energy
	wraps  uint64
}

// NewDomainCounter creates a counter for d scaled by the session energy unit
func NewDomainCounter(d Domain, scale UnitScale) *DomainCounter {
	return &DomainCounter{domain: d, unit: scale.Energy}
}

// Domain returns the domain the counter tracks
func (c *DomainCounter) Domain() Domain {
	return c.domain
}

// Observe feeds the raw 64-bit register value and returns the energy consumed
// since the previous observation. The first observation only records the
// baseline and returns 0.
func (c *DomainCounter) Observe(raw uint64) (delta Energy, wrapped bool) {
	value := uint32(raw & 0xFFFFFFFF)

	if !c.primed {
		c.primed = true
		c.last = value
		return 0, false
	}

	var lsb uint64
	if value >= c.last {
		lsb = uint64(value - c.last)
	} else {
		lsb = counterRange - uint64(c.last) + uint64(value)
		wrapped = true
		c.wraps++
	}
	c.last = value

	delta = Energy(float64(lsb)) * c.unit
	c.total += delta
	return delta, wrapped
}

// Energy returns the cumulative energy since the baseline observation
func (c *DomainCounter) Energy() Energy {
	return c.total
}

// Wraps returns the number of wraparounds observed
func (c *DomainCounter) Wraps() uint64 {
	return c.wraps
}

// Last returns the last raw counter value
func (c *DomainCounter) Last() uint32 {
	return c.last
}

// MaxEnergy returns the energy covered by one full counter cycle
func (c *DomainCounter) MaxEnergy() Energy {
	return Energy(float64(counterRange)) * c.unit
}
