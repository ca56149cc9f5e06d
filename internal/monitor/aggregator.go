// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

// domainStats is the running summary of one domain
type domainStats struct {
	total    Energy
	powerSum Power
	count    int // ticks contributing to powerSum
	min      Power
	max      Power
}

func (s *domainStats) row(d Domain) SummaryRow {
	row := SummaryRow{Domain: d, TotalEnergy: s.total}
	if s.count == 0 {
		return row
	}
	row.AvgPower = s.powerSum / Power(s.count)
	row.MinPower = s.min
	row.MaxPower = s.max
	return row
}

// Aggregator keeps the ordered samples of a session and the running summary
// of every domain.
//
// The power of the first tick is 0 by construction and is excluded from the
// average, minimum and maximum. A domain only present in the first tick
// reports 0 for all three.
type Aggregator struct {
	domains []Domain
	stats   map[Domain]*domainStats
	samples []Sample
}

// NewAggregator creates an aggregator reporting on domains in the given order
func NewAggregator(domains []Domain) *Aggregator {
	a := &Aggregator{
		domains: domains,
		stats:   make(map[Domain]*domainStats, len(domains)),
	}
	for _, d := range domains {
		a.stats[d] = &domainStats{}
	}
	return a
}

// Add appends s and updates the running summary. Samples must be added in
// tick order.
func (a *Aggregator) Add(s Sample) {
	a.samples = append(a.samples, s)

	for _, d := range s.Domains {
		st, ok := a.stats[d]
		if !ok {
			continue
		}
		st.total = s.Energy[d]
		if s.Tick == 0 {
			continue
		}

		p := s.Power[d]
		if st.count == 0 || p < st.min {
			st.min = p
		}
		if st.count == 0 || p > st.max {
			st.max = p
		}
		st.powerSum += p
		st.count++
	}
}

// Samples returns the samples in tick order
func (a *Aggregator) Samples() []Sample {
	return a.samples
}

// Len returns the number of samples added
func (a *Aggregator) Len() int {
	return len(a.samples)
}

// Summary returns one row per domain in output order
func (a *Aggregator) Summary() []SummaryRow {
	rows := make([]SummaryRow, len(a.domains))
	for i, d := range a.domains {
		rows[i] = a.stats[d].row(d)
	}
	return rows
}

// Summarize computes the summary of samples from scratch. The result equals
// the running summary of an Aggregator fed with the same samples.
func Summarize(domains []Domain, samples []Sample) []SummaryRow {
	a := NewAggregator(domains)
	for _, s := range samples {
		a.Add(s)
	}
	return a.Summary()
}
