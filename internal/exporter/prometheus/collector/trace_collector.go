// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sustainable-computing-io/kepler-trace/internal/monitor"
)

type SampleProvider = monitor.SampleProvider

// TraceCollector exposes the latest sample of a trace session. Every scrape
// reads a single immutable sample, so all series of one scrape are consistent.
type TraceCollector struct {
	sp     SampleProvider
	logger *slog.Logger

	domainJoulesDesc *prometheus.Desc
	domainWattsDesc  *prometheus.Desc
	domainActiveDesc *prometheus.Desc

	processCPUDesc  *prometheus.Desc
	processInfoDesc *prometheus.Desc
	processTimeDesc *prometheus.Desc

	elapsedDesc *prometheus.Desc
	ticksDesc   *prometheus.Desc
}

var _ prometheus.Collector = (*TraceCollector)(nil)

// NewTraceCollector creates a collector reading from sp
func NewTraceCollector(sp SampleProvider, logger *slog.Logger) *TraceCollector {
	const domain = "domain"
	target := prometheus.Labels{"pid": strconv.Itoa(sp.PID())}

	return &TraceCollector{
		sp:     sp,
		logger: logger.With("collector", "trace"),

		domainJoulesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "rapl", "joules_total"),
			"Energy consumed by a RAPL domain since the trace started in joules",
			[]string{domain}, target),
		domainWattsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "rapl", "watts"),
			"Power of a RAPL domain over the last sampling interval in watts",
			[]string{domain}, target),
		domainActiveDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "rapl", "domain_active"),
			"1 if the RAPL domain is still read, 0 once it was dropped after a read fault",
			[]string{domain}, target),

		processCPUDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "process", "cpu_usage_ratio"),
			"CPU usage of the traced process over the last sampling interval (1.0 is one full cpu)",
			nil, target),
		processInfoDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "process", "info"),
			"A metric with a constant '1' value labeled with the traced process state",
			[]string{"comm", "state", "cpu"}, target),
		processTimeDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "process", "cpu_seconds_total"),
			"CPU time on cpu of the traced process as reported by schedstat",
			nil, target),

		elapsedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "elapsed_seconds"),
			"Time since the trace started at the latest sample",
			nil, target),
		ticksDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "samples_total"),
			"Number of samples taken",
			nil, target),
	}
}

// Describe implements the prometheus.Collector interface
func (c *TraceCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.domainJoulesDesc
	ch <- c.domainWattsDesc
	ch <- c.domainActiveDesc
	ch <- c.processCPUDesc
	ch <- c.processInfoDesc
	ch <- c.processTimeDesc
	ch <- c.elapsedDesc
	ch <- c.ticksDesc
}

// Collect implements the prometheus.Collector interface
func (c *TraceCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.sp.Latest()
	if s == nil {
		c.logger.Debug("No sample yet, skipping collection")
		return
	}

	for _, d := range c.sp.Domains() {
		label := d.Column()
		if !s.Has(d) {
			ch <- prometheus.MustNewConstMetric(c.domainActiveDesc, prometheus.GaugeValue, 0, label)
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.domainActiveDesc, prometheus.GaugeValue, 1, label)
		ch <- prometheus.MustNewConstMetric(c.domainJoulesDesc, prometheus.CounterValue, s.Energy[d].Joules(), label)
		ch <- prometheus.MustNewConstMetric(c.domainWattsDesc, prometheus.GaugeValue, s.Power[d].Watts(), label)
	}

	p := s.Process
	ch <- prometheus.MustNewConstMetric(c.processCPUDesc, prometheus.GaugeValue, s.CPUPercent/100)
	ch <- prometheus.MustNewConstMetric(c.processInfoDesc, prometheus.GaugeValue, 1,
		p.Comm, p.StateLabel, strconv.Itoa(p.Processor))
	if p.RuntimeNs > 0 {
		ch <- prometheus.MustNewConstMetric(c.processTimeDesc, prometheus.CounterValue, float64(p.RuntimeNs)/1e9)
	}

	ch <- prometheus.MustNewConstMetric(c.elapsedDesc, prometheus.GaugeValue, s.Elapsed.Seconds())
	ch <- prometheus.MustNewConstMetric(c.ticksDesc, prometheus.CounterValue, float64(s.Tick+1))
}
