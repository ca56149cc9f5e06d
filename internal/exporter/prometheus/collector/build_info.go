// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/sustainable-computing-io/kepler-trace/internal/version"
)

const namespace = "kepler_trace"

// BuildInfoCollector exposes a constant 1 labeled with the build of the binary
type BuildInfoCollector struct {
	desc *prom.Desc
}

var _ prom.Collector = (*BuildInfoCollector)(nil)

// NewBuildInfoCollector creates a collector for build information
func NewBuildInfoCollector() *BuildInfoCollector {
	return &BuildInfoCollector{
		desc: prom.NewDesc(
			prom.BuildFQName(namespace, "build", "info"),
			"A metric with a constant '1' value labeled with version information",
			[]string{"arch", "os", "branch", "revision", "version", "goversion"},
			nil,
		),
	}
}

func (c *BuildInfoCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.desc
}

func (c *BuildInfoCollector) Collect(ch chan<- prom.Metric) {
	info := version.Info()
	ch <- prom.MustNewConstMetric(c.desc, prom.GaugeValue, 1,
		info.GoArch,
		info.GoOS,
		info.GitBranch,
		info.GitCommit,
		info.Version,
		info.GoVersion,
	)
}
