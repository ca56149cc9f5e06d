// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/sustainable-computing-io/kepler-trace/internal/monitor"
)

// Exporter prints every sample and the final summary as tables
type Exporter struct {
	logger    *slog.Logger
	out       io.Writer
	verbosity int

	mu          sync.Mutex
	lastRuntime uint64
}

var _ monitor.Listener = (*Exporter)(nil)

type Opts struct {
	logger    *slog.Logger
	out       io.Writer
	verbosity int
}

// DefaultOpts() returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		out:    os.Stdout,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

func WithOutput(out io.Writer) OptionFn {
	return func(o *Opts) {
		o.out = out
	}
}

// WithVerbosity enables context switch counts and per interval details at 1
// and above
func WithVerbosity(v int) OptionFn {
	return func(o *Opts) {
		o.verbosity = v
	}
}

func NewExporter(applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger:    opts.logger.With("service", "stdout"),
		out:       opts.out,
		verbosity: opts.verbosity,
	}
}

// Name implements service.Name
func (e *Exporter) Name() string {
	return "stdout"
}

// OnSample prints the sample of one tick
func (e *Exporter) OnSample(s monitor.Sample) {
	e.mu.Lock()
	defer e.mu.Unlock()

	runtimeDiff := uint64(0)
	if s.Tick > 0 && s.Process.RuntimeNs >= e.lastRuntime {
		runtimeDiff = s.Process.RuntimeNs - e.lastRuntime
	}
	e.lastRuntime = s.Process.RuntimeNs

	fmt.Fprintf(e.out, "\nElapsed: %.1fs\n", s.Elapsed.Seconds())
	fmt.Fprintf(e.out, "CPU %d, State: %s, CPU usage: %.1f%%\n", s.Process.Processor, labelOf(s), s.CPUPercent)
	if e.verbosity >= 1 {
		fmt.Fprintf(e.out, "Context switches - voluntary: %d, nonvoluntary: %d\n",
			s.Process.VoluntaryCtxSwitches, s.Process.NonvoluntaryCtxSwitches)
	}
	fmt.Fprintf(e.out, "CPU time used: %.3fs\n", float64(runtimeDiff)/1e9)

	rows := make([][]string, 0, len(s.Domains))
	for _, d := range s.Domains {
		rows = append(rows, []string{
			d.Name(),
			fmt.Sprintf("%.3f", s.Delta[d].Joules()),
			fmt.Sprintf("%.3f", s.Power[d].Watts()),
			fmt.Sprintf("%.3f", s.Energy[d].Joules()),
		})
	}
	render(e.out, []string{"Domain", "Energy(J)", "Power(W)", "Total(J)"}, rows)
}

// OnFinish prints the session summary
func (e *Exporter) OnFinish(r *monitor.Report) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	fmt.Fprintf(e.out, "\n=== Trace summary (%s, %d samples in %.1fs) ===\n",
		r.Reason, len(r.Samples), r.Elapsed.Seconds())

	rows := make([][]string, 0, len(r.Summary))
	for _, row := range r.Summary {
		rows = append(rows, []string{
			row.Domain.Name(),
			fmt.Sprintf("%.3f", row.TotalEnergy.Joules()),
			fmt.Sprintf("%.3f", row.AvgPower.Watts()),
			fmt.Sprintf("%.3f", row.MaxPower.Watts()),
			fmt.Sprintf("%.3f", row.MinPower.Watts()),
		})
	}
	render(e.out, []string{"Domain", "Total(J)", "Avg(W)", "Max(W)", "Min(W)"}, rows)

	for _, f := range r.Faults {
		fmt.Fprintf(e.out, "%s dropped at %.1fs: %v\n", f.Domain.Name(), f.Elapsed.Seconds(), f.Err)
	}
	if r.Overruns > 0 {
		fmt.Fprintf(e.out, "Ticks behind schedule: %d\n", r.Overruns)
	}
	if r.AmbiguousWraps > 0 {
		fmt.Fprintf(e.out, "Reads possibly spanning multiple counter wraps: %d\n", r.AmbiguousWraps)
	}

	if e.verbosity >= 1 {
		writeIntervals(e.out, r)
	}
	return nil
}

func writeIntervals(out io.Writer, r *monitor.Report) {
	for _, d := range r.Domains {
		fmt.Fprintf(out, "\n%s interval details:\n", d.Name())
		for _, s := range r.Samples {
			if !s.Has(d) {
				continue
			}
			fmt.Fprintf(out, "  t=%.1fs: %.3fW on CPU %d\n", s.Elapsed.Seconds(), s.Power[d].Watts(), s.Process.Processor)
		}
	}
}

func labelOf(s monitor.Sample) string {
	if s.Process.StateLabel != "" {
		return s.Process.StateLabel
	}
	return s.State
}

func render(out io.Writer, header []string, rows [][]string) {
	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	table.Header(header)
	_ = table.Bulk(rows)
	_ = table.Render()
}
