// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package csv writes the time series and the summary of a trace session as
// csv files
package csv

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jszwec/csvutil"
	"github.com/sustainable-computing-io/kepler-trace/internal/device"
	"github.com/sustainable-computing-io/kepler-trace/internal/monitor"
	"k8s.io/utils/clock"
)

const fileTimeLayout = "20060102_150405"

// Exporter writes three files when a session ends:
//
//	<prefix>_energy.csv   cumulative energy per domain
//	<prefix>_power.csv    power per domain
//	<prefix>_summary.csv  one row per domain
//
// where prefix is energy_trace_pid<pid>_<YYYYmmdd_HHMMSS>, or
// energy_trace_system_<YYYYmmdd_HHMMSS> in system-wide mode.
type Exporter struct {
	logger    *slog.Logger
	outputDir string
	clock     clock.PassiveClock

	files []string // written by the last OnFinish
}

var _ monitor.Listener = (*Exporter)(nil)

type Opts struct {
	logger    *slog.Logger
	outputDir string
	clock     clock.PassiveClock
}

// DefaultOpts() returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:    slog.Default(),
		outputDir: ".",
		clock:     clock.RealClock{},
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

// WithOutputDir sets the directory the files are written to
func WithOutputDir(dir string) OptionFn {
	return func(o *Opts) {
		o.outputDir = dir
	}
}

// WithClock sets the clock used to timestamp file names
func WithClock(c clock.PassiveClock) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

func NewExporter(applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger:    opts.logger.With("service", "csv"),
		outputDir: opts.outputDir,
		clock:     opts.clock,
	}
}

// Name implements service.Name
func (e *Exporter) Name() string {
	return "csv"
}

// OnSample is a no-op, files are written once the session ends
func (e *Exporter) OnSample(monitor.Sample) {}

// OnFinish writes the energy, power and summary files of the report
func (e *Exporter) OnFinish(r *monitor.Report) error {
	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	base := filepath.Join(e.outputDir, filePrefix(r.PID)+e.clock.Now().Format(fileTimeLayout))
	energyFile := base + "_energy.csv"
	powerFile := base + "_power.csv"
	summaryFile := base + "_summary.csv"

	columns := seriesDomains(r)
	err := errors.Join(
		writeFile(energyFile, func(w io.Writer) error {
			return writeSeries(w, r, columns, func(s *monitor.Sample, d device.Domain) float64 {
				return s.Energy[d].Joules()
			})
		}),
		writeFile(powerFile, func(w io.Writer) error {
			return writeSeries(w, r, columns, func(s *monitor.Sample, d device.Domain) float64 {
				return s.Power[d].Watts()
			})
		}),
		writeFile(summaryFile, func(w io.Writer) error {
			return writeSummary(w, r.Summary)
		}),
	)
	if err != nil {
		return err
	}

	e.files = []string{energyFile, powerFile, summaryFile}
	e.logger.Info("CSV export complete", "energy", energyFile, "power", powerFile, "summary", summaryFile)
	return nil
}

// Files returns the paths written by the last OnFinish
func (e *Exporter) Files() []string {
	return e.files
}

func filePrefix(pid int) string {
	if pid == 0 {
		return "energy_trace_system_"
	}
	return fmt.Sprintf("energy_trace_pid%d_", pid)
}

func writeFile(path string, write func(io.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", path, cerr)
		}
	}()

	if err := write(f); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// seriesDomains returns the domain columns of the series files: every domain
// present in at least one sample, in output order
func seriesDomains(r *monitor.Report) []device.Domain {
	seen := make(map[device.Domain]bool, len(r.Domains))
	for _, s := range r.Samples {
		for _, d := range s.Domains {
			seen[d] = true
		}
	}

	ret := make([]device.Domain, 0, len(seen))
	for _, d := range r.Domains {
		if seen[d] {
			ret = append(ret, d)
		}
	}
	return ret
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 6, 64)
}

// writeSeries writes one row per sample. Cells of a domain missing from a
// sample, e.g. after a read fault, are left empty.
func writeSeries(w io.Writer, r *monitor.Report, domains []device.Domain, value func(*monitor.Sample, device.Domain) float64) error {
	cw := csv.NewWriter(w)

	header := make([]string, 0, len(domains)+4)
	header = append(header, "timestamp")
	for _, d := range domains {
		header = append(header, d.Column())
	}
	header = append(header, "cpu_percent", "state", "cpu")
	if err := cw.Write(header); err != nil {
		return err
	}

	for i := range r.Samples {
		s := &r.Samples[i]
		row := make([]string, 0, len(header))
		row = append(row, strconv.FormatFloat(s.Elapsed.Seconds(), 'f', 3, 64))
		for _, d := range domains {
			if !s.Has(d) {
				row = append(row, "")
				continue
			}
			row = append(row, formatFloat(value(s, d)))
		}
		row = append(row,
			strconv.FormatFloat(s.CPUPercent, 'f', 2, 64),
			stateLabel(s),
			strconv.Itoa(s.Process.Processor))
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func stateLabel(s *monitor.Sample) string {
	if s.Process.StateLabel != "" {
		return s.Process.StateLabel
	}
	return s.State
}

type summaryRecord struct {
	Domain      string  `csv:"domain"`
	TotalEnergy float64 `csv:"total_energy"`
	AvgPower    float64 `csv:"avg_power"`
	MaxPower    float64 `csv:"max_power"`
	MinPower    float64 `csv:"min_power"`
}

func writeSummary(w io.Writer, rows []monitor.SummaryRow) error {
	cw := csv.NewWriter(w)
	enc := csvutil.NewEncoder(cw)
	enc.Register(func(f float64) ([]byte, error) {
		return strconv.AppendFloat(nil, f, 'f', 6, 64), nil
	})

	records := make([]summaryRecord, len(rows))
	for i, row := range rows {
		records[i] = summaryRecord{
			Domain:      row.Domain.Name(),
			TotalEnergy: row.TotalEnergy.Joules(),
			AvgPower:    row.AvgPower.Watts(),
			MaxPower:    row.MaxPower.Watts(),
			MinPower:    row.MinPower.Watts(),
		}
	}
	if err := enc.Encode(records); err != nil {
		return err
	}

	cw.Flush()
	return cw.Error()
}
