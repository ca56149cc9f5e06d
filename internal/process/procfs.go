// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"
)

// procStat holds only the required fields of /proc/<pid>/stat
type procStat struct {
	Comm      string
	State     string
	CPUTime   float64 // utime + stime in seconds
	Processor int
}

// procInfo wraps the methods of procfs.Proc used to build a Snapshot
type procInfo interface {
	Stat() (procStat, error)
	CtxSwitches() (voluntary, nonvoluntary uint64, err error)
	Runtime() (uint64, error)
}

// procReader resolves processes and reads host wide cpu times
type procReader interface {
	Proc(pid int) (procInfo, error)
	CPUStat() (procfs.CPUStat, error)
}

// procWrapper implements procInfo by wrapping procfs.Proc
type procWrapper struct {
	proc procfs.Proc
}

var _ procInfo = (*procWrapper)(nil)

func (p *procWrapper) Stat() (procStat, error) {
	st, err := p.proc.Stat()
	if err != nil {
		return procStat{}, err
	}
	return procStat{
		Comm:      st.Comm,
		State:     st.State,
		CPUTime:   st.CPUTime(),
		Processor: int(st.Processor),
	}, nil
}

func (p *procWrapper) CtxSwitches() (uint64, uint64, error) {
	status, err := p.proc.NewStatus()
	if err != nil {
		return 0, 0, err
	}
	return status.VoluntaryCtxtSwitches, status.NonVoluntaryCtxtSwitches, nil
}

func (p *procWrapper) Runtime() (uint64, error) {
	sched, err := p.proc.Schedstat()
	if err != nil {
		return 0, err
	}
	return sched.RunningNanoseconds, nil
}

// procFSReader is the default procReader backed by procfs
type procFSReader struct {
	fs procfs.FS
}

var _ procReader = (*procFSReader)(nil)

func (r *procFSReader) Proc(pid int) (procInfo, error) {
	proc, err := r.fs.Proc(pid)
	if err != nil {
		return nil, err
	}
	return &procWrapper{proc: proc}, nil
}

func (r *procFSReader) CPUStat() (procfs.CPUStat, error) {
	st, err := r.fs.Stat()
	if err != nil {
		return procfs.CPUStat{}, err
	}
	return st.CPUTotal, nil
}

type cpuMark struct {
	cpuTime float64
	at      time.Time
}

// procFSSource implements Source using procfs
type procFSSource struct {
	logger *slog.Logger
	reader procReader
	clock  clock.PassiveClock

	prev     map[int]cpuMark
	prevStat procfs.CPUStat
}

var _ Source = (*procFSSource)(nil)

// OptionFn configures the procfs source
type OptionFn func(*procFSSource)

// WithLogger sets the logger of the source
func WithLogger(l *slog.Logger) OptionFn {
	return func(s *procFSSource) {
		s.logger = l.With("service", "process")
	}
}

// WithClock sets the clock used to measure wall time between snapshots
func WithClock(c clock.PassiveClock) OptionFn {
	return func(s *procFSSource) {
		s.clock = c
	}
}

// NewProcFSSource creates a Source reading from the procfs mounted at procfsPath
func NewProcFSSource(procfsPath string, opts ...OptionFn) (*procFSSource, error) {
	procFS, err := procfs.NewFS(procfsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", procfsPath, err)
	}
	return newSource(&procFSReader{fs: procFS}, opts...), nil
}

func newSource(reader procReader, opts ...OptionFn) *procFSSource {
	s := &procFSSource{
		logger: slog.Default().With("service", "process"),
		reader: reader,
		clock:  clock.RealClock{},
		prev:   map[int]cpuMark{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot returns the current state of pid; pid 0 reports host wide usage
func (s *procFSSource) Snapshot(pid int) (Snapshot, error) {
	if pid == SystemWide {
		return s.systemSnapshot()
	}

	proc, err := s.reader.Proc(pid)
	if err != nil {
		return Snapshot{}, notFound(pid, err)
	}

	st, err := proc.Stat()
	if err != nil {
		return Snapshot{}, notFound(pid, err)
	}
	if gone(st.State) {
		delete(s.prev, pid)
		return Snapshot{}, fmt.Errorf("%w: pid %d is in state %s", ErrProcessNotFound, pid, st.State)
	}

	snap := Snapshot{
		PID:        pid,
		Comm:       st.Comm,
		State:      st.State,
		StateLabel: StateLabel(st.State),
		Processor:  st.Processor,
		CPUPercent: s.cpuPercent(pid, st.CPUTime),
	}

	// schedstat and status are best effort, the process may exit between reads
	if runtime, err := proc.Runtime(); err == nil {
		snap.RuntimeNs = runtime
	} else {
		s.logger.Debug("Failed to read schedstat", "pid", pid, "error", err)
	}
	if vol, nonvol, err := proc.CtxSwitches(); err == nil {
		snap.VoluntaryCtxSwitches = vol
		snap.NonvoluntaryCtxSwitches = nonvol
	} else {
		s.logger.Debug("Failed to read status", "pid", pid, "error", err)
	}

	return snap, nil
}

func (s *procFSSource) cpuPercent(pid int, cpuTime float64) float64 {
	now := s.clock.Now()
	prev, ok := s.prev[pid]
	s.prev[pid] = cpuMark{cpuTime: cpuTime, at: now}

	// first time, so return 0 usage
	if !ok {
		return 0
	}

	wall := now.Sub(prev.at).Seconds()
	if wall <= 0 || cpuTime < prev.cpuTime {
		return 0
	}
	return (cpuTime - prev.cpuTime) / wall * 100
}

// systemSnapshot reports cpu usage of the whole host as active over total,
// where active = total - (idle + iowait)
func (s *procFSSource) systemSnapshot() (Snapshot, error) {
	curr, err := s.reader.CPUStat()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read cpu stat: %w", err)
	}

	snap := Snapshot{
		PID:        SystemWide,
		Comm:       "system",
		State:      "system",
		StateLabel: "system",
		Processor:  -1,
	}

	prev := s.prevStat
	s.prevStat = curr
	if prev == (procfs.CPUStat{}) {
		return snap, nil
	}

	dIdle := curr.Idle - prev.Idle
	dIowait := curr.Iowait - prev.Iowait
	total := (curr.User - prev.User) +
		(curr.Nice - prev.Nice) +
		(curr.System - prev.System) +
		dIdle + dIowait +
		(curr.IRQ - prev.IRQ) +
		(curr.SoftIRQ - prev.SoftIRQ) +
		(curr.Steal - prev.Steal)
	if total <= 0 {
		return snap, nil
	}

	snap.CPUPercent = (total - (dIdle + dIowait)) / total * 100
	return snap, nil
}

// notFound maps errors of a vanished process to ErrProcessNotFound
func notFound(pid int, err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("%w: pid %d: %v", ErrProcessNotFound, pid, err)
	}
	return fmt.Errorf("failed to read process %d: %w", pid, err)
}
