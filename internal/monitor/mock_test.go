// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"fmt"
	"sync"
	"time"

	"github.com/sustainable-computing-io/kepler-trace/internal/process"
	testingclock "k8s.io/utils/clock/testing"
)

// autoClock is a fake clock that advances itself to the deadline of every
// timer created through After, so a session runs without real waiting
type autoClock struct {
	*testingclock.FakeClock
}

func newAutoClock() *autoClock {
	return &autoClock{FakeClock: testingclock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))}
}

func (c *autoClock) After(d time.Duration) <-chan time.Time {
	ch := c.FakeClock.After(d)
	c.Step(d)
	return ch
}

// fakeProcs is a process.Source returning a running process until goneAt
// calls have been made. hook runs before every call with the 0 based call
// number and may advance the clock to simulate slow ticks.
type fakeProcs struct {
	mu     sync.Mutex
	calls  int
	goneAt int // -1 never
	err    map[int]error
	hook   func(call int)
}

var _ process.Source = (*fakeProcs)(nil)

func newFakeProcs() *fakeProcs {
	return &fakeProcs{goneAt: -1, err: map[int]error{}}
}

func (f *fakeProcs) Snapshot(pid int) (process.Snapshot, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.mu.Unlock()

	if f.hook != nil {
		f.hook(call)
	}
	if f.goneAt >= 0 && call >= f.goneAt {
		return process.Snapshot{}, fmt.Errorf("%w: pid %d", process.ErrProcessNotFound, pid)
	}
	if err, ok := f.err[call]; ok {
		return process.Snapshot{}, err
	}
	return process.Snapshot{
		PID:        pid,
		Comm:       "stress",
		State:      "R",
		StateLabel: "running",
		CPUPercent: float64(10 * call),
		Processor:  call % 4,
	}, nil
}

func (f *fakeProcs) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recordingListener records everything it receives
type recordingListener struct {
	mu       sync.Mutex
	samples  []Sample
	reports  []*Report
	finishFn func(*Report) error
}

func (l *recordingListener) Name() string {
	return "recorder"
}

func (l *recordingListener) OnSample(s Sample) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.samples = append(l.samples, s)
}

func (l *recordingListener) OnFinish(r *Report) error {
	l.mu.Lock()
	l.reports = append(l.reports, r)
	l.mu.Unlock()
	if l.finishFn != nil {
		return l.finishFn(r)
	}
	return nil
}
