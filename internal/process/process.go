// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package process reports scheduling details of the traced process
package process

import (
	"errors"
	"fmt"
)

// ErrProcessNotFound is returned when the target process no longer exists or
// is a zombie
var ErrProcessNotFound = errors.New("process not found")

// SystemWide is the pid that selects host wide CPU accounting
const SystemWide = 0

// Snapshot is the state of a process at one sampling tick
type Snapshot struct {
	PID        int
	Comm       string
	State      string  // single letter state code of /proc/<pid>/stat
	StateLabel string  // human readable State
	CPUPercent float64 // cpu time over wall time since the previous snapshot
	Processor  int     // cpu the process last ran on, -1 when unknown
	RuntimeNs  uint64  // time spent on the cpu as reported by schedstat

	VoluntaryCtxSwitches    uint64
	NonvoluntaryCtxSwitches uint64
}

func (s Snapshot) String() string {
	return fmt.Sprintf("pid=%d comm=%s state=%s cpu=%d cpu%%=%.1f", s.PID, s.Comm, s.State, s.Processor, s.CPUPercent)
}

// Source reports snapshots of a process by pid. The CPU usage of a snapshot
// is relative to the previous snapshot of the same pid, so a Source is not
// safe for concurrent use.
type Source interface {
	Snapshot(pid int) (Snapshot, error)
}

var stateLabels = map[string]string{
	"R": "running",
	"S": "sleeping",
	"D": "disk sleep",
	"Z": "zombie",
	"T": "stopped",
	"t": "tracing stop",
	"X": "dead",
	"x": "dead",
	"I": "idle",
	"K": "wakekill",
	"W": "waking",
	"P": "parked",
}

// StateLabel returns the description of a /proc/<pid>/stat state code
func StateLabel(state string) string {
	if label, ok := stateLabels[state]; ok {
		return label
	}
	return "unknown"
}

// gone reports whether a process in state has exited
func gone(state string) bool {
	switch state {
	case "Z", "X", "x":
		return true
	}
	return false
}
