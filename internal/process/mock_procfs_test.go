// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/mock"
)

// mockProcInfo is a mock implementation of procInfo for testing
type mockProcInfo struct {
	mock.Mock
}

func (m *mockProcInfo) Stat() (procStat, error) {
	args := m.Called()
	return args.Get(0).(procStat), args.Error(1)
}

func (m *mockProcInfo) CtxSwitches() (uint64, uint64, error) {
	args := m.Called()
	return args.Get(0).(uint64), args.Get(1).(uint64), args.Error(2)
}

func (m *mockProcInfo) Runtime() (uint64, error) {
	args := m.Called()
	return args.Get(0).(uint64), args.Error(1)
}

// mockProcReader is a mock implementation of procReader for testing
type mockProcReader struct {
	mock.Mock
}

func (m *mockProcReader) Proc(pid int) (procInfo, error) {
	args := m.Called(pid)
	proc, _ := args.Get(0).(procInfo)
	return proc, args.Error(1)
}

func (m *mockProcReader) CPUStat() (procfs.CPUStat, error) {
	args := m.Called()
	return args.Get(0).(procfs.CPUStat), args.Error(1)
}
