// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeMockMSR writes 8 byte little-endian register values at their MSR
// offsets, the layout the kernel msr module exposes
func writeMockMSR(t *testing.T, path string, regs map[uint32]uint64) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	file, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		assert.NoError(t, file.Close())
	}()

	for addr, value := range regs {
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, value)
		_, err := file.WriteAt(buf, int64(addr))
		require.NoError(t, err)
	}
}

func TestMSRDevice_Read(t *testing.T) {
	dir := t.TempDir()
	devicePath := filepath.Join(dir, "cpu", "%d", "msr")
	writeMockMSR(t, filepath.Join(dir, "cpu", "0", "msr"), map[uint32]uint64{
		MSRPowerUnit:            0x000a0e03,
		MSRPkgEnergyStatus:      0x0000_0000_0010_0000,
		MSRDRAMEnergyStatus:     0xffff_ffff_0004_0000,
		MSRPlatformEnergyStatus: 7,
	})

	m, err := NewMSRDevice(devicePath, 0, nil)
	require.NoError(t, err)
	defer func() { assert.NoError(t, m.Close()) }()

	assert.Equal(t, "msr", m.Name())
	assert.Equal(t, filepath.Join(dir, "cpu", "0", "msr"), m.Path())

	tests := []struct {
		addr     uint32
		expected uint64
	}{
		{MSRPowerUnit, 0x000a0e03},
		{MSRPkgEnergyStatus, 0x100000},
		{MSRDRAMEnergyStatus, 0xffff_ffff_0004_0000},
		{MSRPlatformEnergyStatus, 7},
		{MSRPP0EnergyStatus, 0}, // hole in the file
	}
	for _, tc := range tests {
		value, err := m.Read(tc.addr)
		require.NoError(t, err, "msr 0x%x", tc.addr)
		assert.Equal(t, tc.expected, value, "msr 0x%x", tc.addr)
	}
}

func TestMSRDevice_ShortRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cpu", "0", "msr")
	writeMockMSR(t, path, map[uint32]uint64{MSRPowerUnit: 0x000a0e03})

	m, err := NewMSRDevice(filepath.Join(dir, "cpu", "%d", "msr"), 0, nil)
	require.NoError(t, err)
	defer func() { assert.NoError(t, m.Close()) }()

	// the file ends right after 0x606
	_, err = m.Read(MSRPlatformEnergyStatus)
	assert.ErrorContains(t, err, "short read on MSR 0x64d")
}

func TestMSRDevice_Closed(t *testing.T) {
	dir := t.TempDir()
	writeMockMSR(t, filepath.Join(dir, "cpu", "0", "msr"), map[uint32]uint64{MSRPowerUnit: 1})

	m, err := NewMSRDevice(filepath.Join(dir, "cpu", "%d", "msr"), 0, nil)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	assert.NoError(t, m.Close(), "close is idempotent")

	_, err = m.Read(MSRPowerUnit)
	assert.ErrorContains(t, err, "closed")
}

func TestMSRDevice_OpenFailure(t *testing.T) {
	dir := t.TempDir()
	_, err := NewMSRDevice(filepath.Join(dir, "cpu", "%d", "msr"), 3, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Contains(t, err.Error(), "msr module")
}

func TestAvailableCPUs(t *testing.T) {
	dir := t.TempDir()
	for _, cpu := range []string{"2", "0", "10"} {
		writeMockMSR(t, filepath.Join(dir, "cpu", cpu, "msr"), nil)
	}
	// cpu 1 has no msr file, "microcode" is not a cpu
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "cpu", "1"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "cpu", "microcode"), 0o755))

	cpus, err := AvailableCPUs(filepath.Join(dir, "cpu", "%d", "msr"))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 10}, cpus)

	_, err = AvailableCPUs(filepath.Join(dir, "missing", "%d", "msr"))
	assert.Error(t, err)
}

func TestCheckCPU(t *testing.T) {
	dir := t.TempDir()
	devicePath := filepath.Join(dir, "cpu", "%d", "msr")
	for _, cpu := range []string{"0", "1", "4"} {
		writeMockMSR(t, filepath.Join(dir, "cpu", cpu, "msr"), nil)
	}

	t.Run("available", func(t *testing.T) {
		assert.NoError(t, CheckCPU(devicePath, 4))
	})

	t.Run("missing cpu lists the available ones", func(t *testing.T) {
		err := CheckCPU(devicePath, 2)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cpu 2 has no msr device")
		assert.Contains(t, err.Error(), "[0 1 4]")
	})

	t.Run("no msr devices", func(t *testing.T) {
		empty := t.TempDir()
		require.NoError(t, os.MkdirAll(filepath.Join(empty, "cpu", "0"), 0o755))
		err := CheckCPU(filepath.Join(empty, "cpu", "%d", "msr"), 0)
		assert.ErrorContains(t, err, "no CPU exposes an msr device")
	})

	t.Run("unreadable cpu directory", func(t *testing.T) {
		err := CheckCPU(filepath.Join(dir, "missing", "%d", "msr"), 0)
		assert.ErrorIs(t, err, os.ErrNotExist)
		assert.ErrorContains(t, err, "msr module")
	})
}
