// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

// DefaultMSRDevicePath is the msr character device template of the kernel msr module
const DefaultMSRDevicePath = "/dev/cpu/%d/msr"

// RegisterSource reads raw 64-bit model specific registers. Implementations
// are the msr character device and simulated sources used for development and
// tests.
type RegisterSource interface {
	// Name identifies the source in logs
	Name() string

	// Read returns the raw value of the register at addr
	Read(addr uint32) (uint64, error)

	// Close releases any resources held by the source
	Close() error
}

// msrDevice implements RegisterSource on top of /dev/cpu/<cpu>/msr. RAPL
// counters are package scoped, so a single logical CPU of the package is read.
type msrDevice struct {
	devicePath string
	cpu        int
	logger     *slog.Logger

	mu sync.Mutex // serializes reads on fd
	fd int
}

var _ RegisterSource = (*msrDevice)(nil)

// NewMSRDevice opens the msr device of cpu using the device path template
// (e.g. "/dev/cpu/%d/msr")
func NewMSRDevice(devicePath string, cpu int, logger *slog.Logger) (*msrDevice, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if devicePath == "" {
		devicePath = DefaultMSRDevicePath
	}

	m := &msrDevice{
		devicePath: devicePath,
		cpu:        cpu,
		logger:     logger.With("service", "msr"),
		fd:         -1,
	}

	path := m.Path()
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open MSR device %s (is the msr module loaded and are you root?): %w", path, &os.PathError{Op: "open", Path: path, Err: err})
	}
	m.fd = fd

	m.logger.Debug("MSR device opened", "path", path)
	return m, nil
}

// Name returns the name of this register source implementation
func (m *msrDevice) Name() string {
	return "msr"
}

// Path returns the device file of the cpu being read
func (m *msrDevice) Path() string {
	return fmt.Sprintf(m.devicePath, m.cpu)
}

// Read reads the 8 byte register at offset addr of the msr device
func (m *msrDevice) Read(addr uint32) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fd < 0 {
		return 0, fmt.Errorf("MSR device for CPU %d is closed", m.cpu)
	}

	buf := make([]byte, 8)
	n, err := unix.Pread(m.fd, buf, int64(addr))
	if err != nil {
		return 0, fmt.Errorf("failed to read MSR 0x%x from CPU %d: %w", addr, m.cpu, err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("short read on MSR 0x%x from CPU %d: %d of %d bytes", addr, m.cpu, n, len(buf))
	}

	value := binary.LittleEndian.Uint64(buf)
	m.logger.Debug("MSR read", "msr", fmt.Sprintf("0x%x", addr), "value", fmt.Sprintf("0x%x", value))
	return value, nil
}

// Close closes the msr device
func (m *msrDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fd < 0 {
		return nil
	}
	err := unix.Close(m.fd)
	m.fd = -1
	return err
}

// AvailableCPUs lists the CPUs that expose an msr device file for the device
// path template, sorted ascending
func AvailableCPUs(devicePath string) ([]int, error) {
	if devicePath == "" {
		devicePath = DefaultMSRDevicePath
	}

	// "/dev/cpu/%d/msr" enumerates "/dev/cpu"
	cpuDir := filepath.Dir(filepath.Dir(devicePath))
	entries, err := os.ReadDir(cpuDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list msr devices in %s: %w", cpuDir, err)
	}

	var cpus []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cpu, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		if _, err := os.Stat(fmt.Sprintf(devicePath, cpu)); err == nil {
			cpus = append(cpus, cpu)
		}
	}

	sort.Ints(cpus)
	return cpus, nil
}

// CheckCPU verifies that cpu exposes an msr device under the device path
// template. The error lists the CPUs that do.
func CheckCPU(devicePath string, cpu int) error {
	cpus, err := AvailableCPUs(devicePath)
	if err != nil {
		return fmt.Errorf("%w (is the msr module loaded?)", err)
	}
	if len(cpus) == 0 {
		return errors.New("no CPU exposes an msr device (is the msr module loaded?)")
	}
	if !slices.Contains(cpus, cpu) {
		return fmt.Errorf("cpu %d has no msr device; available CPUs: %v", cpu, cpus)
	}
	return nil
}
