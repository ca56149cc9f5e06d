// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomain_Table(t *testing.T) {
	tests := []struct {
		domain  Domain
		name    string
		column  string
		address uint32
	}{
		{Package, "Package", "package", 0x611},
		{Cores, "CPU Cores", "core", 0x639},
		{Uncore, "Uncore/GPU", "uncore", 0x641},
		{DRAM, "DRAM", "dram", 0x619},
		{Platform, "Platform", "platform", 0x64d},
	}
	for _, tc := range tests {
		t.Run(tc.column, func(t *testing.T) {
			assert.Equal(t, tc.name, tc.domain.Name())
			assert.Equal(t, tc.column, tc.domain.Column())
			assert.Equal(t, tc.column, tc.domain.String())
			assert.Equal(t, tc.address, tc.domain.Address())
		})
	}
}

func TestDomain_Invalid(t *testing.T) {
	d := Domain(42)
	assert.Equal(t, "Domain(42)", d.Name())
	assert.Equal(t, "domain42", d.Column())
	assert.Zero(t, d.Address())
}

func TestAllDomains_Order(t *testing.T) {
	assert.Equal(t, []Domain{Package, Cores, Uncore, DRAM, Platform}, AllDomains())
}

func TestParseDomain(t *testing.T) {
	tests := []struct {
		in       string
		expected Domain
	}{
		{"package", Package},
		{"PKG", Package},
		{" core ", Cores},
		{"pp0", Cores},
		{"uncore", Uncore},
		{"gpu", Uncore},
		{"pp1", Uncore},
		{"dram", DRAM},
		{"psys", Platform},
		{"Platform", Platform},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			d, err := ParseDomain(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, d)
		})
	}

	_, err := ParseDomain("gt")
	assert.ErrorContains(t, err, `unknown RAPL domain "gt"`)
}
