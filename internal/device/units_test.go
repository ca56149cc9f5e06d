// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDecodeUnits(t *testing.T) {
	tests := []struct {
		name   string
		raw    uint64
		energy Energy
		power  Power
		time   float64
	}{{
		name:   "typical client part",
		raw:    0x000a0e03,
		energy: Energy(1.0 / 16384),
		power:  Power(1.0 / 8),
		time:   1.0 / 1024,
	}, {
		name:   "server part with 2^-16 energy unit",
		raw:    0x000a1003,
		energy: Energy(1.0 / 65536),
		power:  Power(1.0 / 8),
		time:   1.0 / 1024,
	}, {
		name:   "all exponents zero",
		raw:    0,
		energy: 1,
		power:  1,
		time:   1,
	}, {
		name:   "reserved bits are ignored",
		raw:    0xffffffff_fff0eef3,
		energy: Energy(1.0 / 16384),
		power:  Power(1.0 / 8),
		time:   1,
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			u := DecodeUnits(tc.raw)
			assert.Equal(t, tc.energy, u.Energy)
			assert.Equal(t, tc.power, u.Power)
			assert.Equal(t, tc.time, u.Time)
		})
	}
}

func TestDecodeUnits_Range(t *testing.T) {
	for e := uint64(0); e <= 0x1f; e++ {
		u := DecodeUnits(e << energyUnitShift)
		assert.Greater(t, u.Energy.Joules(), 0.0)
		assert.LessOrEqual(t, u.Energy.Joules(), 1.0)
	}
}

func TestUnitScale_String(t *testing.T) {
	u := DecodeUnits(0x000a0e03)
	assert.Equal(t, "energy=6.103515625e-05J power=0.125W time=0.0009765625s", u.String())
}

func TestDecodePowerInfo(t *testing.T) {
	scale := DecodeUnits(DefaultFakeUnitRegister)
	raw := uint64(0x1e0) | // 60W thermal spec
		uint64(0xf0)<<16 | // 30W min
		uint64(0x320)<<32 | // 100W max
		uint64(0x0a)<<48 // 10 time units

	info := DecodePowerInfo(raw, scale)
	assert.Equal(t, 60*Watt, info.ThermalSpecPower)
	assert.Equal(t, 30*Watt, info.MinPower)
	assert.Equal(t, 100*Watt, info.MaxPower)
	assert.Equal(t, time.Duration(10*float64(time.Second)/1024), info.MaxTimeWindow)
}

func TestPowerInfo_Ceiling(t *testing.T) {
	tests := []struct {
		name     string
		info     PowerInfo
		expected Power
	}{
		{"max power reported", PowerInfo{ThermalSpecPower: 60, MaxPower: 100}, 100},
		{"only thermal spec power", PowerInfo{ThermalSpecPower: 60}, 120},
		{"nothing reported", PowerInfo{}, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.info.Ceiling())
		})
	}
}
