// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbe(t *testing.T) {
	src := NewScriptedSource(DefaultFakeUnitRegister).
		ScriptValues(MSRPkgEnergyStatus, 1000).
		ScriptValues(MSRPP0EnergyStatus, 2000).
		ScriptValues(MSRPP1EnergyStatus, 3000).
		ScriptValues(MSRPlatformEnergyStatus, 4000).
		Script(MSRDRAMEnergyStatus, ScriptedRead{Err: errors.New("input/output error")})

	r, err := Probe(src)
	require.NoError(t, err)

	assert.Equal(t, []Domain{Package, Cores, Uncore, Platform}, r.Domains())
	assert.Equal(t, DecodeUnits(DefaultFakeUnitRegister), r.Scale())
	assert.Same(t, src, r.Source())

	for i, e := range r.Entries() {
		assert.Equal(t, i, e.Index)
		assert.Equal(t, e.Domain, e.Counter.Domain())
		assert.Zero(t, e.Counter.Energy(), "probe read is the baseline")
	}
	assert.Equal(t, uint32(1000), r.Entries()[0].Counter.Last())
	assert.Equal(t, uint32(4000), r.Entries()[3].Counter.Last())
	assert.Equal(t, 1, src.Reads(MSRDRAMEnergyStatus))

	_, ok := r.PowerInfo()
	assert.False(t, ok)
	assert.Equal(t, DefaultPowerCeiling, r.PowerCeiling())
}

func TestProbe_UnitRegisterFailure(t *testing.T) {
	src := NewScriptedSource(0)
	src.scripts[MSRPowerUnit] = []ScriptedRead{{Err: errors.New("permission denied")}}
	src.ScriptValues(MSRPkgEnergyStatus, 1)

	_, err := Probe(src)
	require.Error(t, err)

	var setupErr *SetupError
	assert.ErrorAs(t, err, &setupErr)
	assert.ErrorIs(t, err, ErrUnitRegister)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestProbe_NoDomains(t *testing.T) {
	src := NewScriptedSource(DefaultFakeUnitRegister)

	_, err := Probe(src)
	require.Error(t, err)

	var setupErr *SetupError
	assert.ErrorAs(t, err, &setupErr)
	assert.ErrorIs(t, err, ErrNoDomains)
}

func TestProbe_WithDomains(t *testing.T) {
	src := NewScriptedSource(DefaultFakeUnitRegister).
		ScriptValues(MSRPkgEnergyStatus, 1).
		ScriptValues(MSRPP0EnergyStatus, 2).
		ScriptValues(MSRDRAMEnergyStatus, 3)

	r, err := Probe(src, WithDomains([]Domain{DRAM, Package, DRAM}))
	require.NoError(t, err)

	assert.Equal(t, []Domain{Package, DRAM}, r.Domains(), "output order is fixed")
	assert.Equal(t, 1, r.Entries()[1].Index)
	assert.Zero(t, src.Reads(MSRPP0EnergyStatus))
	assert.Equal(t, 1, src.Reads(MSRDRAMEnergyStatus))

	raw, err := r.Read(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), raw)
}

func TestProbe_PowerInfo(t *testing.T) {
	src := NewScriptedSource(DefaultFakeUnitRegister).
		ScriptValues(MSRPkgPowerInfo, 0x1e0).
		ScriptValues(MSRPkgEnergyStatus, 1)

	r, err := Probe(src)
	require.NoError(t, err)

	info, ok := r.PowerInfo()
	require.True(t, ok)
	assert.Equal(t, 60*Watt, info.ThermalSpecPower)
	assert.Equal(t, 120*Watt, r.PowerCeiling())

	// 262144 J per cycle at 120 W
	seconds := 262144.0 / 120.0
	assert.Equal(t, time.Duration(seconds*float64(time.Second)), r.WrapPeriod(0))
	assert.InDelta(t, 2184.533, r.WrapPeriod(0).Seconds(), 0.001)
}

func TestProbe_ConfiguredCeilingWins(t *testing.T) {
	src := NewScriptedSource(DefaultFakeUnitRegister).
		ScriptValues(MSRPkgPowerInfo, 0x1e0).
		ScriptValues(MSRPkgEnergyStatus, 1)

	r, err := Probe(src, WithPowerCeiling(262144*Watt))
	require.NoError(t, err)

	assert.Equal(t, 262144*Watt, r.PowerCeiling())
	assert.Equal(t, time.Second, r.WrapPeriod(0))
}
