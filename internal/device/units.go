// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"time"
)

// MSR Register offsets for Intel RAPL
const (
	// IA32_RAPL_POWER_UNIT - Power unit register containing scaling factors
	MSRPowerUnit = 0x606

	// MSR_PKG_POWER_INFO - thermal spec, min and max package power
	MSRPkgPowerInfo = 0x614

	// Energy counters (32-bit, wraparound at ~4 billion)
	MSRPkgEnergyStatus      = 0x611 // Package energy counter
	MSRDRAMEnergyStatus     = 0x619 // DRAM energy counter
	MSRPP0EnergyStatus      = 0x639 // Power Plane 0 (cores) energy counter
	MSRPP1EnergyStatus      = 0x641 // Power Plane 1 (uncore / integrated GPU) energy counter
	MSRPlatformEnergyStatus = 0x64d // Platform (psys) energy counter
)

// Bit fields of IA32_RAPL_POWER_UNIT. Each field holds an exponent E and
// the unit is 1/2^E of a Watt, Joule or second respectively.
const (
	powerUnitShift  = 0
	powerUnitMask   = 0xf // bits 3:0
	energyUnitShift = 8
	energyUnitMask  = 0x1f // bits 12:8
	timeUnitShift   = 16
	timeUnitMask    = 0xf // bits 19:16
)

// UnitScale holds the RAPL scaling factors read from IA32_RAPL_POWER_UNIT.
// It is established once per session and never changes afterwards.
type UnitScale struct {
	Energy Energy  // Joules per counter LSB
	Power  Power   // Watts per LSB of power fields
	Time   float64 // seconds per LSB of time fields
}

// DecodeUnits extracts the power, energy and time units from the raw value of
// IA32_RAPL_POWER_UNIT
func DecodeUnits(raw uint64) UnitScale {
	return UnitScale{
		Power:  Power(unitFromExponent(raw, powerUnitShift, powerUnitMask)),
		Energy: Energy(unitFromExponent(raw, energyUnitShift, energyUnitMask)),
		Time:   unitFromExponent(raw, timeUnitShift, timeUnitMask),
	}
}

func unitFromExponent(raw uint64, shift, mask uint) float64 {
	exp := (raw >> shift) & uint64(mask)
	return 1.0 / float64(uint64(1)<<exp)
}

func (u UnitScale) String() string {
	return fmt.Sprintf("energy=%gJ power=%gW time=%gs", u.Energy.Joules(), u.Power.Watts(), u.Time)
}

// PowerInfo describes the package power range reported by MSR_PKG_POWER_INFO
type PowerInfo struct {
	ThermalSpecPower Power
	MinPower         Power
	MaxPower         Power
	MaxTimeWindow    time.Duration
}

// DecodePowerInfo decodes MSR_PKG_POWER_INFO using the power and time units of
// the session.
//
//	bits 14:0  thermal spec power
//	bits 30:16 minimum power
//	bits 46:32 maximum power
//	bits 53:48 maximum time window
func DecodePowerInfo(raw uint64, scale UnitScale) PowerInfo {
	const powerField = 0x7fff
	return PowerInfo{
		ThermalSpecPower: Power(float64(raw&powerField)) * scale.Power,
		MinPower:         Power(float64((raw>>16)&powerField)) * scale.Power,
		MaxPower:         Power(float64((raw>>32)&powerField)) * scale.Power,
		MaxTimeWindow:    time.Duration(float64((raw>>48)&0x3f) * scale.Time * float64(time.Second)),
	}
}

// Ceiling returns the highest plausible package power for wrap detection.
// MaxPower is often reported as 0, so the thermal spec power with 2x headroom
// is used next. 0 means the register did not tell.
func (p PowerInfo) Ceiling() Power {
	if p.MaxPower > 0 {
		return p.MaxPower
	}
	return 2 * p.ThermalSpecPower
}
