// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"strings"
)

// Domain is a RAPL power-accounting scope bound to one energy status MSR.
// The declaration order is the column order of every output artifact.
type Domain int

const (
	Package Domain = iota
	Cores
	Uncore
	DRAM
	Platform
)

type domainInfo struct {
	name    string // human readable
	column  string // csv column / metric label
	address uint32 // energy status MSR
}

var domainTable = [...]domainInfo{
	Package:  {"Package", "package", MSRPkgEnergyStatus},
	Cores:    {"CPU Cores", "core", MSRPP0EnergyStatus},
	Uncore:   {"Uncore/GPU", "uncore", MSRPP1EnergyStatus},
	DRAM:     {"DRAM", "dram", MSRDRAMEnergyStatus},
	Platform: {"Platform", "platform", MSRPlatformEnergyStatus},
}

// AllDomains returns every known domain in output order
func AllDomains() []Domain {
	return []Domain{Package, Cores, Uncore, DRAM, Platform}
}

func (d Domain) valid() bool {
	return d >= Package && int(d) < len(domainTable)
}

// Name returns the display name of the domain
func (d Domain) Name() string {
	if !d.valid() {
		return fmt.Sprintf("Domain(%d)", int(d))
	}
	return domainTable[d].name
}

// Column returns the short lowercase identifier used in csv headers and labels
func (d Domain) Column() string {
	if !d.valid() {
		return fmt.Sprintf("domain%d", int(d))
	}
	return domainTable[d].column
}

// Address returns the energy status MSR of the domain
func (d Domain) Address() uint32 {
	if !d.valid() {
		return 0
	}
	return domainTable[d].address
}

func (d Domain) String() string {
	return d.Column()
}

// ParseDomain resolves a configured domain name. Both column identifiers and
// the RAPL zone aliases used by powercap (pp0, pp1, psys) are accepted.
func ParseDomain(name string) (Domain, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "package", "pkg":
		return Package, nil
	case "core", "cores", "pp0":
		return Cores, nil
	case "uncore", "gpu", "pp1":
		return Uncore, nil
	case "dram":
		return DRAM, nil
	case "platform", "psys":
		return Platform, nil
	}
	return 0, fmt.Errorf("unknown RAPL domain %q", name)
}
