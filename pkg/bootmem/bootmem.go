// Copyright 2025 The Hearth Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bootmem describes the firmware-provided physical memory map.
//
// The memory map is handed over exactly once at start-up as an ordered,
// non-overlapping sequence of typed regions. Gaps between regions are
// legal; the frame manager marks them unusable. This package does not
// interpret the map beyond validating its shape.
package bootmem

import (
	"fmt"

	"github.com/hearth-os/hearth/pkg/memarch"
)

// RegionType classifies one memory-map region.
type RegionType int

// Region types, mirroring the bootloader's memory-map entry types.
const (
	RegionUsable RegionType = iota
	RegionBootloaderReclaimable
	RegionAcpiReclaimable
	RegionKernelAndModules
	RegionReserved
	RegionAcpiNvs
	RegionFramebuffer
	RegionBadMemory
)

var regionTypeNames = map[RegionType]string{
	RegionUsable:                "usable",
	RegionBootloaderReclaimable: "bootloader-reclaimable",
	RegionAcpiReclaimable:       "acpi-reclaimable",
	RegionKernelAndModules:      "kernel-and-modules",
	RegionReserved:              "reserved",
	RegionAcpiNvs:               "acpi-nvs",
	RegionFramebuffer:           "framebuffer",
	RegionBadMemory:             "bad-memory",
}

// String implements fmt.Stringer.String.
func (t RegionType) String() string {
	if name, ok := regionTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("RegionType(%d)", int(t))
}

// ParseRegionType is the inverse of String.
func ParseRegionType(s string) (RegionType, error) {
	for t, name := range regionTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown region type %q", s)
}

// Region is one memory-map entry.
type Region struct {
	// Base is the first physical address of the region.
	Base memarch.PhysicalAddress

	// Length is the size of the region in bytes.
	Length uint64

	// Type classifies the region.
	Type RegionType
}

// End returns the first physical address past the region.
func (r Region) End() memarch.PhysicalAddress {
	return r.Base + memarch.PhysicalAddress(r.Length)
}

// Frames returns the number of whole frames the region covers.
func (r Region) Frames() uint64 {
	return r.Length / memarch.PageSize
}

// String implements fmt.Stringer.String.
func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x) %s", uint64(r.Base), uint64(r.End()), r.Type)
}

// Map is an ordered sequence of regions.
type Map []Region

// Validate checks the shape the managers rely on: page alignment, ascending
// bases, and no overlap. It does not reject gaps.
func (m Map) Validate() error {
	if len(m) == 0 {
		return fmt.Errorf("memory map is empty")
	}
	var prevEnd memarch.PhysicalAddress
	for i, r := range m {
		if !r.Base.IsPageAligned() || r.Length%memarch.PageSize != 0 {
			return fmt.Errorf("region %d %s is not page-aligned", i, r)
		}
		if r.Length == 0 {
			return fmt.Errorf("region %d %s is empty", i, r)
		}
		if r.Base < prevEnd {
			return fmt.Errorf("region %d %s overlaps or is out of order", i, r)
		}
		prevEnd = r.End()
	}
	return nil
}

// HighestAddress returns the first physical address past the last region.
//
// Precondition: the map is valid.
func (m Map) HighestAddress() memarch.PhysicalAddress {
	return m[len(m)-1].End()
}
