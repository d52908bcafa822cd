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

// Package memarch defines the address and frame primitives shared by the
// physical and virtual memory managers.
//
// Physical memory is never addressed through raw pointers; a frame is an
// index into the frame metadata table and an address is an explicit
// newtype, so a physical quantity cannot be silently used where a virtual
// one is expected.
package memarch

// Paging geometry. The managers are written against these constants
// rather than the host's page size; all supported translation schemes
// use 4 KiB leaves and 512-entry tables.
const (
	// PageShift is the number of offset bits in a 4 KiB page.
	PageShift = 12

	// PageSize is the size of a leaf page in bytes.
	PageSize = 1 << PageShift

	// TableIndexShift is the number of index bits consumed per
	// translation level.
	TableIndexShift = 9

	// TableIndexCount is the number of entries in one page table.
	TableIndexCount = 1 << TableIndexShift

	// TableIndexMask extracts one level's index from an address.
	TableIndexMask = TableIndexCount - 1
)

// PhysicalAddress is a location in physical memory.
type PhysicalAddress uint64

// VirtualAddress is a location in a translation context.
type VirtualAddress uint64

// Frame is the index of one physical page frame. Frames are the unit of
// physical allocation; frame N covers physical bytes [N*PageSize,
// (N+1)*PageSize).
type Frame uint64

// Address returns the base physical address of the frame.
func (f Frame) Address() PhysicalAddress {
	return PhysicalAddress(f) << PageShift
}

// FrameContaining returns the frame covering the given physical address.
func FrameContaining(addr PhysicalAddress) Frame {
	return Frame(addr >> PageShift)
}

// Frame returns the frame covering the address.
func (a PhysicalAddress) Frame() Frame {
	return FrameContaining(a)
}

// IsPageAligned reports whether the address lies on a page boundary.
func (a PhysicalAddress) IsPageAligned() bool {
	return a&(PageSize-1) == 0
}

// IsPageAligned reports whether the address lies on a page boundary.
func (a VirtualAddress) IsPageAligned() bool {
	return a&(PageSize-1) == 0
}

// AlignDown rounds v down to the nearest multiple of align. align must be
// a power of two.
func AlignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}

// AlignUp rounds v up to the nearest multiple of align. align must be a
// power of two.
func AlignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// AlignUpDiv divides v by align, rounding up.
func AlignUpDiv(v, align uint64) uint64 {
	return (v + align - 1) / align
}
