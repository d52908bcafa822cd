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

package frame

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// Type classifies one physical frame.
type Type uint8

// Frame types. Transitions between them are restricted; see
// (*Manager).TryModifyType.
const (
	// TypeUsable frames are available for allocation.
	TypeUsable Type = iota

	// TypeUnusable frames must never be handed out: memory-map gaps and
	// bad memory.
	TypeUnusable

	// TypeReserved frames are firmware-owned.
	TypeReserved

	// TypeMMIO frames are device memory.
	TypeMMIO

	// TypeKernel frames hold the kernel image and boot modules.
	TypeKernel

	// TypeFrameMap frames host the frame metadata table itself.
	TypeFrameMap

	// TypeBootReclaim frames hold bootloader structures that may be
	// reclaimed once boot completes.
	TypeBootReclaim

	// TypeAcpiReclaim frames hold ACPI tables that may be reclaimed
	// after parsing.
	TypeAcpiReclaim
)

var typeNames = [...]string{
	TypeUsable:      "usable",
	TypeUnusable:    "unusable",
	TypeReserved:    "reserved",
	TypeMMIO:        "mmio",
	TypeKernel:      "kernel",
	TypeFrameMap:    "frame-map",
	TypeBootReclaim: "boot-reclaim",
	TypeAcpiReclaim: "acpi-reclaim",
}

// String implements fmt.Stringer.String.
func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// cell is the packed per-frame metadata word.
//
// Layout:
//
//	bits  0..15  reference count
//	bit   16     peeked: entry-granularity spinlock guarding read-modify-write
//	bit   17     locked: frame is exclusively claimed
//	bits 26..31  frame type
//
// The peeked bit must be held across any observation or mutation of the
// other fields and must be released before the operation returns.
type cell struct {
	bits atomic.Uint32
}

const (
	refCountMask uint32 = 0xffff
	peekedBit    uint32 = 1 << 16
	lockedBit    uint32 = 1 << 17
	typeShift           = 26
)

// Info is the decoded state of one frame metadata entry.
type Info struct {
	Type     Type
	Locked   bool
	RefCount uint16
}

func (c *cell) data() Info {
	raw := c.bits.Load()
	return Info{
		Type:     Type(raw >> typeShift),
		Locked:   raw&lockedBit != 0,
		RefCount: uint16(raw & refCountMask),
	}
}

// tryPeek attempts to take the peeked bit; it reports whether this caller
// now holds it.
func (c *cell) tryPeek() bool {
	return c.bits.Or(peekedBit)&peekedBit == 0
}

// peek spins until the peeked bit is held.
func (c *cell) peek() {
	for !c.tryPeek() {
		runtime.Gosched()
	}
}

func (c *cell) unpeek() {
	c.bits.And(^peekedBit)
}

// lock sets the locked bit. Caller holds the peeked bit and has verified
// the frame is claimable.
func (c *cell) lock() {
	c.bits.Or(lockedBit)
}

// free clears the locked bit. Caller holds the peeked bit and has
// verified the frame is locked.
func (c *cell) free() {
	c.bits.And(^lockedBit)
}

// borrow increments the reference count.
func (c *cell) borrow() {
	c.bits.Add(1)
}

// drop decrements the reference count. Caller has verified it is nonzero.
func (c *cell) drop() {
	c.bits.Add(^uint32(0))
}

// tryModifyType applies the type-transition whitelist. Caller holds the
// peeked bit.
func (c *cell) tryModifyType(newType Type) error {
	raw := c.bits.Load()
	cur := Type(raw >> typeShift)

	switch {
	case cur == newType:
		return nil
	case cur == TypeUsable:
		// A usable frame may be repurposed freely.
	case newType == TypeMMIO && (cur == TypeUnusable || cur == TypeReserved):
		// Device memory is discovered inside reserved ranges.
	case newType == TypeUsable && (cur == TypeBootReclaim || cur == TypeAcpiReclaim):
		// Reclaimable frames return to the general pool.
	default:
		return &TypeConversionError{From: cur, To: newType}
	}

	c.bits.Store(uint32(newType)<<typeShift | raw&(1<<typeShift-1))
	return nil
}
