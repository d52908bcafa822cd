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

// Package pagetables implements the hierarchical virtual-address-space
// mapper: bit-exact page table entries, depth-indexed recursive walks
// with create-on-demand semantics, and the kernel address-space
// bootstrap.
package pagetables

import (
	"fmt"
	"sync/atomic"

	"github.com/hearth-os/hearth/pkg/memarch"
)

// Flags are the attribute bits of a page table entry.
type Flags uint64

// Entry attribute bits.
const (
	FlagPresent      Flags = 1 << 0
	FlagWritable     Flags = 1 << 1
	FlagUser         Flags = 1 << 2
	FlagWriteThrough Flags = 1 << 3
	FlagUncacheable  Flags = 1 << 4
	FlagAccessed     Flags = 1 << 5
	FlagDirty        Flags = 1 << 6
	FlagHuge         Flags = 1 << 7
	FlagGlobal       Flags = 1 << 8
	FlagDemand       Flags = 1 << 9
	FlagNoExecute    Flags = 1 << 63

	// FlagsRO is a present, read-only data mapping.
	FlagsRO = FlagPresent | FlagNoExecute

	// FlagsRW is a present, writable data mapping.
	FlagsRW = FlagPresent | FlagWritable | FlagNoExecute

	// FlagsRX is a present, executable mapping.
	FlagsRX = FlagPresent

	// FlagsTable is an intermediate-table entry.
	FlagsTable = FlagPresent | FlagWritable

	// FlagsMMIO is a present, writable, uncached device mapping.
	FlagsMMIO = FlagsRW | FlagUncacheable
)

// flagsMask covers every attribute bit; everything else in an entry is
// the frame field or reserved.
const flagsMask = FlagPresent | FlagWritable | FlagUser | FlagWriteThrough |
	FlagUncacheable | FlagAccessed | FlagDirty | FlagHuge | FlagGlobal |
	FlagDemand | FlagNoExecute

// FlagsModify selects how new attribute bits combine with existing ones.
type FlagsModify int

// Attribute modification modes.
const (
	// ModifySet replaces the attributes outright.
	ModifySet FlagsModify = iota

	// ModifyInsert ors the new attributes in.
	ModifyInsert

	// ModifyRemove clears the new attributes.
	ModifyRemove

	// ModifyToggle flips the new attributes.
	ModifyToggle
)

// Features is the CPU feature configuration the tables are built
// against. It is injected once at construction; nothing in this package
// consults a global feature cache.
type Features struct {
	// NoExecute reports whether the no-execute bit is implemented. When
	// false the bit is reserved and is silently cleared from every
	// attribute write; setting a reserved bit would fault the
	// translation.
	NoExecute bool

	// LA57 enables five-level translation.
	LA57 bool
}

// MaxDepth returns the root table depth for the feature set.
func (f Features) MaxDepth() Depth {
	if f.LA57 {
		return 5
	}
	return 4
}

// PTE is one 64-bit translation entry: a frame index in bits 12..51 and
// attribute flags around it. The zero value is an absent entry.
//
// Entries are always read and written with single atomic loads and
// stores, so a concurrent read-only walk observes either the old or the
// new entry, never a torn one.
type PTE uint64

// frame field bit range.
const (
	frameFieldShift = 12
	frameFieldBits  = 40
	frameFieldMask  = (uint64(1)<<frameFieldBits - 1) << frameFieldShift
)

// NewPTE constructs a present entry for the frame with the given
// attributes.
func NewPTE(f memarch.Frame, flags Flags) PTE {
	return PTE(uint64(flags)&^frameFieldMask | uint64(f)<<frameFieldShift&frameFieldMask)
}

func (p *PTE) load() PTE {
	return PTE(atomic.LoadUint64((*uint64)(p)))
}

func (p *PTE) store(v PTE) {
	atomic.StoreUint64((*uint64)(p), uint64(v))
}

// Frame returns the frame field.
func (p PTE) Frame() memarch.Frame {
	return memarch.Frame(uint64(p) & frameFieldMask >> frameFieldShift)
}

// Flags returns the attribute bits.
func (p PTE) Flags() Flags {
	return Flags(p) & flagsMask
}

// IsPresent reports whether the entry is live in the translation.
func (p PTE) IsPresent() bool {
	return p.Flags()&FlagPresent != 0
}

// IsHuge reports whether the entry maps a huge page rather than
// pointing at a sub-table.
func (p PTE) IsHuge() bool {
	return p.Flags()&FlagHuge != 0
}

// WithFrame returns the entry with the frame field replaced.
//
// Changing a live entry's frame leaves stale translations behind; the
// caller owns the subsequent TLB invalidation.
func (p PTE) WithFrame(f memarch.Frame) PTE {
	return NewPTE(f, p.Flags())
}

// WithFlags returns the entry with attributes modified per mode. The
// no-execute bit is cleared whenever the feature set lacks it; the bit
// is reserved there and must never reach the table.
func (p PTE) WithFlags(flags Flags, mode FlagsModify, feat Features) PTE {
	cur := p.Flags()
	switch mode {
	case ModifySet:
		cur = flags
	case ModifyInsert:
		cur |= flags
	case ModifyRemove:
		cur &^= flags
	case ModifyToggle:
		cur ^= flags
	default:
		panic(fmt.Sprintf("pagetables: unknown flags modify mode %d", mode))
	}
	if !feat.NoExecute {
		cur &^= FlagNoExecute
	}
	return NewPTE(p.Frame(), cur)
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	return fmt.Sprintf("PTE(frame=%d flags=%#x)", p.Frame(), uint64(p.Flags()))
}
