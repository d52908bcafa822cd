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

package pagetables

import (
	"fmt"

	"github.com/hearth-os/hearth/pkg/frame"
	"github.com/hearth-os/hearth/pkg/hhdm"
	"github.com/hearth-os/hearth/pkg/memarch"
)

// Table is a read-only view of the translation subtree rooted at one
// entry. Read walks cannot mutate: callbacks receive entries by value.
//
// Invariants the caller maintains: the entry points at a valid table (or
// is the synthetic root entry) and the depth matches the entry's actual
// position in the tree.
type Table struct {
	depth Depth
	entry *PTE
	mem   *hhdm.DirectMap
}

// NewTable returns a read-only view of the subtree below entry at the
// given depth.
func NewTable(depth Depth, entry *PTE, mem *hhdm.DirectMap) Table {
	return Table{depth: depth, entry: entry, mem: mem}
}

// WithEntry walks from this view to the entry selecting page at toDepth
// and calls fn with it.
//
// The walk fails with ErrNotMapped on an absent intermediate entry,
// ErrHugePage when a huge mapping is hit above toDepth, and
// ErrDepthUnderflow when the leaf is reached before toDepth. The huge
// check precedes any dereference of the entry's frame field; a huge
// entry's frame is data, not a table pointer.
func (t Table) WithEntry(page memarch.VirtualAddress, toDepth Depth, fn func(PTE)) error {
	e := t.entry.load()
	if t.depth == toDepth {
		fn(e)
		return nil
	}
	if e.IsHuge() {
		return ErrHugePage
	}
	next, ok := t.depth.Next()
	if !ok {
		return ErrDepthUnderflow
	}
	sub := &tableAt(t.mem, e.Frame())[t.depth.IndexOf(page)]
	if !sub.load().IsPresent() {
		return notMapped(page)
	}
	return Table{depth: next, entry: sub, mem: t.mem}.WithEntry(page, toDepth, fn)
}

// TableMut is the exclusive view of a translation subtree. It adds the
// mutating and creating walks; exactly one TableMut may exist for a
// tree at a time (the mapper's write lock enforces this).
type TableMut struct {
	depth  Depth
	entry  *PTE
	mem    *hhdm.DirectMap
	frames *frame.Manager
}

// NewTableMut returns an exclusive view of the subtree below entry.
func NewTableMut(depth Depth, entry *PTE, mem *hhdm.DirectMap, frames *frame.Manager) TableMut {
	return TableMut{depth: depth, entry: entry, mem: mem, frames: frames}
}

// Table returns the read-only view of the same subtree.
func (t TableMut) Table() Table {
	return Table{depth: t.depth, entry: t.entry, mem: t.mem}
}

// WithEntryMut is WithEntry with a mutable callback. The walk contract
// is identical; only existing structure is traversed.
func (t TableMut) WithEntryMut(page memarch.VirtualAddress, toDepth Depth, fn func(*PTE)) error {
	e := t.entry.load()
	if t.depth == toDepth {
		fn(t.entry)
		return nil
	}
	if e.IsHuge() {
		return ErrHugePage
	}
	next, ok := t.depth.Next()
	if !ok {
		return ErrDepthUnderflow
	}
	sub := &tableAt(t.mem, e.Frame())[t.depth.IndexOf(page)]
	if !sub.load().IsPresent() {
		return notMapped(page)
	}
	return TableMut{depth: next, entry: sub, mem: t.mem, frames: t.frames}.WithEntryMut(page, toDepth, fn)
}

// WithEntryCreate walks to the entry selecting page at toDepth,
// materializing missing intermediate tables on the way, and calls fn
// with it.
//
// A new table's frame is allocated from the frame manager, fully zeroed,
// and only then published in the parent entry, so a concurrent read-only
// walk never observes a partially initialized table. Frame exhaustion
// surfaces as ErrAllocFailed; this is an ordinary error, not a panic, so
// a demand-paging caller can report out-of-memory.
func (t TableMut) WithEntryCreate(page memarch.VirtualAddress, toDepth Depth, fn func(*PTE)) error {
	if t.depth == toDepth {
		fn(t.entry)
		return nil
	}
	e := t.entry.load()
	if e.IsHuge() {
		return ErrHugePage
	}
	next, ok := t.depth.Next()
	if !ok {
		return ErrDepthUnderflow
	}
	if !e.IsPresent() {
		f, err := t.frames.LockNext()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAllocFailed, err)
		}
		t.mem.Zero(f)

		flags := FlagsTable
		// Non-leaf entries carry the user bit so leaf permissions alone
		// decide user accessibility.
		if !t.depth.IsMin() {
			flags |= FlagUser
		}
		e = NewPTE(f, flags)
		t.entry.store(e)
	}
	sub := &tableAt(t.mem, e.Frame())[t.depth.IndexOf(page)]
	return TableMut{depth: next, entry: sub, mem: t.mem, frames: t.frames}.WithEntryCreate(page, toDepth, fn)
}
