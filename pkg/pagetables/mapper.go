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
	"sync"

	"github.com/hearth-os/hearth/pkg/frame"
	"github.com/hearth-os/hearth/pkg/hhdm"
	"github.com/hearth-os/hearth/pkg/memarch"
)

// Mapper is one translation context: a root table and the operations
// over the tree below it.
//
// A Mapper is safe for concurrent use. Mutations serialize on an
// internal lock; read walks run concurrently with each other and, thanks
// to atomic entry access and publish-after-init table creation, observe
// consistent entries even during a concurrent mutation.
//
// Every successful mutation invalidates the affected page in the local
// translation cache via the injected hook. Cross-core shootdown is out
// of scope here: after a remote unmap, other cores may hold stale
// translations until they flush. Callers that share a mapper across
// cores own that coordination.
type Mapper struct {
	mu sync.RWMutex

	depth Depth

	// rootEntry is a synthetic present entry pointing at the root
	// frame, so the root table is walked exactly like any sub-table.
	rootEntry PTE

	root   memarch.Frame
	mem    *hhdm.DirectMap
	frames *frame.Manager
	feat   Features

	invalidate func(memarch.VirtualAddress)
}

// MapperOption configures a Mapper at construction.
type MapperOption func(*Mapper)

// WithTLBInvalidator sets the local translation-cache invalidation hook
// (the invlpg equivalent). The default is a no-op, which is correct only
// while the mapper is not the active translation context.
func WithTLBInvalidator(fn func(memarch.VirtualAddress)) MapperOption {
	return func(m *Mapper) { m.invalidate = fn }
}

// minRootDepth is the shallowest supported root (three-level schemes).
const minRootDepth Depth = 3

// NewMapper creates a translation context with a fresh root table. The
// root frame comes from the frame manager and is zeroed before the
// mapper is usable. A non-nil copyRoot seeds the root from an existing
// table instead, the path used to derive a new context from a live one.
func NewMapper(depth Depth, mem *hhdm.DirectMap, frames *frame.Manager, feat Features, copyRoot *memarch.Frame, opts ...MapperOption) (*Mapper, error) {
	if depth < minRootDepth || depth > feat.MaxDepth() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDepth, depth)
	}
	root, err := frames.LockNext()
	if err != nil {
		return nil, fmt.Errorf("allocating root table: %w", err)
	}
	if copyRoot != nil {
		mem.Copy(root, *copyRoot)
	} else {
		mem.Zero(root)
	}
	return newMapper(depth, root, mem, frames, feat, opts...), nil
}

// FromRoot adopts an existing root table, the bootstrap path where the
// active translation was built by the bootloader.
func FromRoot(depth Depth, root memarch.Frame, mem *hhdm.DirectMap, frames *frame.Manager, feat Features, opts ...MapperOption) (*Mapper, error) {
	if depth < minRootDepth || depth > feat.MaxDepth() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDepth, depth)
	}
	return newMapper(depth, root, mem, frames, feat, opts...), nil
}

func newMapper(depth Depth, root memarch.Frame, mem *hhdm.DirectMap, frames *frame.Manager, feat Features, opts ...MapperOption) *Mapper {
	m := &Mapper{
		depth:      depth,
		rootEntry:  NewPTE(root, FlagPresent),
		root:       root,
		mem:        mem,
		frames:     frames,
		feat:       feat,
		invalidate: func(memarch.VirtualAddress) {},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Root returns the root table frame, the value an address-space switch
// loads into the translation register.
func (m *Mapper) Root() memarch.Frame {
	return m.root
}

// Depth returns the root table depth.
func (m *Mapper) Depth() Depth {
	return m.depth
}

// Memory returns the direct map backing this mapper.
func (m *Mapper) Memory() *hhdm.DirectMap {
	return m.mem
}

func (m *Mapper) rootTable() Table {
	return NewTable(m.depth, &m.rootEntry, m.mem)
}

func (m *Mapper) rootTableMut() TableMut {
	return NewTableMut(m.depth, &m.rootEntry, m.mem, m.frames)
}

// newEntry builds the entry value for a mapping, filtering reserved
// attribute bits for the feature set.
func (m *Mapper) newEntry(f memarch.Frame, flags Flags) PTE {
	return NewPTE(f, 0).WithFlags(flags, ModifySet, m.feat)
}

// maxMapDepth is the deepest entry that may carry a mapping: 1 GiB huge
// pages. Entries above it are always table pointers.
const maxMapDepth = Depth(2)

// Map installs a mapping of page to f at the given depth, materializing
// intermediate tables as needed. Depths above the leaf install huge
// mappings and page must be aligned to the depth's span. Only depths up
// to 1 GiB entries are mappable; anything deeper in the hierarchy is
// table structure, not a mapping slot.
//
// When lockFrame is set, the target frames are claimed from the frame
// manager first; on failure the claim error is returned and the table is
// untouched.
func (m *Mapper) Map(page memarch.VirtualAddress, at Depth, f memarch.Frame, lockFrame bool, flags Flags) error {
	if at > maxMapDepth || at >= m.depth {
		return fmt.Errorf("%w: mapping at depth %d", ErrInvalidDepth, at)
	}
	align := at.Align()
	if uint64(page)%align != 0 {
		return fmt.Errorf("%w: page %#x at depth %d", ErrUnalignedAddress, uint64(page), at)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if lockFrame {
		var err error
		if count := align / memarch.PageSize; count == 1 {
			_, err = m.frames.Lock(f)
		} else {
			_, err = m.frames.LockMany(f, count)
		}
		if err != nil {
			return err
		}
	}

	if !at.IsMin() {
		flags |= FlagHuge
	}
	err := m.rootTableMut().WithEntryCreate(page, at, func(e *PTE) {
		e.store(m.newEntry(f, flags))
	})
	if err != nil {
		return err
	}
	m.invalidate(page)
	return nil
}

// Unmap removes the leaf mapping of page, clearing the entry to zero.
// When freeFrame is set the mapped frame is returned to the frame
// manager. ErrNotMapped if the page has no mapping; ErrHugePage if the
// page lies under a huge mapping (use UnmapAt).
func (m *Mapper) Unmap(page memarch.VirtualAddress, freeFrame bool) error {
	return m.UnmapAt(page, DepthMin, freeFrame)
}

// UnmapAt is Unmap for a mapping installed at the given depth.
func (m *Mapper) UnmapAt(page memarch.VirtualAddress, at Depth, freeFrame bool) error {
	if at > maxMapDepth || at >= m.depth {
		return fmt.Errorf("%w: unmapping at depth %d", ErrInvalidDepth, at)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var freed error
	err := m.rootTableMut().WithEntryMut(page, at, func(e *PTE) {
		old := e.load()
		e.store(0)
		if freeFrame {
			freed = m.frames.Free(old.Frame())
		}
	})
	if err != nil {
		return err
	}
	// The entry is gone even when the free fails; stale translations must
	// not survive the mutation.
	m.invalidate(page)
	return freed
}

// CopyByMap detaches the leaf mapping at from and re-attaches the same
// frame at to, without touching the underlying bytes. newFlags, when
// non-nil, replaces the attributes; otherwise the old attributes move
// with the frame. Both pages are invalidated. Used to relocate
// structures such as stacks or the frame table without a copy.
func (m *Mapper) CopyByMap(from, to memarch.VirtualAddress, newFlags *Flags) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var moved PTE
	err := m.rootTableMut().WithEntryMut(from, DepthMin, func(e *PTE) {
		moved = e.load()
		e.store(0)
	})
	if err != nil {
		return err
	}

	flags := moved.Flags()
	if newFlags != nil {
		flags = *newFlags
	}
	err = m.rootTableMut().WithEntryCreate(to, DepthMin, func(e *PTE) {
		e.store(m.newEntry(moved.Frame(), flags))
	})
	if err != nil {
		// Re-attach at the source; its walk path still exists.
		restoreErr := m.rootTableMut().WithEntryMut(from, DepthMin, func(e *PTE) {
			e.store(moved)
		})
		if restoreErr != nil {
			panic(fmt.Sprintf("pagetables: lost mapping for %#x during copy-by-map: %v", uint64(from), restoreErr))
		}
		return err
	}

	m.invalidate(from)
	m.invalidate(to)
	return nil
}

// AutoMap claims the next free frame and maps page to it, returning the
// frame. It panics on exhaustion: auto-mapping is reserved for kernel
// bookkeeping structures whose allocation failure has no sane recovery.
func (m *Mapper) AutoMap(page memarch.VirtualAddress, flags Flags) memarch.Frame {
	f, err := m.frames.LockNext()
	if err != nil {
		panic(fmt.Sprintf("pagetables: auto-map of %#x: %v", uint64(page), err))
	}
	if err := m.Map(page, DepthMin, f, false, flags); err != nil {
		panic(fmt.Sprintf("pagetables: auto-map of %#x: %v", uint64(page), err))
	}
	return f
}

// MapIfNotMapped maps page only when it has no mapping yet. With a nil
// frame the next free frame is claimed; otherwise the given frame is
// used (and locked when lockFrame is set). Already-mapped pages succeed
// without modification.
func (m *Mapper) MapIfNotMapped(page memarch.VirtualAddress, f *memarch.Frame, lockFrame bool, flags Flags) error {
	switch {
	case f != nil:
		if m.IsMappedTo(page, *f) {
			return nil
		}
		return m.Map(page, DepthMin, *f, lockFrame, flags)
	case m.IsMapped(page):
		return nil
	default:
		next, err := m.frames.LockNext()
		if err != nil {
			return err
		}
		return m.Map(page, DepthMin, next, false, flags)
	}
}

// IsMapped reports whether page has a live leaf mapping.
func (m *Mapper) IsMapped(page memarch.VirtualAddress) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ok := false
	if err := m.rootTable().WithEntry(page, DepthMin, func(e PTE) {
		ok = e.IsPresent()
	}); err != nil {
		return false
	}
	return ok
}

// IsMappedTo reports whether page maps exactly to frame f.
func (m *Mapper) IsMappedTo(page memarch.VirtualAddress, f memarch.Frame) bool {
	got, ok := m.MappedTo(page)
	return ok && got == f
}

// MappedTo returns the frame page maps to.
func (m *Mapper) MappedTo(page memarch.VirtualAddress) (memarch.Frame, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		f  memarch.Frame
		ok bool
	)
	if err := m.rootTable().WithEntry(page, DepthMin, func(e PTE) {
		f, ok = e.Frame(), e.IsPresent()
	}); err != nil {
		return 0, false
	}
	return f, ok
}

// PageFlags returns the attributes of page's leaf mapping.
func (m *Mapper) PageFlags(page memarch.VirtualAddress) (Flags, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var (
		flags Flags
		ok    bool
	)
	if err := m.rootTable().WithEntry(page, DepthMin, func(e PTE) {
		flags, ok = e.Flags(), e.IsPresent()
	}); err != nil {
		return 0, false
	}
	return flags, ok
}

// SetPageFlags modifies the attributes of page's existing leaf mapping
// and invalidates it.
func (m *Mapper) SetPageFlags(page memarch.VirtualAddress, flags Flags, mode FlagsModify) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.rootTableMut().WithEntryMut(page, DepthMin, func(e *PTE) {
		e.store(e.load().WithFlags(flags, mode, m.feat))
	})
	if err != nil {
		return err
	}
	m.invalidate(page)
	return nil
}

// Translate resolves a virtual address to its physical address through
// the live tables. A huge mapping above the leaf resolves successfully
// with the offset taken within its span.
func (m *Mapper) Translate(va memarch.VirtualAddress) (memarch.PhysicalAddress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, d := m.rootEntry.load(), m.depth
	for {
		if d.IsMin() || e.IsHuge() {
			off := uint64(va) & (d.Align() - 1)
			return e.Frame().Address() + memarch.PhysicalAddress(off), nil
		}
		sub := tableAt(m.mem, e.Frame())[d.IndexOf(va)].load()
		if !sub.IsPresent() {
			return 0, notMapped(va)
		}
		e = sub
		d--
	}
}
