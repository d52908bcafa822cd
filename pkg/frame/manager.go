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

// Package frame implements the physical frame manager: a table of packed
// atomic metadata cells, one per physical page frame, and the allocation
// operations over it.
//
// The table is the single source of truth for which frames are free,
// their semantic type, and who holds them. There is no table-wide lock;
// every read-modify-write is bracketed by a per-entry spin bit (the
// "peek" discipline), so two cores contend only when touching the same
// frame.
package frame

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/hearth-os/hearth/pkg/bootmem"
	"github.com/hearth-os/hearth/pkg/memarch"
)

// Manager owns the frame metadata table.
//
// A Manager is built exactly once per boot via FromMemoryMap and is safe
// for concurrent use afterwards. It is passed explicitly to everything
// that allocates physical memory; there is no package-level singleton.
type Manager struct {
	table []cell

	// tableStart/tableCount record the frames the metadata table
	// itself occupies (type frame-map). Zero count for managers built
	// without a memory map.
	tableStart memarch.Frame
	tableCount uint64

	// guard brackets every operation; the kernel port supplies
	// interrupts-off semantics here. The default is a direct call.
	guard func(func())

	log logrus.FieldLogger
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithGuard supplies the critical-section bracket run around each
// operation. A kernel port passes its local interrupts-off helper; the
// peek bit alone is not safe against reentry from an interrupt handler
// on the same core.
func WithGuard(guard func(func())) Option {
	return func(m *Manager) { m.guard = guard }
}

// WithLogger attaches a logger used during construction.
func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = log }
}

// cellBytes is the size of one metadata cell for self-hosting math.
const cellBytes = 4

// regionFrameType translates a memory-map region type to a frame type.
func regionFrameType(t bootmem.RegionType) Type {
	switch t {
	case bootmem.RegionUsable:
		return TypeUsable
	case bootmem.RegionBootloaderReclaimable:
		return TypeBootReclaim
	case bootmem.RegionAcpiReclaimable:
		return TypeAcpiReclaim
	case bootmem.RegionKernelAndModules:
		return TypeKernel
	case bootmem.RegionReserved:
		return TypeReserved
	case bootmem.RegionAcpiNvs, bootmem.RegionFramebuffer:
		return TypeMMIO
	case bootmem.RegionBadMemory:
		return TypeUnusable
	default:
		return TypeUnusable
	}
}

// FromMemoryMap builds the frame metadata table from the boot memory map.
//
// The table is sized to the highest addressable frame and hosts itself: a
// usable region large enough to hold the table is found first-fit, and
// the frames it would occupy are marked frame-map and locked before any
// other frame is handed out. Gaps between map entries are marked
// unusable; non-usable entries are marked with their corresponding type
// and locked. Usable entries are left untouched.
//
// This must run exactly once, on the boot core, before any other
// execution context can reach the manager. It is not reentrant.
func FromMemoryMap(mmap bootmem.Map, opts ...Option) (*Manager, error) {
	if err := mmap.Validate(); err != nil {
		return nil, fmt.Errorf("invalid memory map: %w", err)
	}

	m := &Manager{log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(m)
	}

	totalFrames := memarch.AlignUpDiv(uint64(mmap.HighestAddress()), memarch.PageSize)
	tableFrames := memarch.AlignUpDiv(totalFrames*cellBytes, memarch.PageSize)

	// Select the host region for the table before any other bookkeeping;
	// the table must reserve the frames it occupies before it can hand
	// out any frame.
	var host *bootmem.Region
	for i := range mmap {
		if mmap[i].Type == bootmem.RegionUsable && mmap[i].Frames() >= tableFrames {
			host = &mmap[i]
			break
		}
	}
	if host == nil {
		return nil, fmt.Errorf("no usable region can host a %d-frame metadata table", tableFrames)
	}

	m.table = make([]cell, totalFrames)
	m.tableStart = host.Base.Frame()
	m.tableCount = tableFrames

	m.log.WithFields(logrus.Fields{
		"frames":       totalFrames,
		"table_start":  m.tableStart,
		"table_frames": tableFrames,
	}).Debug("frame manager: reserving metadata table")

	for f := m.tableStart; f < m.tableStart+memarch.Frame(tableFrames); f++ {
		c := &m.table[f]
		if err := c.tryModifyType(TypeFrameMap); err != nil {
			return nil, err
		}
		c.lock()
	}

	var lastEnd memarch.Frame
	for _, r := range mmap {
		start := r.Base.Frame()

		// Holes in the memory map are memory we know nothing about.
		for f := lastEnd; f < start; f++ {
			if err := m.table[f].tryModifyType(TypeUnusable); err != nil {
				return nil, err
			}
		}

		if t := regionFrameType(r.Type); t != TypeUsable {
			for f := start; f < start+memarch.Frame(r.Frames()); f++ {
				if err := m.table[f].tryModifyType(t); err != nil {
					return nil, err
				}
				m.table[f].lock()
			}
		}

		lastEnd = start + memarch.Frame(r.Frames())
	}

	m.log.WithField("bytes", m.TotalMemory()).Debug("frame manager: configured")
	return m, nil
}

func (m *Manager) withGuard(fn func()) {
	if m.guard != nil {
		m.guard(fn)
		return
	}
	fn()
}

func (m *Manager) cellAt(f memarch.Frame) (*cell, error) {
	if uint64(f) >= uint64(len(m.table)) {
		return nil, frameError(f, ErrOutOfRange)
	}
	return &m.table[f], nil
}

// Lock exclusively claims the given frame.
func (m *Manager) Lock(f memarch.Frame) (memarch.Frame, error) {
	var err error
	m.withGuard(func() {
		var c *cell
		if c, err = m.cellAt(f); err != nil {
			return
		}
		c.peek()
		defer c.unpeek()

		switch d := c.data(); {
		case d.Type == TypeUnusable:
			err = frameError(f, ErrFrameUnusable)
		case d.RefCount > 0:
			err = frameError(f, ErrFrameBorrowed)
		case d.Locked:
			err = frameError(f, ErrFrameLocked)
		default:
			c.lock()
		}
	})
	if err != nil {
		return 0, err
	}
	return f, nil
}

// LockMany claims the fixed window [start, start+count).
//
// The window is scanned in order and the first disqualified frame aborts
// the call. Frames locked before the failure are not rolled back; a
// partial failure is unrecoverable for the caller and the returned error
// names the offending frame.
func (m *Manager) LockMany(start memarch.Frame, count uint64) (memarch.Frame, error) {
	var err error
	m.withGuard(func() {
		if _, err = m.cellAt(start + memarch.Frame(count) - 1); err != nil {
			return
		}
		for f := start; f < start+memarch.Frame(count); f++ {
			c := &m.table[f]
			c.peek()

			switch d := c.data(); {
			case d.Type == TypeUnusable:
				err = frameError(f, ErrFrameUnusable)
			case d.RefCount > 0:
				err = frameError(f, ErrFrameBorrowed)
			case d.Locked:
				err = frameError(f, ErrFrameLocked)
			default:
				c.lock()
			}

			c.unpeek()
			if err != nil {
				return
			}
		}
	})
	if err != nil {
		return 0, err
	}
	return start, nil
}

// LockNext claims the first free frame, scanning from index 0.
//
// A frame qualifies when it is immediately peekable, usable, unlocked,
// and unborrowed. The scan is O(n); acceptable here, but it is the
// documented scaling limit of this design.
func (m *Manager) LockNext() (memarch.Frame, error) {
	found, err := memarch.Frame(0), error(ErrNoFreeFrames)
	m.withGuard(func() {
		for i := range m.table {
			c := &m.table[i]
			if !c.tryPeek() {
				// Contended; someone else is deciding this frame's
				// fate. Skip it.
				continue
			}

			d := c.data()
			if d.Type == TypeUsable && !d.Locked && d.RefCount == 0 {
				c.lock()
				c.unpeek()
				found, err = memarch.Frame(i), nil
				return
			}
			c.unpeek()
		}
	})
	return found, err
}

// LockNextMany claims the first contiguous run of count free frames.
//
// Either the entire run is locked and its start returned, or
// ErrNoFreeFrames is returned with no frames newly locked.
func (m *Manager) LockNextMany(count uint64) (memarch.Frame, error) {
	return m.lockNextManyAligned(count, 1)
}

// lockNextManyAligned is LockNextMany with the additional constraint that
// the run starts at a multiple of align frames.
func (m *Manager) lockNextManyAligned(count, align uint64) (memarch.Frame, error) {
	if count == 0 || align == 0 {
		panic("frame: zero count or alignment in contiguous allocation")
	}

	found, err := memarch.Frame(0), error(ErrNoFreeFrames)
	m.withGuard(func() {
		start := uint64(0)
		for start+count <= uint64(len(m.table)) {
			window := m.table[start : start+count]

			// Hold the whole window while deciding. Windows are always
			// peeked in ascending index order, so two concurrent
			// scanners cannot deadlock.
			for i := range window {
				window[i].peek()
			}

			bad := -1
			for i := range window {
				if d := window[i].data(); d.Type != TypeUsable || d.Locked || d.RefCount > 0 {
					bad = i
					break
				}
			}
			if bad < 0 {
				for i := range window {
					window[i].lock()
				}
			}
			for i := range window {
				window[i].unpeek()
			}

			if bad < 0 {
				found, err = memarch.Frame(start), nil
				return
			}
			start = memarch.AlignUp(start+uint64(bad)+1, align)
		}
	})
	return found, err
}

// Free releases an exclusively claimed frame.
func (m *Manager) Free(f memarch.Frame) error {
	var err error
	m.withGuard(func() {
		var c *cell
		if c, err = m.cellAt(f); err != nil {
			return
		}
		c.peek()
		defer c.unpeek()

		if !c.data().Locked {
			err = frameError(f, ErrFrameNotLocked)
			return
		}
		c.free()
	})
	return err
}

// Borrow takes a shared reference on the frame. Borrowed frames cannot be
// exclusively locked until every borrow is dropped.
func (m *Manager) Borrow(f memarch.Frame) (memarch.Frame, error) {
	var err error
	m.withGuard(func() {
		var c *cell
		if c, err = m.cellAt(f); err != nil {
			return
		}
		c.peek()
		defer c.unpeek()

		switch d := c.data(); {
		case d.Type == TypeUnusable:
			err = frameError(f, ErrFrameUnusable)
		case d.Locked:
			err = frameError(f, ErrFrameLocked)
		case d.RefCount == uint16(refCountMask):
			// 2^16 outstanding borrows of one frame is a bug, not load.
			panic(fmt.Sprintf("frame %d: reference count overflow", f))
		default:
			c.borrow()
		}
	})
	if err != nil {
		return 0, err
	}
	return f, nil
}

// Drop releases one shared reference on the frame.
func (m *Manager) Drop(f memarch.Frame) error {
	var err error
	m.withGuard(func() {
		var c *cell
		if c, err = m.cellAt(f); err != nil {
			return
		}
		c.peek()
		defer c.unpeek()

		if c.data().RefCount == 0 {
			err = frameError(f, ErrFrameNotBorrowed)
			return
		}
		c.drop()
	})
	return err
}

// TryModifyType transitions the frame's type. Permitted transitions: any
// type to itself, usable to anything, unusable/reserved to mmio, and the
// reclaimable types to usable. Everything else fails with
// *TypeConversionError and leaves the type unchanged.
func (m *Manager) TryModifyType(f memarch.Frame, newType Type) error {
	var err error
	m.withGuard(func() {
		var c *cell
		if c, err = m.cellAt(f); err != nil {
			return
		}
		c.peek()
		defer c.unpeek()

		err = c.tryModifyType(newType)
	})
	return err
}

// FrameInfo returns the decoded state of one frame.
func (m *Manager) FrameInfo(f memarch.Frame) (Info, error) {
	var (
		d   Info
		err error
	)
	m.withGuard(func() {
		var c *cell
		if c, err = m.cellAt(f); err != nil {
			return
		}
		c.peek()
		d = c.data()
		c.unpeek()
	})
	return d, err
}

// TotalFrames returns the number of frames the table represents.
func (m *Manager) TotalFrames() uint64 {
	return uint64(len(m.table))
}

// TotalMemory returns the number of bytes the table represents.
func (m *Manager) TotalMemory() uint64 {
	return uint64(len(m.table)) * memarch.PageSize
}

// TableFrames returns the self-hosted range of the metadata table.
func (m *Manager) TableFrames() (start memarch.Frame, count uint64) {
	return m.tableStart, m.tableCount
}

// Range calls fn for each frame in ascending order until fn returns
// false. The states observed are point-in-time snapshots; concurrent
// operations may have changed any entry by the time fn sees it.
func (m *Manager) Range(fn func(memarch.Frame, Info) bool) {
	for i := range m.table {
		if !fn(memarch.Frame(i), m.table[i].data()) {
			return
		}
	}
}
