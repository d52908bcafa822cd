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

import "github.com/hearth-os/hearth/pkg/memarch"

// PhysicalAllocator is the shape the block allocators (heap, slab)
// consume. It deals in physical addresses rather than frame indices.
type PhysicalAllocator interface {
	// NextFrame claims the first free frame.
	NextFrame() (memarch.PhysicalAddress, error)

	// NextFrames claims a contiguous run of count frames whose start is
	// aligned to align frames. align 0 is treated as 1.
	NextFrames(count, align uint64) (memarch.PhysicalAddress, error)

	// LockFrame claims the specific frame containing addr.
	LockFrame(addr memarch.PhysicalAddress) error

	// FreeFrame releases the frame containing addr.
	FreeFrame(addr memarch.PhysicalAddress) error
}

// Allocator adapts a Manager to PhysicalAllocator.
type Allocator struct {
	m *Manager
}

// Allocator returns the PhysicalAllocator view of the manager.
func (m *Manager) Allocator() *Allocator {
	return &Allocator{m: m}
}

// NextFrame implements PhysicalAllocator.NextFrame.
func (a *Allocator) NextFrame() (memarch.PhysicalAddress, error) {
	f, err := a.m.LockNext()
	if err != nil {
		return 0, err
	}
	return f.Address(), nil
}

// NextFrames implements PhysicalAllocator.NextFrames.
func (a *Allocator) NextFrames(count, align uint64) (memarch.PhysicalAddress, error) {
	if align == 0 {
		align = 1
	}
	f, err := a.m.lockNextManyAligned(count, align)
	if err != nil {
		return 0, err
	}
	return f.Address(), nil
}

// LockFrame implements PhysicalAllocator.LockFrame.
func (a *Allocator) LockFrame(addr memarch.PhysicalAddress) error {
	_, err := a.m.Lock(addr.Frame())
	return err
}

// FreeFrame implements PhysicalAllocator.FreeFrame.
func (a *Allocator) FreeFrame(addr memarch.PhysicalAddress) error {
	return a.m.Free(addr.Frame())
}
