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

// Package hhdm models the higher-half direct map: the fixed-offset
// window through which the kernel reads and writes arbitrary physical
// frames without a mapping cycle.
//
// On hardware the window is a single offset added to a physical address.
// Here the backing is sparse: frame contents materialize, zeroed, on
// first touch, so a map describing terabytes costs only the frames
// actually used. The translation function is injected wherever physical
// memory is dereferenced, so tests can substitute any base.
package hhdm

import (
	"sync"

	"github.com/hearth-os/hearth/pkg/memarch"
)

// Page is the raw contents of one physical frame.
type Page [memarch.PageSize]byte

// DirectMap is the higher-half direct map.
//
// Safe for concurrent use; contention is on a single map mutex, which is
// acceptable because consumers (the mapper, bootstrap) hold frames for
// O(constant) work.
type DirectMap struct {
	base memarch.VirtualAddress

	mu    sync.Mutex
	pages map[memarch.Frame]*Page
}

// New returns a direct map based at the given virtual address. The base
// must be page-aligned.
func New(base memarch.VirtualAddress) *DirectMap {
	if !base.IsPageAligned() {
		panic("hhdm: direct map base is not page-aligned")
	}
	return &DirectMap{
		base:  base,
		pages: make(map[memarch.Frame]*Page),
	}
}

// Base returns the virtual base of the direct map.
func (d *DirectMap) Base() memarch.VirtualAddress {
	return d.base
}

// Offset returns the virtual address at which the frame is directly
// mapped.
func (d *DirectMap) Offset(f memarch.Frame) memarch.VirtualAddress {
	return d.base + memarch.VirtualAddress(f.Address())
}

// FrameAt inverts Offset. It reports false for addresses below the base.
func (d *DirectMap) FrameAt(v memarch.VirtualAddress) (memarch.Frame, bool) {
	if v < d.base {
		return 0, false
	}
	return memarch.PhysicalAddress(v - d.base).Frame(), true
}

// Page returns the contents of the frame, materializing a zeroed page on
// first touch.
func (d *DirectMap) Page(f memarch.Frame) *Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pages[f]
	if !ok {
		p = new(Page)
		d.pages[f] = p
	}
	return p
}

// Zero clears the contents of the frame.
func (d *DirectMap) Zero(f memarch.Frame) {
	*d.Page(f) = Page{}
}

// Copy copies the contents of frame src over frame dst.
func (d *DirectMap) Copy(dst, src memarch.Frame) {
	// Take both pages before writing so the map lock is not held across
	// the copy.
	s := d.Page(src)
	t := d.Page(dst)
	*t = *s
}

// Resident returns the number of frames with materialized contents.
func (d *DirectMap) Resident() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pages)
}
