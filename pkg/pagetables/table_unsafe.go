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
	"unsafe"

	"github.com/hearth-os/hearth/pkg/hhdm"
	"github.com/hearth-os/hearth/pkg/memarch"
)

// PTEs is one page table: a page-sized array of entries.
type PTEs [memarch.TableIndexCount]PTE

// A PTEs must cover a frame exactly; the casts below depend on it.
const (
	_ = memarch.PageSize - unsafe.Sizeof(PTEs{})
	_ = unsafe.Sizeof(PTEs{}) - memarch.PageSize
)

// tableAt reinterprets the direct-mapped contents of a frame as a page
// table.
//
// This is the only place physical memory is given structure. It is safe
// exactly when the frame is owned by the translation tree (allocated and
// zeroed by a create walk, or the root frame): PTEs is an array of
// uint64 with no pointers, its size and alignment match the page, and
// entries are only accessed through atomic loads and stores.
func tableAt(mem *hhdm.DirectMap, f memarch.Frame) *PTEs {
	return (*PTEs)(unsafe.Pointer(mem.Page(f)))
}
