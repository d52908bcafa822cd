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
	"errors"
	"fmt"

	"github.com/hearth-os/hearth/pkg/memarch"
)

// Walk and mapping errors.
var (
	// ErrNotMapped indicates a walk reached an absent entry. In the
	// page-fault path this is the cue to attempt demand paging before
	// declaring the fault unrecoverable.
	ErrNotMapped = errors.New("page not mapped")

	// ErrHugePage indicates a walk was interrupted by a huge mapping
	// above its target depth. Descending further would misread the
	// entry's frame field as a table pointer.
	ErrHugePage = errors.New("walk interrupted by huge page")

	// ErrDepthUnderflow indicates a walk ran out of levels before
	// reaching its target depth.
	ErrDepthUnderflow = errors.New("page table depth underflow")

	// ErrAllocFailed indicates no frame could be obtained for a new
	// intermediate table. This is a normal, propagated error: it can
	// legitimately occur under memory pressure.
	ErrAllocFailed = errors.New("page table allocation failed")

	// ErrUnalignedAddress indicates a page address not aligned to the
	// requested mapping depth.
	ErrUnalignedAddress = errors.New("unaligned page address")

	// ErrInvalidDepth indicates an unsupported root table depth.
	ErrInvalidDepth = errors.New("unsupported page table depth")
)

func notMapped(page memarch.VirtualAddress) error {
	return fmt.Errorf("page %#x: %w", uint64(page), ErrNotMapped)
}
