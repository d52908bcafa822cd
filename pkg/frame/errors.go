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
	"errors"
	"fmt"

	"github.com/hearth-os/hearth/pkg/memarch"
)

// Allocation and bookkeeping errors.
//
// ErrNoFreeFrames is the only transient condition here: the caller may
// free memory and retry. The remainder indicate a bug in the caller
// (double free, over-drop, claiming unusable memory) and continuing past
// them risks corruption.
var (
	// ErrNoFreeFrames indicates the scan found no claimable frame or run.
	ErrNoFreeFrames = errors.New("no free frames")

	// ErrFrameUnusable indicates an attempt to claim unusable memory.
	ErrFrameUnusable = errors.New("frame is unusable")

	// ErrFrameLocked indicates the frame is already exclusively claimed.
	ErrFrameLocked = errors.New("frame is locked")

	// ErrFrameNotLocked indicates a free of an unlocked frame.
	ErrFrameNotLocked = errors.New("frame is not locked")

	// ErrFrameBorrowed indicates an exclusive claim of a shared frame.
	ErrFrameBorrowed = errors.New("frame is borrowed")

	// ErrFrameNotBorrowed indicates a drop of an unborrowed frame.
	ErrFrameNotBorrowed = errors.New("frame is not borrowed")

	// ErrOutOfRange indicates a frame index beyond the metadata table.
	ErrOutOfRange = errors.New("frame index out of range")
)

func frameError(f memarch.Frame, err error) error {
	return fmt.Errorf("frame %d: %w", uint64(f), err)
}

// TypeConversionError reports a frame type transition outside the
// whitelist.
type TypeConversionError struct {
	From Type
	To   Type
}

// Error implements error.Error.
func (e *TypeConversionError) Error() string {
	return fmt.Sprintf("illegal frame type conversion: %s -> %s", e.From, e.To)
}
