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
	"sync/atomic"

	"github.com/hearth-os/hearth/pkg/memarch"
)

// Register models the per-core translation-root register (the CR3
// equivalent): a single cell holding the root frame of the active
// context. Loads and swaps are atomic; on real hardware the swap is
// also a full local translation-cache flush, which the port layer
// provides through the hook.
type Register struct {
	root  atomic.Uint64
	flush func()
}

// NewRegister returns a register with no active context. flush, when
// non-nil, runs after every root swap.
func NewRegister(flush func()) *Register {
	return &Register{flush: flush}
}

// Active returns the root frame of the active context, and false when no
// context has been activated yet.
func (r *Register) Active() (memarch.Frame, bool) {
	v := r.root.Load()
	return memarch.Frame(v >> 1), v&1 != 0
}

// swap installs f as the active root and returns the previous one.
func (r *Register) swap(f memarch.Frame) (memarch.Frame, bool) {
	// Bit 0 distinguishes "never activated" from frame 0; frame numbers
	// fit well below 63 bits.
	old := r.root.Swap(uint64(f)<<1 | 1)
	if r.flush != nil {
		r.flush()
	}
	return memarch.Frame(old >> 1), old&1 != 0
}

// Activate makes this mapper the active translation context on reg,
// returning the root frame of the previously active context.
func (m *Mapper) Activate(reg *Register) (memarch.Frame, bool) {
	return reg.swap(m.root)
}
