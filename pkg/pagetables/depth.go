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

import "github.com/hearth-os/hearth/pkg/memarch"

// Depth locates an entry within the translation hierarchy. An entry at
// depth D covers PageSize << (TableIndexShift * D) bytes: depth 0 is a
// 4 KiB leaf, depth 1 a 2 MiB huge entry, depth 2 a 1 GiB huge entry.
// The root table sits at depth 4, or 5 with five-level translation.
type Depth uint32

// DepthMin is the leaf depth.
const DepthMin Depth = 0

// Align returns the span in bytes one entry at this depth covers.
func (d Depth) Align() uint64 {
	return memarch.PageSize << (memarch.TableIndexShift * uint(d))
}

// IndexOf returns the table index the address selects at this depth.
// Valid for depths >= 1; a depth-D table's entries are chosen by bits
// (D-1)*9 .. D*9-1 above the page offset.
func (d Depth) IndexOf(addr memarch.VirtualAddress) int {
	return int(uint64(addr) >> memarch.PageShift >> ((uint(d) - 1) * memarch.TableIndexShift) & memarch.TableIndexMask)
}

// Next returns the depth one level toward the leaf. ok is false at the
// leaf; a walk asking for more depth than exists has underflowed.
func (d Depth) Next() (next Depth, ok bool) {
	if d == DepthMin {
		return 0, false
	}
	return d - 1, true
}

// IsMin reports whether this is the leaf depth.
func (d Depth) IsMin() bool {
	return d == DepthMin
}
