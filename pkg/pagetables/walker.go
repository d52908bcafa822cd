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

// VisitFunc receives one live mapping: the first virtual address it
// translates, the depth it is installed at, and the entry value. Return
// false to stop the walk.
type VisitFunc func(va memarch.VirtualAddress, depth Depth, e PTE) bool

// Walk visits every live mapping in [start, end) in ascending address
// order: leaf entries at depth 0 and huge entries at the depth they are
// installed. Intermediate tables are traversed, not visited. Absent
// ranges are skipped in whole-entry strides, so sparse spaces walk
// quickly.
//
// The walk holds the mapper's read lock; the visit callback must not
// call back into mutating operations.
func (m *Mapper) Walk(start, end memarch.VirtualAddress, fn VisitFunc) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.walkTable(m.rootEntry.load().Frame(), m.depth, start, end, fn)
}

// walkTable visits mappings under the table a depth-tableDepth entry
// points at. The table's own entries sit one level down, at tableDepth-1,
// each covering that depth's span; tableDepth.IndexOf selects among them.
func (m *Mapper) walkTable(table memarch.Frame, tableDepth Depth, start, end memarch.VirtualAddress, fn VisitFunc) bool {
	entryDepth, ok := tableDepth.Next()
	if !ok {
		return true
	}
	span := memarch.VirtualAddress(entryDepth.Align())
	ptes := tableAt(m.mem, table)

	va := start &^ (span - 1)
	for i := tableDepth.IndexOf(start); i < memarch.TableIndexCount && va < end; i, va = i+1, va+span {
		e := ptes[i].load()
		if !e.IsPresent() {
			continue
		}
		if entryDepth.IsMin() || e.IsHuge() {
			if !fn(va, entryDepth, e) {
				return false
			}
			continue
		}
		lo, hi := va, va+span
		if start > lo {
			lo = start
		}
		if end < hi {
			hi = end
		}
		if !m.walkTable(e.Frame(), entryDepth, lo, hi, fn) {
			return false
		}
	}
	return true
}
