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
	"testing"

	"github.com/hearth-os/hearth/pkg/bootmem"
	"github.com/hearth-os/hearth/pkg/memarch"
)

func TestBootstrapKernel(t *testing.T) {
	mmap := bootmem.Map{
		{Base: 0, Length: 0x100000, Type: bootmem.RegionReserved},
		{Base: 0x100000, Length: 0xf00000, Type: bootmem.RegionUsable},
	}
	k, err := BootstrapKernel(mmap, testVBase, nxFeatures)
	if err != nil {
		t.Fatalf("BootstrapKernel: %v", err)
	}

	// The whole 16 MiB physical span is visible through the direct map.
	for _, phys := range []memarch.PhysicalAddress{0, 0x1234, 0x100000, 0xffffff} {
		got, err := k.Mapper.Translate(testVBase + memarch.VirtualAddress(phys))
		if err != nil {
			t.Fatalf("Translate(base+%#x): %v", uint64(phys), err)
		}
		if got != phys {
			t.Errorf("Translate(base+%#x) = %#x", uint64(phys), uint64(got))
		}
	}

	// 16 MiB at a 1 GiB-aligned base maps as eight 2 MiB entries.
	count := 0
	k.Mapper.Walk(testVBase, testVBase+0x1000000, func(va memarch.VirtualAddress, depth Depth, e PTE) bool {
		count++
		if depth != 1 {
			t.Errorf("mapping at %#x installed at depth %d, want 1", uint64(va), depth)
		}
		if e.Flags()&FlagNoExecute == 0 || e.Flags()&FlagWritable == 0 {
			t.Errorf("mapping at %#x flags = %#x, want writable and no-execute", uint64(va), uint64(e.Flags()))
		}
		return true
	})
	if count != 8 {
		t.Errorf("direct map uses %d entries, want 8", count)
	}

	// Frame bookkeeping came along: the reserved megabyte is claimed.
	d, err := k.Frames.FrameInfo(0)
	if err != nil {
		t.Fatal(err)
	}
	if !d.Locked {
		t.Error("reserved frame 0 not locked after bootstrap")
	}
}

func TestBootstrapKernelUnevenSpan(t *testing.T) {
	// 2 MiB + 12 KiB of memory: one huge entry plus three leaf entries.
	mmap := bootmem.Map{{Base: 0, Length: 0x203000, Type: bootmem.RegionUsable}}
	k, err := BootstrapKernel(mmap, testVBase, nxFeatures)
	if err != nil {
		t.Fatalf("BootstrapKernel: %v", err)
	}

	var depths []Depth
	k.Mapper.Walk(testVBase, testVBase+0x203000, func(_ memarch.VirtualAddress, depth Depth, _ PTE) bool {
		depths = append(depths, depth)
		return true
	})
	want := []Depth{1, 0, 0, 0}
	if len(depths) != len(want) {
		t.Fatalf("got %d entries (%v), want %v", len(depths), depths, want)
	}
	for i := range want {
		if depths[i] != want[i] {
			t.Fatalf("entry %d at depth %d, want %d (%v)", i, depths[i], want[i], depths)
		}
	}
}

func TestBootstrapKernelBadMap(t *testing.T) {
	mmap := bootmem.Map{{Base: 0x800, Length: 0x1000, Type: bootmem.RegionUsable}}
	if _, err := BootstrapKernel(mmap, testVBase, nxFeatures); err == nil {
		t.Fatal("BootstrapKernel accepted an invalid memory map")
	}
	var zero bootmem.Map
	if _, err := BootstrapKernel(zero, testVBase, nxFeatures); err == nil {
		t.Fatal("BootstrapKernel accepted an empty memory map")
	}
}

func TestBootstrapErrNotMappedBeyondSpan(t *testing.T) {
	mmap := bootmem.Map{{Base: 0, Length: 0x200000, Type: bootmem.RegionUsable}}
	k, err := BootstrapKernel(mmap, testVBase, nxFeatures)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := k.Mapper.Translate(testVBase + 0x200000); !errors.Is(err, ErrNotMapped) {
		t.Errorf("Translate past the span = %v, want ErrNotMapped", err)
	}
}
