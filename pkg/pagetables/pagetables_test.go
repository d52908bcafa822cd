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
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"github.com/hearth-os/hearth/pkg/bootmem"
	"github.com/hearth-os/hearth/pkg/frame"
	"github.com/hearth-os/hearth/pkg/hhdm"
	"github.com/hearth-os/hearth/pkg/memarch"
)

const testVBase memarch.VirtualAddress = 0xffff_8000_0000_0000

// testEnv builds a 4096-frame all-usable environment. The metadata table
// self-hosts in frames 0..3, so the first allocation returns frame 4.
func testEnv(t *testing.T) (*frame.Manager, *hhdm.DirectMap) {
	t.Helper()
	mmap := bootmem.Map{{Base: 0, Length: 16 << 20, Type: bootmem.RegionUsable}}
	frames, err := frame.FromMemoryMap(mmap)
	if err != nil {
		t.Fatalf("FromMemoryMap: %v", err)
	}
	return frames, hhdm.New(testVBase)
}

func testMapper(t *testing.T) (*Mapper, *frame.Manager) {
	t.Helper()
	frames, mem := testEnv(t)
	m, err := NewMapper(4, mem, frames, nxFeatures, nil)
	if err != nil {
		t.Fatalf("NewMapper: %v", err)
	}
	return m, frames
}

func assertLocked(t *testing.T, frames *frame.Manager, f memarch.Frame) {
	t.Helper()
	d, err := frames.FrameInfo(f)
	if err != nil {
		t.Fatalf("FrameInfo(%d): %v", f, err)
	}
	if !d.Locked {
		t.Fatalf("frame %d not locked", f)
	}
}

func TestNewMapperDepthValidation(t *testing.T) {
	frames, mem := testEnv(t)
	for _, tc := range []struct {
		depth Depth
		feat  Features
		ok    bool
	}{
		{2, Features{}, false},
		{3, Features{}, true},
		{4, Features{}, true},
		{5, Features{}, false},
		{5, Features{LA57: true}, true},
	} {
		_, err := NewMapper(tc.depth, mem, frames, tc.feat, nil)
		if tc.ok && err != nil {
			t.Errorf("NewMapper(depth=%d, la57=%v): %v", tc.depth, tc.feat.LA57, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidDepth) {
			t.Errorf("NewMapper(depth=%d, la57=%v) = %v, want ErrInvalidDepth", tc.depth, tc.feat.LA57, err)
		}
	}
}

func TestMapIntoEmptyTree(t *testing.T) {
	m, frames := testMapper(t)
	const page memarch.VirtualAddress = 0x400000

	if err := m.Map(page, DepthMin, 10, true, FlagsRW); err != nil {
		t.Fatalf("Map: %v", err)
	}

	got, ok := m.MappedTo(page)
	if !ok || got != 10 {
		t.Fatalf("MappedTo(%#x) = (%d, %v), want (10, true)", uint64(page), got, ok)
	}

	// The target frame and the three intermediate tables allocated below
	// the root (frames 5, 6, 7; the root itself took 4) are all claimed.
	assertLocked(t, frames, 10)
	for _, f := range []memarch.Frame{4, 5, 6, 7} {
		assertLocked(t, frames, f)
	}
}

func TestMapUnmapRoundTrip(t *testing.T) {
	m, _ := testMapper(t)
	const page memarch.VirtualAddress = 0x7f00_1000

	if err := m.Map(page, DepthMin, 42, false, FlagsRO); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if got, ok := m.MappedTo(page); !ok || got != 42 {
		t.Fatalf("MappedTo = (%d, %v), want (42, true)", got, ok)
	}

	if err := m.Unmap(page, false); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if m.IsMapped(page) {
		t.Error("IsMapped true after unmap")
	}
	if _, ok := m.MappedTo(page); ok {
		t.Error("MappedTo found a mapping after unmap")
	}

	// The slot is reusable.
	if err := m.Map(page, DepthMin, 43, false, FlagsRW); err != nil {
		t.Fatalf("re-Map: %v", err)
	}
	if got, _ := m.MappedTo(page); got != 43 {
		t.Errorf("MappedTo after remap = %d, want 43", got)
	}
}

func TestMapUnaligned(t *testing.T) {
	m, _ := testMapper(t)
	if err := m.Map(0x1234, DepthMin, 1, false, FlagsRW); !errors.Is(err, ErrUnalignedAddress) {
		t.Errorf("Map(unaligned leaf) = %v, want ErrUnalignedAddress", err)
	}
	// 2 MiB mapping needs 2 MiB alignment.
	if err := m.Map(0x401000, 1, 1, false, FlagsRW); !errors.Is(err, ErrUnalignedAddress) {
		t.Errorf("Map(unaligned huge) = %v, want ErrUnalignedAddress", err)
	}
}

func TestMapDepthBounds(t *testing.T) {
	m, _ := testMapper(t)
	if err := m.Map(0x1000, DepthMin, 9, false, FlagsRW); err != nil {
		t.Fatal(err)
	}
	root := m.Root()

	// Depths at or above the root would overwrite table structure, the
	// root entry included; they must be rejected, not installed.
	for _, at := range []Depth{3, 4, 5} {
		if err := m.Map(0, at, 77, false, FlagsRW); !errors.Is(err, ErrInvalidDepth) {
			t.Errorf("Map at depth %d = %v, want ErrInvalidDepth", at, err)
		}
		if err := m.UnmapAt(0, at, false); !errors.Is(err, ErrInvalidDepth) {
			t.Errorf("UnmapAt depth %d = %v, want ErrInvalidDepth", at, err)
		}
	}

	if m.Root() != root {
		t.Fatalf("root frame changed %d -> %d", root, m.Root())
	}
	if got, ok := m.MappedTo(0x1000); !ok || got != 9 {
		t.Fatalf("prior mapping lost: MappedTo = (%d, %v), want (9, true)", got, ok)
	}

	// A three-level context still maps 1 GiB entries directly in its root
	// table.
	frames, mem := testEnv(t)
	m3, err := NewMapper(3, mem, frames, nxFeatures, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m3.Map(0x40000000, 2, 512, false, FlagsRW); err != nil {
		t.Errorf("1 GiB map on depth-3 root: %v", err)
	}
	if err := m3.Map(0, 3, 512, false, FlagsRW); !errors.Is(err, ErrInvalidDepth) {
		t.Errorf("root-depth map on depth-3 root = %v, want ErrInvalidDepth", err)
	}
}

func TestUnmapInvalidatesDespiteFreeFailure(t *testing.T) {
	frames, mem := testEnv(t)
	var invalidated []memarch.VirtualAddress
	m, err := NewMapper(4, mem, frames, nxFeatures, nil,
		WithTLBInvalidator(func(va memarch.VirtualAddress) {
			invalidated = append(invalidated, va)
		}))
	if err != nil {
		t.Fatal(err)
	}

	// The frame is mapped but never claimed, so the free must fail after
	// the entry is already cleared.
	if err := m.Map(0x2000, DepthMin, 99, false, FlagsRW); err != nil {
		t.Fatal(err)
	}
	invalidated = nil

	err = m.Unmap(0x2000, true)
	if !errors.Is(err, frame.ErrFrameNotLocked) {
		t.Fatalf("Unmap = %v, want ErrFrameNotLocked", err)
	}
	if m.IsMapped(0x2000) {
		t.Error("entry survived the failed unmap")
	}
	if diff := cmp.Diff([]memarch.VirtualAddress{0x2000}, invalidated); diff != "" {
		t.Errorf("invalidations (-want +got):\n%s", diff)
	}
}

func TestMapLockFrameFailure(t *testing.T) {
	m, frames := testMapper(t)
	if _, err := frames.Lock(99); err != nil {
		t.Fatal(err)
	}
	err := m.Map(0x1000, DepthMin, 99, true, FlagsRW)
	if !errors.Is(err, frame.ErrFrameLocked) {
		t.Fatalf("Map over a locked frame = %v, want ErrFrameLocked", err)
	}
	if m.IsMapped(0x1000) {
		t.Error("failed Map left a mapping behind")
	}
}

func TestMapHuge(t *testing.T) {
	m, frames := testMapper(t)
	const page memarch.VirtualAddress = 0x400000 // 2 MiB aligned

	// Frame 512 starts a free 512-frame run (2 MiB).
	if err := m.Map(page, 1, 512, true, FlagsRW); err != nil {
		t.Fatalf("Map huge: %v", err)
	}
	for _, f := range []memarch.Frame{512, 700, 1023} {
		assertLocked(t, frames, f)
	}

	// The huge bit is set implicitly and the walk below it is refused.
	err := m.rootTable().WithEntry(page, DepthMin, func(PTE) {})
	if !errors.Is(err, ErrHugePage) {
		t.Fatalf("leaf walk through huge entry = %v, want ErrHugePage", err)
	}
	var got PTE
	if err := m.rootTable().WithEntry(page, 1, func(e PTE) { got = e }); err != nil {
		t.Fatalf("depth-1 walk: %v", err)
	}
	if !got.IsHuge() || got.Frame() != 512 {
		t.Errorf("huge entry = %v", got)
	}
}

func TestHugeInterruptsAllWalks(t *testing.T) {
	m, _ := testMapper(t)
	if err := m.Map(0x400000, 1, 512, false, FlagsRW); err != nil {
		t.Fatalf("Map huge: %v", err)
	}

	if err := m.rootTableMut().WithEntryMut(0x400000, DepthMin, func(*PTE) {}); !errors.Is(err, ErrHugePage) {
		t.Errorf("WithEntryMut = %v, want ErrHugePage", err)
	}
	if err := m.rootTableMut().WithEntryCreate(0x400000, DepthMin, func(*PTE) {}); !errors.Is(err, ErrHugePage) {
		t.Errorf("WithEntryCreate = %v, want ErrHugePage", err)
	}
	if err := m.Unmap(0x400000, false); !errors.Is(err, ErrHugePage) {
		t.Errorf("leaf Unmap under huge mapping = %v, want ErrHugePage", err)
	}
	if err := m.UnmapAt(0x400000, 1, false); err != nil {
		t.Errorf("UnmapAt depth 1: %v", err)
	}
}

func TestWalkErrors(t *testing.T) {
	m, _ := testMapper(t)
	if err := m.rootTable().WithEntry(0x1000, DepthMin, func(PTE) {}); !errors.Is(err, ErrNotMapped) {
		t.Errorf("walk of empty tree = %v, want ErrNotMapped", err)
	}
	if err := m.Map(0x1000, DepthMin, 9, false, FlagsRW); err != nil {
		t.Fatal(err)
	}
	if err := m.rootTable().WithEntry(0x1000, 6, func(PTE) {}); !errors.Is(err, ErrDepthUnderflow) {
		t.Errorf("walk past the leaf = %v, want ErrDepthUnderflow", err)
	}
}

func TestUnmapFreesFrame(t *testing.T) {
	m, frames := testMapper(t)
	if err := m.Map(0x2000, DepthMin, 50, true, FlagsRW); err != nil {
		t.Fatal(err)
	}
	assertLocked(t, frames, 50)

	if err := m.Unmap(0x2000, true); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	d, err := frames.FrameInfo(50)
	if err != nil {
		t.Fatal(err)
	}
	if d.Locked {
		t.Error("frame 50 still locked after freeing unmap")
	}

	if err := m.Unmap(0x2000, false); !errors.Is(err, ErrNotMapped) {
		t.Errorf("double Unmap = %v, want ErrNotMapped", err)
	}
}

func TestMapExhaustion(t *testing.T) {
	mmap := bootmem.Map{{Base: 0, Length: 32 * memarch.PageSize, Type: bootmem.RegionUsable}}
	frames, err := frame.FromMemoryMap(mmap)
	if err != nil {
		t.Fatal(err)
	}
	m, err := NewMapper(4, hhdm.New(testVBase), frames, nxFeatures, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Drain the pool so the create walk cannot build intermediates.
	for {
		if _, err := frames.LockNext(); err != nil {
			break
		}
	}
	if err := m.Map(0x1000, DepthMin, 3, false, FlagsRW); !errors.Is(err, ErrAllocFailed) {
		t.Fatalf("Map without free frames = %v, want ErrAllocFailed", err)
	}
}

func TestCopyByMap(t *testing.T) {
	m, _ := testMapper(t)
	const from, to memarch.VirtualAddress = 0x10_0000, 0x7000_0000

	if err := m.Map(from, DepthMin, 77, false, FlagsRW); err != nil {
		t.Fatal(err)
	}
	if err := m.CopyByMap(from, to, nil); err != nil {
		t.Fatalf("CopyByMap: %v", err)
	}

	if m.IsMapped(from) {
		t.Error("source still mapped after CopyByMap")
	}
	if got, ok := m.MappedTo(to); !ok || got != 77 {
		t.Fatalf("MappedTo(to) = (%d, %v), want (77, true)", got, ok)
	}
	if flags, _ := m.PageFlags(to); flags != FlagsRW {
		t.Errorf("flags moved = %#x, want FlagsRW", uint64(flags))
	}

	// Attribute replacement on the way.
	ro := FlagsRO
	if err := m.CopyByMap(to, from, &ro); err != nil {
		t.Fatal(err)
	}
	if flags, _ := m.PageFlags(from); flags != FlagsRO {
		t.Errorf("replaced flags = %#x, want FlagsRO", uint64(flags))
	}
}

func TestPageFlags(t *testing.T) {
	m, _ := testMapper(t)
	const page memarch.VirtualAddress = 0x3000

	if err := m.Map(page, DepthMin, 8, false, FlagsRW); err != nil {
		t.Fatal(err)
	}
	if flags, ok := m.PageFlags(page); !ok || flags != FlagsRW {
		t.Fatalf("PageFlags = (%#x, %v)", uint64(flags), ok)
	}

	if err := m.SetPageFlags(page, FlagWritable, ModifyRemove); err != nil {
		t.Fatalf("SetPageFlags: %v", err)
	}
	if flags, _ := m.PageFlags(page); flags != FlagPresent|FlagNoExecute {
		t.Errorf("flags after removal = %#x", uint64(flags))
	}

	if _, ok := m.PageFlags(0x9000); ok {
		t.Error("PageFlags found an absent mapping")
	}
	if err := m.SetPageFlags(0x9000, FlagUser, ModifyInsert); !errors.Is(err, ErrNotMapped) {
		t.Errorf("SetPageFlags on absent page = %v, want ErrNotMapped", err)
	}
}

func TestMapIfNotMapped(t *testing.T) {
	m, _ := testMapper(t)
	const page memarch.VirtualAddress = 0x5000

	f := memarch.Frame(30)
	if err := m.MapIfNotMapped(page, &f, true, FlagsRW); err != nil {
		t.Fatal(err)
	}
	if got, _ := m.MappedTo(page); got != 30 {
		t.Fatalf("MappedTo = %d, want 30", got)
	}

	// Idempotent for the same frame.
	if err := m.MapIfNotMapped(page, &f, true, FlagsRW); err != nil {
		t.Fatalf("repeat MapIfNotMapped: %v", err)
	}

	// Nil frame allocates only when absent.
	if err := m.MapIfNotMapped(0x6000, nil, false, FlagsRW); err != nil {
		t.Fatal(err)
	}
	if !m.IsMapped(0x6000) {
		t.Error("nil-frame MapIfNotMapped did not map")
	}
}

func TestAutoMap(t *testing.T) {
	m, frames := testMapper(t)
	f := m.AutoMap(0x8000, FlagsRW)
	if !m.IsMappedTo(0x8000, f) {
		t.Fatalf("AutoMap frame %d not mapped", f)
	}
	assertLocked(t, frames, f)
}

func TestTranslate(t *testing.T) {
	m, _ := testMapper(t)

	if err := m.Map(0x2000, DepthMin, 5, false, FlagsRW); err != nil {
		t.Fatal(err)
	}
	got, err := m.Translate(0x2abc)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if want := memarch.PhysicalAddress(5*memarch.PageSize + 0xabc); got != want {
		t.Errorf("Translate(0x2abc) = %#x, want %#x", uint64(got), uint64(want))
	}

	// Huge mappings resolve with the offset inside their span.
	if err := m.Map(0x400000, 1, 512, false, FlagsRW); err != nil {
		t.Fatal(err)
	}
	got, err = m.Translate(0x412345)
	if err != nil {
		t.Fatalf("Translate(huge): %v", err)
	}
	if want := memarch.Frame(512).Address() + 0x12345; got != want {
		t.Errorf("Translate(0x412345) = %#x, want %#x", uint64(got), uint64(want))
	}

	if _, err := m.Translate(0xdead000); !errors.Is(err, ErrNotMapped) {
		t.Errorf("Translate(unmapped) = %v, want ErrNotMapped", err)
	}
}

func TestCopiedRootSharesSubTrees(t *testing.T) {
	frames, mem := testEnv(t)
	a, err := NewMapper(4, mem, frames, nxFeatures, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Map(0x2000, DepthMin, 11, false, FlagsRW); err != nil {
		t.Fatal(err)
	}

	root := a.Root()
	b, err := NewMapper(4, mem, frames, nxFeatures, &root)
	if err != nil {
		t.Fatal(err)
	}
	if got, ok := b.MappedTo(0x2000); !ok || got != 11 {
		t.Fatalf("copied context MappedTo = (%d, %v), want (11, true)", got, ok)
	}
	if a.Root() == b.Root() {
		t.Error("copied context shares the root frame itself")
	}
}

func TestWalk(t *testing.T) {
	m, _ := testMapper(t)
	for _, p := range []memarch.VirtualAddress{0x1000, 0x3000} {
		if err := m.Map(p, DepthMin, memarch.Frame(p>>12), false, FlagsRW); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Map(0x400000, 1, 512, false, FlagsRW); err != nil {
		t.Fatal(err)
	}

	type visit struct {
		VA    memarch.VirtualAddress
		Depth Depth
		Frame memarch.Frame
	}
	var got []visit
	m.Walk(0, 0x800000, func(va memarch.VirtualAddress, depth Depth, e PTE) bool {
		got = append(got, visit{va, depth, e.Frame()})
		return true
	})
	want := []visit{
		{0x1000, 0, 1},
		{0x3000, 0, 3},
		{0x400000, 1, 512},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Walk visits (-want +got):\n%s", diff)
	}

	// Range clipping and early stop.
	got = nil
	m.Walk(0x2000, 0x400000, func(va memarch.VirtualAddress, depth Depth, e PTE) bool {
		got = append(got, visit{va, depth, e.Frame()})
		return false
	})
	if diff := cmp.Diff([]visit{{0x3000, 0, 3}}, got); diff != "" {
		t.Errorf("clipped Walk (-want +got):\n%s", diff)
	}
}

func TestRegisterActivate(t *testing.T) {
	frames, mem := testEnv(t)
	a, err := NewMapper(4, mem, frames, nxFeatures, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewMapper(4, mem, frames, nxFeatures, nil)
	if err != nil {
		t.Fatal(err)
	}

	flushes := 0
	reg := NewRegister(func() { flushes++ })

	if _, ok := reg.Active(); ok {
		t.Fatal("fresh register reports an active context")
	}
	if _, ok := a.Activate(reg); ok {
		t.Error("first activation returned a previous root")
	}
	if cur, ok := reg.Active(); !ok || cur != a.Root() {
		t.Errorf("Active() = (%d, %v), want (%d, true)", cur, ok, a.Root())
	}

	prev, ok := b.Activate(reg)
	if !ok || prev != a.Root() {
		t.Errorf("second activation returned (%d, %v), want (%d, true)", prev, ok, a.Root())
	}
	if flushes != 2 {
		t.Errorf("flush ran %d times, want 2", flushes)
	}
}

func TestInvalidateHook(t *testing.T) {
	frames, mem := testEnv(t)
	var invalidated []memarch.VirtualAddress
	m, err := NewMapper(4, mem, frames, nxFeatures, nil,
		WithTLBInvalidator(func(va memarch.VirtualAddress) {
			invalidated = append(invalidated, va)
		}))
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Map(0x1000, DepthMin, 9, false, FlagsRW); err != nil {
		t.Fatal(err)
	}
	if err := m.SetPageFlags(0x1000, FlagUser, ModifyInsert); err != nil {
		t.Fatal(err)
	}
	if err := m.Unmap(0x1000, false); err != nil {
		t.Fatal(err)
	}

	want := []memarch.VirtualAddress{0x1000, 0x1000, 0x1000}
	if diff := cmp.Diff(want, invalidated); diff != "" {
		t.Errorf("invalidations (-want +got):\n%s", diff)
	}
}

func TestConcurrentDistinctPages(t *testing.T) {
	m, _ := testMapper(t)
	var g errgroup.Group
	for i := 0; i < 64; i++ {
		page := memarch.VirtualAddress(0x10_0000_0000) + memarch.VirtualAddress(i)*memarch.PageSize
		f := memarch.Frame(2000 + i)
		g.Go(func() error {
			if err := m.Map(page, DepthMin, f, true, FlagsRW); err != nil {
				return err
			}
			got, err := m.Translate(page)
			if err != nil {
				return err
			}
			if got != f.Address() {
				return fmt.Errorf("page %#x translated to %#x, want %#x", uint64(page), uint64(got), uint64(f.Address()))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
