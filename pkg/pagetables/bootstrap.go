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
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/hearth-os/hearth/pkg/bootmem"
	"github.com/hearth-os/hearth/pkg/frame"
	"github.com/hearth-os/hearth/pkg/hhdm"
	"github.com/hearth-os/hearth/pkg/memarch"
)

// Kernel bundles the memory-management state built at boot: the frame
// manager over the firmware memory map, the direct map, and the kernel's
// translation context with the direct map installed.
type Kernel struct {
	Frames *frame.Manager
	Memory *hhdm.DirectMap
	Mapper *Mapper
}

// hhdmFlags are the attributes of direct-map mappings: kernel-only
// data, never executable.
const hhdmFlags = FlagPresent | FlagWritable | FlagGlobal | FlagNoExecute

// BootstrapKernel builds the boot memory-management state from the
// firmware memory map: frame manager, direct map at base, and a fresh
// root-depth translation context with the whole physical span mapped
// into the direct map. Every error here is fatal to the boot.
func BootstrapKernel(mmap bootmem.Map, base memarch.VirtualAddress, feat Features, opts ...MapperOption) (*Kernel, error) {
	frames, err := frame.FromMemoryMap(mmap)
	if err != nil {
		return nil, fmt.Errorf("building frame manager: %w", err)
	}
	mem := hhdm.New(base)
	m, err := NewMapper(feat.MaxDepth(), mem, frames, feat, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("building kernel mapper: %w", err)
	}

	span := frames.TotalMemory()
	if err := mapDirect(m, base, span); err != nil {
		return nil, fmt.Errorf("mapping direct map: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"base": fmt.Sprintf("%#x", uint64(base)),
		"span": span,
		"root": m.Root(),
	}).Debug("direct map established")

	return &Kernel{Frames: frames, Memory: mem, Mapper: m}, nil
}

// mapDirect maps [base, base+span) onto physical [0, span) using the
// largest mapping each address admits: 1 GiB and 2 MiB huge entries
// where base and the remaining span allow, 4 KiB pages elsewhere. The
// target frames are not locked; the direct map aliases memory whose
// ownership the frame manager tracks separately.
func mapDirect(m *Mapper, base memarch.VirtualAddress, span uint64) error {
	var off uint64
	for off < span {
		va := base + memarch.VirtualAddress(off)
		d := Depth(2)
		for !d.IsMin() && (uint64(va)%d.Align() != 0 || span-off < d.Align()) {
			d--
		}
		f := memarch.FrameContaining(memarch.PhysicalAddress(off))
		if err := m.Map(va, d, f, false, hhdmFlags); err != nil {
			return err
		}
		off += d.Align()
	}
	return nil
}
