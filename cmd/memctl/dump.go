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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/hearth-os/hearth/pkg/memarch"
	"github.com/hearth-os/hearth/pkg/pagetables"
)

// Dump implements subcommands.Command for the "dump" command.
type Dump struct {
	config    string
	la57      bool
	translate string
}

// Name implements subcommands.Command.Name.
func (*Dump) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Dump) Synopsis() string {
	return "bootstrap the kernel translation context and dump its live mappings"
}

// Usage implements subcommands.Command.Usage.
func (*Dump) Usage() string {
	return `dump -config <file.toml> [-la57] [-translate <addr>]

Runs the boot sequence (frame manager, direct map, kernel mapper) on the
given memory map and prints every installed mapping. With -translate,
also resolves one virtual address through the tree.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *Dump) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.config, "config", "", "path to the memory-map description")
	f.BoolVar(&d.la57, "la57", false, "use five-level translation")
	f.StringVar(&d.translate, "translate", "", "virtual address to resolve")
}

// Execute implements subcommands.Command.Execute.
func (d *Dump) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	cfg, err := loadConfig(d.config)
	if err != nil {
		return fatalf("loading config: %v", err)
	}
	feat := pagetables.Features{NoExecute: true, LA57: d.la57}
	k, err := pagetables.BootstrapKernel(cfg.Map, cfg.HHDMBase, feat)
	if err != nil {
		return fatalf("bootstrap: %v", err)
	}

	fmt.Printf("root frame: %d (depth %d)\n", k.Mapper.Root(), k.Mapper.Depth())
	fmt.Printf("direct map: base %#x, %d resident pages\n\n",
		uint64(k.Memory.Base()), k.Memory.Resident())

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VIRTUAL\tSPAN\tFRAME\tFLAGS")
	end := cfg.HHDMBase + memarch.VirtualAddress(k.Frames.TotalMemory())
	k.Mapper.Walk(cfg.HHDMBase, end, func(va memarch.VirtualAddress, depth pagetables.Depth, e pagetables.PTE) bool {
		fmt.Fprintf(w, "%#x\t%s\t%d\t%#x\n", uint64(va), spanName(depth), e.Frame(), uint64(e.Flags()))
		return true
	})
	w.Flush()

	if d.translate != "" {
		va, err := strconv.ParseUint(d.translate, 0, 64)
		if err != nil {
			return fatalf("parsing -translate: %v", err)
		}
		pa, err := k.Mapper.Translate(memarch.VirtualAddress(va))
		if err != nil {
			return fatalf("translating %#x: %v", va, err)
		}
		fmt.Printf("\n%#x -> %#x\n", va, uint64(pa))
	}
	return subcommands.ExitSuccess
}

func spanName(d pagetables.Depth) string {
	switch d {
	case 0:
		return "4K"
	case 1:
		return "2M"
	case 2:
		return "1G"
	default:
		return fmt.Sprintf("depth-%d", d)
	}
}
