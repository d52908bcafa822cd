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
	"strconv"

	"github.com/google/subcommands"

	"github.com/hearth-os/hearth/pkg/memarch"
	"github.com/hearth-os/hearth/pkg/pagetables"
)

// MapCmd implements subcommands.Command for the "map" command.
type MapCmd struct {
	config string
	page   string
	frame  uint64
	depth  uint
	flags  string
}

// Name implements subcommands.Command.Name.
func (*MapCmd) Name() string {
	return "map"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*MapCmd) Synopsis() string {
	return "bootstrap, install one mapping, and show the resulting walk"
}

// Usage implements subcommands.Command.Usage.
func (*MapCmd) Usage() string {
	return `map -config <file.toml> -page <addr> -frame <n> [-depth D] [-flags rw|ro|rx|mmio]

Runs the boot sequence, maps the page to the frame (claiming the frame),
and prints the installed entry and its translation.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *MapCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.config, "config", "", "path to the memory-map description")
	f.StringVar(&c.page, "page", "", "virtual page address to map")
	f.Uint64Var(&c.frame, "frame", 0, "target frame index")
	f.UintVar(&c.depth, "depth", 0, "mapping depth (0 = 4K, 1 = 2M, 2 = 1G)")
	f.StringVar(&c.flags, "flags", "rw", "mapping attributes")
}

func parseFlags(s string) (pagetables.Flags, error) {
	switch s {
	case "rw":
		return pagetables.FlagsRW, nil
	case "ro":
		return pagetables.FlagsRO, nil
	case "rx":
		return pagetables.FlagsRX, nil
	case "mmio":
		return pagetables.FlagsMMIO, nil
	}
	return 0, fmt.Errorf("unknown flags %q", s)
}

// Execute implements subcommands.Command.Execute.
func (c *MapCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	cfg, err := loadConfig(c.config)
	if err != nil {
		return fatalf("loading config: %v", err)
	}
	page, err := strconv.ParseUint(c.page, 0, 64)
	if err != nil {
		return fatalf("parsing -page: %v", err)
	}
	flags, err := parseFlags(c.flags)
	if err != nil {
		return fatalf("parsing -flags: %v", err)
	}

	k, err := pagetables.BootstrapKernel(cfg.Map, cfg.HHDMBase, pagetables.Features{NoExecute: true})
	if err != nil {
		return fatalf("bootstrap: %v", err)
	}

	va := memarch.VirtualAddress(page)
	depth := pagetables.Depth(c.depth)
	if err := k.Mapper.Map(va, depth, memarch.Frame(c.frame), true, flags); err != nil {
		return fatalf("mapping %#x: %v", page, err)
	}

	k.Mapper.Walk(va, va+memarch.VirtualAddress(depth.Align()), func(v memarch.VirtualAddress, d pagetables.Depth, e pagetables.PTE) bool {
		fmt.Printf("%#x\t%s\t%v\n", uint64(v), spanName(d), e)
		return true
	})
	pa, err := k.Mapper.Translate(va)
	if err != nil {
		return fatalf("translating %#x: %v", page, err)
	}
	fmt.Printf("%#x -> %#x\n", page, uint64(pa))
	return subcommands.ExitSuccess
}
