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
	"text/tabwriter"

	"github.com/google/subcommands"

	"github.com/hearth-os/hearth/pkg/frame"
	"github.com/hearth-os/hearth/pkg/memarch"
)

// Inspect implements subcommands.Command for the "inspect" command.
type Inspect struct {
	config string
}

// Name implements subcommands.Command.Name.
func (*Inspect) Name() string {
	return "inspect"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Inspect) Synopsis() string {
	return "build the frame manager from a memory map and summarize its bookkeeping"
}

// Usage implements subcommands.Command.Usage.
func (*Inspect) Usage() string {
	return `inspect -config <file.toml>

Builds the frame metadata table from the memory map, including the
self-hosted table reservation, and prints per-type frame counts.

OPTIONS:
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Inspect) SetFlags(f *flag.FlagSet) {
	f.StringVar(&i.config, "config", "", "path to the memory-map description")
}

// Execute implements subcommands.Command.Execute.
func (i *Inspect) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	cfg, err := loadConfig(i.config)
	if err != nil {
		return fatalf("loading config: %v", err)
	}
	m, err := frame.FromMemoryMap(cfg.Map)
	if err != nil {
		return fatalf("building frame manager: %v", err)
	}

	var locked uint64
	counts := make(map[frame.Type]uint64)
	m.Range(func(_ memarch.Frame, d frame.Info) bool {
		counts[d.Type]++
		if d.Locked {
			locked++
		}
		return true
	})

	tableStart, tableCount := m.TableFrames()
	fmt.Printf("total frames:  %d (%d MiB)\n", m.TotalFrames(), m.TotalMemory()>>20)
	fmt.Printf("frame table:   frames [%d, %d), %d frames\n", tableStart, uint64(tableStart)+tableCount, tableCount)
	fmt.Printf("locked frames: %d\n\n", locked)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for t := frame.TypeUsable; t <= frame.TypeAcpiReclaim; t++ {
		if counts[t] == 0 {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\n", t, counts[t])
	}
	w.Flush()
	return subcommands.ExitSuccess
}
