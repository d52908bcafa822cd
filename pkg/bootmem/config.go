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

package bootmem

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/hearth-os/hearth/pkg/memarch"
)

// Config is a memory-map description loaded from a TOML file. It stands in
// for the bootloader handoff in tools and tests.
//
// The direct-map base is a string: higher-half addresses exceed TOML's
// signed 64-bit integer range.
//
// Example:
//
//	hhdm_base = "0xffff_8000_0000_0000"
//
//	[[region]]
//	base = 0x0
//	length = 0x100000
//	type = "reserved"
//
//	[[region]]
//	base = 0x100000
//	length = 0xf00000
//	type = "usable"
type Config struct {
	// HHDMBase is the virtual base of the higher-half direct map.
	HHDMBase memarch.VirtualAddress

	// Map is the validated memory map.
	Map Map
}

type rawConfig struct {
	HHDMBase string      `toml:"hhdm_base"`
	Regions  []rawRegion `toml:"region"`
}

type rawRegion struct {
	Base   uint64 `toml:"base"`
	Length uint64 `toml:"length"`
	Type   string `toml:"type"`
}

// Load reads and validates a memory-map description.
func Load(r io.Reader) (*Config, error) {
	var raw rawConfig
	if _, err := toml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decoding memory map: %w", err)
	}
	var base uint64
	if raw.HHDMBase != "" {
		var err error
		if base, err = strconv.ParseUint(raw.HHDMBase, 0, 64); err != nil {
			return nil, fmt.Errorf("hhdm_base: %w", err)
		}
	}
	m := make(Map, 0, len(raw.Regions))
	for i, rr := range raw.Regions {
		t, err := ParseRegionType(rr.Type)
		if err != nil {
			return nil, fmt.Errorf("region %d: %w", i, err)
		}
		m = append(m, Region{
			Base:   memarch.PhysicalAddress(rr.Base),
			Length: rr.Length,
			Type:   t,
		})
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &Config{
		HHDMBase: memarch.VirtualAddress(base),
		Map:      m,
	}, nil
}

// LoadFile reads and validates a memory-map description from a file.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(f)
}
