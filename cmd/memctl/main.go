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

// memctl exercises the memory-management core against a memory map
// loaded from a TOML description: inspect frame bookkeeping, stress the
// allocator, and dump translation trees.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"github.com/hearth-os/hearth/pkg/bootmem"
)

var debug = flag.Bool("debug", false, "enable debug logging")

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(Inspect), "")
	subcommands.Register(new(Exercise), "")
	subcommands.Register(new(Dump), "")
	subcommands.Register(new(MapCmd), "")

	flag.Parse()

	logrus.SetLevel(logrus.InfoLevel)
	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	os.Exit(int(subcommands.Execute(context.Background())))
}

// loadConfig reads the memory-map description every subcommand starts
// from.
func loadConfig(path string) (*bootmem.Config, error) {
	if path == "" {
		return nil, fmt.Errorf("missing -config flag")
	}
	cfg, err := bootmem.LoadFile(path)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"regions":   len(cfg.Map),
		"hhdm_base": fmt.Sprintf("%#x", uint64(cfg.HHDMBase)),
	}).Debug("memory map loaded")
	return cfg, nil
}

// fatalf logs the error and exits with a failure status.
func fatalf(format string, args ...any) subcommands.ExitStatus {
	logrus.Errorf(format, args...)
	return subcommands.ExitFailure
}
