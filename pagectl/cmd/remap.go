// Copyright 2025 The pagemem Authors.
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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"github.com/pagemem/pagemem/pagectl/cmd/util"
	"github.com/pagemem/pagemem/pagectl/config"
	"github.com/pagemem/pagemem/pkg/hostarch"
	"github.com/pagemem/pagemem/pkg/translate"
)

// Remap implements subcommands.Command for the "remap" command.
type Remap struct {
	mappings string
	noFlush  bool
}

// Name implements subcommands.Command.Name.
func (*Remap) Name() string {
	return "remap"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Remap) Synopsis() string {
	return "point the entry mapping an address at another frame and shoot down cached translations"
}

// Usage implements subcommands.Command.Usage.
func (*Remap) Usage() string {
	return `remap -mappings=<file> [-no-flush] <addr> <frame> - rewrites the leaf entry mapping <addr> to map <frame>, keeping its protection.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Remap) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.mappings, "mappings", "", "TOML or YAML file describing the mappings to install.")
	f.BoolVar(&r.noFlush, "no-flush", false, "skip the shoot-down and show the stale translations.")
}

// Execute implements subcommands.Command.Execute.
func (r *Remap) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 2 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	addr, err := config.ParseAddr(f.Arg(0))
	if err != nil {
		util.Fatalf("invalid address %q: %v", f.Arg(0), err)
	}
	frame, err := config.ParseAddr(f.Arg(1))
	if err != nil {
		util.Fatalf("invalid frame %q: %v", f.Arg(1), err)
	}
	m, err := newMachine(ctx, conf)
	if err != nil {
		util.Fatalf("creating machine: %v", err)
	}
	defer m.release()
	if err := m.loadMappings(r.mappings); err != nil {
		util.Fatalf("loading mappings: %v", err)
	}

	if err := remapAndFlush(ctx, m, hostarch.Addr(addr), frame, !r.noFlush, os.Stdout); err != nil {
		util.Errorf("remap failed: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// remapAndFlush warms every CPU's cache for addr, rewrites the entry and,
// if flush is set, shoots down the stale translations. It reports what each
// CPU translates addr to afterwards.
func remapAndFlush(ctx context.Context, m *machine, addr hostarch.Addr, frame uint64, flush bool, w io.Writer) error {
	for cpu := 0; cpu < m.tlb.NumCPUs(); cpu++ {
		if _, err := m.tlb.Translate(cpu, addr); err != nil {
			return err
		}
	}
	old, err := translate.Remap(m.pt, addr, frame)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%v: frame %#x -> %#x (order %d, prot %v)\n", addr, old.FrameNumber, frame, old.Order, old.Protection)

	if flush {
		n, err := m.tlb.FlushAddr(ctx, addr)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "flushed %d of %d CPUs\n", n, m.tlb.NumCPUs())
	}
	for cpu := 0; cpu < m.tlb.NumCPUs(); cpu++ {
		tr, err := m.tlb.Translate(cpu, addr)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "cpu %d: %v -> %#x\n", cpu, addr, tr.Physical(addr))
	}
	return nil
}
