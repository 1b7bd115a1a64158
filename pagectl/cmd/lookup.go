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
	"encoding/json"
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

// Lookup implements subcommands.Command for the "lookup" command.
type Lookup struct {
	mappings string
	format   string
}

// Name implements subcommands.Command.Name.
func (*Lookup) Name() string {
	return "lookup"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Lookup) Synopsis() string {
	return "print the leaf entries mapping virtual addresses"
}

// Usage implements subcommands.Command.Usage.
func (*Lookup) Usage() string {
	return `lookup -mappings=<file> [-format=text|json] <addr>... - installs the mappings in <file> and prints the entry mapping each address.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Lookup) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.mappings, "mappings", "", "TOML or YAML file describing the mappings to install.")
	f.StringVar(&l.format, "format", "text", "output format: text or json.")
}

// Execute implements subcommands.Command.Execute.
func (l *Lookup) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	addrs, err := parseAddrs(f.Args())
	if err != nil {
		util.Fatalf("%v", err)
	}
	m, err := newMachine(ctx, conf)
	if err != nil {
		util.Fatalf("creating machine: %v", err)
	}
	defer m.release()
	if err := m.loadMappings(l.mappings); err != nil {
		util.Fatalf("loading mappings: %v", err)
	}

	results := lookupAddrs(m.pt, addrs)
	if err := writeLookups(os.Stdout, l.format, results); err != nil {
		util.Fatalf("%v", err)
	}
	for _, r := range results {
		if !r.Mapped {
			return subcommands.ExitFailure
		}
	}
	return subcommands.ExitSuccess
}

// lookupResult describes the entry found for one address.
type lookupResult struct {
	Addr        hostarch.Addr `json:"addr"`
	Mapped      bool          `json:"mapped"`
	Kind        string        `json:"kind,omitempty"`
	Order       uint64        `json:"order,omitempty"`
	FrameNumber uint64        `json:"frame_number,omitempty"`
	Protection  string        `json:"protection,omitempty"`
	Physical    uint64        `json:"physical,omitempty"`
	Error       string        `json:"error,omitempty"`
}

func entryKind(e translate.Entry) string {
	switch e.(type) {
	case *translate.Leaf4K:
		return "4K"
	case *translate.Leaf2M:
		return "2M"
	case *translate.Leaf1G:
		return "1G"
	default:
		return fmt.Sprintf("%T", e)
	}
}

func lookupAddrs(w translate.Walker, addrs []hostarch.Addr) []lookupResult {
	results := make([]lookupResult, 0, len(addrs))
	for _, addr := range addrs {
		r := lookupResult{Addr: addr}
		e, err := translate.Lookup(w, addr)
		if err != nil {
			r.Error = err.Error()
			results = append(results, r)
			continue
		}
		mask := uint64(1)<<e.Shift() - 1
		r.Mapped = true
		r.Kind = entryKind(e)
		r.Order = e.Order()
		r.FrameNumber = e.FrameNumber()
		r.Protection = e.Protection().String()
		r.Physical = e.FrameNumber()<<hostarch.PageShift | uint64(addr)&mask
		results = append(results, r)
	}
	return results
}

func writeLookups(w io.Writer, format string, results []lookupResult) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	case "text":
		for _, r := range results {
			if !r.Mapped {
				fmt.Fprintf(w, "%v: %s\n", r.Addr, r.Error)
				continue
			}
			fmt.Fprintf(w, "%v: %s order=%d frame=%#x prot=%s phys=%#x\n", r.Addr, r.Kind, r.Order, r.FrameNumber, r.Protection, r.Physical)
		}
		return nil
	default:
		return fmt.Errorf("invalid format %q, must be 'text' or 'json'", format)
	}
}

func parseAddrs(args []string) ([]hostarch.Addr, error) {
	addrs := make([]hostarch.Addr, 0, len(args))
	for _, a := range args {
		v, err := config.ParseAddr(a)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", a, err)
		}
		addrs = append(addrs, hostarch.Addr(v))
	}
	return addrs, nil
}
