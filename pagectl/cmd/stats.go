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
	"os"
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"github.com/pagemem/pagemem/pagectl/cmd/util"
	"github.com/pagemem/pagemem/pagectl/config"
	"github.com/pagemem/pagemem/pkg/cleanup"
	"github.com/pagemem/pagemem/pkg/log"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	orders   string
	mappings string
	touch    string
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "print page pool, page table and translation cache metrics"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [-orders=0,1,...] [-mappings=<file> [-touch=<addr>,...]] - prints metrics in Prometheus text format after the given allocations and translations.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.orders, "orders", "", "comma-separated orders of buffers to allocate before reporting.")
	f.StringVar(&s.mappings, "mappings", "", "TOML or YAML file describing the mappings to install.")
	f.StringVar(&s.touch, "touch", "", "comma-separated addresses to translate on every CPU before reporting.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	orders, err := parseOrders(s.orders)
	if err != nil {
		util.Fatalf("%v", err)
	}
	addrs, err := parseAddrs(splitList(s.touch))
	if err != nil {
		util.Fatalf("%v", err)
	}
	m, err := newMachine(ctx, conf)
	if err != nil {
		util.Fatalf("creating machine: %v", err)
	}
	defer m.release()
	if err := m.loadMappings(s.mappings); err != nil {
		util.Fatalf("loading mappings: %v", err)
	}

	var cu cleanup.Cleanup
	defer cu.Clean()
	for _, order := range orders {
		b, err := allocate(ctx, m.mf, order, conf.AllocRetries)
		if err != nil {
			util.Fatalf("allocating order %d: %v", order, err)
		}
		cu.Add(b.Release)
	}
	for _, addr := range addrs {
		for cpu := 0; cpu < m.tlb.NumCPUs(); cpu++ {
			if _, err := m.tlb.Translate(cpu, addr); err != nil {
				util.Fatalf("translating %v on cpu %d: %v", addr, cpu, err)
			}
		}
	}

	fams := m.metricFamilies()
	written, err := writeMetrics(os.Stdout, fams)
	if err != nil {
		util.Fatalf("Cannot write metrics to stdout: %v", err)
	}
	log.Infof("Wrote %d bytes of Prometheus metric data to stdout", written)
	return subcommands.ExitSuccess
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseOrders(s string) ([]uint, error) {
	var orders []uint
	for _, p := range splitList(s) {
		v, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("invalid order %q: %w", p, err)
		}
		orders = append(orders, uint(v))
	}
	return orders, nil
}
