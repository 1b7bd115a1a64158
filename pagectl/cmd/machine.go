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
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pagemem/pagemem/pagectl/config"
	"github.com/pagemem/pagemem/pkg/log"
	"github.com/pagemem/pagemem/pkg/pagebuf"
	"github.com/pagemem/pagemem/pkg/pgalloc"
	"github.com/pagemem/pagemem/pkg/ring0/pagetables"
	"github.com/pagemem/pagemem/pkg/tlb"
)

// machine is the state shared by commands: the page pool from the context,
// one set of page tables and the per-CPU translation caches in front of it.
type machine struct {
	conf   *config.Config
	mf     *pgalloc.MemoryFile
	tables *pagetables.RuntimeAllocator
	pt     *pagetables.PageTables
	tlb    *tlb.TLB
}

func newMachine(ctx context.Context, conf *config.Config) (*machine, error) {
	mf := pgalloc.MemoryFileFromContext(ctx)
	if mf == nil {
		return nil, fmt.Errorf("no memory file in context")
	}
	tables := pagetables.NewRuntimeAllocator()
	pt := pagetables.New(tables)
	t, err := tlb.New(pt, conf.CPUs, conf.TLBEntries)
	if err != nil {
		return nil, err
	}
	return &machine{
		conf:   conf,
		mf:     mf,
		tables: tables,
		pt:     pt,
		tlb:    t,
	}, nil
}

// loadMappings installs the mappings described by the file at path. An empty
// path installs nothing.
func (m *machine) loadMappings(path string) error {
	if path == "" {
		return nil
	}
	regions, err := config.LoadMappings(path, m.conf.MemoryType)
	if err != nil {
		return err
	}
	config.Apply(m.pt, regions)
	log.Infof("Installed %d mappings from %q", len(regions), path)
	return nil
}

// release drops all mappings and their tables.
func (m *machine) release() {
	m.pt.Release()
	m.tables.Drain()
}

// allocRetryInterval is the first delay before retrying an allocation.
const allocRetryInterval = 10 * time.Millisecond

// allocate returns a zeroed buffer of 2^order pages. Allocations that run out
// of memory are retried up to retries times with exponential backoff, since
// other users of the pool may free pages in the meantime.
func allocate(ctx context.Context, mf *pgalloc.MemoryFile, order uint, retries uint64) (*pagebuf.Buffer, error) {
	if order > mf.MaxOrder() {
		return nil, fmt.Errorf("order %d exceeds maximum %d: %w", order, mf.MaxOrder(), pgalloc.ErrOutOfMemory)
	}
	var buf *pagebuf.Buffer
	op := func() error {
		b, err := pagebuf.AllocateOrder(mf, order, pgalloc.AllocOpts{Zero: true})
		if err != nil {
			if errors.Is(err, pgalloc.ErrOutOfMemory) {
				return err
			}
			return backoff.Permanent(err)
		}
		buf = b
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = allocRetryInterval
	notify := func(err error, next time.Duration) {
		log.Infof("Allocation of order %d failed, retrying in %v: %v", order, next, err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx), notify); err != nil {
		return nil, err
	}
	return buf, nil
}
