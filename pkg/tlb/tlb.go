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

// Package tlb simulates per-CPU translation lookaside buffers in front of a
// page table, with explicit shoot-down.
//
// Each CPU caches the result of walking the tables. A cached translation
// stays in use after the underlying entry is rewritten until it is flushed,
// which is what makes a shoot-down after translate.Entry.Set necessary.
package tlb

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pagemem/pagemem/pkg/hostarch"
	"github.com/pagemem/pagemem/pkg/log"
	"github.com/pagemem/pagemem/pkg/translate"
	"golang.org/x/sync/errgroup"
)

// Translation is a cached virtual page to frame mapping.
type Translation struct {
	// Page is the page-aligned virtual address.
	Page hostarch.Addr

	// Frame is the base page frame number backing Page.
	Frame uint64

	// Protection is the protection of the entry that produced the
	// translation.
	Protection translate.Protection
}

// Physical returns the physical address of addr under t.
func (t Translation) Physical(addr hostarch.Addr) uint64 {
	return t.Frame<<hostarch.PageShift | addr.PageOffset()
}

// cpu is the cache of one CPU.
type cpu struct {
	id      int
	entries *lru.Cache

	hits   uint64
	misses uint64
}

// TLB is a set of per-CPU translation caches.
//
// Each CPU's cache must be used by one goroutine at a time; FlushAddr and
// FlushAll must not run concurrently with Translate.
type TLB struct {
	walker translate.Walker
	cpus   []*cpu
}

// New returns a TLB with cpus caches of size entries each.
func New(w translate.Walker, cpus, size int) (*TLB, error) {
	if cpus <= 0 {
		return nil, fmt.Errorf("invalid CPU count %d", cpus)
	}
	t := &TLB{walker: w, cpus: make([]*cpu, cpus)}
	for i := range t.cpus {
		c, err := lru.New(size)
		if err != nil {
			return nil, fmt.Errorf("creating cache for CPU %d: %w", i, err)
		}
		t.cpus[i] = &cpu{id: i, entries: c}
	}
	return t, nil
}

// NumCPUs returns the number of simulated CPUs.
func (t *TLB) NumCPUs() int {
	return len(t.cpus)
}

// Translate returns the translation of addr as seen by the given CPU,
// walking the page tables on a miss.
func (t *TLB) Translate(cpuID int, addr hostarch.Addr) (Translation, error) {
	c := t.cpu(cpuID)
	page := addr.RoundDown()
	if v, ok := c.entries.Get(page); ok {
		c.hits++
		return v.(Translation), nil
	}
	c.misses++
	e, err := translate.Lookup(t.walker, addr)
	if err != nil {
		return Translation{}, err
	}
	// Super pages are cached per base page.
	within := uint64(page) & (uint64(1)<<e.Shift() - 1)
	tr := Translation{
		Page:       page,
		Frame:      e.FrameNumber() + within>>hostarch.PageShift,
		Protection: e.Protection(),
	}
	c.entries.Add(page, tr)
	return tr, nil
}

// Cached returns the translation of addr cached by the given CPU, if any.
func (t *TLB) Cached(cpuID int, addr hostarch.Addr) (Translation, bool) {
	v, ok := t.cpu(cpuID).entries.Peek(addr.RoundDown())
	if !ok {
		return Translation{}, false
	}
	return v.(Translation), true
}

// FlushAddr removes the translation of the page containing addr from every
// CPU, one goroutine per CPU. It returns the number of CPUs that held it.
func (t *TLB) FlushAddr(ctx context.Context, addr hostarch.Addr) (int, error) {
	page := addr.RoundDown()
	held := make([]bool, len(t.cpus))
	g, ctx := errgroup.WithContext(ctx)
	for i, c := range t.cpus {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			held[i] = c.entries.Remove(page)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	n := 0
	for _, h := range held {
		if h {
			n++
		}
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("tlb: flushed %v from %d of %d CPUs", page, n, len(t.cpus))
	}
	return n, nil
}

// FlushRange flushes every page of r from every CPU.
func (t *TLB) FlushRange(ctx context.Context, r hostarch.AddrRange) error {
	start := r.Start.RoundDown()
	if r.End <= start {
		return nil
	}
	// Count pages rather than stepping addresses, which would wrap to zero
	// at the top of the address space.
	span := uint64(r.End - start)
	pages := span >> hostarch.PageShift
	if span&(hostarch.PageSize-1) != 0 {
		pages++
	}
	for i := uint64(0); i < pages; i++ {
		if _, err := t.FlushAddr(ctx, start+hostarch.Addr(i<<hostarch.PageShift)); err != nil {
			return err
		}
	}
	return nil
}

// FlushAll empties every CPU's cache.
func (t *TLB) FlushAll(ctx context.Context) error {
	var g errgroup.Group
	for _, c := range t.cpus {
		g.Go(func() error {
			c.entries.Purge()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Debugf("tlb: flushed all %d CPUs", len(t.cpus))
	return ctx.Err()
}

// Stats is a snapshot of one CPU's cache counters.
type Stats struct {
	CPU     int
	Entries int
	Hits    uint64
	Misses  uint64
}

// Stats returns counters for every CPU.
func (t *TLB) Stats() []Stats {
	s := make([]Stats, len(t.cpus))
	for i, c := range t.cpus {
		s[i] = Stats{CPU: c.id, Entries: c.entries.Len(), Hits: c.hits, Misses: c.misses}
	}
	return s
}

func (t *TLB) cpu(id int) *cpu {
	if id < 0 || id >= len(t.cpus) {
		panic(fmt.Sprintf("CPU %d out of range [0, %d)", id, len(t.cpus)))
	}
	return t.cpus[id]
}
