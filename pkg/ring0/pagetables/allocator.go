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

package pagetables

import (
	"fmt"

	"github.com/pagemem/pagemem/pkg/hostarch"
)

// Allocator is used to allocate and map PTEs.
//
// Note that allocators may be called concurrently.
type Allocator interface {
	// NewPTEs returns a new set of PTEs and their physical address.
	NewPTEs() *PTEs

	// PhysicalFor gives the physical address for a set of PTEs.
	PhysicalFor(ptes *PTEs) uintptr

	// LookupPTEs looks up PTEs by physical address.
	LookupPTEs(physical uintptr) *PTEs

	// FreePTEs marks a set of PTEs a freed, although they may not be available
	// for use again until Recycle is called, below.
	FreePTEs(ptes *PTEs)

	// Recycle makes freed PTEs available for use again.
	Recycle()
}

// tableBase is the first physical address handed out by RuntimeAllocator.
// It is far above any frame a test or tool maps, so table addresses and
// data frames never collide.
const tableBase = 1 << 40

// RuntimeAllocator is a trivial allocator that keeps tables in Go memory
// and assigns each one a distinct page-aligned pseudo-physical address.
type RuntimeAllocator struct {
	// used is the set of tables in use, by physical address.
	used map[uintptr]*PTEs

	// phys is the reverse of used.
	phys map[*PTEs]uintptr

	// pool is the set of free-to-use PTEs.
	pool []*PTEs

	// freed is the set of recently-freed PTEs.
	freed []*PTEs

	next uintptr
}

// NewRuntimeAllocator returns an allocator that uses runtime allocation.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{
		used: make(map[uintptr]*PTEs),
		phys: make(map[*PTEs]uintptr),
		next: tableBase,
	}
}

// Recycle returns freed pages to the pool.
func (r *RuntimeAllocator) Recycle() {
	r.pool = append(r.pool, r.freed...)
	r.freed = r.freed[:0]
}

// Drain empties the pool.
func (r *RuntimeAllocator) Drain() {
	r.Recycle()
	for i, ptes := range r.pool {
		// Zap!
		r.pool[i] = nil
		delete(r.phys, ptes)
	}
	r.pool = r.pool[:0]
}

// NewPTEs implements Allocator.NewPTEs.
func (r *RuntimeAllocator) NewPTEs() *PTEs {
	var ptes *PTEs
	if n := len(r.pool); n > 0 {
		ptes = r.pool[n-1]
		r.pool[n-1] = nil
		r.pool = r.pool[:n-1]
	} else {
		ptes = new(PTEs)
		r.phys[ptes] = r.next
		r.next += hostarch.PageSize
	}
	r.used[r.phys[ptes]] = ptes
	return ptes
}

// PhysicalFor implements Allocator.PhysicalFor.
func (r *RuntimeAllocator) PhysicalFor(ptes *PTEs) uintptr {
	phys, ok := r.phys[ptes]
	if !ok {
		panic(fmt.Sprintf("unknown page table %p", ptes))
	}
	return phys
}

// LookupPTEs implements Allocator.LookupPTEs.
func (r *RuntimeAllocator) LookupPTEs(physical uintptr) *PTEs {
	ptes, ok := r.used[physical]
	if !ok {
		panic(fmt.Sprintf("no page table at %#x", physical))
	}
	return ptes
}

// FreePTEs implements Allocator.FreePTEs.
func (r *RuntimeAllocator) FreePTEs(ptes *PTEs) {
	// Clear all entries before returning to the pool.
	for i := range ptes {
		ptes[i].Clear()
	}
	delete(r.used, r.PhysicalFor(ptes))
	r.freed = append(r.freed, ptes)
}

// InUse returns the number of tables currently in use.
func (r *RuntimeAllocator) InUse() int {
	return len(r.used)
}
