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

// Package pagetables provides a software implementation of four-level
// x86-64 style page tables, with 4K pages and 2M and 1G super pages.
package pagetables

import (
	"fmt"
	"sync"

	"github.com/pagemem/pagemem/pkg/hostarch"
)

// PageTables is a set of page tables.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	// mu protects the tables and Allocator.
	mu sync.Mutex

	// root is the pagetable root.
	root *PTEs

	// rootPhysical is the cached physical address of the root.
	rootPhysical uintptr
}

// New returns new PageTables.
func New(a Allocator) *PageTables {
	p := &PageTables{Allocator: a}
	p.root = a.NewPTEs()
	p.rootPhysical = a.PhysicalFor(p.root)
	return p
}

// Root returns the physical address of the root table.
func (p *PageTables) Root() uintptr {
	return p.rootPhysical
}

// Map installs a mapping with the given physical address.
//
// True is returned iff there was a previous mapping in the range.
//
// Precondition: addr & length must be page-aligned, their sum must not overflow.
func (p *PageTables) Map(addr hostarch.Addr, length uintptr, opts MapOpts, physical uintptr) bool {
	if length == 0 {
		return false
	}
	if !opts.AccessType.Any() {
		return p.Unmap(addr, length)
	}
	end, ok := addr.AddLength(uint64(length))
	if !ok {
		panic("pagetables.Map: overflow")
	}
	if !addr.IsPageAligned() || !end.IsPageAligned() || physical&(hostarch.PageSize-1) != 0 {
		panic(fmt.Sprintf("pagetables.Map: unaligned mapping %#x+%#x -> %#x", addr, length, physical))
	}
	prev := false
	p.mu.Lock()
	defer p.mu.Unlock()
	p.iterateRange(uintptr(addr), uintptr(end), walkFlags{alloc: true, split: true}, func(s, e uintptr, pte *PTE, level Level) {
		target := physical + (s - uintptr(addr))
		prev = prev || (pte.Valid() && (target != pte.Address() || opts != pte.Opts()))
		if target&(level.Size()-1) != 0 {
			// We will install entries at a smaller granularity if we don't
			// install a valid entry here, however we must zap any existing
			// entry to ensure this happens.
			pte.Clear()
			return
		}
		pte.Set(target, opts)
	})
	return prev
}

// Unmap unmaps the given range.
//
// True is returned iff there was a previous mapping in the range.
func (p *PageTables) Unmap(addr hostarch.Addr, length uintptr) bool {
	if length == 0 {
		return false
	}
	end, ok := addr.AddLength(uint64(length))
	if !ok {
		panic("pagetables.Unmap: overflow")
	}
	count := 0
	p.mu.Lock()
	defer p.mu.Unlock()
	p.iterateRange(uintptr(addr), uintptr(end), walkFlags{split: true}, func(s, e uintptr, pte *PTE, level Level) {
		pte.Clear()
		count++
	})
	return count > 0
}

// Release unmaps everything and releases all tables other than the root.
func (p *PageTables) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.iterateRange(0, 0, walkFlags{split: true}, func(s, e uintptr, pte *PTE, level Level) {
		pte.Clear()
	})
	p.Allocator.Recycle()
}

// Lookup returns the physical address and options for the given virtual
// address.
func (p *PageTables) Lookup(addr hostarch.Addr) (physical uintptr, opts MapOpts, ok bool) {
	pte, level, ok := p.Resolve(addr)
	if !ok {
		return 0, MapOpts{}, false
	}
	return pte.Address() + uintptr(addr)&(level.Size()-1), pte.Opts(), true
}

// Resolve returns the live leaf entry that maps addr and its level.
//
// The returned entry remains valid until the tables covering addr are
// modified by Map or Unmap.
func (p *PageTables) Resolve(addr hostarch.Addr) (*PTE, Level, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolve(uintptr(addr))
}

// Mapping describes one leaf found by Walk.
type Mapping struct {
	Start  hostarch.Addr
	Length uintptr
	Level  Level
	PTE    *PTE
}

// Walk calls fn for each valid leaf intersecting [addr, addr+length), in
// ascending address order. A zero length visits nothing.
func (p *PageTables) Walk(addr hostarch.Addr, length uintptr, fn func(Mapping)) {
	if length == 0 {
		return
	}
	end, ok := addr.AddLength(uint64(length))
	if !ok {
		panic("pagetables.Walk: overflow")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.iterateRange(uintptr(addr), uintptr(end), walkFlags{}, func(s, e uintptr, pte *PTE, level Level) {
		fn(Mapping{Start: hostarch.Addr(s), Length: e - s, Level: level, PTE: pte})
	})
}
