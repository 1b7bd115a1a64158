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
	"sync/atomic"

	"github.com/pagemem/pagemem/pkg/hostarch"
)

// Entry bits, in the x86-64 layout.
const (
	present      = 0x001
	writable     = 0x002
	user         = 0x004
	writeThrough = 0x008
	cacheDisable = 0x010
	accessed     = 0x020
	dirty        = 0x040
	super        = 0x080
	global       = 0x100

	executeDisable = 1 << 63

	// addrMask selects the physical address bits of an entry.
	addrMask = 0x000ffffffffff000

	// optionMask selects everything but the address.
	optionMask = executeDisable | 0xfff
)

// MapOpts are the options applied to a mapping.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// Global indicates the page is globally accessible.
	Global bool

	// User indicates the page is a user page.
	User bool

	// MemoryType is the memory type.
	MemoryType hostarch.MemoryType
}

// String implements fmt.Stringer.String.
func (o MapOpts) String() string {
	return fmt.Sprintf("%s g=%t u=%t %s", o.AccessType, o.Global, o.User, o.MemoryType.ShortString())
}

// PTE is a page table entry.
type PTE uint64

// PTEs is a collection of entries.
type PTEs [entriesPerPage]PTE

func (p *PTE) load() uint64 {
	return atomic.LoadUint64((*uint64)(p))
}

func (p *PTE) store(v uint64) {
	atomic.StoreUint64((*uint64)(p), v)
}

// Clear clears this PTE, including super page information.
func (p *PTE) Clear() {
	p.store(0)
}

// Valid returns true iff this entry is valid.
func (p *PTE) Valid() bool {
	return p.load()&present != 0
}

// Opts returns the PTE options.
//
// These are all options except Valid and Super.
func (p *PTE) Opts() MapOpts {
	v := p.load()
	var mt hostarch.MemoryType
	switch {
	case v&cacheDisable != 0:
		mt = hostarch.MemoryTypeUncached
	case v&writeThrough != 0:
		mt = hostarch.MemoryTypeWriteThrough
	default:
		mt = hostarch.MemoryTypeWriteBack
	}
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    v&present != 0,
			Write:   v&writable != 0,
			Execute: v&executeDisable == 0,
		},
		Global:     v&global != 0,
		User:       v&user != 0,
		MemoryType: mt,
	}
}

// SetSuper sets this page as a super page.
//
// The page must not be valid or a panic will result.
func (p *PTE) SetSuper() {
	if p.Valid() {
		// This is not allowed.
		panic("SetSuper called on valid page!")
	}
	p.store(super)
}

// IsSuper returns true iff this page is a super page.
func (p *PTE) IsSuper() bool {
	return p.load()&super != 0
}

// Set sets this PTE value.
//
// This does not change the super page property.
func (p *PTE) Set(addr uintptr, opts MapOpts) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	v := uint64(addr)&addrMask | present | accessed
	if opts.User {
		v |= user
	}
	if opts.Global {
		v |= global
	}
	if !opts.AccessType.Execute {
		v |= executeDisable
	}
	if opts.AccessType.Write {
		v |= writable | dirty
	}
	switch opts.MemoryType {
	case hostarch.MemoryTypeWriteThrough:
		v |= writeThrough
	case hostarch.MemoryTypeUncached:
		v |= cacheDisable
	}
	if p.IsSuper() {
		v |= super
	}
	p.store(v)
}

// setPageTable sets this PTE value and forces the write bit and super bit to
// be cleared. This is used explicitly for breaking super pages.
func (p *PTE) setPageTable(addr uintptr) {
	p.store(uint64(addr)&addrMask | present | user | writable | accessed | dirty)
}

// Address extracts the address. This should only be used if Valid returns
// true.
func (p *PTE) Address() uintptr {
	return uintptr(p.load() & addrMask)
}

// Raw returns the entry as stored.
func (p *PTE) Raw() uint64 {
	return p.load()
}

// SetRaw stores v into the entry with a single atomic write. No validation
// is performed and no translation cache is invalidated.
func (p *PTE) SetRaw(v uint64) {
	p.store(v)
}

// String implements fmt.Stringer.String.
func (p *PTE) String() string {
	if !p.Valid() {
		return "invalid"
	}
	kind := "page"
	if p.IsSuper() {
		kind = "super"
	}
	return fmt.Sprintf("%s %#x %s", kind, p.Address(), p.Opts())
}

// AddressMask is the mask of the physical address bits of an entry.
const AddressMask uint64 = addrMask
