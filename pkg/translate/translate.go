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

// Package translate resolves virtual addresses to the live page table entry
// that maps them and allows that entry to be rewritten in place.
//
// Entries returned by Lookup refer to the installed slot, not a copy.
// Rewriting one with Set changes the translation seen by every later walk,
// but invalidates no cached translation: callers pair Set with their own
// serialization and shoot-down.
package translate

import (
	"errors"
	"fmt"

	"github.com/pagemem/pagemem/pkg/hostarch"
	"github.com/pagemem/pagemem/pkg/ring0/pagetables"
)

// ErrNotMapped is returned by Lookup when no leaf maps the address, or the
// leaf is at a level this package does not model.
var ErrNotMapped = errors.New("address not mapped")

// Walker finds the leaf entry mapping an address.
//
// *pagetables.PageTables implements Walker.
type Walker interface {
	Resolve(addr hostarch.Addr) (*pagetables.PTE, pagetables.Level, bool)
}

// Protection holds every bit of an entry other than its frame address,
// including the bit that marks a super page. Its meaning depends on the
// level of the entry it was read from.
type Protection uint64

// String implements fmt.Stringer.String.
func (p Protection) String() string {
	return fmt.Sprintf("%#x", uint64(p))
}

// Entry is a leaf page table entry. It is implemented by *Leaf4K, *Leaf2M
// and *Leaf1G.
type Entry interface {
	// Order returns the number of base pages mapped by the entry.
	Order() uint64

	// Shift returns log2 of the bytes mapped by the entry.
	Shift() uint

	// FrameNumber returns the base page frame number of the first page
	// mapped by the entry.
	FrameNumber() uint64

	// Protection returns the entry's non-address bits.
	Protection() Protection

	// Set replaces the entry with one built from frame and prot in a single
	// atomic store.
	//
	// Preconditions: frame and prot come from FrameNumber and Protection of
	// an entry at the same level. This is not checked; mixing levels maps
	// the wrong amount of memory. No translation cache is invalidated.
	Set(frame uint64, prot Protection)

	// Level returns the page table level of the entry.
	Level() pagetables.Level

	fmt.Stringer

	// pte returns the underlying slot.
	pte() *pagetables.PTE
}

// Lookup returns the entry currently mapping addr.
func Lookup(w Walker, addr hostarch.Addr) (Entry, error) {
	pte, level, ok := w.Resolve(addr)
	if !ok {
		return nil, fmt.Errorf("%v: %w", addr, ErrNotMapped)
	}
	switch level {
	case pagetables.PTELevel:
		return &Leaf4K{leaf{slot: pte}}, nil
	case pagetables.PMDLevel:
		return &Leaf2M{leaf{slot: pte}}, nil
	case pagetables.PUDLevel:
		return &Leaf1G{leaf{slot: pte}}, nil
	default:
		return nil, fmt.Errorf("%v: unsupported level %v: %w", addr, level, ErrNotMapped)
	}
}

// Remap points the entry for addr at frame, keeping its protection, and
// returns the entry as it was before.
//
// The caller is responsible for invalidating cached translations of addr.
func Remap(w Walker, addr hostarch.Addr, frame uint64) (old Snapshot, err error) {
	e, err := Lookup(w, addr)
	if err != nil {
		return Snapshot{}, err
	}
	old = Capture(e)
	e.Set(frame, old.Protection)
	return old, nil
}

// Snapshot is a copy of an entry's values at one point in time.
type Snapshot struct {
	Level       pagetables.Level
	Order       uint64
	FrameNumber uint64
	Protection  Protection
}

// Capture records the current values of e.
func Capture(e Entry) Snapshot {
	return Snapshot{
		Level:       e.Level(),
		Order:       e.Order(),
		FrameNumber: e.FrameNumber(),
		Protection:  e.Protection(),
	}
}

// Same returns true if a and b refer to the same slot.
func Same(a, b Entry) bool {
	return a.pte() == b.pte()
}
