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

// visitor is called for each entry covering part of a walked range. start
// and end bound the entry's coverage, which may extend beyond the range.
type visitor func(start, end uintptr, pte *PTE, level Level)

// walkFlags select how a walk treats missing and super entries.
type walkFlags struct {
	// alloc requests that missing tables be created, so that the visitor
	// sees every part of the range. Where a whole aligned super page fits,
	// the visitor is first offered a super entry; if it leaves the entry
	// invalid, the walk descends to the next level instead.
	alloc bool

	// split requests that super pages only partially covered by the range
	// be broken into next-level entries before visiting.
	split bool
}

// addrEnd returns the next boundary of size after addr, or end if that
// comes first.
func addrEnd(addr, end, size uintptr) uintptr {
	next := (addr + size) &^ (size - 1)
	if next < addr || next > end {
		return end
	}
	return next
}

// iterateRange walks [start, end) from the root.
//
// Preconditions: start and end are page-aligned; start < end, except that
// end may be zero to mean the top of the address space.
func (p *PageTables) iterateRange(start, end uintptr, flags walkFlags, fn visitor) {
	if end == 0 {
		end--
	}
	// The two canonical halves are walked separately so that the top-level
	// index never wraps through the non-canonical hole.
	if start <= lowerTop {
		p.walk(p.root, PGDLevel, start, min(end, lowerTop+1), flags, fn)
	}
	if end > upperBottom {
		p.walk(p.root, PGDLevel, max(start, upperBottom), end, flags, fn)
	}
}

// walk visits the part of [start, end) covered by entries, a table at level.
// Tables left empty by a modifying walk are freed.
func (p *PageTables) walk(entries *PTEs, level Level, start, end uintptr, flags walkFlags, fn visitor) {
	size := level.Size()
	for start < end {
		nextBoundary := addrEnd(start, end, size)
		entry := &entries[level.index(start)]
		base := start &^ (size - 1)

		if level == PTELevel {
			if entry.Valid() || flags.alloc {
				fn(base, base+size, entry, level)
			}
			start = nextBoundary
			continue
		}

		whole := start == base && nextBoundary-start == size
		var next *PTEs
		switch {
		case !entry.Valid():
			if !flags.alloc {
				// Skip over this entry.
				start = nextBoundary
				continue
			}
			if level.allowsSuper() && whole {
				entry.SetSuper()
				fn(base, base+size, entry, level)
				if entry.Valid() {
					start = nextBoundary
					continue
				}
			}
			next = p.Allocator.NewPTEs()
			entry.setPageTable(p.Allocator.PhysicalFor(next))

		case entry.IsSuper():
			if flags.split && !whole {
				// Install the relevant entries.
				next = p.Allocator.NewPTEs()
				childSize := (level - 1).Size()
				opts := entry.Opts()
				for i := range next {
					if (level - 1).allowsSuper() {
						next[i].SetSuper()
					}
					next[i].Set(entry.Address()+childSize*uintptr(i), opts)
				}
				entry.setPageTable(p.Allocator.PhysicalFor(next))
				break
			}
			// A super page to be visited directly.
			fn(base, base+size, entry, level)
			if entry.Valid() {
				start = nextBoundary
				continue
			}
			if !flags.alloc {
				start = nextBoundary
				continue
			}
			// The visitor could not keep a super entry here; map at the
			// next level instead.
			next = p.Allocator.NewPTEs()
			entry.setPageTable(p.Allocator.PhysicalFor(next))

		default:
			next = p.Allocator.LookupPTEs(entry.Address())
		}

		// Walk the next level, since this is valid.
		p.walk(next, level-1, start, nextBoundary, flags, fn)

		// Check if we no longer need this page.
		if (flags.alloc || flags.split) && next.empty() {
			entry.Clear()
			p.Allocator.FreePTEs(next)
		}
		start = nextBoundary
	}
}

// empty returns true if no entry of e is valid.
func (e *PTEs) empty() bool {
	for i := range e {
		if e[i].Valid() {
			return false
		}
	}
	return true
}

// resolve descends to the leaf mapping addr without modifying anything.
func (p *PageTables) resolve(addr uintptr) (*PTE, Level, bool) {
	if !canonical(addr) {
		return nil, 0, false
	}
	entries := p.root
	for level := PGDLevel; ; level-- {
		entry := &entries[level.index(addr)]
		if !entry.Valid() {
			return nil, 0, false
		}
		if level == PTELevel || (level.allowsSuper() && entry.IsSuper()) {
			return entry, level, true
		}
		entries = p.Allocator.LookupPTEs(entry.Address())
	}
}
