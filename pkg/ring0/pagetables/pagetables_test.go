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
	"testing"

	"github.com/pagemem/pagemem/pkg/hostarch"
)

type mapping struct {
	start  uintptr
	length uintptr
	addr   uintptr
	opts   MapOpts
}

func checkMappings(t *testing.T, pt *PageTables, m []mapping) {
	t.Helper()
	var (
		current int
		found   []mapping
		failed  string
	)

	// Iterate over all the mappings.
	pt.Walk(0, ^uintptr(0)&^(pteSize-1), func(got Mapping) {
		found = append(found, mapping{
			start:  uintptr(got.Start),
			length: got.Length,
			addr:   got.PTE.Address(),
			opts:   got.PTE.Opts(),
		})
		if failed != "" {
			// Don't keep looking for errors.
			return
		}

		if current >= len(m) {
			failed = "more mappings than expected"
		} else if m[current].start != uintptr(got.Start) {
			failed = "start didn't match expected"
		} else if m[current].length != got.Length {
			failed = "end didn't match expected"
		} else if m[current].addr != got.PTE.Address() {
			failed = "address didn't match expected"
		} else if m[current].opts != got.PTE.Opts() {
			failed = "opts didn't match"
		}
		current++
	})

	// Were we expected additional mappings?
	if failed == "" && current != len(m) {
		failed = "insufficient mappings found"
	}

	// Emit a meaningful error message on failure.
	if failed != "" {
		t.Errorf("%s; got %#v, wanted %#v", failed, found, m)
	}
}

var (
	readOnly  = MapOpts{AccessType: hostarch.Read}
	readWrite = MapOpts{AccessType: hostarch.ReadWrite}
)

const lowerTopAligned = 0x00007f0000000000

func TestUnmap(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map and unmap one entry.
	pt.Map(0x400000, pteSize, readWrite, pteSize*42)
	pt.Unmap(0x400000, pteSize)

	checkMappings(t, pt, nil)
}

func TestUnmapFreesTables(t *testing.T) {
	a := NewRuntimeAllocator()
	pt := New(a)
	pt.Map(0x400000, pteSize, readWrite, pteSize*42)
	if got, want := a.InUse(), 4; got != want {
		t.Errorf("tables in use after Map = %d, want %d", got, want)
	}
	pt.Unmap(0x400000, pteSize)
	if got, want := a.InUse(), 1; got != want {
		t.Errorf("tables in use after Unmap = %d, want %d", got, want)
	}
}

func TestReadOnly(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map one entry.
	pt.Map(0x400000, pteSize, readOnly, pteSize*42)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, readOnly},
	})
}

func TestReadWrite(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map one entry.
	pt.Map(0x400000, pteSize, readWrite, pteSize*42)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, readWrite},
	})
}

func TestSerialEntries(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map two sequential entries.
	pt.Map(0x400000, pteSize, readWrite, pteSize*42)
	pt.Map(0x401000, pteSize, readWrite, pteSize*47)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, readWrite},
		{0x401000, pteSize, pteSize * 47, readWrite},
	})
}

func TestSpanningEntries(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Span a pgd with two pages.
	pt.Map(0x00007efffffff000, 2*pteSize, readOnly, pteSize*42)

	checkMappings(t, pt, []mapping{
		{0x00007efffffff000, pteSize, pteSize * 42, readOnly},
		{0x00007f0000000000, pteSize, pteSize * 43, readOnly},
	})
}

func TestSparseEntries(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map two entries in different pgds.
	pt.Map(0x400000, pteSize, readWrite, pteSize*42)
	pt.Map(0x00007f0000000000, pteSize, readOnly, pteSize*47)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, readWrite},
		{0x00007f0000000000, pteSize, pteSize * 47, readOnly},
	})
}

func Test2MAnd4K(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map a small page and a huge page.
	pt.Map(0x400000, pteSize, readWrite, pteSize*42)
	pt.Map(lowerTopAligned, pmdSize, readOnly, pmdSize*47)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, readWrite},
		{lowerTopAligned, pmdSize, pmdSize * 47, readOnly},
	})
}

func Test1GAnd4K(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map a small page and a super page.
	pt.Map(0x400000, pteSize, readWrite, pteSize*42)
	pt.Map(lowerTopAligned, pudSize, readOnly, pudSize*47)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, readWrite},
		{lowerTopAligned, pudSize, pudSize * 47, readOnly},
	})
}

func TestMisalignedPhysicalAvoidsSuperPage(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// The physical address is not 2M aligned, so 4K entries are used.
	pt.Map(0x200000, pmdSize, readWrite, pteSize*1000)

	_, level, ok := pt.Resolve(0x200000 + 5*pteSize)
	if !ok || level != PTELevel {
		t.Errorf("Resolve = (%v, %t), want (%v, true)", level, ok, PTELevel)
	}
	phys, _, ok := pt.Lookup(0x200000 + 5*pteSize + 7)
	if want := uintptr(pteSize*1005 + 7); !ok || phys != want {
		t.Errorf("Lookup = (%#x, %t), want (%#x, true)", phys, ok, want)
	}
}

func TestSplit1GPage(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map a super page and knock out the middle.
	pt.Map(lowerTopAligned, pudSize, readOnly, pudSize*42)
	pt.Unmap(hostarch.Addr(lowerTopAligned+pteSize), pudSize-(2*pteSize))

	checkMappings(t, pt, []mapping{
		{lowerTopAligned, pteSize, pudSize * 42, readOnly},
		{lowerTopAligned + pudSize - pteSize, pteSize, pudSize*42 + pudSize - pteSize, readOnly},
	})
}

func TestSplit2MPage(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map a huge page and knock out the middle.
	pt.Map(lowerTopAligned, pmdSize, readOnly, pmdSize*42)
	pt.Unmap(hostarch.Addr(lowerTopAligned+pteSize), pmdSize-(2*pteSize))

	checkMappings(t, pt, []mapping{
		{lowerTopAligned, pteSize, pmdSize * 42, readOnly},
		{lowerTopAligned + pmdSize - pteSize, pteSize, pmdSize*42 + pmdSize - pteSize, readOnly},
	})
}

func TestWalkRanges(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// A split huge page leaves 511 small leaves behind.
	pt.Map(0, pmdSize, readWrite, pmdSize*42)
	pt.Unmap(0, pteSize)

	for _, tc := range []struct {
		name   string
		addr   hostarch.Addr
		length uintptr
		want   int
	}{
		{name: "empty at zero", addr: 0, length: 0, want: 0},
		{name: "empty inside", addr: pteSize, length: 0, want: 0},
		{name: "unmapped page", addr: 0, length: pteSize, want: 0},
		{name: "two pages", addr: pteSize, length: 2 * pteSize, want: 2},
		{name: "huge page span", addr: 0, length: pmdSize, want: entriesPerPage - 1},
		{name: "past the end", addr: pmdSize, length: pmdSize, want: 0},
		{name: "everything", addr: 0, length: ^uintptr(0) &^ (pteSize - 1), want: entriesPerPage - 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := 0
			pt.Walk(tc.addr, tc.length, func(Mapping) { got++ })
			if got != tc.want {
				t.Errorf("Walk(%#x, %#x) visited %d leaves, want %d", tc.addr, tc.length, got, tc.want)
			}
		})
	}
}

func TestResolveLevels(t *testing.T) {
	pt := New(NewRuntimeAllocator())
	pt.Map(0x400000, pteSize, readWrite, pteSize*42)
	pt.Map(0x40000000, pmdSize, readOnly, pmdSize*3)
	pt.Map(0x80000000, pudSize, readOnly, pudSize*5)

	for _, test := range []struct {
		addr  hostarch.Addr
		level Level
		phys  uintptr
	}{
		{0x400123, PTELevel, pteSize * 42},
		{0x40000000 + pmdSize - 1, PMDLevel, pmdSize * 3},
		{0x80000000 + 12345, PUDLevel, pudSize * 5},
	} {
		pte, level, ok := pt.Resolve(test.addr)
		if !ok {
			t.Errorf("Resolve(%v) found nothing", test.addr)
			continue
		}
		if level != test.level || pte.Address() != test.phys {
			t.Errorf("Resolve(%v) = (%#x, %v), want (%#x, %v)", test.addr, pte.Address(), level, test.phys, test.level)
		}
	}
	for _, addr := range []hostarch.Addr{0, 0x401000, 0x00008000_00000000, 0xffff8000_00000000} {
		if pte, level, ok := pt.Resolve(addr); ok {
			t.Errorf("Resolve(%v) = (%v, %v), want not found", addr, pte, level)
		}
	}
}

func TestUpperHalf(t *testing.T) {
	pt := New(NewRuntimeAllocator())
	const kernelBase = 0xffff800000000000
	pt.Map(kernelBase, pteSize, MapOpts{AccessType: hostarch.Read, Global: true}, pteSize*9)
	pt.Map(0x400000, pteSize, readWrite, pteSize*42)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, readWrite},
		{kernelBase, pteSize, pteSize * 9, MapOpts{AccessType: hostarch.Read, Global: true}},
	})
	pt.Release()
	checkMappings(t, pt, nil)
}

func TestMapReturnsPrevious(t *testing.T) {
	pt := New(NewRuntimeAllocator())
	if pt.Map(0x400000, pteSize, readWrite, pteSize*42) {
		t.Errorf("first Map reported a previous mapping")
	}
	if pt.Map(0x400000, pteSize, readWrite, pteSize*42) {
		t.Errorf("identical Map reported a changed mapping")
	}
	if !pt.Map(0x400000, pteSize, readWrite, pteSize*43) {
		t.Errorf("remapping to a new frame did not report a previous mapping")
	}
	if !pt.Map(0x400000, pteSize, MapOpts{}, 0) {
		t.Errorf("Map with no access did not report unmapping")
	}
	checkMappings(t, pt, nil)
}

func TestSetRawIsVisible(t *testing.T) {
	pt := New(NewRuntimeAllocator())
	pt.Map(0x400000, pteSize, readWrite, pteSize*42)
	pte, _, _ := pt.Resolve(0x400000)
	prot := pte.Raw() &^ AddressMask
	pte.SetRaw(pteSize*77 | prot)
	phys, opts, ok := pt.Lookup(0x400010)
	if !ok || phys != pteSize*77+0x10 || opts != readWrite {
		t.Errorf("Lookup after SetRaw = (%#x, %v, %t), want (%#x, %v, true)", phys, opts, ok, pteSize*77+0x10, readWrite)
	}
}

func TestMemoryTypes(t *testing.T) {
	for mt := hostarch.MemoryType(0); mt < hostarch.NumMemoryTypes; mt++ {
		var pte PTE
		opts := MapOpts{AccessType: hostarch.ReadWrite, MemoryType: mt}
		pte.Set(pteSize, opts)
		if got := pte.Opts(); got != opts {
			t.Errorf("Opts() = %v, want %v", got, opts)
		}
	}
}

func TestLevelString(t *testing.T) {
	for l, want := range map[Level]string{PTELevel: "PTE", PMDLevel: "PMD", PUDLevel: "PUD", PGDLevel: "PGD", Level(9): "Level(9)"} {
		if got := l.String(); got != want {
			t.Errorf("Level(%d).String() = %q, want %q", int(l), got, want)
		}
	}
}
