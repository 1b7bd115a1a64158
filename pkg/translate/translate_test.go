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

package translate

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pagemem/pagemem/pkg/hostarch"
	"github.com/pagemem/pagemem/pkg/ring0/pagetables"
)

var rw = pagetables.MapOpts{AccessType: hostarch.ReadWrite}

func newTables(t *testing.T) *pagetables.PageTables {
	t.Helper()
	pt := pagetables.New(pagetables.NewRuntimeAllocator())
	pt.Map(0x400000, hostarch.PageSize, rw, 42*hostarch.PageSize)
	pt.Map(0x40000000, hostarch.HugePageSize, pagetables.MapOpts{AccessType: hostarch.Read}, 3*hostarch.HugePageSize)
	pt.Map(0x80000000, hostarch.GiantPageSize, pagetables.MapOpts{AccessType: hostarch.AnyAccess, User: true}, 5*hostarch.GiantPageSize)
	t.Cleanup(pt.Release)
	return pt
}

func TestLookup(t *testing.T) {
	pt := newTables(t)
	for _, test := range []struct {
		name  string
		addr  hostarch.Addr
		want  Snapshot
		kind  string
		shift uint
	}{
		{
			name:  "base page",
			addr:  0x400abc,
			want:  Snapshot{Level: pagetables.PTELevel, Order: 1, FrameNumber: 42},
			shift: hostarch.PageShift,
		},
		{
			name:  "huge page",
			addr:  0x40000000 + 0x12345,
			want:  Snapshot{Level: pagetables.PMDLevel, Order: 512, FrameNumber: 3 * 512},
			shift: hostarch.HugePageShift,
		},
		{
			name:  "giant page",
			addr:  0x80000000 + 0x3fffffff,
			want:  Snapshot{Level: pagetables.PUDLevel, Order: 262144, FrameNumber: 5 * 262144},
			shift: hostarch.GiantPageShift,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			e, err := Lookup(pt, test.addr)
			if err != nil {
				t.Fatalf("Lookup(%v): %v", test.addr, err)
			}
			got := Capture(e)
			got.Protection = 0
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("Lookup(%v) mismatch (-want +got):\n%s", test.addr, diff)
			}
			if e.Shift() != test.shift {
				t.Errorf("Shift() = %d, want %d", e.Shift(), test.shift)
			}
			if uint64(1)<<e.Shift() != e.Order()*hostarch.PageSize {
				t.Errorf("Order() %d disagrees with Shift() %d", e.Order(), e.Shift())
			}
		})
	}
}

func TestLookupVariants(t *testing.T) {
	pt := newTables(t)
	e, _ := Lookup(pt, 0x400000)
	if _, ok := e.(*Leaf4K); !ok {
		t.Errorf("base page entry is %T, want *Leaf4K", e)
	}
	e, _ = Lookup(pt, 0x40000000)
	if _, ok := e.(*Leaf2M); !ok {
		t.Errorf("huge page entry is %T, want *Leaf2M", e)
	}
	e, _ = Lookup(pt, 0x80000000)
	if _, ok := e.(*Leaf1G); !ok {
		t.Errorf("giant page entry is %T, want *Leaf1G", e)
	}
}

func TestLookupNotMapped(t *testing.T) {
	pt := newTables(t)
	for _, addr := range []hostarch.Addr{0, 0x401000, 0x40200000, 0x0000800000000000} {
		if e, err := Lookup(pt, addr); !errors.Is(err, ErrNotMapped) {
			t.Errorf("Lookup(%v) = (%v, %v), want %v", addr, e, err, ErrNotMapped)
		}
	}
}

type fixedWalker struct {
	pte   pagetables.PTE
	level pagetables.Level
}

func (w *fixedWalker) Resolve(hostarch.Addr) (*pagetables.PTE, pagetables.Level, bool) {
	return &w.pte, w.level, true
}

func TestLookupUnknownLevel(t *testing.T) {
	w := &fixedWalker{level: pagetables.PGDLevel}
	if _, err := Lookup(w, 0); !errors.Is(err, ErrNotMapped) {
		t.Errorf("Lookup at %v: got %v, want %v", w.level, err, ErrNotMapped)
	}
}

func TestRemap(t *testing.T) {
	pt := newTables(t)
	const addr = hostarch.Addr(0x400000)
	e, err := Lookup(pt, addr)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	oldFrame, oldProt := e.FrameNumber(), e.Protection()
	e.Set(77, oldProt)

	// The same handle observes the live slot.
	if got := e.FrameNumber(); got != 77 {
		t.Errorf("FrameNumber() after Set = %d, want 77", got)
	}

	again, err := Lookup(pt, addr)
	if err != nil {
		t.Fatalf("Lookup after Set: %v", err)
	}
	if !Same(e, again) {
		t.Errorf("Lookup after Set returned a different slot")
	}
	if again.FrameNumber() != 77 || again.Protection() != oldProt {
		t.Errorf("after Set: frame %d prot %v, want 77 and %v", again.FrameNumber(), again.Protection(), oldProt)
	}
	phys, opts, ok := pt.Lookup(addr + 0x10)
	if !ok || phys != 77*hostarch.PageSize+0x10 || opts != rw {
		t.Errorf("walk after Set = (%#x, %v, %t)", phys, opts, ok)
	}

	e.Set(oldFrame, oldProt)
	if phys, _, _ := pt.Lookup(addr); phys != 42*hostarch.PageSize {
		t.Errorf("restored mapping points at %#x", phys)
	}
}

func TestRemapHelper(t *testing.T) {
	pt := newTables(t)
	old, err := Remap(pt, 0x40000000+hostarch.PageSize, 9*512)
	if err != nil {
		t.Fatalf("Remap: %v", err)
	}
	if old.FrameNumber != 3*512 || old.Order != 512 {
		t.Errorf("Remap returned %+v", old)
	}
	e, _ := Lookup(pt, 0x40000000)
	if got := Capture(e); got.FrameNumber != 9*512 || got.Protection != old.Protection {
		t.Errorf("after Remap: %+v, want frame %d and protection %v", got, 9*512, old.Protection)
	}
	if _, err := Remap(pt, 0x1000, 1); !errors.Is(err, ErrNotMapped) {
		t.Errorf("Remap of unmapped address: got %v, want %v", err, ErrNotMapped)
	}
}

func TestProtectionKeepsSuperBit(t *testing.T) {
	pt := newTables(t)
	e, _ := Lookup(pt, 0x80000000)
	e.Set(e.FrameNumber()+262144, e.Protection())
	again, err := Lookup(pt, 0x80000000)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if _, ok := again.(*Leaf1G); !ok {
		t.Errorf("entry after Set is %T, want *Leaf1G", again)
	}
}
