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
	"fmt"

	"github.com/pagemem/pagemem/pkg/hostarch"
	"github.com/pagemem/pagemem/pkg/ring0/pagetables"
)

const protectionMask = ^pagetables.AddressMask

// leaf holds the slot shared by all variants.
type leaf struct {
	slot *pagetables.PTE
}

func (l *leaf) pte() *pagetables.PTE {
	return l.slot
}

func (l *leaf) FrameNumber() uint64 {
	return (l.slot.Raw() & pagetables.AddressMask) >> hostarch.PageShift
}

func (l *leaf) Protection() Protection {
	return Protection(l.slot.Raw() & protectionMask)
}

func (l *leaf) Set(frame uint64, prot Protection) {
	l.slot.SetRaw((frame<<hostarch.PageShift)&pagetables.AddressMask | uint64(prot)&protectionMask)
}

func (l *leaf) describe(kind string) string {
	return fmt.Sprintf("%s{frame %#x, prot %v}", kind, l.FrameNumber(), l.Protection())
}

// Leaf4K is an entry mapping one base page.
type Leaf4K struct {
	leaf
}

// Order implements Entry.Order.
func (*Leaf4K) Order() uint64 { return 1 }

// Shift implements Entry.Shift.
func (*Leaf4K) Shift() uint { return hostarch.PageShift }

// Level implements Entry.Level.
func (*Leaf4K) Level() pagetables.Level { return pagetables.PTELevel }

// String implements fmt.Stringer.String.
func (e *Leaf4K) String() string { return e.describe("Leaf4K") }

// Leaf2M is a page middle directory entry mapping a 2M super page.
type Leaf2M struct {
	leaf
}

// Order implements Entry.Order.
func (*Leaf2M) Order() uint64 { return 1 << (hostarch.HugePageShift - hostarch.PageShift) }

// Shift implements Entry.Shift.
func (*Leaf2M) Shift() uint { return hostarch.HugePageShift }

// Level implements Entry.Level.
func (*Leaf2M) Level() pagetables.Level { return pagetables.PMDLevel }

// String implements fmt.Stringer.String.
func (e *Leaf2M) String() string { return e.describe("Leaf2M") }

// Leaf1G is a page upper directory entry mapping a 1G super page.
type Leaf1G struct {
	leaf
}

// Order implements Entry.Order.
func (*Leaf1G) Order() uint64 { return 1 << (hostarch.GiantPageShift - hostarch.PageShift) }

// Shift implements Entry.Shift.
func (*Leaf1G) Shift() uint { return hostarch.GiantPageShift }

// Level implements Entry.Level.
func (*Leaf1G) Level() pagetables.Level { return pagetables.PUDLevel }

// String implements fmt.Stringer.String.
func (e *Leaf1G) String() string { return e.describe("Leaf1G") }

// Compile-time checks.
var (
	_ Entry = (*Leaf4K)(nil)
	_ Entry = (*Leaf2M)(nil)
	_ Entry = (*Leaf1G)(nil)
)
