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

// Package hostarch describes the address and page geometry shared by the
// page allocator, the paged buffers and the page tables.
package hostarch

import "fmt"

const (
	// PageShift is the binary log of the base page size.
	PageShift = 12

	// PageSize is the base page size in bytes.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the size of a page mapped by a
	// single page middle directory entry.
	HugePageShift = 21

	// HugePageSize is the size of a 2 MiB huge page.
	HugePageSize = 1 << HugePageShift

	// GiantPageShift is the binary log of the size of a page mapped by a
	// single page upper directory entry.
	GiantPageShift = 30

	// GiantPageSize is the size of a 1 GiB giant page.
	GiantPageSize = 1 << GiantPageShift
)

// Addr represents an address in an unspecified address space.
type Addr uintptr

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
//
// Note: This function is usually used to get the end of an address range
// defined by its start address and length. Since the resulting end is
// exclusive, end == 0 is technically valid, and corresponds to a range that
// extends to the end of the address space, but ok will be false. This isn't
// expected to ever come up in practice.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	// The second half of the following check is needed in case uintptr is
	// smaller than 64 bits.
	ok = end >= v && length <= uint64(^Addr(0))
	return
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up wraps
// around.
func (v Addr) MustRoundUp() Addr {
	addr, ok := v.RoundUp()
	if !ok {
		panic(fmt.Sprintf("hostarch.Addr(%d).RoundUp() wraps", v))
	}
	return addr
}

// HugeRoundDown returns the address rounded down to the nearest huge page
// boundary.
func (v Addr) HugeRoundDown() Addr {
	return v & ^Addr(HugePageSize-1)
}

// HugeRoundUp returns the address rounded up to the nearest huge page
// boundary. ok is true iff rounding up did not wrap around.
func (v Addr) HugeRoundUp() (addr Addr, ok bool) {
	addr = Addr(v + HugePageSize - 1).HugeRoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & Addr(PageSize-1))
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uintptr(v))
}

// PageRoundDown/Up are equivalent to Addr.RoundDown/Up, but for any unsigned
// int type.
func PageRoundDown[T ~uint | ~uint32 | ~uint64 | ~uintptr](x T) T {
	return x &^ (PageSize - 1)
}

// PageRoundUp is equivalent to Addr.RoundUp, but for any unsigned int type.
// ok is true iff rounding up did not wrap around.
func PageRoundUp[T ~uint | ~uint32 | ~uint64 | ~uintptr](x T) (val T, ok bool) {
	val = PageRoundDown(x + PageSize - 1)
	ok = val >= x
	return
}

// PagesFor returns the number of base pages needed to cover length bytes.
func PagesFor(length uint64) uint64 {
	return (length + PageSize - 1) >> PageShift
}
