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

import "fmt"

// Address constraints.
const (
	lowerTop    = 0x00007fffffffffff
	upperBottom = 0xffff800000000000

	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift
	pgdSize = 1 << pgdShift

	entriesPerPage = 512
	indexMask      = entriesPerPage - 1
)

// Level identifies a level of the page tables. Leaves exist at PTELevel
// (4K), PMDLevel (2M super pages) and PUDLevel (1G super pages).
type Level int

// Page table levels, lowest first.
const (
	PTELevel Level = iota
	PMDLevel
	PUDLevel
	PGDLevel
)

// Shift returns log2 of the bytes mapped by one entry at l.
func (l Level) Shift() uint {
	return pteShift + 9*uint(l)
}

// Size returns the bytes mapped by one entry at l.
func (l Level) Size() uintptr {
	return 1 << l.Shift()
}

// allowsSuper returns true if a leaf may be installed at l above PTELevel.
func (l Level) allowsSuper() bool {
	return l == PMDLevel || l == PUDLevel
}

func (l Level) index(addr uintptr) int {
	return int((addr >> l.Shift()) & indexMask)
}

// String implements fmt.Stringer.String.
func (l Level) String() string {
	switch l {
	case PTELevel:
		return "PTE"
	case PMDLevel:
		return "PMD"
	case PUDLevel:
		return "PUD"
	case PGDLevel:
		return "PGD"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// canonical returns true if addr is in the lower or upper half of the
// address space.
func canonical(addr uintptr) bool {
	return addr <= lowerTop || addr >= upperBottom
}
