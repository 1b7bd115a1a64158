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

package hostarch

import "fmt"

// MemoryType specifies CPU memory access behavior for a mapping. It is
// encoded into the cache-control bits of a page table entry.
type MemoryType uint8

const (
	// MemoryTypeWriteBack is typical cacheable memory. It must be the zero
	// value for MemoryType.
	MemoryTypeWriteBack MemoryType = iota

	// MemoryTypeWriteThrough caches reads but writes through to memory.
	MemoryTypeWriteThrough

	// MemoryTypeUncached disables caching entirely.
	MemoryTypeUncached

	// NumMemoryTypes is the number of memory types.
	NumMemoryTypes
)

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	switch mt {
	case MemoryTypeWriteBack:
		return "WriteBack"
	case MemoryTypeWriteThrough:
		return "WriteThrough"
	case MemoryTypeUncached:
		return "Uncached"
	default:
		return fmt.Sprintf("%d", mt)
	}
}

// ShortString returns a two-character string compactly representing mt.
func (mt MemoryType) ShortString() string {
	switch mt {
	case MemoryTypeWriteBack:
		return "WB"
	case MemoryTypeWriteThrough:
		return "WT"
	case MemoryTypeUncached:
		return "UC"
	default:
		return fmt.Sprintf("%02d", mt)
	}
}

// ParseMemoryType accepts either the String or ShortString form.
func ParseMemoryType(s string) (MemoryType, error) {
	for mt := MemoryTypeWriteBack; mt < NumMemoryTypes; mt++ {
		if s == mt.String() || s == mt.ShortString() {
			return mt, nil
		}
	}
	return 0, fmt.Errorf("unknown memory type %q", s)
}
