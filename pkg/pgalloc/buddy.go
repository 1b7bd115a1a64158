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

package pgalloc

import (
	"fmt"

	"github.com/google/btree"
)

const freeListDegree = 8

// buddy is a binary buddy allocator over frame indices. Free runs of each
// order are kept in a sorted set so allocation is lowest-address first.
type buddy struct {
	// pages is the number of pages managed, a multiple of 2^maxOrder.
	pages uint64
	lists []*btree.BTreeG[Frame]
}

func lessFrame(a, b Frame) bool { return a < b }

func newBuddy(pages uint64, maxOrder uint) *buddy {
	b := &buddy{
		pages: pages &^ (uint64(1)<<maxOrder - 1),
		lists: make([]*btree.BTreeG[Frame], maxOrder+1),
	}
	for i := range b.lists {
		b.lists[i] = btree.NewG[Frame](freeListDegree, lessFrame)
	}
	for fr := Frame(0); uint64(fr) < b.pages; fr += Frame(1) << maxOrder {
		b.lists[maxOrder].ReplaceOrInsert(fr)
	}
	return b
}

func (b *buddy) maxOrder() uint {
	return uint(len(b.lists) - 1)
}

// alloc removes and returns the lowest free run of the given order,
// splitting a larger run when needed.
func (b *buddy) alloc(order uint) (Frame, bool) {
	k := order
	for k <= b.maxOrder() && b.lists[k].Len() == 0 {
		k++
	}
	if k > b.maxOrder() {
		return 0, false
	}
	fr, _ := b.lists[k].DeleteMin()
	for k > order {
		k--
		b.lists[k].ReplaceOrInsert(fr + Frame(1)<<k)
	}
	return fr, true
}

// free returns a run and coalesces it with free buddies.
func (b *buddy) free(fr Frame, order uint) {
	if uint64(fr)&(uint64(1)<<order-1) != 0 {
		panic(fmt.Sprintf("%v is not aligned to order %d", fr, order))
	}
	for order < b.maxOrder() {
		peer := fr ^ Frame(1)<<order
		if _, ok := b.lists[order].Delete(peer); !ok {
			break
		}
		fr = min(fr, peer)
		order++
	}
	if _, dup := b.lists[order].ReplaceOrInsert(fr); dup {
		panic(fmt.Sprintf("double free of %v order %d", fr, order))
	}
}

func (b *buddy) freePages() uint64 {
	var n uint64
	for order, l := range b.lists {
		n += uint64(l.Len()) << order
	}
	return n
}

func (b *buddy) freeRuns() []int {
	runs := make([]int, len(b.lists))
	for i, l := range b.lists {
		runs[i] = l.Len()
	}
	return runs
}
