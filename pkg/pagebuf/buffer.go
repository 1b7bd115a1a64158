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

// Package pagebuf provides Buffer, an owned run of 2^order physically
// contiguous pages whose contents are accessed one page at a time through
// short-lived mapping windows.
//
// Pages of a Buffer are never mapped at contiguous virtual addresses, so
// every operation that may span more than one page is split into per-page
// sub-operations by a single routine (see forEachPage). At most one window
// is open at any time during an operation, and it is always closed before
// the operation returns, including when the per-page step fails.
//
// A Buffer is not synchronized. Callers sharing a Buffer between goroutines
// must ensure that no two operations race on overlapping byte ranges.
package pagebuf

import (
	"errors"
	"fmt"

	"github.com/pagemem/pagemem/pkg/hostarch"
	"github.com/pagemem/pagemem/pkg/pgalloc"
)

// ErrInvalidRange is returned when an (offset, length) pair does not fit in
// the Buffer, or when a caller-supplied slice is shorter than the length.
// It is always returned before any page is mapped.
var ErrInvalidRange = errors.New("invalid range")

// Allocator supplies and reclaims the pages backing a Buffer.
//
// *pgalloc.MemoryFile implements Allocator.
type Allocator interface {
	// Allocate returns the first frame of 2^order contiguous pages.
	Allocate(order uint, opts pgalloc.AllocOpts) (pgalloc.Frame, error)

	// Free releases pages returned by Allocate with the same order.
	Free(fr pgalloc.Frame, order uint)

	// NewLocalMappings returns a window stack for the calling goroutine.
	NewLocalMappings() *pgalloc.LocalMappings
}

// Buffer owns 2^order contiguous pages.
type Buffer struct {
	a     Allocator
	frame pgalloc.Frame
	order uint

	released bool
}

// Allocate returns a single-page Buffer.
func Allocate(a Allocator, opts pgalloc.AllocOpts) (*Buffer, error) {
	return AllocateOrder(a, 0, opts)
}

// AllocateOrder returns a Buffer of 2^order pages. Errors from the
// allocator, including pgalloc.ErrOutOfMemory, are returned unchanged and no
// Buffer is created.
func AllocateOrder(a Allocator, order uint, opts pgalloc.AllocOpts) (*Buffer, error) {
	if order >= 64-hostarch.PageShift {
		return nil, fmt.Errorf("order %d is too large: %w", order, pgalloc.ErrOutOfMemory)
	}
	fr, err := a.Allocate(order, opts)
	if err != nil {
		return nil, err
	}
	return &Buffer{a: a, frame: fr, order: order}, nil
}

// Release frees all pages of b. b must not be used afterwards.
//
// Preconditions: Release has not been called on b.
func (b *Buffer) Release() {
	if b.released {
		panic(fmt.Sprintf("%v released twice", b))
	}
	b.released = true
	b.a.Free(b.frame, b.order)
}

// Order returns log2 of the number of pages in b.
func (b *Buffer) Order() uint {
	return b.order
}

// Pages returns the number of pages in b.
func (b *Buffer) Pages() uint64 {
	return 1 << b.order
}

// Size returns the size of b in bytes.
func (b *Buffer) Size() uint64 {
	return b.Pages() << hostarch.PageShift
}

// Frame returns the first frame of b.
func (b *Buffer) Frame() pgalloc.Frame {
	return b.frame
}

// String implements fmt.Stringer.String.
func (b *Buffer) String() string {
	return fmt.Sprintf("pagebuf.Buffer{%v, order %d}", b.frame, b.order)
}

func (b *Buffer) checkLive() {
	if b.released {
		panic(fmt.Sprintf("use of released %v", b))
	}
}
