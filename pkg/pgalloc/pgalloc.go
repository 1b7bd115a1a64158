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

// Package pgalloc contains the page frame allocator: a memfd-backed
// MemoryFile handing out power-of-two runs of physically contiguous pages.
package pgalloc

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pagemem/pagemem/pkg/cleanup"
	"github.com/pagemem/pagemem/pkg/hostarch"
	"github.com/pagemem/pagemem/pkg/log"
	"golang.org/x/sys/unix"
)

// ErrOutOfMemory is returned by MemoryFile.Allocate when no free run of the
// requested order exists and the caller did not ask to wait.
var ErrOutOfMemory = errors.New("out of memory")

// errDestroyed is returned to waiters when the MemoryFile is destroyed.
var errDestroyed = errors.New("memory file destroyed")

// Frame designates the first page of an allocated run. It is the page's
// index within the MemoryFile.
type Frame uint64

// Offset returns the byte offset of fr within its MemoryFile.
func (fr Frame) Offset() int64 {
	return int64(fr) << hostarch.PageShift
}

// Add returns the frame i pages after fr.
func (fr Frame) Add(i uint64) Frame {
	return fr + Frame(i)
}

// String implements fmt.Stringer.String.
func (fr Frame) String() string {
	return fmt.Sprintf("frame %#x", uint64(fr))
}

// AllocOpts are options used in MemoryFile.Allocate.
type AllocOpts struct {
	// Zero indicates that the returned pages must read as zero.
	Zero bool

	// Wait indicates that Allocate should block until enough pages are freed
	// instead of returning ErrOutOfMemory.
	Wait bool
}

// MemoryFileOpts provides options to NewMemoryFile.
type MemoryFileOpts struct {
	// Pages is the number of pages backing the MemoryFile. It is rounded
	// down to a multiple of 2^MaxOrder when MaxOrder is smaller than the
	// largest order that fits.
	Pages uint64

	// MaxOrder bounds the largest run that may be allocated. If zero, the
	// largest order that fits in Pages is used.
	MaxOrder uint

	// Name is passed to memfd_create. If empty, "pagemem" is used.
	Name string
}

// MemoryFile is a memfd-backed pool of pages.
type MemoryFile struct {
	fd       int
	pages    uint64
	maxOrder uint

	// windows is the number of currently mapped windows across all
	// LocalMappings.
	windows atomic.Int64

	// mapCount is the total number of windows ever mapped.
	mapCount atomic.Uint64

	mu   sync.Mutex
	cond sync.Cond

	// The following fields are protected by mu.
	buddy     *buddy
	allocated map[Frame]uint
	destroyed bool
	stats     counters
}

type counters struct {
	allocations uint64
	frees       uint64
	failures    uint64
	waits       uint64
}

// NewMemoryFile creates a MemoryFile backed by a new memfd of opts.Pages
// pages.
func NewMemoryFile(opts MemoryFileOpts) (*MemoryFile, error) {
	if opts.Pages == 0 {
		return nil, fmt.Errorf("memory file must have at least one page")
	}
	if hostarch.PageSize != unix.Getpagesize() {
		return nil, fmt.Errorf("host page size %d does not match %d", unix.Getpagesize(), hostarch.PageSize)
	}
	maxOrder := uint(bits.Len64(opts.Pages) - 1)
	if opts.MaxOrder != 0 && opts.MaxOrder < maxOrder {
		maxOrder = opts.MaxOrder
	}
	name := opts.Name
	if name == "" {
		name = "pagemem"
	}
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	cu := cleanup.Make(func() { unix.Close(fd) })
	defer cu.Clean()
	if err := unix.Ftruncate(fd, int64(opts.Pages)<<hostarch.PageShift); err != nil {
		return nil, fmt.Errorf("ftruncate memfd to %d pages: %w", opts.Pages, err)
	}
	f := &MemoryFile{
		fd:        fd,
		pages:     opts.Pages,
		maxOrder:  maxOrder,
		buddy:     newBuddy(opts.Pages, maxOrder),
		allocated: make(map[Frame]uint),
	}
	f.cond.L = &f.mu
	cu.Release()
	log.Debugf("pgalloc: created memory file fd=%d pages=%d maxOrder=%d", fd, opts.Pages, maxOrder)
	return f, nil
}

// MaxOrder returns the largest order f can allocate.
func (f *MemoryFile) MaxOrder() uint {
	return f.maxOrder
}

// Allocate returns the first frame of a run of 2^order contiguous pages.
func (f *MemoryFile) Allocate(order uint, opts AllocOpts) (Frame, error) {
	if order > f.maxOrder {
		return 0, fmt.Errorf("order %d exceeds maximum %d: %w", order, f.maxOrder, ErrOutOfMemory)
	}
	f.mu.Lock()
	fr, ok := f.buddy.alloc(order)
	for !ok && opts.Wait && !f.destroyed {
		f.stats.waits++
		f.cond.Wait()
		fr, ok = f.buddy.alloc(order)
	}
	if !ok {
		f.stats.failures++
		destroyed := f.destroyed
		f.mu.Unlock()
		if destroyed {
			return 0, errDestroyed
		}
		oomLog.Warningf("pgalloc: no free run of order %d", order)
		return 0, ErrOutOfMemory
	}
	f.allocated[fr] = order
	f.stats.allocations++
	f.mu.Unlock()

	if opts.Zero {
		if err := f.zero(fr, order); err != nil {
			f.Free(fr, order)
			return 0, err
		}
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("pgalloc: allocated %v order %d zero=%t", fr, order, opts.Zero)
	}
	return fr, nil
}

// Free returns a run previously returned by Allocate with the same order.
//
// Preconditions: fr was returned by Allocate(order, ...) and has not been
// freed since.
func (f *MemoryFile) Free(fr Frame, order uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	got, ok := f.allocated[fr]
	if !ok {
		panic(fmt.Sprintf("freeing unallocated %v", fr))
	}
	if got != order {
		panic(fmt.Sprintf("freeing %v with order %d, allocated with order %d", fr, order, got))
	}
	delete(f.allocated, fr)
	f.buddy.free(fr, order)
	f.stats.frees++
	f.cond.Broadcast()
	if log.IsLogging(log.Debug) {
		log.Debugf("pgalloc: freed %v order %d", fr, order)
	}
}

// zero discards the contents of the run so that it reads back as zero.
func (f *MemoryFile) zero(fr Frame, order uint) error {
	length := int64(1) << (order + hostarch.PageShift)
	if err := unix.Fallocate(f.fd, unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, fr.Offset(), length); err != nil {
		return fmt.Errorf("zeroing %v order %d: %w", fr, order, err)
	}
	return nil
}

// Destroy releases the file. Blocked waiters fail. Windows must already be
// unmapped.
func (f *MemoryFile) Destroy() {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return
	}
	f.destroyed = true
	f.cond.Broadcast()
	f.mu.Unlock()
	if n := f.windows.Load(); n != 0 {
		panic(fmt.Sprintf("destroying memory file with %d mapped windows", n))
	}
	if err := unix.Close(f.fd); err != nil {
		log.Warningf("pgalloc: closing memfd %d: %v", f.fd, err)
	}
}

// Usage describes the state of a MemoryFile.
type Usage struct {
	TotalPages     uint64
	FreePages      uint64
	AllocatedPages uint64
	Allocations    uint64
	Frees          uint64
	Failures       uint64
	Waits          uint64
	MappedWindows  int64
	WindowMaps     uint64

	// FreeRuns[i] is the number of free runs of order i.
	FreeRuns []int
}

// Usage returns a snapshot of f's usage.
func (f *MemoryFile) Usage() Usage {
	f.mu.Lock()
	defer f.mu.Unlock()
	free := f.buddy.freePages()
	return Usage{
		TotalPages:     f.buddy.pages,
		FreePages:      free,
		AllocatedPages: f.buddy.pages - free,
		Allocations:    f.stats.allocations,
		Frees:          f.stats.frees,
		Failures:       f.stats.failures,
		Waits:          f.stats.waits,
		MappedWindows:  f.windows.Load(),
		WindowMaps:     f.mapCount.Load(),
		FreeRuns:       f.buddy.freeRuns(),
	}
}

const oomLogInterval = 10 * time.Second

var oomLog = log.BasicRateLimitedLogger(oomLogInterval)
