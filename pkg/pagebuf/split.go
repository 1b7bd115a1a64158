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

package pagebuf

import (
	"fmt"

	"github.com/pagemem/pagemem/pkg/hostarch"
	"github.com/pagemem/pagemem/pkg/pgalloc"
	"github.com/pagemem/pagemem/pkg/safemem"
)

// span is a validated byte range of a Buffer.
type span struct {
	off       uint64
	n         uint64
	firstPage uint64
	nPages    uint64
}

// checkRange validates [off, off+n) against b without mapping anything.
func (b *Buffer) checkRange(off, n uint64) (span, error) {
	size := b.Size()
	if off > size || n > size || off+n > size {
		return span{}, fmt.Errorf("%w: offset %d length %d in %d bytes", ErrInvalidRange, off, n, size)
	}
	s := span{
		off:       off,
		n:         n,
		firstPage: off >> hostarch.PageShift,
	}
	if n != 0 {
		s.nPages = ((off + n - 1) >> hostarch.PageShift) - s.firstPage + 1
	}
	if s.nPages > b.Pages() || s.firstPage+s.nPages > b.Pages() {
		return span{}, fmt.Errorf("%w: offset %d length %d needs pages [%d, %d) of %d", ErrInvalidRange, off, n, s.firstPage, s.firstPage+s.nPages, b.Pages())
	}
	return s, nil
}

// pageFunc is applied to the part of one page covered by an operation. at
// is the absolute offset of blk within the Buffer and done is the number of
// bytes of the operation already handled by earlier pages.
type pageFunc func(at, done uint64, blk safemem.Block) error

// forEachPage validates [off, off+n) and applies fn to each page-sized piece
// of it in ascending order, mapping one page at a time. It stops at the
// first error returned by fn. A zero length maps nothing.
func (b *Buffer) forEachPage(off, n uint64, fn pageFunc) error {
	b.checkLive()
	s, err := b.checkRange(off, n)
	if err != nil {
		return err
	}
	if s.nPages == 0 {
		return nil
	}
	lm := b.a.NewLocalMappings()
	var done uint64
	for i := s.firstPage; i < s.firstPage+s.nPages; i++ {
		at := s.off + done
		inPage := at & (hostarch.PageSize - 1)
		chunk := min(s.n-done, hostarch.PageSize-inPage)
		if err := b.withPage(lm, i, func(blk safemem.Block) error {
			return fn(at, done, blk.DropFirst64(inPage).TakeFirst64(chunk))
		}); err != nil {
			return err
		}
		done += chunk
	}
	return nil
}

// withPage maps page i of b, runs fn on its contents and unmaps it, on every
// return path. fn must not retain the Block.
func (b *Buffer) withPage(lm *pgalloc.LocalMappings, i uint64, fn func(blk safemem.Block) error) error {
	w, err := lm.Map(b.frame.Add(i))
	if err != nil {
		return err
	}
	defer w.Unmap()
	return fn(w.Block())
}
