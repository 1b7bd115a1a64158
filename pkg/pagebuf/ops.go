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
	"io"

	"github.com/pagemem/pagemem/pkg/hostarch"
	"github.com/pagemem/pagemem/pkg/safemem"
)

func checkSlice(have int, n uint64) error {
	if uint64(have) < n {
		return fmt.Errorf("%w: slice of %d bytes for length %d", ErrInvalidRange, have, n)
	}
	return nil
}

// Read copies n bytes starting at off in b into dst.
func (b *Buffer) Read(dst []byte, off, n uint64) error {
	if err := checkSlice(len(dst), n); err != nil {
		return err
	}
	_, err := b.ReadTo(safemem.BytesWriter(dst[:n]), off, n)
	return err
}

// Write copies n bytes from src into b starting at off.
func (b *Buffer) Write(src []byte, off, n uint64) error {
	if err := checkSlice(len(src), n); err != nil {
		return err
	}
	_, err := b.WriteFrom(safemem.BytesReader(src[:n]), off, n)
	return err
}

// FillZero zeroes n bytes of b starting at off.
func (b *Buffer) FillZero(off, n uint64) error {
	return b.forEachPage(off, n, func(_, _ uint64, blk safemem.Block) error {
		_, err := safemem.Zero(blk)
		return err
	})
}

// Compare returns the offsets within b, in ascending order, of the bytes in
// [off, off+n) that differ from the corresponding bytes of src. A nil result
// means the range equals src[:n].
//
// Each page is observed when it is mapped; the result is not a snapshot of
// the whole range.
func (b *Buffer) Compare(src []byte, off, n uint64) ([]uint64, error) {
	if err := checkSlice(len(src), n); err != nil {
		return nil, err
	}
	var diffs []uint64
	err := b.forEachPage(off, n, func(at, done uint64, blk safemem.Block) error {
		safemem.Diff(blk, safemem.BlockFromSafeSlice(src[done:n]), func(i int) {
			diffs = append(diffs, at+uint64(i))
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return diffs, nil
}

// ReadTo writes n bytes of b starting at off to dst and returns the number
// of bytes written. If dst fails, its error is returned along with the
// number of bytes it accepted.
func (b *Buffer) ReadTo(dst safemem.Writer, off, n uint64) (uint64, error) {
	var total uint64
	err := b.forEachPage(off, n, func(_, _ uint64, blk safemem.Block) error {
		k, err := safemem.WriteFullFromBlocks(dst, safemem.BlockSeqOf(blk))
		total += k
		return err
	})
	return total, err
}

// WriteFrom reads up to n bytes from src into b starting at off and returns
// the number of bytes read. If src fails or ends early, its error is
// returned along with the number of bytes it supplied.
func (b *Buffer) WriteFrom(src safemem.Reader, off, n uint64) (uint64, error) {
	var total uint64
	err := b.forEachPage(off, n, func(_, _ uint64, blk safemem.Block) error {
		k, err := safemem.ReadFullToBlocks(src, safemem.BlockSeqOf(blk))
		total += k
		return err
	})
	return total, err
}

// CopyFromReader fills [off, off+n) of b from r. Unlike WriteFrom, a source
// that ends before n bytes is an error (io.ErrUnexpectedEOF).
func (b *Buffer) CopyFromReader(r safemem.Reader, off, n uint64) error {
	got, err := b.WriteFrom(r, off, n)
	if err == io.EOF && got < n {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// checkFirstPage rejects spans that leave the first page of b.
func checkFirstPage(off, n uint64) error {
	if off > hostarch.PageSize || n > hostarch.PageSize || off+n > hostarch.PageSize {
		return fmt.Errorf("%w: offset %d length %d in a %d byte page", ErrInvalidRange, off, n, hostarch.PageSize)
	}
	return nil
}

// ReadPage is Read restricted to the first page of b.
func (b *Buffer) ReadPage(dst []byte, off, n uint64) error {
	if err := checkFirstPage(off, n); err != nil {
		return err
	}
	return b.Read(dst, off, n)
}

// WritePage is Write restricted to the first page of b.
func (b *Buffer) WritePage(src []byte, off, n uint64) error {
	if err := checkFirstPage(off, n); err != nil {
		return err
	}
	return b.Write(src, off, n)
}

// FillZeroPage is FillZero restricted to the first page of b.
func (b *Buffer) FillZeroPage(off, n uint64) error {
	if err := checkFirstPage(off, n); err != nil {
		return err
	}
	return b.FillZero(off, n)
}

// WithPageMapped maps page i of b for the duration of fn. The Block passed to
// fn covers the whole page and must not be used after fn returns.
func (b *Buffer) WithPageMapped(i uint64, fn func(blk safemem.Block) error) error {
	b.checkLive()
	if i >= b.Pages() {
		return fmt.Errorf("%w: page %d of %d", ErrInvalidRange, i, b.Pages())
	}
	return b.withPage(b.a.NewLocalMappings(), i, fn)
}
