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

package cmd

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"

	"github.com/google/subcommands"
	"github.com/pagemem/pagemem/pagectl/cmd/util"
	"github.com/pagemem/pagemem/pagectl/config"
	"github.com/pagemem/pagemem/pkg/hostarch"
	"github.com/pagemem/pagemem/pkg/pagebuf"
	"github.com/pagemem/pagemem/pkg/ring0/pagetables"
	"github.com/pagemem/pagemem/pkg/translate"
)

// SelfTest implements subcommands.Command for the "selftest" command.
type SelfTest struct {
	order uint
	seed  int64
}

// Name implements subcommands.Command.Name.
func (*SelfTest) Name() string {
	return "selftest"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*SelfTest) Synopsis() string {
	return "exercise buffer access and translation against the page pool"
}

// Usage implements subcommands.Command.Usage.
func (*SelfTest) Usage() string {
	return `selftest [-order=N] [-seed=S] - allocates a buffer, checks bounded access across page boundaries and remaps a translation onto it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *SelfTest) SetFlags(f *flag.FlagSet) {
	f.UintVar(&s.order, "order", 1, "log2 of the number of pages in the test buffer.")
	f.Int64Var(&s.seed, "seed", 1, "seed for the test pattern.")
}

// Execute implements subcommands.Command.Execute.
func (s *SelfTest) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m, err := newMachine(ctx, conf)
	if err != nil {
		util.Fatalf("creating machine: %v", err)
	}
	defer m.release()

	if err := runSelfTest(ctx, m, s.order, s.seed, os.Stdout); err != nil {
		util.Errorf("selftest failed: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// check is one self test step.
type check struct {
	name string
	fn   func(b *pagebuf.Buffer) error
}

func runSelfTest(ctx context.Context, m *machine, order uint, seed int64, w io.Writer) error {
	b, err := allocate(ctx, m.mf, order, m.conf.AllocRetries)
	if err != nil {
		return fmt.Errorf("allocating order %d: %w", order, err)
	}
	defer b.Release()
	fmt.Fprintf(w, "allocated %v\n", b)

	rng := rand.New(rand.NewSource(seed))
	checks := []check{
		{"zeroed", checkZeroed},
		{"pattern", func(b *pagebuf.Buffer) error { return checkPattern(b, rng) }},
		{"boundary", checkBoundary},
		{"fill-zero", checkFillZero},
		{"compare", checkCompare},
		{"bounds", checkBounds},
		{"remap", func(b *pagebuf.Buffer) error { return checkRemap(ctx, m, b) }},
	}
	failed := 0
	for _, c := range checks {
		if err := c.fn(b); err != nil {
			failed++
			fmt.Fprintf(w, "FAIL %s: %v\n", c.name, err)
			continue
		}
		fmt.Fprintf(w, "PASS %s\n", c.name)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d checks failed", failed, len(checks))
	}
	return nil
}

func checkZeroed(b *pagebuf.Buffer) error {
	diffs, err := b.Compare(make([]byte, b.Size()), 0, b.Size())
	if err != nil {
		return err
	}
	if len(diffs) != 0 {
		return fmt.Errorf("%d non-zero bytes, first at %#x", len(diffs), diffs[0])
	}
	return nil
}

func checkPattern(b *pagebuf.Buffer, rng *rand.Rand) error {
	want := make([]byte, b.Size())
	rng.Read(want)
	if err := b.Write(want, 0, b.Size()); err != nil {
		return err
	}
	got := make([]byte, b.Size())
	if err := b.Read(got, 0, b.Size()); err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("read back differs from written pattern")
	}
	return nil
}

// checkBoundary writes a short run straddling every page boundary.
func checkBoundary(b *pagebuf.Buffer) error {
	marker := []byte{0xde, 0xad, 0xbe, 0xef, 0xca, 0xfe}
	for p := uint64(1); p < b.Pages(); p++ {
		off := p*hostarch.PageSize - 3
		if err := b.Write(marker, off, uint64(len(marker))); err != nil {
			return err
		}
		got := make([]byte, len(marker))
		if err := b.Read(got, off, uint64(len(got))); err != nil {
			return err
		}
		if !bytes.Equal(got, marker) {
			return fmt.Errorf("at %#x: got %x, want %x", off, got, marker)
		}
	}
	return nil
}

func checkFillZero(b *pagebuf.Buffer) error {
	off, n := b.Size()/4, b.Size()/2
	if err := b.FillZero(off, n); err != nil {
		return err
	}
	diffs, err := b.Compare(make([]byte, n), off, n)
	if err != nil {
		return err
	}
	if len(diffs) != 0 {
		return fmt.Errorf("%d bytes not zeroed, first at %#x", len(diffs), diffs[0])
	}
	return nil
}

func checkCompare(b *pagebuf.Buffer) error {
	if err := b.FillZero(0, b.Size()); err != nil {
		return err
	}
	src := make([]byte, b.Size())
	want := []uint64{0, b.Size() / 2, b.Size() - 1}
	for _, i := range want {
		src[i] = 1
	}
	got, err := b.Compare(src, 0, b.Size())
	if err != nil {
		return err
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		return fmt.Errorf("got differences %v, want %v", got, want)
	}
	return nil
}

func checkBounds(b *pagebuf.Buffer) error {
	buf := make([]byte, 2)
	if err := b.Read(buf, b.Size()-1, 2); !errors.Is(err, pagebuf.ErrInvalidRange) {
		return fmt.Errorf("read past end: got %v, want %v", err, pagebuf.ErrInvalidRange)
	}
	if err := b.FillZero(^uint64(0), 2); !errors.Is(err, pagebuf.ErrInvalidRange) {
		return fmt.Errorf("overflowing range: got %v, want %v", err, pagebuf.ErrInvalidRange)
	}
	return nil
}

// selfTestAddr is where checkRemap maps the buffer.
const selfTestAddr hostarch.Addr = 0x7f0000000000

// checkRemap maps one page, caches its translation on every CPU, points it
// at the buffer's first frame and verifies that the translation changes only
// after the shoot-down.
func checkRemap(ctx context.Context, m *machine, b *pagebuf.Buffer) error {
	m.pt.Map(selfTestAddr, hostarch.PageSize, pagetables.MapOpts{AccessType: hostarch.ReadWrite}, 0)
	defer m.pt.Unmap(selfTestAddr, hostarch.PageSize)

	for cpu := 0; cpu < m.tlb.NumCPUs(); cpu++ {
		if _, err := m.tlb.Translate(cpu, selfTestAddr); err != nil {
			return err
		}
	}
	old, err := translate.Remap(m.pt, selfTestAddr, uint64(b.Frame()))
	if err != nil {
		return err
	}
	if old.FrameNumber != 0 {
		return fmt.Errorf("old frame %#x, want 0", old.FrameNumber)
	}
	if tr, ok := m.tlb.Cached(0, selfTestAddr); !ok || tr.Frame != 0 {
		return fmt.Errorf("cached translation %+v (present %t) changed before flush", tr, ok)
	}
	flushed, err := m.tlb.FlushAddr(ctx, selfTestAddr)
	if err != nil {
		return err
	}
	if flushed != m.tlb.NumCPUs() {
		return fmt.Errorf("flushed %d CPUs, want %d", flushed, m.tlb.NumCPUs())
	}
	tr, err := m.tlb.Translate(0, selfTestAddr)
	if err != nil {
		return err
	}
	if tr.Frame != uint64(b.Frame()) {
		return fmt.Errorf("translation after flush maps frame %#x, want %#x", tr.Frame, uint64(b.Frame()))
	}
	return nil
}
