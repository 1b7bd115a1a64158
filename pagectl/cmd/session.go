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
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/google/shlex"
	"github.com/pagemem/pagemem/pagectl/config"
	"github.com/pagemem/pagemem/pkg/hostarch"
	"github.com/pagemem/pagemem/pkg/pagebuf"
	"github.com/pagemem/pagemem/pkg/safemem"
	"github.com/pagemem/pagemem/pkg/translate"
)

// errExit is returned by the exit command.
var errExit = errors.New("exit requested")

type sessionFn func(s *session, args []string) error

type sessionCommand struct {
	aliases []string
	args    string
	help    string
	fn      sessionFn
}

func (c *sessionCommand) match(name string) bool {
	for _, a := range c.aliases {
		if a == name {
			return true
		}
	}
	return false
}

// session is the state of an interactive shell: one machine and at most one
// buffer at a time.
type session struct {
	ctx  context.Context
	m    *machine
	out  io.Writer
	buf  *pagebuf.Buffer
	cmds []sessionCommand
}

func newSession(ctx context.Context, m *machine, out io.Writer) *session {
	s := &session{ctx: ctx, m: m, out: out}
	s.cmds = []sessionCommand{
		{aliases: []string{"help", "h"}, help: "list commands.", fn: (*session).help},
		{aliases: []string{"alloc", "a"}, args: "<order>", help: "allocate a zeroed buffer of 2^order pages, replacing the current one.", fn: (*session).alloc},
		{aliases: []string{"release"}, help: "release the current buffer.", fn: (*session).release},
		{aliases: []string{"info", "i"}, help: "describe the current buffer.", fn: (*session).info},
		{aliases: []string{"write", "w"}, args: "<off> <text>", help: "write text at off.", fn: (*session).write},
		{aliases: []string{"read", "r"}, args: "<off> <n>", help: "hex dump n bytes at off.", fn: (*session).read},
		{aliases: []string{"zero", "z"}, args: "<off> <n>", help: "zero n bytes at off.", fn: (*session).zero},
		{aliases: []string{"cmp", "c"}, args: "<off> <text>", help: "list offsets where the buffer differs from text.", fn: (*session).cmp},
		{aliases: []string{"map", "m"}, args: "<virt> <phys> <len> [access] [memory]", help: "install a mapping.", fn: (*session).mapRange},
		{aliases: []string{"unmap", "u"}, args: "<virt> <len>", help: "remove mappings.", fn: (*session).unmap},
		{aliases: []string{"lookup", "l"}, args: "<addr>...", help: "print the leaf entry mapping each address.", fn: (*session).lookup},
		{aliases: []string{"remap"}, args: "<addr> <frame>", help: "point the entry mapping addr at frame without flushing.", fn: (*session).remap},
		{aliases: []string{"translate", "t"}, args: "<cpu> <addr>", help: "translate addr through cpu's cache.", fn: (*session).translate},
		{aliases: []string{"flush", "f"}, args: "[addr]", help: "shoot down addr, or everything, on all CPUs.", fn: (*session).flush},
		{aliases: []string{"stats", "s"}, help: "print metrics.", fn: (*session).stats},
		{aliases: []string{"exit", "quit", "q"}, help: "leave the shell.", fn: (*session).exit},
	}
	return s
}

// aliases returns every command name, for completion.
func (s *session) aliases() []string {
	var names []string
	for _, c := range s.cmds {
		names = append(names, c.aliases...)
	}
	return names
}

// exec runs one command line. Arguments are split with shell quoting rules.
func (s *session) exec(line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	for i := range s.cmds {
		if c := &s.cmds[i]; c.match(args[0]) {
			return c.fn(s, args[1:])
		}
	}
	return fmt.Errorf("unknown command %q, type 'help' for a list", args[0])
}

// close releases the buffer, if any.
func (s *session) close() {
	if s.buf != nil {
		s.buf.Release()
		s.buf = nil
	}
}

func wantArgs(args []string, min, max int) error {
	if len(args) < min || (max >= 0 && len(args) > max) {
		return fmt.Errorf("wrong number of arguments")
	}
	return nil
}

func (s *session) buffer() (*pagebuf.Buffer, error) {
	if s.buf == nil {
		return nil, fmt.Errorf("no buffer, use 'alloc' first")
	}
	return s.buf, nil
}

// offLen parses an offset and a length.
func offLen(args []string) (uint64, uint64, error) {
	off, err := config.ParseAddr(args[0])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid offset %q: %w", args[0], err)
	}
	n, err := config.ParseSize(args[1])
	if err != nil {
		return 0, 0, fmt.Errorf("invalid length %q: %w", args[1], err)
	}
	return off, n, nil
}

func (s *session) help(args []string) error {
	fmt.Fprintln(s.out, "The following commands are available:")
	w := tabwriter.NewWriter(s.out, 0, 8, 1, ' ', 0)
	for _, c := range s.cmds {
		name := c.aliases[0]
		if len(c.aliases) > 1 {
			name += " (" + strings.Join(c.aliases[1:], ", ") + ")"
		}
		fmt.Fprintf(w, "    %s %s\t%s\n", name, c.args, c.help)
	}
	return w.Flush()
}

func (s *session) alloc(args []string) error {
	if err := wantArgs(args, 1, 1); err != nil {
		return err
	}
	order, err := strconv.ParseUint(args[0], 10, 8)
	if err != nil {
		return fmt.Errorf("invalid order %q: %w", args[0], err)
	}
	s.close()
	b, err := allocate(s.ctx, s.m.mf, uint(order), s.m.conf.AllocRetries)
	if err != nil {
		return err
	}
	s.buf = b
	fmt.Fprintf(s.out, "allocated %v (%d bytes)\n", b, b.Size())
	return nil
}

func (s *session) release(args []string) error {
	if _, err := s.buffer(); err != nil {
		return err
	}
	s.close()
	return nil
}

func (s *session) info(args []string) error {
	b, err := s.buffer()
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%v: order %d, %d pages, %d bytes, frame %v\n", b, b.Order(), b.Pages(), b.Size(), b.Frame())
	return nil
}

func (s *session) write(args []string) error {
	if err := wantArgs(args, 2, 2); err != nil {
		return err
	}
	b, err := s.buffer()
	if err != nil {
		return err
	}
	off, err := config.ParseAddr(args[0])
	if err != nil {
		return fmt.Errorf("invalid offset %q: %w", args[0], err)
	}
	src := []byte(args[1])
	return b.Write(src, off, uint64(len(src)))
}

func (s *session) read(args []string) error {
	if err := wantArgs(args, 2, 2); err != nil {
		return err
	}
	b, err := s.buffer()
	if err != nil {
		return err
	}
	off, n, err := offLen(args)
	if err != nil {
		return err
	}
	if n > b.Size() {
		return fmt.Errorf("length %d exceeds buffer size %d: %w", n, b.Size(), pagebuf.ErrInvalidRange)
	}
	d := hex.Dumper(s.out)
	if _, err := b.ReadTo(safemem.FromIOWriter{Writer: d}, off, n); err != nil {
		return err
	}
	return d.Close()
}

func (s *session) zero(args []string) error {
	if err := wantArgs(args, 2, 2); err != nil {
		return err
	}
	b, err := s.buffer()
	if err != nil {
		return err
	}
	off, n, err := offLen(args)
	if err != nil {
		return err
	}
	return b.FillZero(off, n)
}

func (s *session) cmp(args []string) error {
	if err := wantArgs(args, 2, 2); err != nil {
		return err
	}
	b, err := s.buffer()
	if err != nil {
		return err
	}
	off, err := config.ParseAddr(args[0])
	if err != nil {
		return fmt.Errorf("invalid offset %q: %w", args[0], err)
	}
	src := []byte(args[1])
	diffs, err := b.Compare(src, off, uint64(len(src)))
	if err != nil {
		return err
	}
	if len(diffs) == 0 {
		fmt.Fprintln(s.out, "equal")
		return nil
	}
	strs := make([]string, len(diffs))
	for i, d := range diffs {
		strs[i] = fmt.Sprintf("%#x", d)
	}
	fmt.Fprintf(s.out, "%d differences: %s\n", len(diffs), strings.Join(strs, " "))
	return nil
}

func (s *session) mapRange(args []string) error {
	if err := wantArgs(args, 3, 5); err != nil {
		return err
	}
	e := config.MappingEntry{Virtual: args[0], Physical: args[1], Length: args[2]}
	if len(args) > 3 {
		e.Access = args[3]
	}
	if len(args) > 4 {
		e.Memory = args[4]
	}
	r, err := e.Parse(s.m.conf.MemoryType)
	if err != nil {
		return err
	}
	if s.m.pt.Map(r.Virtual, r.Length, r.Opts, r.Physical) {
		fmt.Fprintf(s.out, "replaced previous mappings in %v\n", r)
	}
	return nil
}

func (s *session) unmap(args []string) error {
	if err := wantArgs(args, 2, 2); err != nil {
		return err
	}
	virt, n, err := offLen(args)
	if err != nil {
		return err
	}
	if virt&(hostarch.PageSize-1) != 0 || n&(hostarch.PageSize-1) != 0 {
		return fmt.Errorf("unmap of %#x+%#x is not page aligned", virt, n)
	}
	if _, ok := hostarch.Addr(virt).AddLength(n); !ok {
		return fmt.Errorf("%#x+%#x overflows", virt, n)
	}
	if !s.m.pt.Unmap(hostarch.Addr(virt), uintptr(n)) {
		fmt.Fprintln(s.out, "nothing was mapped")
	}
	return nil
}

func (s *session) lookup(args []string) error {
	if err := wantArgs(args, 1, -1); err != nil {
		return err
	}
	addrs, err := parseAddrs(args)
	if err != nil {
		return err
	}
	return writeLookups(s.out, "text", lookupAddrs(s.m.pt, addrs))
}

func (s *session) remap(args []string) error {
	if err := wantArgs(args, 2, 2); err != nil {
		return err
	}
	addr, err := config.ParseAddr(args[0])
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", args[0], err)
	}
	frame, err := config.ParseAddr(args[1])
	if err != nil {
		return fmt.Errorf("invalid frame %q: %w", args[1], err)
	}
	old, err := translate.Remap(s.m.pt, hostarch.Addr(addr), frame)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%v: frame %#x -> %#x\n", hostarch.Addr(addr), old.FrameNumber, frame)
	return nil
}

func (s *session) translate(args []string) error {
	if err := wantArgs(args, 2, 2); err != nil {
		return err
	}
	cpu, err := strconv.Atoi(args[0])
	if err != nil || cpu < 0 || cpu >= s.m.tlb.NumCPUs() {
		return fmt.Errorf("invalid cpu %q", args[0])
	}
	addr, err := config.ParseAddr(args[1])
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", args[1], err)
	}
	_, cached := s.m.tlb.Cached(cpu, hostarch.Addr(addr))
	tr, err := s.m.tlb.Translate(cpu, hostarch.Addr(addr))
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "cpu %d: %v -> %#x (cached %t)\n", cpu, hostarch.Addr(addr), tr.Physical(hostarch.Addr(addr)), cached)
	return nil
}

func (s *session) flush(args []string) error {
	if err := wantArgs(args, 0, 1); err != nil {
		return err
	}
	if len(args) == 0 {
		return s.m.tlb.FlushAll(s.ctx)
	}
	addr, err := config.ParseAddr(args[0])
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", args[0], err)
	}
	n, err := s.m.tlb.FlushAddr(s.ctx, hostarch.Addr(addr))
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "flushed %d CPUs\n", n)
	return nil
}

func (s *session) stats(args []string) error {
	fams := s.m.metricFamilies()
	_, err := writeMetrics(s.out, fams)
	return err
}

func (s *session) exit(args []string) error {
	return errExit
}
