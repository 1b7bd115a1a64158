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
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/pagemem/pagemem/pkg/pagebuf"
	"github.com/pagemem/pagemem/pkg/translate"
)

func newTestSession(t *testing.T) (*session, *bytes.Buffer) {
	t.Helper()
	m := newTestMachine(t, 16)
	var out bytes.Buffer
	s := newSession(context.Background(), m, &out)
	t.Cleanup(s.close)
	return s, &out
}

func TestSessionScript(t *testing.T) {
	s, out := newTestSession(t)
	script := `
# Buffer access across the first page boundary.
alloc 1
write 4094 "abcd"
cmp 4094 abcd
cmp 4094 abzz
read 4094 4
zero 4095 2
cmp 4094 "a"

# Translation.
map 0x1000 0x5000 4K rw-
lookup 0x1234
translate 0 0x1000
remap 0x1000 7
translate 0 0x1000
flush 0x1000
translate 0 0x1000
exit
alloc 0
`
	if err := runScript(s, strings.NewReader(script), &bytes.Buffer{}); err != nil {
		t.Fatalf("runScript: %v\n%s", err, out.String())
	}
	for _, want := range []string{
		"allocated",
		"equal",
		"2 differences: 0x1000 0x1001",
		"61 62 63 64",
		"0x1234: 4K order=1 frame=0x5",
		"cpu 0: 0x1000 -> 0x5000 (cached false)",
		"cpu 0: 0x1000 -> 0x5000 (cached true)",
		"0x1000: frame 0x5 -> 0x7",
		"flushed 1 CPUs",
		"cpu 0: 0x1000 -> 0x7000 (cached false)",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
	// exit stops the script before the second alloc.
	if got := s.buf.Order(); got != 1 {
		t.Errorf("buffer order = %d, want 1", got)
	}
}

func TestSessionZeroedRead(t *testing.T) {
	s, out := newTestSession(t)
	for _, line := range []string{"alloc 0", "write 0 xyz", "zero 1 2", "read 0 3"} {
		if err := s.exec(line); err != nil {
			t.Fatalf("exec(%q): %v", line, err)
		}
	}
	if want := hex.Dump([]byte("x\x00\x00")); !strings.Contains(out.String(), want) {
		t.Errorf("output missing %q:\n%s", want, out.String())
	}
}

func TestSessionErrors(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup []string
		line  string
		is    error
		error string
	}{
		{name: "unknown", line: "bogus", error: "unknown command"},
		{name: "quoting", line: `write 0 "abc`, error: "EOF"},
		{name: "no buffer", line: "read 0 1", error: "no buffer"},
		{name: "arguments", line: "alloc", error: "wrong number of arguments"},
		{name: "read past end", setup: []string{"alloc 0"}, line: "read 4090 10", is: pagebuf.ErrInvalidRange},
		{name: "write past end", setup: []string{"alloc 0"}, line: "write 4095 ab", is: pagebuf.ErrInvalidRange},
		{name: "compare past end", setup: []string{"alloc 0"}, line: "cmp 4096 a", is: pagebuf.ErrInvalidRange},
		{name: "huge read", setup: []string{"alloc 0"}, line: "read 0 1G", is: pagebuf.ErrInvalidRange},
		{name: "unaligned map", line: "map 0x1001 0 4K", error: "not page aligned"},
		{name: "unaligned unmap", line: "unmap 0x1001 4K", error: "not page aligned"},
		{name: "lookup unmapped", line: "remap 0x1000 1", is: translate.ErrNotMapped},
		{name: "cpu", line: "translate 9 0x1000", error: "invalid cpu"},
		{name: "release twice", setup: []string{"alloc 0", "release"}, line: "release", error: "no buffer"},
		{name: "exit", line: "quit", is: errExit},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newTestSession(t)
			for _, line := range tc.setup {
				if err := s.exec(line); err != nil {
					t.Fatalf("exec(%q): %v", line, err)
				}
			}
			err := s.exec(tc.line)
			if tc.is != nil {
				if !errors.Is(err, tc.is) {
					t.Errorf("exec(%q) = %v, want %v", tc.line, err, tc.is)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("exec(%q) = %v, want error containing %q", tc.line, err, tc.error)
			}
		})
	}
}

func TestRunScriptStopsOnError(t *testing.T) {
	s, _ := newTestSession(t)
	var errw bytes.Buffer
	err := runScript(s, strings.NewReader("alloc 0\nread 0 8K\nrelease\n"), &errw)
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("runScript = %v, want error at line 2", err)
	}
	if s.buf == nil {
		t.Errorf("commands after the failure were run")
	}
	if !strings.Contains(errw.String(), "read 0 8K") {
		t.Errorf("error output %q does not name the failing line", errw.String())
	}
}

func TestSessionAllocReplaces(t *testing.T) {
	s, _ := newTestSession(t)
	for _, line := range []string{"alloc 2", "alloc 3"} {
		if err := s.exec(line); err != nil {
			t.Fatalf("exec(%q): %v", line, err)
		}
	}
	if got, want := s.m.mf.Usage().AllocatedPages, uint64(8); got != want {
		t.Errorf("AllocatedPages = %d, want %d", got, want)
	}
}

func TestSessionHelpListsAliases(t *testing.T) {
	s, out := newTestSession(t)
	if err := s.exec("help"); err != nil {
		t.Fatalf("help: %v", err)
	}
	for _, a := range s.aliases() {
		if !strings.Contains(out.String(), a) {
			t.Errorf("help output missing %q", a)
		}
	}
}
