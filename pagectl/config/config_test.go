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

package config

import (
	"flag"
	"strings"
	"testing"

	"github.com/pagemem/pagemem/pkg/hostarch"
)

func newFlags(t *testing.T) *flag.FlagSet {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if want := hostarch.MemoryTypeWriteBack; c.MemoryType != want {
		t.Errorf("MemoryType=%v, want: %v", c.MemoryType, want)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newFlags(t)
	for name, val := range map[string]string{
		"debug":        "true",
		"memory-pages": "64",
		"cpus":         "2",
		"memory-type":  "UC",
	} {
		if err := testFlags.Lookup(name).Value.Set(val); err != nil {
			t.Errorf("Flag set: %v", err)
		}
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := uint64(64); c.MemoryPages != want {
		t.Errorf("MemoryPages=%v, want: %v", c.MemoryPages, want)
	}
	if want := 2; c.CPUs != want {
		t.Errorf("CPUs=%v, want: %v", c.CPUs, want)
	}
	if want := hostarch.MemoryTypeUncached; c.MemoryType != want {
		t.Errorf("MemoryType=%v, want: %v", c.MemoryType, want)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	testFlags := newFlags(t)
	testFlags.Set("debug", "true")
	testFlags.Set("cpus", "4") // Matches default value.
	testFlags.Set("tlb-entries", "8")
	testFlags.Set("memory-type", "WT")
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}

	flags := c.ToFlags()
	if len(flags) != 3 {
		t.Errorf("wrong number of flags set, want: 3, got: %d: %s", len(flags), flags)
	}
	fm := map[string]string{}
	for _, f := range flags {
		kv := strings.Split(f, "=")
		fm[kv[0]] = kv[1]
	}
	for name, want := range map[string]string{
		"--debug":       "true",
		"--tlb-entries": "8",
		"--memory-type": "WriteThrough",
	} {
		if got, ok := fm[name]; ok {
			if got != want {
				t.Errorf("flag %q, want: %q, got: %q", name, want, got)
			}
		} else {
			t.Errorf("flag %q not set", name)
		}
	}
}

func TestValidationFail(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags map[string]string
		error string
	}{
		{
			name:  "log-format",
			flags: map[string]string{"log-format": "xml"},
			error: "invalid log format",
		},
		{
			name:  "memory-pages",
			flags: map[string]string{"memory-pages": "0"},
			error: "memory-pages must be positive",
		},
		{
			name:  "cpus",
			flags: map[string]string{"cpus": "0"},
			error: "cpus must be positive",
		},
		{
			name:  "tlb-entries",
			flags: map[string]string{"tlb-entries": "-1"},
			error: "tlb-entries must be positive",
		},
		{
			name:  "max-order",
			flags: map[string]string{"max-order": "60"},
			error: "too large",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newFlags(t)
			for name, val := range tc.flags {
				if err := testFlags.Lookup(name).Value.Set(val); err != nil {
					t.Errorf("Flag set: %v", err)
				}
			}
			_, err := NewFromFlags(testFlags)
			if err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags() wrong error, want: %q, got: %v", tc.error, err)
			}
		})
	}
}

func TestMemoryTypeFlag(t *testing.T) {
	testFlags := newFlags(t)
	if err := testFlags.Set("memory-type", "bogus"); err == nil {
		t.Errorf("Set(bogus) succeeded")
	}
}
