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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pagemem/pagemem/pkg/hostarch"
	"github.com/pagemem/pagemem/pkg/ring0/pagetables"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

var wantRegions = []Region{
	{
		Virtual:  0x400000,
		Physical: 0x200000,
		Length:   2 << 20,
		Opts: pagetables.MapOpts{
			AccessType: hostarch.ReadWrite,
			MemoryType: hostarch.MemoryTypeUncached,
		},
	},
	{
		Virtual:  0x1000,
		Physical: 0x5000,
		Length:   0x1000,
		Opts: pagetables.MapOpts{
			AccessType: hostarch.Read,
			User:       true,
			Global:     true,
			MemoryType: hostarch.MemoryTypeWriteThrough,
		},
	},
}

func TestLoadMappingsTOML(t *testing.T) {
	path := writeFile(t, "maps.toml", `
[[mapping]]
virtual = "0x400000"
physical = "0x200000"
length = "2M"

[[mapping]]
virtual = "4096"
physical = "0x5000"
length = "4K"
access = "r--"
memory = "WT"
user = true
global = true
`)
	got, err := LoadMappings(path, hostarch.MemoryTypeUncached)
	if err != nil {
		t.Fatalf("LoadMappings: %v", err)
	}
	if diff := cmp.Diff(wantRegions, got); diff != "" {
		t.Errorf("LoadMappings mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMappingsYAML(t *testing.T) {
	path := writeFile(t, "maps.yaml", `
mapping:
  - virtual: "0x400000"
    physical: "0x200000"
    length: 2M
  - virtual: "4096"
    physical: "0x5000"
    length: 4K
    access: r--
    memory: WriteThrough
    user: true
    global: true
`)
	got, err := LoadMappings(path, hostarch.MemoryTypeUncached)
	if err != nil {
		t.Fatalf("LoadMappings: %v", err)
	}
	if diff := cmp.Diff(wantRegions, got); diff != "" {
		t.Errorf("LoadMappings mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMappingsInvalid(t *testing.T) {
	for _, tc := range []struct {
		name  string
		entry string
		error string
	}{
		{
			name:  "unaligned",
			entry: `virtual = "0x1001"` + "\n" + `physical = "0"` + "\n" + `length = "4K"`,
			error: "not page aligned",
		},
		{
			name:  "zero length",
			entry: `virtual = "0"` + "\n" + `physical = "0"` + "\n" + `length = "0"`,
			error: "length must be positive",
		},
		{
			name:  "access",
			entry: `virtual = "0"` + "\n" + `physical = "0"` + "\n" + `length = "4K"` + "\n" + `access = "rw"`,
			error: "invalid access",
		},
		{
			name:  "memory",
			entry: `virtual = "0"` + "\n" + `physical = "0"` + "\n" + `length = "4K"` + "\n" + `memory = "XX"`,
			error: "unknown memory type",
		},
		{
			name:  "overflow",
			entry: `virtual = "0xfffffffffffff000"` + "\n" + `physical = "0"` + "\n" + `length = "8K"`,
			error: "overflows",
		},
		{
			name:  "bad number",
			entry: `virtual = "zz"` + "\n" + `physical = "0"` + "\n" + `length = "4K"`,
			error: "virtual",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, "maps.toml", "[[mapping]]\n"+tc.entry+"\n")
			_, err := LoadMappings(path, hostarch.MemoryTypeWriteBack)
			if err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("LoadMappings() wrong error, want: %q, got: %v", tc.error, err)
			}
		})
	}
}

func TestApply(t *testing.T) {
	pt := pagetables.New(pagetables.NewRuntimeAllocator())
	Apply(pt, wantRegions)
	for _, r := range wantRegions {
		phys, opts, ok := pt.Lookup(r.Virtual)
		if !ok {
			t.Errorf("Lookup(%v) not mapped", r.Virtual)
			continue
		}
		if phys != r.Physical || opts != r.Opts {
			t.Errorf("Lookup(%v) = (%#x, %v), want (%#x, %v)", r.Virtual, phys, opts, r.Physical, r.Opts)
		}
	}
}

func TestParseSize(t *testing.T) {
	for in, want := range map[string]uint64{
		"0":      0,
		"4096":   4096,
		"0x1000": 4096,
		"4K":     4096,
		"2m":     2 << 20,
		"1G":     1 << 30,
	} {
		got, err := ParseSize(in)
		if err != nil || got != want {
			t.Errorf("ParseSize(%q) = (%d, %v), want %d", in, got, err, want)
		}
	}
	for _, in := range []string{"", "K", "x", "0xffffffffffffffffG"} {
		if _, err := ParseSize(in); err == nil {
			t.Errorf("ParseSize(%q) succeeded", in)
		}
	}
}
