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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pagemem/pagemem/pkg/hostarch"
	"github.com/pagemem/pagemem/pkg/ring0/pagetables"
	"gopkg.in/yaml.v3"
)

// MappingFile is the on-disk description of a set of mappings. It is read
// from TOML, or from YAML when the file name ends in .yaml or .yml.
//
// Example:
//
//	[[mapping]]
//	virtual = "0x400000"
//	physical = "0x200000"
//	length = "2M"
//	access = "rw-"
//	memory = "WB"
type MappingFile struct {
	Mappings []MappingEntry `toml:"mapping" yaml:"mapping"`
}

// MappingEntry is one mapping as written in a mapping file. Addresses and
// lengths accept Go integer syntax and, for lengths, a K, M or G suffix.
type MappingEntry struct {
	Virtual  string `toml:"virtual" yaml:"virtual"`
	Physical string `toml:"physical" yaml:"physical"`
	Length   string `toml:"length" yaml:"length"`
	Access   string `toml:"access" yaml:"access"`
	Memory   string `toml:"memory" yaml:"memory"`
	User     bool   `toml:"user" yaml:"user"`
	Global   bool   `toml:"global" yaml:"global"`
}

// Region is a validated mapping.
type Region struct {
	Virtual  hostarch.Addr
	Physical uintptr
	Length   uintptr
	Opts     pagetables.MapOpts
}

// String implements fmt.Stringer.String.
func (r Region) String() string {
	return fmt.Sprintf("%v-%#x -> %#x %v", r.Virtual, uintptr(r.Virtual)+r.Length, r.Physical, r.Opts)
}

// LoadMappings reads and validates the mapping file at path. defaultType is
// used for entries that do not name a memory type.
func LoadMappings(path string, defaultType hostarch.MemoryType) ([]Region, error) {
	var mf MappingFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &mf); err != nil {
			return nil, fmt.Errorf("parsing %q: %w", path, err)
		}
	default:
		if _, err := toml.DecodeFile(path, &mf); err != nil {
			return nil, fmt.Errorf("parsing %q: %w", path, err)
		}
	}
	regions := make([]Region, 0, len(mf.Mappings))
	for i, e := range mf.Mappings {
		r, err := e.Parse(defaultType)
		if err != nil {
			return nil, fmt.Errorf("%s: mapping %d: %w", path, i, err)
		}
		regions = append(regions, r)
	}
	return regions, nil
}

// Parse validates e. defaultType is used if e does not name a memory type.
func (e *MappingEntry) Parse(defaultType hostarch.MemoryType) (Region, error) {
	virt, err := ParseAddr(e.Virtual)
	if err != nil {
		return Region{}, fmt.Errorf("virtual: %w", err)
	}
	phys, err := ParseAddr(e.Physical)
	if err != nil {
		return Region{}, fmt.Errorf("physical: %w", err)
	}
	length, err := ParseSize(e.Length)
	if err != nil {
		return Region{}, fmt.Errorf("length: %w", err)
	}
	if length == 0 {
		return Region{}, fmt.Errorf("length must be positive")
	}
	for _, v := range []uint64{virt, phys, length} {
		if v&(hostarch.PageSize-1) != 0 {
			return Region{}, fmt.Errorf("%#x is not page aligned", v)
		}
	}
	if _, ok := hostarch.Addr(virt).AddLength(length); !ok {
		return Region{}, fmt.Errorf("%#x+%#x overflows", virt, length)
	}

	access := hostarch.ReadWrite
	if e.Access != "" {
		var ok bool
		if access, ok = hostarch.ParseAccessType(e.Access); !ok {
			return Region{}, fmt.Errorf("invalid access %q", e.Access)
		}
	}
	mt := defaultType
	if e.Memory != "" {
		if mt, err = hostarch.ParseMemoryType(e.Memory); err != nil {
			return Region{}, err
		}
	}
	return Region{
		Virtual:  hostarch.Addr(virt),
		Physical: uintptr(phys),
		Length:   uintptr(length),
		Opts: pagetables.MapOpts{
			AccessType: access,
			Global:     e.Global,
			User:       e.User,
			MemoryType: mt,
		},
	}, nil
}

// Apply installs regions into pt in order.
func Apply(pt *pagetables.PageTables, regions []Region) {
	for _, r := range regions {
		pt.Map(r.Virtual, r.Length, r.Opts, r.Physical)
	}
}

// ParseAddr parses an address in any base accepted by strconv.
func ParseAddr(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSpace(s), 0, 64)
}

// ParseSize parses a size with an optional K, M or G suffix.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	var shift uint
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'K', 'k':
			shift = 10
		case 'M', 'm':
			shift = 20
		case 'G', 'g':
			shift = 30
		}
		if shift != 0 {
			s = s[:n-1]
		}
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, err
	}
	if v > (^uint64(0))>>shift {
		return 0, fmt.Errorf("size %s overflows", s)
	}
	return v << shift, nil
}
