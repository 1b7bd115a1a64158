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

// Package config provides basic infrastructure to set configuration settings
// for pagectl. Each setting that can be changed from the command line must
// have a flag registered in flags.go and a field in Config with a `flag` tag.
package config

import (
	"fmt"
	"reflect"

	"github.com/pagemem/pagemem/pkg/hostarch"
	"github.com/pagemem/pagemem/pkg/log"
)

// Config holds configuration that is not part of a single command's flags.
type Config struct {
	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// MemoryPages is the number of pages backing the page allocator.
	MemoryPages uint64 `flag:"memory-pages"`

	// MaxOrder limits the largest allocation. Zero means the largest that
	// fits in MemoryPages.
	MaxOrder uint `flag:"max-order"`

	// CPUs is the number of simulated CPUs with their own translation cache.
	CPUs int `flag:"cpus"`

	// TLBEntries is the capacity of each CPU's translation cache.
	TLBEntries int `flag:"tlb-entries"`

	// AllocRetries is the number of times an allocation that ran out of
	// memory is retried, with exponential backoff.
	AllocRetries uint64 `flag:"alloc-retries"`

	// MemoryType is the memory type used for mappings that do not name one.
	MemoryType hostarch.MemoryType `flag:"memory-type"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.MemoryPages == 0 {
		return fmt.Errorf("memory-pages must be positive")
	}
	if c.MaxOrder >= 64-hostarch.PageShift {
		return fmt.Errorf("max-order %d is too large", c.MaxOrder)
	}
	if c.CPUs <= 0 {
		return fmt.Errorf("cpus must be positive, got %d", c.CPUs)
	}
	if c.TLBEntries <= 0 {
		return fmt.Errorf("tlb-entries must be positive, got %d", c.TLBEntries)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if name, ok := f.Tag.Lookup("flag"); ok {
			log.Infof("\t%s (--%s): %s", f.Name, name, getVal(obj.Field(i)))
		}
	}
}
