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
	"fmt"
	"reflect"
	"strconv"

	"github.com/pagemem/pagemem/pkg/hostarch"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr as well as to --log.")

	// Flags that control the simulated machine.
	flagSet.Uint64("memory-pages", 1024, "number of pages backing the page allocator.")
	flagSet.Uint("max-order", 0, "largest allocation order; 0 means the largest that fits.")
	flagSet.Int("cpus", 4, "number of simulated CPUs.")
	flagSet.Int("tlb-entries", 64, "translation cache entries per CPU.")
	flagSet.Uint64("alloc-retries", 3, "times an out of memory allocation is retried with backoff.")
	flagSet.Var(memoryTypePtr(hostarch.MemoryTypeWriteBack), "memory-type", "default memory type for mappings: WB (default), WT or UC.")
}

// NewFromFlags creates a new Config with values coming from command line flags.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(get(fl.Value))
		obj.Field(i).Set(x)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

// get returns the typed value held by a flag.
func get(v flag.Value) any {
	return v.(flag.Getter).Get()
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}

// memoryType is a flag.Getter for hostarch.MemoryType.
type memoryType hostarch.MemoryType

func memoryTypePtr(mt hostarch.MemoryType) *memoryType {
	v := memoryType(mt)
	return &v
}

// Set implements flag.Value.Set.
func (m *memoryType) Set(v string) error {
	mt, err := hostarch.ParseMemoryType(v)
	if err != nil {
		return err
	}
	*m = memoryType(mt)
	return nil
}

// Get implements flag.Getter.Get.
func (m *memoryType) Get() any {
	return hostarch.MemoryType(*m)
}

// String implements flag.Value.String.
func (m *memoryType) String() string {
	return hostarch.MemoryType(*m).String()
}
