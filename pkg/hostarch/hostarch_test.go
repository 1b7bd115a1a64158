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

package hostarch

import "testing"

func TestAddrRounding(t *testing.T) {
	for _, test := range []struct {
		addr      Addr
		down      Addr
		up        Addr
		hugeDown  Addr
		pageAlign bool
	}{
		{0, 0, 0, 0, true},
		{1, 0, PageSize, 0, false},
		{PageSize, PageSize, PageSize, 0, true},
		{PageSize + 100, PageSize, 2 * PageSize, 0, false},
		{HugePageSize + PageSize, HugePageSize + PageSize, HugePageSize + PageSize, HugePageSize, true},
	} {
		if got := test.addr.RoundDown(); got != test.down {
			t.Errorf("%v.RoundDown() = %v, want %v", test.addr, got, test.down)
		}
		if got, ok := test.addr.RoundUp(); !ok || got != test.up {
			t.Errorf("%v.RoundUp() = (%v, %t), want (%v, true)", test.addr, got, ok, test.up)
		}
		if got := test.addr.HugeRoundDown(); got != test.hugeDown {
			t.Errorf("%v.HugeRoundDown() = %v, want %v", test.addr, got, test.hugeDown)
		}
		if got := test.addr.IsPageAligned(); got != test.pageAlign {
			t.Errorf("%v.IsPageAligned() = %t, want %t", test.addr, got, test.pageAlign)
		}
	}
}

func TestRoundUpOverflow(t *testing.T) {
	if _, ok := Addr(^uintptr(0)).RoundUp(); ok {
		t.Errorf("RoundUp of the last address should wrap")
	}
}

func TestPagesFor(t *testing.T) {
	for _, test := range []struct {
		length uint64
		want   uint64
	}{
		{0, 0},
		{1, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
		{3 * PageSize, 3},
	} {
		if got := PagesFor(test.length); got != test.want {
			t.Errorf("PagesFor(%d) = %d, want %d", test.length, got, test.want)
		}
	}
}

func TestAccessTypeString(t *testing.T) {
	for _, at := range []AccessType{NoAccess, Read, Write, Execute, ReadWrite, AnyAccess} {
		got, ok := ParseAccessType(at.String())
		if !ok || got != at {
			t.Errorf("ParseAccessType(%q) = (%v, %t), want (%v, true)", at.String(), got, ok, at)
		}
	}
	if _, ok := ParseAccessType("rw"); ok {
		t.Errorf("ParseAccessType(\"rw\") should fail")
	}
}

func TestParseMemoryType(t *testing.T) {
	for mt := MemoryTypeWriteBack; mt < NumMemoryTypes; mt++ {
		if got, err := ParseMemoryType(mt.ShortString()); err != nil || got != mt {
			t.Errorf("ParseMemoryType(%q) = (%v, %v), want %v", mt.ShortString(), got, err, mt)
		}
	}
	if _, err := ParseMemoryType("bogus"); err == nil {
		t.Errorf("ParseMemoryType(bogus) succeeded")
	}
}
