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

package pgalloc

import (
	"fmt"

	"github.com/pagemem/pagemem/pkg/hostarch"
	"github.com/pagemem/pagemem/pkg/log"
	"github.com/pagemem/pagemem/pkg/safemem"
	"golang.org/x/sys/unix"
)

// LocalMappings is a stack of single-page windows into a MemoryFile, owned
// by one goroutine. Windows must be unmapped in the reverse order in which
// they were mapped.
type LocalMappings struct {
	f     *MemoryFile
	stack []*Window
}

// NewLocalMappings returns an empty window stack for f.
func (f *MemoryFile) NewLocalMappings() *LocalMappings {
	return &LocalMappings{f: f}
}

// Depth returns the number of windows currently mapped by lm.
func (lm *LocalMappings) Depth() int {
	return len(lm.stack)
}

// A Window is a temporary mapping of one page.
type Window struct {
	lm    *LocalMappings
	frame Frame
	data  []byte
}

// Map maps the page fr and pushes it onto lm.
func (lm *LocalMappings) Map(fr Frame) (*Window, error) {
	if uint64(fr) >= lm.f.pages {
		panic(fmt.Sprintf("mapping %v beyond end of file (%d pages)", fr, lm.f.pages))
	}
	data, err := unix.Mmap(lm.f.fd, fr.Offset(), hostarch.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mapping %v: %w", fr, err)
	}
	w := &Window{lm: lm, frame: fr, data: data}
	lm.stack = append(lm.stack, w)
	lm.f.windows.Add(1)
	lm.f.mapCount.Add(1)
	return w, nil
}

// Frame returns the page mapped by w.
func (w *Window) Frame() Frame {
	return w.frame
}

// Block returns the contents of the mapped page. The Block is invalid once w
// is unmapped.
func (w *Window) Block() safemem.Block {
	if w.data == nil {
		panic("use of unmapped window")
	}
	return safemem.BlockFromSafeSlice(w.data)
}

// Unmap removes w.
//
// Preconditions: w is the most recently mapped window of its LocalMappings
// that has not been unmapped.
func (w *Window) Unmap() {
	lm := w.lm
	if n := len(lm.stack); n == 0 || lm.stack[n-1] != w {
		panic(fmt.Sprintf("unmapping window for %v out of order (depth %d)", w.frame, n))
	}
	lm.stack[len(lm.stack)-1] = nil
	lm.stack = lm.stack[:len(lm.stack)-1]
	if err := unix.Munmap(w.data); err != nil {
		log.Warningf("pgalloc: munmap of window for %v failed: %v", w.frame, err)
	}
	w.data = nil
	lm.f.windows.Add(-1)
}
