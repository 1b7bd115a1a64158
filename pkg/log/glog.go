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

package log

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	*Writer
}

// pid is used for the threadid component of the header.
var pid = os.Getpid()

// levelChar returns the single character used by glog for level.
func levelChar(level Level) byte {
	switch level {
	case Debug:
		return 'D'
	case Info:
		return 'I'
	default:
		return 'W'
	}
}

// Emit emits the message, google-style.
//
// Log lines have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg...
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	file, line := "x", 0
	if _, f, l, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(f, '/'); slash >= 0 {
			f = f[slash+1:]
		}
		file, line = f, l
	}

	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	header := fmt.Sprintf("%c%02d%02d %02d:%02d:%02d.%06d %7d %s:%d] ",
		levelChar(level),
		int(month), day,
		hour, minute, second, timestamp.Nanosecond()/1000,
		pid,
		file, line)

	g.Writer.Write([]byte(header + fmt.Sprintf(format, args...) + "\n"))
}
