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
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	want := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("logged lines mismatch (-want +got):\n%s", diff)
	}
}

func TestWriterAppendsNewline(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("no newline")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}
	if diff := cmp.Diff([]string{"no newline", "\n"}, tw.lines); diff != "" {
		t.Errorf("logged lines mismatch (-want +got):\n%s", diff)
	}
}

func TestLevels(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("debug %d", 1)
	l.Infof("info %d", 2)
	l.Warningf("warning %d", 3)
	if diff := cmp.Diff([]string{"info 2", "\n", "warning 3", "\n"}, tw.lines); diff != "" {
		t.Errorf("logged lines mismatch (-want +got):\n%s", diff)
	}

	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
}

func TestGoogleEmitter(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2025, time.March, 7, 13, 4, 5, 123456000, time.UTC)
	e.Emit(0, Warning, ts, "hello %s", "world")
	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(tw.lines), tw.lines)
	}
	line := tw.lines[0]
	if !strings.HasPrefix(line, "W0307 13:04:05.123456 ") {
		t.Errorf("header mismatch: %q", line)
	}
	if !strings.Contains(line, "log_test.go:") {
		t.Errorf("caller missing from %q", line)
	}
	if !strings.HasSuffix(line, "] hello world\n") {
		t.Errorf("message mismatch: %q", line)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	l := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}, time.Hour)
	for i := 0; i < 5; i++ {
		l.Warningf("message %d", i)
	}
	if diff := cmp.Diff([]string{"message 0", "\n"}, tw.lines); diff != "" {
		t.Errorf("logged lines mismatch (-want +got):\n%s", diff)
	}

	// Lift the limit; the next message reports the drops.
	l.(*rateLimitedLogger).limit.SetLimit(rate.Inf)
	l.Warningf("message %d", 5)
	l.Warningf("message %d", 6)
	want := []string{"message 0", "\n", "message 5 (4 similar messages suppressed)", "\n", "message 6", "\n"}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("logged lines mismatch (-want +got):\n%s", diff)
	}
}
