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

// Package util groups a bunch of common helper functions used by commands.
package util

import (
	"fmt"
	"io"
	"os"

	"github.com/pagemem/pagemem/pkg/log"
)

// ErrorLogger is where error messages should be written to. These messages
// are consumed by the user in addition to the debug log.
var ErrorLogger io.Writer = os.Stderr

// Infof writes an informational message to stdout and to the debug log.
func Infof(format string, args ...any) {
	log.Infof(format, args...)
	fmt.Fprintf(os.Stdout, format+"\n", args...)
}

// Errorf logs error to the debug log and writes it to ErrorLogger.
func Errorf(format string, args ...any) {
	log.Warningf(format, args...)
	writeError(format, args...)
}

// Fatalf logs the same way as Errorf and exits with a failure status code.
func Fatalf(format string, args ...any) {
	log.Warningf("FATAL ERROR: "+format, args...)
	writeError(format, args...)
	os.Exit(128)
}

func writeError(format string, args ...any) {
	if ErrorLogger != nil {
		fmt.Fprintf(ErrorLogger, format+"\n", args...)
	}
}
