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

// Binary pagectl exercises the page pool, page tables and translation
// caches from the command line.
package main

import (
	"github.com/pagemem/pagemem/pagectl/cli"
)

func main() {
	cli.Main()
}
