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

package cmd

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"
	"github.com/google/subcommands"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/pagemem/pagemem/pagectl/cmd/util"
	"github.com/pagemem/pagemem/pagectl/config"
	"github.com/pagemem/pagemem/pkg/log"
)

const (
	prompt      = "(pagemem) "
	historyFile = ".pagectl_history"

	highlightEscape = "\033[31m"
	resetEscape     = "\033[0m"
)

// Shell implements subcommands.Command for the "shell" command.
type Shell struct {
	mappings string
	history  string
}

// Name implements subcommands.Command.Name.
func (*Shell) Name() string {
	return "shell"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Shell) Synopsis() string {
	return "interactively allocate buffers, edit mappings and flush translations"
}

// Usage implements subcommands.Command.Usage.
func (*Shell) Usage() string {
	return `shell [-mappings=<file>] [-history=<file>] - starts an interactive shell. Commands are read from stdin, one per line, when it is not a terminal.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (sh *Shell) SetFlags(f *flag.FlagSet) {
	f.StringVar(&sh.mappings, "mappings", "", "TOML or YAML file describing the mappings to install.")
	f.StringVar(&sh.history, "history", defaultHistory(), "file where the command history is kept.")
}

// Execute implements subcommands.Command.Execute.
func (sh *Shell) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m, err := newMachine(ctx, conf)
	if err != nil {
		util.Fatalf("creating machine: %v", err)
	}
	defer m.release()
	if err := m.loadMappings(sh.mappings); err != nil {
		util.Fatalf("loading mappings: %v", err)
	}

	if !isatty.IsTerminal(os.Stdin.Fd()) {
		s := newSession(ctx, m, os.Stdout)
		defer s.close()
		if err := runScript(s, os.Stdin, os.Stderr); err != nil {
			util.Errorf("%v", err)
			return subcommands.ExitFailure
		}
		return subcommands.ExitSuccess
	}

	s := newSession(ctx, m, colorable.NewColorableStdout())
	defer s.close()
	if err := runTerminal(s, sh.history); err != nil {
		util.Errorf("%v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func defaultHistory() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return historyFile
	}
	return filepath.Join(home, historyFile)
}

// runScript executes the commands read from r and stops at the first
// failure. Blank lines and lines starting with '#' are skipped.
func runScript(s *session, r io.Reader, errw io.Writer) error {
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := s.exec(line); err != nil {
			if errors.Is(err, errExit) {
				return nil
			}
			fmt.Fprintf(errw, "line %d: %s: %v\n", lineno, line, err)
			return fmt.Errorf("line %d: %w", lineno, err)
		}
	}
	return scanner.Err()
}

// runTerminal reads commands with line editing, history and completion of
// command names until exit or EOF.
func runTerminal(s *session, history string) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	cmds := trie.New()
	for _, a := range s.aliases() {
		cmds.Add(a, nil)
	}
	line.SetCompleter(func(l string) []string {
		return cmds.PrefixSearch(l)
	})

	if f, err := os.Open(history); err == nil {
		if _, err := line.ReadHistory(f); err != nil {
			log.Warningf("Unable to read history file %q: %v", history, err)
		}
		f.Close()
	}

	fmt.Fprintln(s.out, "Type 'help' for list of commands.")
	for {
		l, err := line.Prompt(prompt)
		if err == liner.ErrPromptAborted {
			continue
		}
		if err == io.EOF {
			fmt.Fprintln(s.out, "exit")
			break
		}
		if err != nil {
			return fmt.Errorf("prompt for input failed: %w", err)
		}
		if strings.TrimSpace(l) == "" {
			continue
		}
		line.AppendHistory(l)

		if err := s.exec(l); err != nil {
			if errors.Is(err, errExit) {
				break
			}
			fmt.Fprintf(s.out, "%sCommand failed:%s %v\n", highlightEscape, resetEscape, err)
		}
	}

	f, err := os.Create(history)
	if err != nil {
		log.Warningf("History will not be saved: %v", err)
		return nil
	}
	defer f.Close()
	if _, err := line.WriteHistory(f); err != nil {
		log.Warningf("Unable to write history file %q: %v", history, err)
	}
	return nil
}
