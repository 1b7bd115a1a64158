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

// Package cli is the main entrypoint for pagectl.
package cli

import (
	"context"
	"flag"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"github.com/pagemem/pagemem/pagectl/cmd"
	"github.com/pagemem/pagemem/pagectl/cmd/util"
	"github.com/pagemem/pagemem/pagectl/config"
	"github.com/pagemem/pagemem/pkg/log"
	"github.com/pagemem/pagemem/pkg/pgalloc"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	var logFile io.Writer = os.Stderr
	if conf.LogFilename != "" {
		f, err := log.OpenFile(conf.LogFilename)
		if err != nil {
			util.Fatalf("%v", err)
		}
		defer f.Close()
		logFile = f
	}

	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	var emitters log.MultiEmitter
	emitters = append(emitters, newEmitter(conf.LogFormat, logFile))
	if conf.AlsoLogToStderr && logFile != io.Writer(os.Stderr) {
		emitters = append(emitters, newEmitter(conf.LogFormat, os.Stderr))
	}
	switch len(emitters) {
	case 1:
		// Single emitter, use it directly.
		log.SetTarget(emitters[0])
	default:
		log.SetTarget(&emitters)
	}

	const delimString = `**************** pagectl ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, %d CPUs, %s, PID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid())
	log.Debugf("Page size: 0x%x (%d bytes)", os.Getpagesize(), os.Getpagesize())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	mf, err := pgalloc.NewMemoryFile(pgalloc.MemoryFileOpts{
		Pages:    conf.MemoryPages,
		MaxOrder: conf.MaxOrder,
		Name:     "pagectl",
	})
	if err != nil {
		util.Fatalf("creating memory file: %v", err)
	}
	ctx := pgalloc.WithMemoryFile(context.Background(), mf)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(ctx, conf)
	mf.Destroy()
	if subcmdCode == subcommands.ExitSuccess {
		log.Infof("Exiting with status: %v", subcmdCode)
		os.Exit(0)
	}
	log.Warningf("Failure to execute command, err: %v", subcmdCode)
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by
// pagectl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Lookup), "")
	cb(new(cmd.Remap), "")
	cb(new(cmd.SelfTest), "")
	cb(new(cmd.Shell), "")

	const metricGroup = "metrics"
	cb(new(cmd.Stats), metricGroup)
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{&log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{&log.Writer{Next: logFile}}
	}
	util.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
