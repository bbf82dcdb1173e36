/*
 * Copyright (c) 2021 Gilles Chehade <gilles@poolp.org>
 *
 * Permission to use, copy, modify, and distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/weetmuts/beak/appcontext"
	"github.com/weetmuts/beak/cmd/beak/subcommands"
	"github.com/weetmuts/beak/logger"
	"github.com/weetmuts/beak/profiler"

	_ "github.com/weetmuts/beak/cmd/beak/subcommands/diff"
	_ "github.com/weetmuts/beak/cmd/beak/subcommands/help"
	_ "github.com/weetmuts/beak/cmd/beak/subcommands/history"
	_ "github.com/weetmuts/beak/cmd/beak/subcommands/mount"
	_ "github.com/weetmuts/beak/cmd/beak/subcommands/prune"
	_ "github.com/weetmuts/beak/cmd/beak/subcommands/pull"
	_ "github.com/weetmuts/beak/cmd/beak/subcommands/push"
	_ "github.com/weetmuts/beak/cmd/beak/subcommands/remount"
	_ "github.com/weetmuts/beak/cmd/beak/subcommands/restore"
	_ "github.com/weetmuts/beak/cmd/beak/subcommands/store"
	_ "github.com/weetmuts/beak/cmd/beak/subcommands/version"

	_ "github.com/weetmuts/beak/storage/backends/local"
	_ "github.com/weetmuts/beak/storage/backends/rclone"
	_ "github.com/weetmuts/beak/storage/backends/rsync"
	_ "github.com/weetmuts/beak/storage/backends/s3"
)

func main() {
	os.Exit(entryPoint())
}

func entryPoint() int {
	var enableInfo bool
	var enableTracing string
	var enableProfiling bool

	flag.BoolVar(&enableInfo, "info", false, "print informational messages")
	flag.StringVar(&enableTracing, "trace", "", "comma separated list of subsystems to trace, or all")
	flag.BoolVar(&enableProfiling, "profile", false, "display event profiling on exit")
	flag.Parse()

	if enableInfo {
		logger.EnableInfo()
	}
	if enableTracing != "" {
		logger.EnableTrace(enableTracing)
	}
	if enableProfiling {
		logger.EnableProfiling()
	}

	loggerWait := logger.Start()
	defer loggerWait()

	ctx, err := appcontext.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", flag.CommandLine.Name(), err)
		return 1
	}

	ctx.Shutdown.HandleSignals()
	defer ctx.Shutdown.Run()

	if flag.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "usage: beak [options] <command> [arguments]\n")
		fmt.Fprintf(os.Stderr, "commands: %v\n", subcommands.List())
		return 1
	}

	command, args := flag.Arg(0), flag.Args()[1:]
	status, found := subcommands.Execute(ctx, command, args)
	if !found {
		fmt.Fprintf(os.Stderr, "%s: unsupported command: %s\n", flag.CommandLine.Name(), command)
		return 1
	}

	if enableProfiling {
		profiler.Display()
	}
	return status
}
