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

package prune

import (
	"flag"

	"github.com/weetmuts/beak/appcontext"
	"github.com/weetmuts/beak/beakerr"
	"github.com/weetmuts/beak/cachefs"
	"github.com/weetmuts/beak/cmd/beak/subcommands"
	"github.com/weetmuts/beak/fspath"
	"github.com/weetmuts/beak/logger"
	"github.com/weetmuts/beak/reverse"
	"github.com/weetmuts/beak/storage"
)

func init() {
	subcommands.Register("prune", cmd_prune)
}

// Prune drops points in time beyond the newest keep count. A segment
// survives as long as any kept snapshot references it, so deduplicated
// segments shared with kept history are never touched.
func cmd_prune(ctx *appcontext.Context, args []string) int {
	var keep int
	var dryRun bool

	flags := flag.NewFlagSet("prune", flag.ExitOnError)
	flags.IntVar(&keep, "keep", 7, "number of points in time to keep")
	flags.BoolVar(&dryRun, "n", false, "only report what would be removed")
	flags.Parse(args)

	if flags.NArg() != 1 || keep < 1 {
		logger.Error("usage: beak prune [-n] [-keep N] <storage>")
		return 1
	}
	loc, err := storage.ParseLocation(flags.Arg(0))
	if err != nil {
		logger.Error("%v", err)
		return beakerr.ExitCode(err)
	}
	backend, err := storage.ForLocation(loc)
	if err != nil {
		logger.Error("%v", err)
		return beakerr.ExitCode(err)
	}

	var store reverse.Store
	if loc.Kind == storage.Local {
		store = reverse.NewDirStore(loc.Raw)
	} else {
		cfs, err := cachefs.New(backend, loc, ctx.CacheDirFor(loc.Raw))
		if err != nil {
			logger.Error("%v", err)
			return beakerr.ExitCode(err)
		}
		defer cfs.Close()
		store = cfs
	}

	rev := reverse.New(store, fspath.Root())
	if err := rev.Discover(); err != nil {
		logger.Error("%v", err)
		return beakerr.ExitCode(err)
	}
	history := rev.History()
	if len(history) <= keep {
		logger.Info("nothing to prune, %d points in time kept", len(history))
		return 0
	}

	referenced := make(map[string]bool)
	for _, pt := range history[:keep] {
		files, err := rev.ReferencedFiles(pt)
		if err != nil {
			logger.Error("walking %s: %v", pt.DateTime, err)
			return beakerr.ExitCode(err)
		}
		for _, f := range files {
			referenced[f] = true
		}
	}

	listing, err := backend.List(loc)
	if err != nil {
		logger.Error("listing %s: %v", loc, err)
		return beakerr.ExitCode(err)
	}

	var doomed []string
	for _, f := range listing.Good {
		rel := f.Path.UnRoot()
		if !referenced[rel] {
			doomed = append(doomed, rel)
		}
	}
	if len(doomed) == 0 {
		logger.Info("nothing to prune")
		return 0
	}
	for _, f := range doomed {
		logger.Info("pruning %s", f)
	}
	if dryRun {
		return 0
	}
	if err := backend.Remove(loc, doomed); err != nil {
		logger.Error("removing from %s: %v", loc, err)
		return beakerr.ExitCode(err)
	}
	logger.Info("pruned %d segments, kept %d points in time", len(doomed), keep)
	return 0
}
