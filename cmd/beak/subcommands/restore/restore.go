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

package restore

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
	subcommands.Register("restore", cmd_restore)
}

func cmd_restore(ctx *appcontext.Context, args []string) int {
	var selector string

	flags := flag.NewFlagSet("restore", flag.ExitOnError)
	flags.StringVar(&selector, "pointintime", "@0", "snapshot selector, @N or an absolute timestamp")
	flags.Parse(args)

	if flags.NArg() != 2 {
		logger.Error("usage: beak restore [-pointintime @N] <storage> <directory>")
		return 1
	}
	loc, err := storage.ParseLocation(flags.Arg(0))
	if err != nil {
		logger.Error("%v", err)
		return beakerr.ExitCode(err)
	}
	dest := flags.Arg(1)

	var store reverse.Store
	if loc.Kind == storage.Local {
		store = reverse.NewDirStore(loc.Raw)
	} else {
		backend, err := storage.ForLocation(loc)
		if err != nil {
			logger.Error("%v", err)
			return beakerr.ExitCode(err)
		}
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
	pt, err := rev.Find(selector)
	if err != nil {
		logger.Error("%v", err)
		return beakerr.ExitCode(err)
	}

	if err := rev.Restore(pt, dest); err != nil {
		logger.Error("restoring %s: %v", pt.DateTime, err)
		return beakerr.ExitCode(err)
	}
	logger.Info("restored %s (%s) into %s", pt.DateTime, pt.Ago, dest)
	return 0
}
