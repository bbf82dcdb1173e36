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

package remount

import (
	"context"
	"flag"

	"github.com/jacobsa/fuse"

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
	subcommands.Register("remount", cmd_remount)
}

// openStore gives the loader its read surface: local storages are read in
// place, remote ones through the cache directory for their URL.
func openStore(ctx *appcontext.Context, loc *storage.Location) (reverse.Store, func(), error) {
	if loc.Kind == storage.Local {
		return reverse.NewDirStore(loc.Raw), func() {}, nil
	}
	backend, err := storage.ForLocation(loc)
	if err != nil {
		return nil, nil, err
	}
	cfs, err := cachefs.New(backend, loc, ctx.CacheDirFor(loc.Raw))
	if err != nil {
		return nil, nil, err
	}
	return cfs, func() { _ = cfs.Close() }, nil
}

func cmd_remount(ctx *appcontext.Context, args []string) int {
	var selector string

	flags := flag.NewFlagSet("remount", flag.ExitOnError)
	flags.StringVar(&selector, "pointintime", "", "snapshot selector, @N or an absolute timestamp")
	flags.Parse(args)

	if flags.NArg() != 2 {
		logger.Error("usage: beak remount [-pointintime @N] <storage> <mountpoint>")
		return 1
	}
	loc, err := storage.ParseLocation(flags.Arg(0))
	if err != nil {
		logger.Error("%v", err)
		return beakerr.ExitCode(err)
	}
	mountpoint := flags.Arg(1)

	store, closeStore, err := openStore(ctx, loc)
	if err != nil {
		logger.Error("%v", err)
		return beakerr.ExitCode(err)
	}
	ctx.Shutdown.OnExit(closeStore)

	rev := reverse.New(store, fspath.Root())
	if err := rev.Discover(); err != nil {
		logger.Error("%v", err)
		return beakerr.ExitCode(err)
	}
	if selector != "" {
		if err := rev.SetSingle(selector); err != nil {
			logger.Error("%v", err)
			return beakerr.ExitCode(err)
		}
	}

	mfs, err := reverse.Mount(rev, mountpoint)
	if err != nil {
		logger.Error("mounting %s: %v", mountpoint, err)
		return 1
	}
	ctx.Shutdown.OnExit(func() {
		_ = fuse.Unmount(mountpoint)
	})

	logger.Info("remounted %s on %s", loc, mountpoint)
	if err := mfs.Join(context.Background()); err != nil {
		logger.Error("mount %s: %v", mountpoint, err)
		return 1
	}
	return 0
}
