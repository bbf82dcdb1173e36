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

package pull

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/weetmuts/beak/appcontext"
	"github.com/weetmuts/beak/beakerr"
	"github.com/weetmuts/beak/cmd/beak/subcommands"
	"github.com/weetmuts/beak/logger"
	"github.com/weetmuts/beak/storage"
)

func init() {
	subcommands.Register("pull", cmd_pull)
}

// Pull mirrors the good segments of a storage into a local directory,
// skipping the ones already present at the listed size.
func cmd_pull(ctx *appcontext.Context, args []string) int {
	flags := flag.NewFlagSet("pull", flag.ExitOnError)
	flags.Parse(args)

	if flags.NArg() != 2 {
		logger.Error("usage: beak pull <storage> <directory>")
		return 1
	}
	loc, err := storage.ParseLocation(flags.Arg(0))
	if err != nil {
		logger.Error("%v", err)
		return beakerr.ExitCode(err)
	}
	dest := flags.Arg(1)

	backend, err := storage.ForLocation(loc)
	if err != nil {
		logger.Error("%v", err)
		return beakerr.ExitCode(err)
	}
	listing, err := backend.List(loc)
	if err != nil {
		logger.Error("listing %s: %v", loc, err)
		return beakerr.ExitCode(err)
	}
	for _, bad := range listing.Bad {
		logger.Warn("not pulling bad remote file %s", bad.Path)
	}

	var files []string
	for _, f := range listing.Good {
		rel := f.Path.UnRoot()
		abs := filepath.Join(dest, filepath.FromSlash(rel))
		if info, err := os.Stat(abs); err == nil && info.Size() == f.Size {
			continue
		}
		files = append(files, rel)
	}
	if len(files) == 0 {
		logger.Info("%s is up to date", dest)
		return 0
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		logger.Error("mkdir %s: %v", dest, err)
		return 1
	}
	if err := backend.Fetch(loc, files, dest); err != nil {
		logger.Error("fetching from %s: %v", loc, err)
		return beakerr.ExitCode(err)
	}
	logger.Info("pulled %d segments from %s", len(files), loc)
	return 0
}
