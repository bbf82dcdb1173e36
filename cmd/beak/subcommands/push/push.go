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

package push

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/weetmuts/beak/appcontext"
	"github.com/weetmuts/beak/backup"
	"github.com/weetmuts/beak/beakerr"
	"github.com/weetmuts/beak/cmd/beak/subcommands"
	"github.com/weetmuts/beak/config"
	"github.com/weetmuts/beak/fspath"
	"github.com/weetmuts/beak/logger"
	"github.com/weetmuts/beak/statistics"
	"github.com/weetmuts/beak/storage"
	"github.com/weetmuts/beak/system"
)

func init() {
	subcommands.Register("push", cmd_push)
}

type multiFlag []string

func (m *multiFlag) String() string { return fmt.Sprint(*m) }
func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

// Push packs the origin and transfers only the segments the storage does
// not already hold. Segment names are content-derived, so name equality in
// the remote listing is the whole deduplication test; bad files (size
// mismatches from interrupted transfers) are re-pushed.
func cmd_push(ctx *appcontext.Context, args []string) int {
	opts := backup.DefaultOptions()
	var include, exclude multiFlag
	var quiet bool

	flags := flag.NewFlagSet("push", flag.ExitOnError)
	flags.Int64Var(&opts.TargetSize, "ta", opts.TargetSize, "target segment size in bytes")
	flags.StringVar(&opts.FingerprintAlgorithm, "fingerprint", opts.FingerprintAlgorithm, "fingerprint algorithm")
	flags.Var(&include, "i", "include glob, repeatable")
	flags.Var(&exclude, "e", "exclude glob, repeatable")
	flags.BoolVar(&quiet, "q", false, "no progress line")
	flags.Parse(args)

	if flags.NArg() != 2 {
		logger.Error("usage: beak push <origin|rule> <storage>")
		return 1
	}
	origin := flags.Arg(0)
	if cfg, err := config.Load(ctx.ConfigFile()); err == nil {
		if rule, ok := cfg.Rule(origin); ok {
			origin = rule.Origin
		}
	}
	loc, err := storage.ParseLocation(flags.Arg(1))
	if err != nil {
		logger.Error("%v", err)
		return beakerr.ExitCode(err)
	}
	backend, err := storage.ForLocation(loc)
	if err != nil {
		logger.Error("%v", err)
		return beakerr.ExitCode(err)
	}

	opts.Include = include
	opts.Exclude = exclude
	opts.NumWorkers = ctx.NumCPU

	b, err := backup.New(origin, opts)
	if err != nil {
		logger.Error("%v", err)
		return beakerr.ExitCode(err)
	}
	if err := b.Scan(); err != nil {
		logger.Error("%v", err)
		return beakerr.ExitCode(err)
	}

	listing, err := backend.List(loc)
	if err != nil {
		logger.Error("listing %s: %v", loc, err)
		return beakerr.ExitCode(err)
	}

	var missing []*backup.Segment
	b.Walk(func(dir *backup.Dir, seg *backup.Segment) {
		if !listing.HasGood(seg.VirtualPath()) {
			missing = append(missing, seg)
		}
	})
	if len(missing) == 0 {
		logger.Info("%s is up to date", loc)
		return 0
	}

	// Spool the missing segments into a temporary directory; the transport
	// gets an explicit file list so nothing else moves.
	spool, err := system.MkTempDir("beak_push")
	if err != nil {
		logger.Error("%v", err)
		return beakerr.ExitCode(err)
	}
	defer os.RemoveAll(spool)

	progress := statistics.New(quiet)
	files := make([]string, 0, len(missing))
	for _, seg := range missing {
		rel := seg.VirtualPath().UnRoot()
		if err := spoolSegment(b, seg, spool); err != nil {
			logger.Error("%v", err)
			return beakerr.ExitCode(err)
		}
		files = append(files, rel)
		progress.AddWork(seg.VirtualPath(), uint64(seg.Size()))
	}

	progress.StartDisplay()
	err = backend.Push(spool, loc, files, func(relPath string) {
		progress.RegisterStored(fspath.Lookup(relPath))
	})
	progress.FinishDisplay()
	if err != nil {
		logger.Error("pushing to %s: %v", loc, err)
		return beakerr.ExitCode(err)
	}
	logger.Info("pushed %d segments to %s", len(files), loc)
	return 0
}

func spoolSegment(b *backup.Backup, seg *backup.Segment, spool string) error {
	data, err := b.ReadSegment(seg)
	if err != nil {
		return err
	}
	abs := filepath.Join(spool, filepath.FromSlash(seg.VirtualPath().UnRoot()))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir for %s: %v", beakerr.ErrIO, abs, err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", beakerr.ErrIO, abs, err)
	}
	mtime := time.Unix(seg.Name.Secs, seg.Name.Nsecs)
	if err := os.Chtimes(abs, time.Now(), mtime); err != nil {
		return fmt.Errorf("%w: chtimes %s: %v", beakerr.ErrIO, abs, err)
	}
	return nil
}
