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

package store

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
	"github.com/weetmuts/beak/logger"
	"github.com/weetmuts/beak/statistics"
)

func init() {
	subcommands.Register("store", cmd_store)
}

type multiFlag []string

func (m *multiFlag) String() string { return fmt.Sprint(*m) }
func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func cmd_store(ctx *appcontext.Context, args []string) int {
	opts := backup.DefaultOptions()
	var include, exclude multiFlag
	var quiet bool

	flags := flag.NewFlagSet("store", flag.ExitOnError)
	flags.Int64Var(&opts.TargetSize, "ta", opts.TargetSize, "target segment size in bytes")
	flags.StringVar(&opts.FingerprintAlgorithm, "fingerprint", opts.FingerprintAlgorithm, "fingerprint algorithm")
	flags.Var(&include, "i", "include glob, repeatable")
	flags.Var(&exclude, "e", "exclude glob, repeatable")
	flags.BoolVar(&quiet, "q", false, "no progress line")
	flags.Parse(args)

	if flags.NArg() != 2 {
		logger.Error("usage: beak store <origin|rule> <directory>")
		return 1
	}
	origin, err := resolveOrigin(ctx, flags.Arg(0))
	if err != nil {
		logger.Error("%v", err)
		return beakerr.ExitCode(err)
	}
	dest := flags.Arg(1)

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

	progress := statistics.New(quiet)
	b.Walk(func(dir *backup.Dir, seg *backup.Segment) {
		progress.AddWork(seg.VirtualPath(), uint64(seg.Size()))
	})
	progress.StartDisplay()
	defer progress.FinishDisplay()

	var storeErr error
	b.Walk(func(dir *backup.Dir, seg *backup.Segment) {
		if storeErr != nil {
			return
		}
		if err := storeSegment(b, seg, dest); err != nil {
			storeErr = err
			return
		}
		progress.RegisterStored(seg.VirtualPath())
	})
	if storeErr != nil {
		logger.Error("%v", storeErr)
		return beakerr.ExitCode(storeErr)
	}
	return 0
}

// resolveOrigin maps a rule name from beak.conf to its origin directory;
// anything else is taken as a directory path.
func resolveOrigin(ctx *appcontext.Context, arg string) (string, error) {
	cfg, err := config.Load(ctx.ConfigFile())
	if err != nil {
		return "", err
	}
	if rule, ok := cfg.Rule(arg); ok {
		return rule.Origin, nil
	}
	return arg, nil
}

// storeSegment writes one segment unless the destination already carries it
// with matching size and mtime; segment names are content-derived, so a
// match means the bytes are identical.
func storeSegment(b *backup.Backup, seg *backup.Segment, dest string) error {
	rel := seg.VirtualPath().UnRoot()
	abs := filepath.Join(dest, filepath.FromSlash(rel))
	mtime := time.Unix(seg.Name.Secs, seg.Name.Nsecs)

	if info, err := os.Stat(abs); err == nil {
		if info.Size() == seg.Size() && info.ModTime().Equal(mtime) {
			return nil
		}
	}

	data, err := b.ReadSegment(seg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("%w: mkdir for %s: %v", beakerr.ErrIO, abs, err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", beakerr.ErrIO, abs, err)
	}
	if err := os.Chtimes(abs, time.Now(), mtime); err != nil {
		return fmt.Errorf("%w: chtimes %s: %v", beakerr.ErrIO, abs, err)
	}
	return nil
}
