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

package mount

import (
	"context"
	"flag"
	"fmt"

	"github.com/jacobsa/fuse"

	"github.com/weetmuts/beak/appcontext"
	"github.com/weetmuts/beak/backup"
	"github.com/weetmuts/beak/beakerr"
	"github.com/weetmuts/beak/beakfs"
	"github.com/weetmuts/beak/cmd/beak/subcommands"
	"github.com/weetmuts/beak/config"
	"github.com/weetmuts/beak/logger"
)

func init() {
	subcommands.Register("mount", cmd_mount)
}

type multiFlag []string

func (m *multiFlag) String() string { return fmt.Sprint(*m) }
func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}

func cmd_mount(ctx *appcontext.Context, args []string) int {
	opts := backup.DefaultOptions()
	var include, exclude multiFlag

	flags := flag.NewFlagSet("mount", flag.ExitOnError)
	flags.Int64Var(&opts.TargetSize, "ta", opts.TargetSize, "target segment size in bytes")
	flags.StringVar(&opts.FingerprintAlgorithm, "fingerprint", opts.FingerprintAlgorithm, "fingerprint algorithm")
	flags.Var(&include, "i", "include glob, repeatable")
	flags.Var(&exclude, "e", "exclude glob, repeatable")
	flags.Parse(args)

	if flags.NArg() != 2 {
		logger.Error("usage: beak mount <origin|rule> <mountpoint>")
		return 1
	}
	origin := flags.Arg(0)
	if cfg, err := config.Load(ctx.ConfigFile()); err == nil {
		if rule, ok := cfg.Rule(origin); ok {
			origin = rule.Origin
		}
	}
	mountpoint := flags.Arg(1)

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

	mfs, err := beakfs.Mount(b, mountpoint)
	if err != nil {
		logger.Error("mounting %s: %v", mountpoint, err)
		return 1
	}
	ctx.Shutdown.OnExit(func() {
		_ = fuse.Unmount(mountpoint)
	})

	logger.Info("mounted %s on %s", origin, mountpoint)
	if err := mfs.Join(context.Background()); err != nil {
		logger.Error("mount %s: %v", mountpoint, err)
		return 1
	}
	return 0
}
