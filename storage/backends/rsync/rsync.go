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

// Package rsync drives the rsync tool. Listing parses rsync --list-only
// output; transfers use --files-from so only the wanted segments move.
// rsync remotes cannot delete through the transfer syntax, so Remove is
// unsupported there.
package rsync

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/weetmuts/beak/beakerr"
	"github.com/weetmuts/beak/storage"
	"github.com/weetmuts/beak/system"
)

type rsyncBackend struct{}

func init() {
	storage.Register(storage.RsyncLike, &rsyncBackend{})
}

func (be *rsyncBackend) List(loc *storage.Location) (*storage.Listing, error) {
	out, err := system.Invoke("rsync", []string{"--list-only", "-r", loc.Raw + "/"}, nil)
	if err != nil {
		return nil, err
	}

	listing := storage.NewListing()
	for _, line := range strings.Split(string(out), "\n") {
		rel, size, ok, err := parseListLine(line)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		listing.Classify(rel, size)
	}
	return listing, nil
}

// parseListLine splits one rsync --list-only line:
//
//	-rw-rw-r--         15,920 2018/05/26 08:43:32 dir/z_...gz
//
// Directories and the "." entry are skipped, not errors.
func parseListLine(line string) (rel string, size int64, ok bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", 0, false, nil
	}
	if len(fields) < 5 {
		return "", 0, false, fmt.Errorf("%w: rsync list line %q", beakerr.ErrParse, line)
	}
	if !strings.HasPrefix(fields[0], "-") {
		return "", 0, false, nil
	}
	size, err = strconv.ParseInt(strings.ReplaceAll(fields[1], ",", ""), 10, 64)
	if err != nil {
		return "", 0, false, fmt.Errorf("%w: rsync list size %q", beakerr.ErrParse, fields[1])
	}
	rel = strings.Join(fields[4:], " ")
	return rel, size, true, nil
}

func filesFrom(files []string) (string, func(), error) {
	if files == nil {
		return "", func() {}, nil
	}
	tmp, err := system.MkTempFile("beak_transfer", strings.Join(files, "\n")+"\n")
	if err != nil {
		return "", nil, err
	}
	return tmp, func() { _ = os.Remove(tmp) }, nil
}

func (be *rsyncBackend) Push(localDir string, loc *storage.Location, files []string, progress func(string)) error {
	tmp, cleanup, err := filesFrom(files)
	if err != nil {
		return err
	}
	defer cleanup()

	args := []string{"-av"}
	if tmp != "" {
		args = append(args, "--files-from", tmp)
	}
	args = append(args, localDir+"/", loc.Raw)

	_, err = system.Invoke("rsync", args, func(line string) {
		line = strings.TrimSpace(line)
		if progress != nil && (strings.HasSuffix(line, ".tar") || strings.HasSuffix(line, ".gz")) {
			progress(line)
		}
	})
	return err
}

func (be *rsyncBackend) Fetch(loc *storage.Location, files []string, localDir string) error {
	tmp, cleanup, err := filesFrom(files)
	if err != nil {
		return err
	}
	defer cleanup()

	args := []string{"-av"}
	if tmp != "" {
		args = append(args, "--files-from", tmp)
	}
	args = append(args, loc.Raw+"/", localDir)

	_, err = system.Invoke("rsync", args, nil)
	return err
}

func (be *rsyncBackend) Remove(loc *storage.Location, files []string) error {
	return fmt.Errorf("%w: rsync storages cannot delete", beakerr.ErrUnsupported)
}
