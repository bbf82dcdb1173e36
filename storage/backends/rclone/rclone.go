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

// Package rclone drives the rclone tool for remotes beak has no native
// client for. Listing parses "size name" lines from rclone ls; transfers
// pass an include-from file so only the wanted segments move; progress is
// scraped from rclone's verbose output.
package rclone

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/weetmuts/beak/beakerr"
	"github.com/weetmuts/beak/storage"
	"github.com/weetmuts/beak/system"
)

type rcloneBackend struct{}

func init() {
	storage.Register(storage.RcloneLike, &rcloneBackend{})
}

func (be *rcloneBackend) List(loc *storage.Location) (*storage.Listing, error) {
	out, err := system.Invoke("rclone", []string{"ls", loc.Raw}, nil)
	if err != nil {
		return nil, err
	}

	listing := storage.NewListing()
	for _, line := range strings.Split(string(out), "\n") {
		// Example line:
		// 12288 z_1506595429.268937346_0_7eb62d8e...5b6_0.gz
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sizeField, name, found := strings.Cut(line, " ")
		if !found {
			return nil, fmt.Errorf("%w: rclone ls line %q", beakerr.ErrParse, line)
		}
		size, err := strconv.ParseInt(sizeField, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: rclone ls size %q", beakerr.ErrParse, sizeField)
		}
		listing.Classify(strings.TrimSpace(name), size)
	}
	return listing, nil
}

// ScrapeCopied pulls the transferred path out of one line of rclone -v
// output:
//
//	2018/01/29 20:05:36 INFO  : code/src/s_15171..._0.tar: Copied (new)
//
// The path sits between the first " : " after the timestamp and the ":"
// preceding the status word.
func ScrapeCopied(line string) (string, bool) {
	if !strings.Contains(line, "Copied") {
		return "", false
	}
	from := strings.Index(line, " : ")
	if from < 0 {
		return "", false
	}
	from += 3
	to := strings.LastIndex(line, ": ")
	if to <= from {
		return "", false
	}
	return line[from:to], true
}

func includeFile(files []string) (string, func(), error) {
	if files == nil {
		return "", func() {}, nil
	}
	tmp, err := system.MkTempFile("beak_transfer", strings.Join(files, "\n")+"\n")
	if err != nil {
		return "", nil, err
	}
	return tmp, func() { _ = os.Remove(tmp) }, nil
}

func (be *rcloneBackend) Push(localDir string, loc *storage.Location, files []string, progress func(string)) error {
	tmp, cleanup, err := includeFile(files)
	if err != nil {
		return err
	}
	defer cleanup()

	args := []string{"copy", "-v"}
	if tmp != "" {
		args = append(args, "--include-from", tmp)
	}
	args = append(args, localDir, loc.Raw)

	_, err = system.Invoke("rclone", args, func(line string) {
		if path, ok := ScrapeCopied(line); ok && progress != nil {
			progress(path)
		}
	})
	return err
}

func (be *rcloneBackend) Fetch(loc *storage.Location, files []string, localDir string) error {
	tmp, cleanup, err := includeFile(files)
	if err != nil {
		return err
	}
	defer cleanup()

	args := []string{"copy"}
	if tmp != "" {
		args = append(args, "--include-from", tmp)
	}
	args = append(args, loc.Raw, localDir)

	_, err = system.Invoke("rclone", args, nil)
	return err
}

func (be *rcloneBackend) Remove(loc *storage.Location, files []string) error {
	tmp, cleanup, err := includeFile(files)
	if err != nil {
		return err
	}
	defer cleanup()

	args := []string{"delete"}
	if tmp != "" {
		args = append(args, "--include-from", tmp)
	}
	args = append(args, loc.Raw)

	_, err = system.Invoke("rclone", args, nil)
	return err
}
