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

// Package local stores segments in a directory on the same machine. Pushing
// an already present file with matching size and mtime is a no-op, which is
// what makes repeated stores of unchanged trees cheap.
package local

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/weetmuts/beak/beakerr"
	"github.com/weetmuts/beak/logger"
	"github.com/weetmuts/beak/storage"
)

type localBackend struct{}

func init() {
	storage.Register(storage.Local, &localBackend{})
}

func (be *localBackend) List(loc *storage.Location) (*storage.Listing, error) {
	listing := storage.NewListing()

	root := filepath.Clean(loc.Raw)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("%w: listing %s: %v", beakerr.ErrIO, path, err)
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("%w: stat %s: %v", beakerr.ErrIO, path, err)
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		listing.Classify(filepath.ToSlash(rel), info.Size())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return listing, nil
}

func (be *localBackend) Push(localDir string, loc *storage.Location, files []string, progress func(string)) error {
	if files == nil {
		var err error
		files, err = allFilesUnder(localDir)
		if err != nil {
			return err
		}
	}
	for _, rel := range files {
		src := filepath.Join(localDir, filepath.FromSlash(rel))
		dst := filepath.Join(loc.Raw, filepath.FromSlash(rel))
		stored, err := copyUnlessUnchanged(src, dst)
		if err != nil {
			return err
		}
		if stored {
			logger.Trace("storage", "stored %s", rel)
		}
		if progress != nil {
			progress(rel)
		}
	}
	return nil
}

func (be *localBackend) Fetch(loc *storage.Location, files []string, localDir string) error {
	for _, rel := range files {
		src := filepath.Join(loc.Raw, filepath.FromSlash(rel))
		dst := filepath.Join(localDir, filepath.FromSlash(rel))
		if _, err := copyUnlessUnchanged(src, dst); err != nil {
			return err
		}
	}
	return nil
}

func (be *localBackend) Remove(loc *storage.Location, files []string) error {
	for _, rel := range files {
		path := filepath.Join(loc.Raw, filepath.FromSlash(rel))
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: remove %s: %v", beakerr.ErrIO, path, err)
		}
	}
	return nil
}

func allFilesUnder(dir string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("%w: walking %s: %v", beakerr.ErrIO, path, err)
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	return out, err
}

// copyUnlessUnchanged copies src to dst unless dst already matches src's
// size and mtime. The mtime is carried over so the check holds on the next
// run.
func copyUnlessUnchanged(src, dst string) (bool, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return false, fmt.Errorf("%w: stat %s: %v", beakerr.ErrIO, src, err)
	}
	if dstInfo, err := os.Stat(dst); err == nil {
		if dstInfo.Size() == srcInfo.Size() && dstInfo.ModTime().Equal(srcInfo.ModTime()) {
			return false, nil
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, fmt.Errorf("%w: mkdir for %s: %v", beakerr.ErrIO, dst, err)
	}
	in, err := os.Open(src)
	if err != nil {
		return false, fmt.Errorf("%w: open %s: %v", beakerr.ErrIO, src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return false, fmt.Errorf("%w: create %s: %v", beakerr.ErrIO, dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return false, fmt.Errorf("%w: copy %s: %v", beakerr.ErrIO, dst, err)
	}
	if err := out.Close(); err != nil {
		return false, fmt.Errorf("%w: close %s: %v", beakerr.ErrIO, dst, err)
	}
	mtime := srcInfo.ModTime()
	if err := os.Chtimes(dst, time.Now(), mtime); err != nil {
		return false, fmt.Errorf("%w: chtimes %s: %v", beakerr.ErrIO, dst, err)
	}
	return true, nil
}
