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

package reverse

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/weetmuts/beak/beakerr"
	"github.com/weetmuts/beak/fspath"
	"github.com/weetmuts/beak/objects"
)

// DirStore serves a local directory of segments as a Store, for mounting a
// storage that already sits on the machine without copying it through a
// cache.
type DirStore struct {
	root string
}

func NewDirStore(root string) *DirStore {
	return &DirStore{root: filepath.Clean(root)}
}

func (d *DirStore) abs(path *fspath.Path) string {
	return filepath.Join(d.root, filepath.FromSlash(path.UnRoot()))
}

func (d *DirStore) Getattr(path *fspath.Path) (*objects.FileStat, error) {
	info, err := os.Lstat(d.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", beakerr.ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: lstat %s: %v", beakerr.ErrIO, path, err)
	}
	return objects.FileStatFromInfo(info), nil
}

func (d *DirStore) Readdir(path *fspath.Path) ([]string, error) {
	entries, err := os.ReadDir(d.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", beakerr.ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: readdir %s: %v", beakerr.ErrIO, path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (d *DirStore) ReadAt(path *fspath.Path, offset int64, size int) ([]byte, error) {
	f, err := os.Open(d.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", beakerr.ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: open %s: %v", beakerr.ErrIO, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat %s: %v", beakerr.ErrIO, path, err)
	}
	if offset >= info.Size() {
		return []byte{}, nil
	}
	end := offset + int64(size)
	if end > info.Size() {
		end = info.Size()
	}
	buf := make([]byte, end-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("%w: read %s at %d: %v", beakerr.ErrIO, path, offset, err)
	}
	return buf, nil
}

func (d *DirStore) ReadFile(path *fspath.Path) ([]byte, error) {
	data, err := os.ReadFile(d.abs(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", beakerr.ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: read %s: %v", beakerr.ErrIO, path, err)
	}
	return data, nil
}
