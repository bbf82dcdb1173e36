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
	"sort"
	"time"

	"github.com/weetmuts/beak/beakerr"
	"github.com/weetmuts/beak/fspath"
	"github.com/weetmuts/beak/logger"
)

const restoreChunk = 1 << 20

// Restore materializes one snapshot under dest. Directories come first,
// files stream through readEntry in chunks, and modes and mtimes are restored
// last so read-only directories do not block their own content.
func (r *Reverse) Restore(pt *PointInTime, dest string) error {
	if err := r.loadAll(pt); err != nil {
		return err
	}

	r.mu.Lock()
	paths := make([]*fspath.Path, 0, len(pt.entries))
	for path := range pt.entries {
		paths = append(paths, path)
	}
	r.mu.Unlock()
	sort.Slice(paths, func(i, j int) bool { return fspath.Less(paths[i], paths[j]) })

	type fixup struct {
		abs  string
		mode os.FileMode
		sec  int64
		nsec int64
	}
	var fixups []fixup

	for _, path := range paths {
		r.mu.Lock()
		e := pt.arena[pt.entries[path]]
		r.mu.Unlock()

		abs := filepath.Join(dest, filepath.FromSlash(path.UnRoot()))
		switch {
		case e.IsDir():
			if err := os.MkdirAll(abs, 0o700); err != nil {
				return fmt.Errorf("%w: mkdir %s: %v", beakerr.ErrIO, abs, err)
			}
			fixups = append(fixups, fixup{abs, e.Stat.Mode().Perm(), e.Stat.MtimeSec(), e.Stat.MtimeNsec()})
		case e.IsSymlink:
			_ = os.Remove(abs)
			if err := os.Symlink(e.Link, abs); err != nil {
				return fmt.Errorf("%w: symlink %s: %v", beakerr.ErrIO, abs, err)
			}
		case e.IsHardLink:
			target := filepath.Join(dest, filepath.FromSlash(e.Link))
			_ = os.Remove(abs)
			if err := os.Link(target, abs); err != nil {
				return fmt.Errorf("%w: link %s: %v", beakerr.ErrIO, abs, err)
			}
		case e.Stat.IsRegular():
			if err := r.restoreFile(pt, path, &e, abs); err != nil {
				return err
			}
			fixups = append(fixups, fixup{abs, e.Stat.Mode().Perm(), e.Stat.MtimeSec(), e.Stat.MtimeNsec()})
		default:
			// Devices and fifos need privileges to recreate; note and move on.
			logger.Warn("skipping special file %s", path)
		}
	}

	// Children before parents so directory mtimes survive.
	for i := len(fixups) - 1; i >= 0; i-- {
		f := fixups[i]
		if err := os.Chmod(f.abs, f.mode); err != nil {
			return fmt.Errorf("%w: chmod %s: %v", beakerr.ErrIO, f.abs, err)
		}
		mtime := time.Unix(f.sec, f.nsec)
		if err := os.Chtimes(f.abs, mtime, mtime); err != nil {
			return fmt.Errorf("%w: chtimes %s: %v", beakerr.ErrIO, f.abs, err)
		}
	}
	return nil
}

func (r *Reverse) restoreFile(pt *PointInTime, path *fspath.Path, e *Entry, abs string) error {
	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", beakerr.ErrIO, abs, err)
	}
	defer f.Close()

	r.mu.Lock()
	dir := path.Parent()
	tars := pt.tars[dir]
	r.mu.Unlock()

	for off := int64(0); off < e.Stat.Size(); off += restoreChunk {
		data, err := r.readEntry(e, dir, tars, off, restoreChunk)
		if err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			return fmt.Errorf("%w: write %s: %v", beakerr.ErrIO, abs, err)
		}
	}
	return nil
}

// loadAll parses every index segment the snapshot references, walking the
// tree of directories until none are pending.
func (r *Reverse) loadAll(pt *PointInTime) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		var pending []*fspath.Path
		for dir, gz := range pt.gzFiles {
			if !pt.loadedGzFiles[gz] {
				pending = append(pending, dir)
			}
		}
		if len(pending) == 0 {
			return nil
		}
		sort.Slice(pending, func(i, j int) bool { return fspath.Less(pending[i], pending[j]) })
		for _, dir := range pending {
			if err := r.loadGz(pt, pt.gzFiles[dir], dir); err != nil {
				return err
			}
		}
	}
}

// ReferencedFiles returns the storage-relative paths of every segment the
// snapshot needs: its index segments and the payload segments they point
// at. Prune keeps the union over the snapshots it retains and deletes the
// rest.
func (r *Reverse) ReferencedFiles(pt *PointInTime) ([]string, error) {
	if err := r.loadAll(pt); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool)
	var out []string
	add := func(path *fspath.Path) {
		rel := path.UnRoot()
		if !seen[rel] {
			seen[rel] = true
			out = append(out, rel)
		}
	}

	for _, gz := range pt.gzFiles {
		add(gz)
	}
	for dir, tars := range pt.tars {
		for _, t := range tars {
			add(dir.Prepend(r.rootDir).Append(t.TarfileLocation))
		}
	}
	sort.Strings(out)
	return out, nil
}
