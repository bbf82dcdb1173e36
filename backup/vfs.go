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

package backup

import (
	"fmt"
	"os"

	"github.com/weetmuts/beak/beakerr"
	"github.com/weetmuts/beak/fspath"
	"github.com/weetmuts/beak/objects"
)

// The virtual filesystem over the packed tree. Reads are stateless and
// reentrant: the layout is sealed by Scan, so the same (path, offset, size)
// always synthesizes the same bytes, and no lock is taken.

// Getattr resolves a virtual path to a stat: directories mirror the origin,
// segment files are read-only regulars sized by their encoded bytes and
// dated from their name.
func (b *Backup) Getattr(path *fspath.Path) (*objects.FileStat, error) {
	if dir, ok := b.dirs[path]; ok {
		return &objects.FileStat{
			Lmode:      os.ModeDir | 0o500,
			Luid:       dir.stat.Uid(),
			Lgid:       dir.stat.Gid(),
			LmtimeSec:  dir.stat.MtimeSec(),
			LmtimeNsec: dir.stat.MtimeNsec(),
		}, nil
	}
	if seg, ok := b.segmentsByPath[path]; ok {
		return &objects.FileStat{
			Lmode:      0o444,
			Lsize:      seg.size,
			LmtimeSec:  seg.Name.Secs,
			LmtimeNsec: seg.Name.Nsecs,
		}, nil
	}
	return nil, fmt.Errorf("%w: %s", beakerr.ErrNotFound, path)
}

// Readdir lists a virtual directory: child directories first, then the
// payload segments in emission order, then the index segment.
func (b *Backup) Readdir(path *fspath.Path) ([]string, error) {
	dir, ok := b.dirs[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", beakerr.ErrNotFound, path)
	}
	names := make([]string, 0, len(dir.subdirs)+len(dir.segments)+1)
	for _, sub := range dir.subdirs {
		names = append(names, sub.path.Name())
	}
	for _, seg := range dir.segments {
		names = append(names, seg.Name.String())
	}
	names = append(names, dir.indexSegment.Name.String())
	return names, nil
}

// Readlink is defined for reverse mounts only; the forward tree holds no
// symlinks.
func (b *Backup) Readlink(path *fspath.Path) (string, error) {
	return "", fmt.Errorf("%w: %s is not a symlink", beakerr.ErrNotFound, path)
}

// ReadAt synthesizes the byte range [offset, offset+size) of a segment
// without materializing it: header regions come from the precomputed header
// blocks, content regions from the origin file, padding and the two
// terminal blocks are zeros.
func (b *Backup) ReadAt(path *fspath.Path, offset int64, size int) ([]byte, error) {
	seg, ok := b.segmentsByPath[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", beakerr.ErrNotFound, path)
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: negative offset", beakerr.ErrIO)
	}
	if offset >= seg.size {
		return []byte{}, nil
	}
	end := offset + int64(size)
	if end > seg.size {
		end = seg.size
	}
	out := make([]byte, end-offset)

	if seg.Name.IsIndex() {
		copy(out, seg.dir.indexBytes[offset:end])
		return out, nil
	}

	for _, m := range seg.members {
		// Header region.
		if err := sliceInto(out, offset, m.headerOff, m.header); err != nil {
			return nil, err
		}
		// Content region, read straight from the origin.
		if m.partLen > 0 {
			if err := b.sliceContent(out, offset, m); err != nil {
				return nil, err
			}
		}
	}
	// Regions not covered above (block padding, terminal blocks) stay zero.
	return out, nil
}

// sliceInto copies the overlap of src (placed at srcOff in the segment) into
// out (which starts at outOff in the segment).
func sliceInto(out []byte, outOff, srcOff int64, src []byte) error {
	srcEnd := srcOff + int64(len(src))
	outEnd := outOff + int64(len(out))
	if srcEnd <= outOff || srcOff >= outEnd {
		return nil
	}
	from := int64(0)
	to := srcOff - outOff
	if to < 0 {
		from = -to
		to = 0
	}
	copy(out[to:], src[from:])
	return nil
}

func (b *Backup) sliceContent(out []byte, outOff int64, m *member) error {
	srcOff := m.contentOff
	srcEnd := srcOff + m.partLen
	outEnd := outOff + int64(len(out))
	if srcEnd <= outOff || srcOff >= outEnd {
		return nil
	}

	start := srcOff
	if outOff > start {
		start = outOff
	}
	end := srcEnd
	if outEnd < end {
		end = outEnd
	}

	f, err := os.Open(m.entry.abs)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", beakerr.ErrIO, m.entry.abs, err)
	}
	defer f.Close()

	fileOff := m.partOff + (start - srcOff)
	buf := out[start-outOff : end-outOff]
	if _, err := f.ReadAt(buf, fileOff); err != nil {
		return fmt.Errorf("%w: read %s at %d: %v", beakerr.ErrIO, m.entry.abs, fileOff, err)
	}
	return nil
}

// SegmentSize reports the encoded length of the segment at path.
func (b *Backup) SegmentSize(path *fspath.Path) (int64, error) {
	seg, ok := b.segmentsByPath[path]
	if !ok {
		return 0, fmt.Errorf("%w: %s", beakerr.ErrNotFound, path)
	}
	return seg.size, nil
}

// ReadSegment returns the complete bytes of one segment; push spools
// segments through this.
func (b *Backup) ReadSegment(seg *Segment) ([]byte, error) {
	return b.ReadAt(seg.VirtualPath(), 0, int(seg.size))
}
