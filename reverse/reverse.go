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

// Package reverse reconstructs origin trees from a storage of segments.
// Top-level index segments anchor the points in time; everything below them
// is loaded lazily, one index segment at a time, the first time a path under
// it is touched. A single coarse mutex guards the load path and every entry
// lookup, also after all indexes are loaded; ReadAt copies the entry out
// under the mutex and reads segment bytes after releasing it.
package reverse

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/weetmuts/beak/beakerr"
	"github.com/weetmuts/beak/compression"
	"github.com/weetmuts/beak/fspath"
	"github.com/weetmuts/beak/index"
	"github.com/weetmuts/beak/logger"
	"github.com/weetmuts/beak/objects"
	"github.com/weetmuts/beak/segment"
)

// Store is the read surface the loader needs from a segment store; both
// cachefs.CacheFS and DirStore satisfy it.
type Store interface {
	Getattr(path *fspath.Path) (*objects.FileStat, error)
	Readdir(path *fspath.Path) ([]string, error)
	ReadAt(path *fspath.Path, offset int64, size int) ([]byte, error)
	ReadFile(path *fspath.Path) ([]byte, error)
}

// Entry is one node of a reconstructed tree. Children are arena indices, so
// the tree carries no pointer cycles and dropping the PointInTime frees
// everything.
type Entry struct {
	Stat objects.FileStat
	Path *fspath.Path

	Tar    string
	Offset int64

	Link       string
	IsSymlink  bool
	IsHardLink bool

	NumParts     uint
	PartOffset   int64
	PartSize     int64
	LastPartSize int64

	Children []int
	Loaded   bool
}

func (e *Entry) IsDir() bool {
	return e.Stat.IsDir()
}

// PointInTime is one snapshot, anchored by a top-level index segment.
type PointInTime struct {
	Key   int
	Secs  int64
	Nsecs int64

	Ago      string
	DateTime string
	DirEntry string
	Filename string

	arena   []Entry
	entries map[*fspath.Path]int

	// gzFiles maps an origin directory to the storage path of its index
	// segment; loadedGzFiles tracks which have been parsed.
	gzFiles       map[*fspath.Path]*fspath.Path
	loadedGzFiles map[*fspath.Path]bool

	// tars lists the payload tar records per origin directory, for part
	// segment lookup of split files.
	tars map[*fspath.Path][]*index.Tar
}

func (p *PointInTime) Timespec() (int64, int64) {
	return p.Secs, p.Nsecs
}

const dateTimeLayout = "2006-01-02 15:04:05"

type Reverse struct {
	mu sync.Mutex

	store   Store
	rootDir *fspath.Path

	history     []*PointInTime
	byDirEntry  map[string]*PointInTime
	single      *PointInTime
	selectorSet bool
}

// New builds a loader over a store; rootDir is where the points in time live
// within it, normally the root.
func New(store Store, rootDir *fspath.Path) *Reverse {
	if rootDir == nil {
		rootDir = fspath.Root()
	}
	return &Reverse{
		store:      store,
		rootDir:    rootDir,
		byDirEntry: make(map[string]*PointInTime),
	}
}

// Discover scans the storage top level for index segments and builds the
// history, newest first. Key 0 is always the most recent snapshot.
func (r *Reverse) Discover() error {
	names, err := r.store.Readdir(r.rootDir)
	if err != nil {
		return err
	}

	type anchor struct {
		name segment.Name
		file string
	}
	anchors := make([]anchor, 0, len(names))
	for _, name := range names {
		n, err := segment.Parse(name)
		if err != nil || !n.IsIndex() {
			continue
		}
		anchors = append(anchors, anchor{n, name})
	}
	sort.Slice(anchors, func(i, j int) bool {
		a, b := anchors[i].name, anchors[j].name
		if a.Secs != b.Secs {
			return a.Secs > b.Secs
		}
		if a.Nsecs != b.Nsecs {
			return a.Nsecs > b.Nsecs
		}
		return anchors[i].file < anchors[j].file
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = r.history[:0]
	r.byDirEntry = make(map[string]*PointInTime)
	for i, a := range anchors {
		ts := time.Unix(a.name.Secs, a.name.Nsecs)
		pt := &PointInTime{
			Key:           i,
			Secs:          a.name.Secs,
			Nsecs:         a.name.Nsecs,
			Ago:           humanize.Time(ts),
			DateTime:      ts.Format(dateTimeLayout),
			Filename:      a.file,
			entries:       make(map[*fspath.Path]int),
			gzFiles:       make(map[*fspath.Path]*fspath.Path),
			loadedGzFiles: make(map[*fspath.Path]bool),
			tars:          make(map[*fspath.Path][]*index.Tar),
		}
		pt.DirEntry = fmt.Sprintf("@%d %s", i, strings.ReplaceAll(pt.DateTime, " ", "_"))

		// The root entry exists up front; its children arrive when the top
		// index segment is parsed.
		pt.arena = append(pt.arena, Entry{
			Stat: objects.FileStat{Lmode: os.ModeDir | 0o500, LmtimeSec: pt.Secs, LmtimeNsec: pt.Nsecs},
			Path: fspath.Root(),
		})
		pt.entries[fspath.Root()] = 0
		pt.gzFiles[fspath.Root()] = fspath.Lookup(a.file).Prepend(r.rootDir)

		r.history = append(r.history, pt)
		r.byDirEntry[pt.DirEntry] = pt
	}
	logger.Trace("reverse", "discovered %d points in time under %s", len(r.history), r.rootDir)
	return nil
}

// History returns the discovered points, newest first.
func (r *Reverse) History() []*PointInTime {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*PointInTime(nil), r.history...)
}

// Find resolves a snapshot selector: "@N" counts back from the newest,
// an absolute "2006-01-02 15:04:05" matches the formatted timestamp, and a
// bare integer matches the anchor's whole seconds.
func (r *Reverse) Find(selector string) (*PointInTime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(selector)
}

func (r *Reverse) findLocked(selector string) (*PointInTime, error) {
	if strings.HasPrefix(selector, "@") {
		n, err := strconv.Atoi(selector[1:])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: snapshot selector %q", beakerr.ErrParse, selector)
		}
		if n >= len(r.history) {
			return nil, fmt.Errorf("%w: no snapshot %s", beakerr.ErrNotFound, selector)
		}
		return r.history[n], nil
	}
	for _, pt := range r.history {
		if pt.DateTime == selector {
			return pt, nil
		}
	}
	if secs, err := strconv.ParseInt(selector, 10, 64); err == nil {
		for _, pt := range r.history {
			if pt.Secs == secs {
				return pt, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no snapshot matches %q", beakerr.ErrNotFound, selector)
}

// SetSingle pins the mount to one snapshot. With a single point set, the
// mount root is the origin tree itself; otherwise the root lists one
// directory per point in time. A selector that matches nothing leaves the
// mount answering ENOENT, as an unmatched mount should.
func (r *Reverse) SetSingle(selector string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selectorSet = true
	pt, err := r.findLocked(selector)
	if err != nil {
		r.single = nil
		return err
	}
	r.single = pt
	return nil
}

// resolve splits a mount path into the point in time and the origin path.
// Called with mu held.
func (r *Reverse) resolve(path *fspath.Path) (*PointInTime, *fspath.Path, error) {
	if r.single != nil {
		return r.single, path, nil
	}
	if r.selectorSet || len(r.history) == 0 {
		return nil, nil, fmt.Errorf("%w: %s", beakerr.ErrNotFound, path)
	}
	if path.IsRoot() {
		return nil, nil, nil // the synthetic listing of points
	}
	direntry := topComponent(path)
	pt, ok := r.byDirEntry[direntry]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", beakerr.ErrNotFound, path)
	}
	return pt, path.Subpath(1), nil
}

func topComponent(p *fspath.Path) string {
	s := p.UnRoot()
	if i := strings.IndexByte(s, '/'); i >= 0 {
		return s[:i]
	}
	return s
}

// Getattr resolves a mount path to a stat.
func (r *Reverse) Getattr(path *fspath.Path) (*objects.FileStat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pt, origin, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	if pt == nil {
		return &objects.FileStat{Lmode: os.ModeDir | 0o500}, nil
	}
	e, err := r.findEntry(pt, origin)
	if err != nil {
		return nil, err
	}
	stat := e.Stat
	return &stat, nil
}

// Readdir lists a mount directory.
func (r *Reverse) Readdir(path *fspath.Path) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pt, origin, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	if pt == nil {
		names := make([]string, 0, len(r.history))
		for _, p := range r.history {
			names = append(names, p.DirEntry)
		}
		return names, nil
	}

	e, err := r.findEntry(pt, origin)
	if err != nil {
		return nil, err
	}
	if !e.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", beakerr.ErrNotFound, path)
	}
	if err := r.ensureDirLoaded(pt, origin); err != nil {
		return nil, err
	}
	e = &pt.arena[pt.entries[origin]]
	names := make([]string, 0, len(e.Children))
	for _, idx := range e.Children {
		names = append(names, pt.arena[idx].Path.Name())
	}
	return names, nil
}

// Readlink resolves a symlink in the mounted tree.
func (r *Reverse) Readlink(path *fspath.Path) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pt, origin, err := r.resolve(path)
	if err != nil {
		return "", err
	}
	if pt == nil {
		return "", fmt.Errorf("%w: %s is not a symlink", beakerr.ErrNotFound, path)
	}
	e, err := r.findEntry(pt, origin)
	if err != nil {
		return "", err
	}
	if !e.IsSymlink {
		return "", fmt.Errorf("%w: %s is not a symlink", beakerr.ErrNotFound, path)
	}
	return e.Link, nil
}

// ReadAt reads a slice of a file in the mounted tree, seeking into the
// containing segments at the entry's recorded offsets.
func (r *Reverse) ReadAt(path *fspath.Path, offset int64, size int) ([]byte, error) {
	r.mu.Lock()
	pt, origin, err := r.resolve(path)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if pt == nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is a directory", beakerr.ErrNotFound, path)
	}
	e, err := r.findEntry(pt, origin)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	if e.IsHardLink {
		// A hard link member stores no bytes of its own.
		target := fspath.Lookup(e.Link)
		e, err = r.findEntry(pt, target)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		origin = target
	}
	entry := *e
	dir := origin.Parent()
	tars := pt.tars[dir]
	r.mu.Unlock()

	return r.readEntry(&entry, dir, tars, offset, size)
}

// readEntry runs without the lock: the entry and tar records are copied out
// and segments are immutable.
func (r *Reverse) readEntry(e *Entry, dir *fspath.Path, tars []*index.Tar, offset int64, size int) ([]byte, error) {
	if offset < 0 {
		return nil, fmt.Errorf("%w: negative offset", beakerr.ErrIO)
	}
	if offset >= e.Stat.Size() {
		return []byte{}, nil
	}
	end := offset + int64(size)
	if end > e.Stat.Size() {
		end = e.Stat.Size()
	}
	out := make([]byte, end-offset)

	if e.NumParts <= 1 {
		segPath := dir.Prepend(r.rootDir).Append(e.Tar)
		if _, err := r.readSlice(segPath, e.Offset+offset, out); err != nil {
			return nil, err
		}
		return out, nil
	}

	// Split file: walk the parts intersecting [offset, end).
	for part := uint(offset / e.PartSize); part < e.NumParts; part++ {
		partStart := int64(part) * e.PartSize
		partLen := e.PartSize
		if part == e.NumParts-1 {
			partLen = e.LastPartSize
		}
		if partStart >= end {
			break
		}
		from := offset
		if partStart > from {
			from = partStart
		}
		to := partStart + partLen
		if end < to {
			to = end
		}
		if to <= from {
			continue
		}
		segName, err := partSegment(tars, e.Path.Name(), part)
		if err != nil {
			return nil, err
		}
		segPath := dir.Prepend(r.rootDir).Append(segName)
		buf := out[from-offset : to-offset]
		if _, err := r.readSlice(segPath, e.PartOffset+(from-partStart), buf); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Reverse) readSlice(segPath *fspath.Path, offset int64, buf []byte) (int, error) {
	data, err := r.store.ReadAt(segPath, offset, len(buf))
	if err != nil {
		return 0, err
	}
	if len(data) < len(buf) {
		return copy(buf, data), fmt.Errorf("%w: segment %s truncated", beakerr.ErrIntegrity, segPath)
	}
	return copy(buf, data), nil
}

// partSegment finds the payload segment holding one part of a split file.
func partSegment(tars []*index.Tar, name string, part uint) (string, error) {
	for _, t := range tars {
		if t.FirstName != name || t.LastName != name {
			continue
		}
		n, err := segment.Parse(t.TarfileLocation)
		if err != nil {
			continue
		}
		if n.Part == part {
			return t.TarfileLocation, nil
		}
	}
	return "", fmt.Errorf("%w: part %d of %s has no segment", beakerr.ErrNotFound, part, name)
}

// findEntry returns the entry for an origin path, loading index segments on
// the way down as needed. Called with mu held.
func (r *Reverse) findEntry(pt *PointInTime, path *fspath.Path) (*Entry, error) {
	if idx, ok := pt.entries[path]; ok {
		return &pt.arena[idx], nil
	}
	if err := r.ensureDirLoaded(pt, path.Parent()); err != nil {
		return nil, err
	}
	if idx, ok := pt.entries[path]; ok {
		return &pt.arena[idx], nil
	}
	return nil, fmt.Errorf("%w: %s", beakerr.ErrNotFound, path)
}

// ensureDirLoaded parses the index segments of every directory from the
// root down to dir that has not been parsed yet. Called with mu held.
func (r *Reverse) ensureDirLoaded(pt *PointInTime, dir *fspath.Path) error {
	if dir == nil {
		dir = fspath.Root()
	}
	var chain []*fspath.Path
	for p := dir; p != nil; p = p.Parent() {
		chain = append(chain, p)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		p := chain[i]
		gz, ok := pt.gzFiles[p]
		if !ok {
			// Not a directory this snapshot knows about; the caller's lookup
			// in entries will miss and report not found.
			return nil
		}
		if pt.loadedGzFiles[gz] {
			continue
		}
		if err := r.loadGz(pt, gz, p); err != nil {
			return err
		}
	}
	return nil
}

// loadGz fetches and parses one index segment, populating the entries and
// the segment maps for the directory it describes. Called with mu held.
func (r *Reverse) loadGz(pt *PointInTime, gz *fspath.Path, dir *fspath.Path) error {
	t0 := time.Now()
	defer func() {
		logger.Trace("reverse", "loadGz(%s): %s", gz, time.Since(t0))
	}()

	compressed, err := r.store.ReadFile(gz)
	if err != nil {
		return err
	}
	text, err := compression.InflateGzip(compressed)
	if err != nil {
		return fmt.Errorf("%w: inflating %s: %v", beakerr.ErrParse, gz, err)
	}

	onTar := func(t *index.Tar) error {
		n, err := segment.Parse(t.TarfileLocation)
		if err != nil {
			return fmt.Errorf("%w: tar record name %q: %v", beakerr.ErrParse, t.TarfileLocation, err)
		}
		if n.IsIndex() {
			// A subdirectory's own index segment.
			sub := t.BackupLocation
			pt.gzFiles[sub] = fspath.Lookup(t.TarfileLocation).Prepend(sub.Prepend(r.rootDir))
		} else {
			pt.tars[t.BackupLocation] = append(pt.tars[t.BackupLocation], t)
		}
		return nil
	}
	onEntry := func(ie *index.Entry) error {
		e := Entry{
			Stat:         ie.Stat,
			Path:         ie.Path,
			Tar:          ie.Tar,
			Offset:       ie.Offset,
			Link:         ie.Link,
			IsSymlink:    ie.IsSymlink,
			IsHardLink:   ie.IsHardLink,
			NumParts:     ie.NumParts,
			PartOffset:   ie.PartOffset,
			PartSize:     ie.PartSize,
			LastPartSize: ie.LastPartSize,
			Loaded:       !ie.Stat.IsDir(),
		}
		idx := len(pt.arena)
		pt.arena = append(pt.arena, e)
		pt.entries[ie.Path] = idx

		parentIdx, ok := pt.entries[ie.Path.Parent()]
		if !ok {
			return fmt.Errorf("%w: entry %s has no parent in the tree", beakerr.ErrParse, ie.Path)
		}
		pt.arena[parentIdx].Children = append(pt.arena[parentIdx].Children, idx)
		return nil
	}

	if _, err := index.Load(text, dir, dir, onEntry, onTar); err != nil {
		return err
	}
	pt.loadedGzFiles[gz] = true
	if idx, ok := pt.entries[dir]; ok {
		pt.arena[idx].Loaded = true
	}
	return nil
}
