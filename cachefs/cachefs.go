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

// Package cachefs presents a remote segment store as a read-only local
// filesystem. Files are stat-only until a read occurs; the first read
// fetches the segment into the cache directory and every later read is
// local. Segment states are Unknown, Referenced, Fetching and Cached; a
// cached segment stays cached for the session (there is no eviction), a
// failed fetch returns the segment to Referenced, and concurrent readers of a
// segment in Fetching join the in-flight fetch instead of starting another.
package cachefs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/weetmuts/beak/beakerr"
	"github.com/weetmuts/beak/compression"
	"github.com/weetmuts/beak/fspath"
	"github.com/weetmuts/beak/logger"
	"github.com/weetmuts/beak/objects"
	"github.com/weetmuts/beak/profiler"
	"github.com/weetmuts/beak/storage"
)

type segmentState int

const (
	stateUnknown segmentState = iota
	stateReferenced
	stateFetching
	stateCached
)

type cacheEntry struct {
	path  *fspath.Path
	stat  *objects.FileStat
	isDir bool

	direntries []*cacheEntry

	state segmentState
	cond  *sync.Cond
}

type CacheFS struct {
	backend  storage.Backend
	location *storage.Location
	cacheDir string

	mu      sync.Mutex
	entries map[*fspath.Path]*cacheEntry

	db *leveldb.DB
}

// New builds a cache view of the storage. The listing is refreshed
// immediately; when the remote cannot be listed, the previously persisted
// listing (if any) serves instead, so cached segments stay browsable
// offline.
func New(backend storage.Backend, loc *storage.Location, cacheDir string) (*CacheFS, error) {
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", beakerr.ErrIO, cacheDir, err)
	}

	c := &CacheFS{
		backend:  backend,
		location: loc,
		cacheDir: cacheDir,
		entries:  make(map[*fspath.Path]*cacheEntry),
	}

	db, err := leveldb.OpenFile(filepath.Join(cacheDir, ".listing.db"), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: opening listing db: %v", beakerr.ErrIO, err)
	}
	c.db = db

	if err := c.Refresh(); err != nil {
		logger.Warn("listing %s failed (%v), falling back to cached listing", loc, err)
		if lerr := c.loadPersistedListing(); lerr != nil {
			db.Close()
			return nil, err
		}
	}
	return c, nil
}

func (c *CacheFS) Close() error {
	return c.db.Close()
}

// Refresh lists the remote and rebuilds the two-level tree: directories
// inferred from the parents of good segments, files stat-only. The listing
// is persisted so a later offline session can reuse it.
func (c *CacheFS) Refresh() error {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("cachefs.Refresh", time.Since(t0))
		logger.Trace("cachefs", "Refresh(%s): %s", c.location, time.Since(t0))
	}()

	listing, err := c.backend.List(c.location)
	if err != nil {
		return err
	}
	for _, bad := range listing.Bad {
		logger.Warn("ignoring bad remote file %s", bad.Path)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebuild(listing.Contents)
	return c.persistListing(listing.Contents)
}

// rebuild is called with mu held.
func (c *CacheFS) rebuild(contents map[*fspath.Path]*objects.FileStat) {
	c.entries = make(map[*fspath.Path]*cacheEntry)
	root := &cacheEntry{path: fspath.Root(), isDir: true, stat: dirStat()}
	c.entries[fspath.Root()] = root

	paths := make([]*fspath.Path, 0, len(contents))
	for path := range contents {
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool { return fspath.Less(paths[i], paths[j]) })

	for _, path := range paths {
		dir := path.Parent()
		dirEntry, ok := c.entries[dir]
		if !ok {
			dirEntry = &cacheEntry{path: dir, isDir: true, stat: dirStat()}
			c.entries[dir] = dirEntry
			if dir != fspath.Root() {
				root.direntries = append(root.direntries, dirEntry)
			}
		}
		entry := &cacheEntry{
			path:  path,
			stat:  contents[path],
			state: stateReferenced,
		}
		entry.cond = sync.NewCond(&c.mu)
		c.entries[path] = entry
		dirEntry.direntries = append(dirEntry.direntries, entry)
	}
}

func dirStat() *objects.FileStat {
	return &objects.FileStat{Lmode: os.ModeDir | 0o500}
}

// listingRecord is the persisted form of one listed file.
type listingRecord struct {
	Path string
	Stat objects.FileStat
}

// persistListing is called with mu held.
func (c *CacheFS) persistListing(contents map[*fspath.Path]*objects.FileStat) error {
	records := make([]listingRecord, 0, len(contents))
	for path, stat := range contents {
		records = append(records, listingRecord{Path: path.String(), Stat: *stat})
	}
	serialized, err := msgpack.Marshal(records)
	if err != nil {
		return err
	}
	compressed, err := compression.DeflateLZ4(serialized)
	if err != nil {
		return err
	}
	return c.db.Put([]byte("listing"), compressed, nil)
}

func (c *CacheFS) loadPersistedListing() error {
	compressed, err := c.db.Get([]byte("listing"), nil)
	if err != nil {
		return fmt.Errorf("%w: no persisted listing: %v", beakerr.ErrNotFound, err)
	}
	serialized, err := compression.InflateLZ4(compressed)
	if err != nil {
		return fmt.Errorf("%w: persisted listing: %v", beakerr.ErrParse, err)
	}
	var records []listingRecord
	if err := msgpack.Unmarshal(serialized, &records); err != nil {
		return fmt.Errorf("%w: persisted listing: %v", beakerr.ErrParse, err)
	}

	contents := make(map[*fspath.Path]*objects.FileStat, len(records))
	for i := range records {
		contents[fspath.Lookup(records[i].Path)] = &records[i].Stat
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebuild(contents)
	return nil
}

func (c *CacheFS) Getattr(path *fspath.Path) (*objects.FileStat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", beakerr.ErrNotFound, path)
	}
	return entry.stat, nil
}

func (c *CacheFS) Readdir(path *fspath.Path) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[path]
	if !ok || !entry.isDir {
		return nil, fmt.Errorf("%w: %s", beakerr.ErrNotFound, path)
	}
	names := make([]string, 0, len(entry.direntries))
	for _, child := range entry.direntries {
		names = append(names, child.path.Name())
	}
	return names, nil
}

// LocalPath returns where a segment lives in the cache directory.
func (c *CacheFS) LocalPath(path *fspath.Path) string {
	return filepath.Join(c.cacheDir, filepath.FromSlash(path.UnRoot()))
}

// ReadAt reads a slice of a segment, fetching it first if it is not cached.
func (c *CacheFS) ReadAt(path *fspath.Path, offset int64, size int) ([]byte, error) {
	if err := c.ensureCached(path); err != nil {
		return nil, err
	}

	f, err := os.Open(c.LocalPath(path))
	if err != nil {
		return nil, fmt.Errorf("%w: open cached %s: %v", beakerr.ErrIO, path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat cached %s: %v", beakerr.ErrIO, path, err)
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
		return nil, fmt.Errorf("%w: read cached %s at %d: %v", beakerr.ErrIO, path, offset, err)
	}
	return buf, nil
}

// ReadFile returns the whole segment.
func (c *CacheFS) ReadFile(path *fspath.Path) ([]byte, error) {
	if err := c.ensureCached(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(c.LocalPath(path))
	if err != nil {
		return nil, fmt.Errorf("%w: read cached %s: %v", beakerr.ErrIO, path, err)
	}
	return data, nil
}

// ensureCached moves a segment to Cached, fetching at most once no matter
// how many goroutines ask: the first caller flips Referenced to Fetching and
// runs the backend fetch, the rest wait on the entry's condition variable.
func (c *CacheFS) ensureCached(path *fspath.Path) error {
	c.mu.Lock()

	entry, ok := c.entries[path]
	if !ok || entry.isDir {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", beakerr.ErrNotFound, path)
	}

	for entry.state == stateFetching {
		entry.cond.Wait()
	}
	if entry.state == stateCached {
		c.mu.Unlock()
		return nil
	}

	// The local file may already hold the segment from an earlier session;
	// a local file of the listed size suppresses the fetch. Only the size is
	// compared.
	if info, err := os.Stat(c.LocalPath(path)); err == nil &&
		info.Size() == entry.stat.Size() {
		entry.state = stateCached
		c.mu.Unlock()
		return nil
	}

	entry.state = stateFetching
	c.mu.Unlock()

	logger.Trace("cachefs", "fetching %s", path)
	err := c.backend.Fetch(c.location, []string{path.UnRoot()}, c.cacheDir)

	c.mu.Lock()
	if err != nil {
		// A failed fetch drops back to Referenced: the next caller retries.
		entry.state = stateReferenced
	} else {
		entry.state = stateCached
	}
	entry.cond.Broadcast()
	c.mu.Unlock()
	return err
}
