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

// Package storage gives segment stores a uniform list/push/fetch surface.
// Backends treat segments as opaque blobs; deduplication rides entirely on
// segment name equality plus the size rule enforced by listing
// classification.
package storage

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/weetmuts/beak/beakerr"
	"github.com/weetmuts/beak/fspath"
	"github.com/weetmuts/beak/logger"
	"github.com/weetmuts/beak/objects"
	"github.com/weetmuts/beak/profiler"
	"github.com/weetmuts/beak/segment"
)

// Kind is the closed set of backend classes.
type Kind int

const (
	NoSuch Kind = iota
	Local
	RsyncLike
	RcloneLike
	S3
)

func (k Kind) String() string {
	switch k {
	case Local:
		return "local"
	case RsyncLike:
		return "rsync"
	case RcloneLike:
		return "rclone"
	case S3:
		return "s3"
	default:
		return "nosuch"
	}
}

// Location is a parsed storage URL.
type Location struct {
	Kind Kind
	// Raw is the location exactly as the user wrote it; transports get it
	// verbatim.
	Raw string
}

// ParseLocation classifies a storage location string:
//
//	rclone remotes   remote:path (rclone's own syntax)
//	rsync remotes    rsync://host/path or host::module
//	s3               s3://endpoint/bucket[/prefix]
//	everything else  a local directory path
func ParseLocation(s string) (*Location, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: empty storage location", beakerr.ErrParse)
	}
	switch {
	case strings.HasPrefix(s, "s3://"):
		return &Location{Kind: S3, Raw: s}, nil
	case strings.HasPrefix(s, "rsync://"), strings.Contains(s, "::"):
		return &Location{Kind: RsyncLike, Raw: s}, nil
	case strings.HasPrefix(s, "/"), strings.HasPrefix(s, "./"), strings.HasPrefix(s, "../"), s == ".":
		return &Location{Kind: Local, Raw: s}, nil
	case strings.Contains(s, ":"):
		return &Location{Kind: RcloneLike, Raw: s}, nil
	default:
		return &Location{Kind: Local, Raw: s}, nil
	}
}

func (l *Location) String() string {
	return l.Raw
}

// ListedFile is one remote file whose name decodes to a segment.
type ListedFile struct {
	Path *fspath.Path // storage-relative, rooted
	Name segment.Name
	Size int64 // listed on-storage size
}

// Listing is the classified content of a storage.
type Listing struct {
	Good  []ListedFile
	Bad   []ListedFile
	Other []string

	// Contents carries a stat per good file, for stat-only views of the
	// remote.
	Contents map[*fspath.Path]*objects.FileStat
}

func NewListing() *Listing {
	return &Listing{Contents: make(map[*fspath.Path]*objects.FileStat)}
}

// Classify sorts one listed file into the listing. A file is good iff its
// name parses as a segment name and the listed size obeys the size rule:
// payload segments must be listed at exactly their recorded size, index
// segments must record size zero (their own listed size is unconstrained).
// A size mismatch is an integrity problem: the file is kept as bad so the
// caller can re-push it, and processing continues.
func (l *Listing) Classify(relPath string, size int64) {
	name := relPath
	if i := strings.LastIndexByte(relPath, '/'); i >= 0 {
		name = relPath[i+1:]
	}
	n, err := segment.Parse(name)
	if err != nil {
		l.Other = append(l.Other, relPath)
		return
	}
	path := fspath.Lookup(relPath)
	f := ListedFile{Path: path, Name: n, Size: size}

	good := false
	if n.IsIndex() {
		good = n.Size == 0
	} else {
		good = n.Size == size
	}
	if !good {
		logger.Warn("%s: size mismatch, listed %d, named %d", relPath, size, n.Size)
		l.Bad = append(l.Bad, f)
		return
	}
	l.Good = append(l.Good, f)
	l.Contents[path] = &objects.FileStat{
		Lmode:      0o444,
		Lsize:      size,
		LmtimeSec:  n.Secs,
		LmtimeNsec: n.Nsecs,
	}
}

// HasGood reports whether the listing carries the named file at path.
func (l *Listing) HasGood(path *fspath.Path) bool {
	_, ok := l.Contents[path]
	return ok
}

// Backend is the uniform transport contract. Implementations never open
// segment content.
type Backend interface {
	// List parses the remote listing and classifies every file.
	List(loc *Location) (*Listing, error)

	// Push transfers files (storage-relative names) from localDir to the
	// storage; a nil files slice means everything under localDir. progress,
	// when non-nil, is called once per transferred path.
	Push(localDir string, loc *Location, files []string, progress func(relPath string)) error

	// Fetch transfers the named files from the storage into localDir.
	Fetch(loc *Location, files []string, localDir string) error

	// Remove deletes the named files from the storage; prune rides on it.
	Remove(loc *Location, files []string) error
}

var muBackends sync.Mutex
var backends map[Kind]Backend = make(map[Kind]Backend)

func Register(kind Kind, backend Backend) {
	muBackends.Lock()
	defer muBackends.Unlock()

	if _, ok := backends[kind]; ok {
		log.Fatalf("backend '%s' registered twice", kind)
	}
	backends[kind] = backend
}

func Backends() []string {
	muBackends.Lock()
	defer muBackends.Unlock()

	ret := make([]string, 0)
	for kind := range backends {
		ret = append(ret, kind.String())
	}
	sort.Strings(ret)
	return ret
}

// ForLocation resolves the backend serving a location, wrapped so every call
// lands in the profiler.
func ForLocation(loc *Location) (Backend, error) {
	muBackends.Lock()
	defer muBackends.Unlock()

	backend, exists := backends[loc.Kind]
	if !exists {
		return nil, fmt.Errorf("%w: no backend for storage %q", beakerr.ErrUnsupported, loc.Raw)
	}
	return &wrapperBackend{backend: backend}, nil
}

type wrapperBackend struct {
	backend Backend
}

func (w *wrapperBackend) List(loc *Location) (*Listing, error) {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("storage.List", time.Since(t0))
		logger.Trace("storage", "List(%s): %s", loc, time.Since(t0))
	}()
	return w.backend.List(loc)
}

func (w *wrapperBackend) Push(localDir string, loc *Location, files []string, progress func(string)) error {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("storage.Push", time.Since(t0))
		logger.Trace("storage", "Push(%s, %s): %s", localDir, loc, time.Since(t0))
	}()
	return w.backend.Push(localDir, loc, files, progress)
}

func (w *wrapperBackend) Fetch(loc *Location, files []string, localDir string) error {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("storage.Fetch", time.Since(t0))
		logger.Trace("storage", "Fetch(%s, %d files): %s", loc, len(files), time.Since(t0))
	}()
	return w.backend.Fetch(loc, files, localDir)
}

func (w *wrapperBackend) Remove(loc *Location, files []string) error {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("storage.Remove", time.Since(t0))
		logger.Trace("storage", "Remove(%s, %d files): %s", loc, len(files), time.Since(t0))
	}()
	return w.backend.Remove(loc, files)
}
