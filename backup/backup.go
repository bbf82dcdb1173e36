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

// Package backup walks an origin directory and packs it into a synthetic
// tree of tar segments. Packing is deterministic: the same origin content
// under the same options always yields the same segment names and bytes,
// which is what lets a remote store deduplicate unchanged subtrees.
package backup

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/iafan/cwalk"
	"github.com/panjf2000/ants/v2"

	"github.com/weetmuts/beak/beakerr"
	"github.com/weetmuts/beak/compression"
	"github.com/weetmuts/beak/fspath"
	"github.com/weetmuts/beak/hashing"
	"github.com/weetmuts/beak/index"
	"github.com/weetmuts/beak/logger"
	"github.com/weetmuts/beak/objects"
	"github.com/weetmuts/beak/profiler"
	"github.com/weetmuts/beak/segment"
	"github.com/weetmuts/beak/tarfile"
)

const terminalBlocks = 2 * tarfile.BlockSize

type Options struct {
	// TargetSize is the chunking policy's T: a group of several entries stays
	// at or under it, while a lone entry forms a group whatever its encoded
	// size. Files above T are split into parts of T bytes, the last part
	// holding the remainder.
	TargetSize int64

	FingerprintAlgorithm string

	Include []string
	Exclude []string

	NumWorkers int
}

func DefaultOptions() Options {
	return Options{
		TargetSize:           100 * 1000 * 1000,
		FingerprintAlgorithm: hashing.DefaultAlgorithm(),
		NumWorkers:           runtime.NumCPU(),
	}
}

// ConfigString serializes the packing-relevant options; it lands in the
// index preamble so a later run can tell whether the layout is comparable.
func (o Options) ConfigString() string {
	var b strings.Builder
	for _, e := range o.Include {
		fmt.Fprintf(&b, "-i '%s' ", e)
	}
	for _, e := range o.Exclude {
		fmt.Fprintf(&b, "-e '%s' ", e)
	}
	fmt.Fprintf(&b, "-ta %d ", o.TargetSize)
	fmt.Fprintf(&b, "--fingerprint %s ", o.FingerprintAlgorithm)
	return b.String()
}

// fileEntry is one non-directory origin entry.
type fileEntry struct {
	path *fspath.Path // rooted, origin-relative
	abs  string
	stat *objects.FileStat
	link string // symlink target

	hardlinkTo *fspath.Path // set when stored as a hard link

	contentHash string
	partHashes  []string
}

func (e *fileEntry) isHardLink() bool {
	return e.hardlinkTo != nil
}

// split reports whether the entry is stored as parts.
func (e *fileEntry) split(targetSize int64) bool {
	return e.stat.IsRegular() && !e.isHardLink() && e.stat.Size() > targetSize
}

func (e *fileEntry) linkTarget() string {
	if e.isHardLink() {
		return e.hardlinkTo.String()
	}
	return e.link
}

// headerSize returns the tar header length of the entry's member.
func (e *fileEntry) headerSize() int64 {
	return tarfile.HeaderSize(e.stat, e.path, e.linkTarget(), e.isHardLink())
}

// blockedSize is the full encoded size: header plus padded content.
func (e *fileEntry) blockedSize() int64 {
	n := e.headerSize()
	if e.stat.IsRegular() && !e.isHardLink() {
		n += tarfile.PaddedSize(e.stat.Size())
	}
	return n
}

// Dir is one origin directory and the segments packed for it.
type Dir struct {
	path *fspath.Path
	abs  string
	stat *objects.FileStat

	subdirs []*Dir
	entries []*fileEntry

	segments     []*Segment
	indexSegment *Segment
	indexText    []byte
	indexBytes   []byte // gzip of indexText, served as the z segment
}

func (d *Dir) Path() *fspath.Path { return d.path }

// member is the placement of one entry (or one part of it) inside a segment.
type member struct {
	entry   *fileEntry
	part    uint
	partOff int64 // offset into the file content
	partLen int64

	header     []byte
	headerOff  int64
	contentOff int64
}

// Segment is one synthesized tar (or index) file.
type Segment struct {
	Name segment.Name
	dir  *Dir

	members []*member
	size    int64
}

func (s *Segment) Size() int64 { return s.size }

// DirPath returns the virtual directory holding the segment.
func (s *Segment) DirPath() *fspath.Path { return s.dir.path }

// VirtualPath returns the full path of the segment in the synthetic tree.
func (s *Segment) VirtualPath() *fspath.Path {
	return s.dir.path.Append(s.Name.String())
}

type Stats struct {
	NumFiles    uint64
	NumDirs     uint64
	NumSegments uint64
	SizeFiles   uint64
	SizeTars    uint64
}

type Backup struct {
	originRoot string
	opts       Options
	config     string

	include []glob.Glob
	exclude []glob.Glob

	mu      sync.Mutex // guards maps during the concurrent walk only
	files   map[*fspath.Path]*fileEntry
	dirs    map[*fspath.Path]*Dir
	beakers []*fspath.Path // directories shadowed by a .beak marker

	segmentsByPath map[*fspath.Path]*Segment

	root *Dir

	Stats Stats
}

func New(origin string, opts Options) (*Backup, error) {
	if opts.TargetSize <= 0 {
		return nil, fmt.Errorf("target size must be positive, got %d", opts.TargetSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = runtime.NumCPU()
	}
	if hashing.GetHasher(opts.FingerprintAlgorithm) == nil {
		return nil, fmt.Errorf("%w: fingerprint algorithm %q", beakerr.ErrUnsupported, opts.FingerprintAlgorithm)
	}

	b := &Backup{
		originRoot:     filepath.Clean(origin),
		opts:           opts,
		config:         opts.ConfigString(),
		files:          make(map[*fspath.Path]*fileEntry),
		dirs:           make(map[*fspath.Path]*Dir),
		segmentsByPath: make(map[*fspath.Path]*Segment),
	}
	for _, pattern := range opts.Include {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("not a valid glob %q: %w", pattern, err)
		}
		b.include = append(b.include, g)
	}
	for _, pattern := range opts.Exclude {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("not a valid glob %q: %w", pattern, err)
		}
		b.exclude = append(b.exclude, g)
	}
	return b, nil
}

// Scan runs the whole packing pipeline: walk the origin, resolve hard links,
// hash contents, group entries into segments, and build the per-directory
// indexes. After Scan returns the synthetic tree is immutable and reads are
// lock-free.
func (b *Backup) Scan() error {
	t0 := time.Now()
	defer func() {
		profiler.RecordEvent("backup.Scan", time.Since(t0))
		logger.Trace("backup", "Scan(%s): %s", b.originRoot, time.Since(t0))
	}()

	if err := b.walkOrigin(); err != nil {
		return err
	}
	b.pruneShadowed()
	b.attachEntries()
	b.findHardLinks()
	if err := b.hashContents(); err != nil {
		return err
	}
	for _, dir := range b.dirsBottomUp() {
		if err := b.packDir(dir); err != nil {
			return err
		}
	}
	b.indexSegmentsByPath()

	logger.Info("packed %s: %d files, %d dirs, %d segments",
		b.originRoot, b.Stats.NumFiles, b.Stats.NumDirs, b.Stats.NumSegments)
	return nil
}

func (b *Backup) filtered(path *fspath.Path, isDir bool) bool {
	name := path.String()
	if isDir {
		name += "/"
	}
	for _, g := range b.exclude {
		if g.Match(name) {
			return true
		}
	}
	if len(b.include) > 0 && !isDir {
		for _, g := range b.include {
			if g.Match(name) {
				return false
			}
		}
		return true
	}
	return false
}

func (b *Backup) walkOrigin() error {
	rootInfo, err := os.Lstat(b.originRoot)
	if err != nil {
		return fmt.Errorf("%w: lstat %s: %v", beakerr.ErrIO, b.originRoot, err)
	}
	if !rootInfo.IsDir() {
		return fmt.Errorf("%w: origin %s is not a directory", beakerr.ErrIO, b.originRoot)
	}
	b.dirs[fspath.Root()] = &Dir{
		path: fspath.Root(),
		abs:  b.originRoot,
		stat: objects.FileStatFromInfo(rootInfo),
	}

	var walkErr error
	err = cwalk.Walk(b.originRoot, func(rel string, info os.FileInfo, err error) error {
		if err != nil {
			b.mu.Lock()
			if walkErr == nil {
				walkErr = fmt.Errorf("%w: walking %s: %v", beakerr.ErrIO, rel, err)
			}
			b.mu.Unlock()
			return nil
		}
		if rel == "" || info == nil {
			return nil
		}
		path := fspath.Lookup(filepath.ToSlash(rel))
		abs := filepath.Join(b.originRoot, rel)
		stat := objects.FileStatFromInfo(info)

		// Sockets cannot be stored.
		if info.Mode()&os.ModeSocket != 0 {
			return nil
		}

		if info.IsDir() {
			if path.Name() == ".beak" {
				return nil
			}
			b.mu.Lock()
			b.dirs[path] = &Dir{path: path, abs: abs, stat: stat}
			b.mu.Unlock()
			return nil
		}

		if b.filtered(path, false) {
			logger.Trace("backup", "filter dropped %s", path)
			return nil
		}

		entry := &fileEntry{path: path, abs: abs, stat: stat}
		if stat.IsSymlink() {
			target, err := os.Readlink(abs)
			if err != nil {
				b.mu.Lock()
				if walkErr == nil {
					walkErr = fmt.Errorf("%w: readlink %s: %v", beakerr.ErrIO, abs, err)
				}
				b.mu.Unlock()
				return nil
			}
			entry.link = target
		}
		b.mu.Lock()
		b.files[path] = entry
		b.mu.Unlock()
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: walking %s: %v", beakerr.ErrIO, b.originRoot, err)
	}
	if walkErr != nil {
		return walkErr
	}

	// Directories dropped by the exclude filters take their subtrees along.
	for path := range b.dirs {
		if !path.IsRoot() && b.filtered(path, true) {
			b.beakers = append(b.beakers, path)
		}
	}
	return nil
}

// pruneShadowed drops every directory that contains a .beak subdirectory:
// such trees belong to another beak root and must not be double-stored.
func (b *Backup) pruneShadowed() {
	for _, dir := range b.dirs {
		if !dir.path.IsRoot() {
			if _, err := os.Stat(filepath.Join(dir.abs, ".beak")); err == nil {
				logger.Info("skipping subbeak %s", dir.path)
				b.beakers = append(b.beakers, dir.path)
			}
		}
	}
	if len(b.beakers) == 0 {
		return
	}
	shadowed := func(p *fspath.Path) bool {
		for _, s := range b.beakers {
			if p.BelowOrEqual(s) {
				return true
			}
		}
		return false
	}
	for path := range b.dirs {
		if !path.IsRoot() && shadowed(path) {
			delete(b.dirs, path)
		}
	}
	for path := range b.files {
		if shadowed(path) {
			delete(b.files, path)
		}
	}
}

func (b *Backup) attachEntries() {
	for path, entry := range b.files {
		parent := b.dirs[path.Parent()]
		if parent == nil {
			// The parent was pruned; the file goes with it.
			delete(b.files, path)
			continue
		}
		parent.entries = append(parent.entries, entry)
	}
	for path, dir := range b.dirs {
		if path.IsRoot() {
			continue
		}
		parent := b.dirs[path.Parent()]
		if parent == nil {
			delete(b.dirs, path)
			continue
		}
		parent.subdirs = append(parent.subdirs, dir)
	}
	for _, dir := range b.dirs {
		sort.Slice(dir.entries, func(i, j int) bool {
			return fspath.Less(dir.entries[i].path, dir.entries[j].path)
		})
		sort.Slice(dir.subdirs, func(i, j int) bool {
			return fspath.Less(dir.subdirs[i].path, dir.subdirs[j].path)
		})
	}
	b.root = b.dirs[fspath.Root()]
}

// findHardLinks rewrites second and later sightings of a multiply linked
// inode into hard-link members pointing at the first sighting, in path order
// so the choice is deterministic.
func (b *Backup) findHardLinks() {
	paths := make([]*fspath.Path, 0, len(b.files))
	for path := range b.files {
		paths = append(paths, path)
	}
	sort.Slice(paths, func(i, j int) bool { return fspath.Less(paths[i], paths[j]) })

	type inodeKey struct {
		dev uint64
		ino uint64
	}
	seen := make(map[inodeKey]*fspath.Path)
	for _, path := range paths {
		entry := b.files[path]
		if !entry.stat.IsRegular() || entry.stat.Nlink() <= 1 {
			continue
		}
		key := inodeKey{entry.stat.Dev(), entry.stat.Ino()}
		if first, ok := seen[key]; ok {
			logger.Trace("hardlinks", "rewriting %s into a hard link to %s", path, first)
			entry.hardlinkTo = first
		} else {
			seen[key] = path
		}
	}
}

// hashContents computes the content hash of every stored regular file, one
// hash per part for split files. The work fans out on a worker pool.
func (b *Backup) hashContents() error {
	pool, err := ants.NewPool(b.opts.NumWorkers)
	if err != nil {
		return err
	}
	defer pool.Release()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for _, entry := range b.files {
		entry := entry
		if !entry.stat.IsRegular() || entry.isHardLink() {
			continue
		}
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			if err := b.hashEntry(entry); err != nil {
				fail(err)
			}
		}); err != nil {
			wg.Done()
			fail(err)
		}
	}
	wg.Wait()
	return firstErr
}

func (b *Backup) hashEntry(entry *fileEntry) error {
	f, err := os.Open(entry.abs)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", beakerr.ErrIO, entry.abs, err)
	}
	defer f.Close()

	if !entry.split(b.opts.TargetSize) {
		h := hashing.GetHasher(b.opts.FingerprintAlgorithm)
		if _, err := io.Copy(h, f); err != nil {
			return fmt.Errorf("%w: read %s: %v", beakerr.ErrIO, entry.abs, err)
		}
		entry.contentHash = hex.EncodeToString(h.Sum(nil))
		return nil
	}

	numParts, partSize, lastPartSize := splitPolicy(entry.stat.Size(), b.opts.TargetSize)
	entry.partHashes = make([]string, numParts)
	for i := uint(0); i < numParts; i++ {
		length := partSize
		if i == numParts-1 {
			length = lastPartSize
		}
		h := hashing.GetHasher(b.opts.FingerprintAlgorithm)
		if _, err := io.Copy(h, io.NewSectionReader(f, int64(i)*partSize, length)); err != nil {
			return fmt.Errorf("%w: read %s part %d: %v", beakerr.ErrIO, entry.abs, i, err)
		}
		entry.partHashes[i] = hex.EncodeToString(h.Sum(nil))
	}
	return nil
}

// splitPolicy: num_parts = ceil(size/T), part_size = T, the final part gets
// the remainder.
func splitPolicy(size, targetSize int64) (numParts uint, partSize, lastPartSize int64) {
	numParts = uint((size + targetSize - 1) / targetSize)
	partSize = targetSize
	lastPartSize = size - int64(numParts-1)*targetSize
	return
}

// dirsBottomUp yields every directory deepest first, so a directory's index
// can reference the already-built indexes of its children; siblings follow
// path order to keep the pipeline deterministic.
func (b *Backup) dirsBottomUp() []*Dir {
	out := make([]*Dir, 0, len(b.dirs))
	for _, dir := range b.dirs {
		out = append(out, dir)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].path.Depth() != out[j].path.Depth() {
			return out[i].path.Depth() > out[j].path.Depth()
		}
		return fspath.Less(out[i].path, out[j].path)
	})
	return out
}

type timespec struct {
	secs  int64
	nsecs int64
}

func (t timespec) before(o timespec) bool {
	if t.secs != o.secs {
		return t.secs < o.secs
	}
	return t.nsecs < o.nsecs
}

func maxMtime(cur timespec, stat *objects.FileStat) timespec {
	other := timespec{stat.MtimeSec(), stat.MtimeNsec()}
	if cur.before(other) {
		return other
	}
	return cur
}

// packDir groups the directory's direct entries into payload segments and
// closes with the index segment referencing them all.
func (b *Backup) packDir(dir *Dir) error {
	b.Stats.NumDirs++

	var run []*fileEntry
	runSize := int64(0)

	flush := func() error {
		if len(run) == 0 {
			return nil
		}
		seg, err := b.buildGroupSegment(dir, run)
		if err != nil {
			return err
		}
		dir.segments = append(dir.segments, seg)
		run = nil
		runSize = 0
		return nil
	}

	for _, entry := range dir.entries {
		b.Stats.NumFiles++
		b.Stats.SizeFiles += uint64(entry.stat.Size())

		if entry.split(b.opts.TargetSize) {
			if err := flush(); err != nil {
				return err
			}
			segs, err := b.buildPartSegments(dir, entry)
			if err != nil {
				return err
			}
			dir.segments = append(dir.segments, segs...)
			continue
		}

		need := entry.blockedSize()
		if len(run) > 0 && runSize+need+terminalBlocks > b.opts.TargetSize {
			if err := flush(); err != nil {
				return err
			}
		}
		run = append(run, entry)
		runSize += need
	}
	if err := flush(); err != nil {
		return err
	}

	if err := b.buildIndexSegment(dir); err != nil {
		return err
	}

	b.Stats.NumSegments += uint64(len(dir.segments)) + 1
	for _, seg := range dir.segments {
		b.Stats.SizeTars += uint64(seg.size)
	}
	return nil
}

// fingerprintGroup hashes the group's entries in path order: path, stat,
// link and content hash per entry. Purely a function of the inputs.
func (b *Backup) fingerprintGroup(members []*member) string {
	h := hashing.GetHasher(b.opts.FingerprintAlgorithm)
	for _, m := range members {
		e := m.entry
		contentHash := e.contentHash
		if len(e.partHashes) > 0 {
			contentHash = e.partHashes[m.part]
		}
		fmt.Fprintf(h, "%s\x1f%o\x1f%d\x1f%d\x1f%d\x1f%d\x1f%d\x1f%s\x1f%d\x1f%s\n",
			e.path, uint32(e.stat.Mode()), e.stat.Uid(), e.stat.Gid(),
			e.stat.Size(), e.stat.MtimeSec(), e.stat.MtimeNsec(),
			e.linkTarget(), m.part, contentHash)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// layout assigns header and content offsets and seals the segment size.
func layoutSegment(members []*member) int64 {
	cur := int64(0)
	for _, m := range members {
		m.headerOff = cur
		cur += int64(len(m.header))
		m.contentOff = cur
		cur += tarfile.PaddedSize(m.partLen)
	}
	return cur + terminalBlocks
}

func (b *Backup) buildGroupSegment(dir *Dir, run []*fileEntry) (*Segment, error) {
	members := make([]*member, 0, len(run))
	ts := timespec{}
	for _, entry := range run {
		hdr, err := tarfile.EncodeHeader(entry.stat, entry.path, entry.linkTarget(), entry.isHardLink())
		if err != nil {
			return nil, err
		}
		m := &member{entry: entry, header: hdr}
		if entry.stat.IsRegular() && !entry.isHardLink() {
			m.partLen = entry.stat.Size()
		}
		members = append(members, m)
		ts = maxMtime(ts, entry.stat)
	}
	size := layoutSegment(members)

	seg := &Segment{
		Name: segment.Name{
			Type:        segment.Payload,
			Secs:        ts.secs,
			Nsecs:       ts.nsecs,
			Size:        size,
			Fingerprint: b.fingerprintGroup(members),
			Part:        0,
			Ext:         segment.ExtTar,
		},
		dir:     dir,
		members: members,
		size:    size,
	}
	return seg, nil
}

// buildPartSegments wraps each part of an oversized file in its own tar
// header under the same logical path, one segment per part.
func (b *Backup) buildPartSegments(dir *Dir, entry *fileEntry) ([]*Segment, error) {
	numParts, partSize, lastPartSize := splitPolicy(entry.stat.Size(), b.opts.TargetSize)

	segs := make([]*Segment, 0, numParts)
	for i := uint(0); i < numParts; i++ {
		length := partSize
		if i == numParts-1 {
			length = lastPartSize
		}
		partStat := *entry.stat
		partStat.Lsize = length
		hdr, err := tarfile.EncodeHeader(&partStat, entry.path, "", false)
		if err != nil {
			return nil, err
		}
		m := &member{
			entry:   entry,
			part:    i,
			partOff: int64(i) * partSize,
			partLen: length,
			header:  hdr,
		}
		size := layoutSegment([]*member{m})
		segs = append(segs, &Segment{
			Name: segment.Name{
				Type:        segment.Payload,
				Secs:        entry.stat.MtimeSec(),
				Nsecs:       entry.stat.MtimeNsec(),
				Size:        size,
				Fingerprint: b.fingerprintGroup([]*member{m}),
				Part:        i,
				Ext:         segment.ExtTar,
			},
			dir:     dir,
			members: []*member{m},
			size:    size,
		})
	}
	return segs, nil
}

// firstMemberOf returns the member of entry inside the dir's segments, part 0 for
// split files.
func firstMemberOf(dir *Dir, entry *fileEntry) (*Segment, *member) {
	for _, seg := range dir.segments {
		for _, m := range seg.members {
			if m.entry == entry && m.part == 0 {
				return seg, m
			}
		}
	}
	return nil, nil
}

// buildIndexSegment writes the directory's z segment: tar records for its
// payload segments and the children's index segments, then one entry record
// per file and per child directory. Payload segments are final before the
// index referencing them exists, so a reader that observes an index never
// dangles.
func (b *Backup) buildIndexSegment(dir *Dir) error {
	ts := maxMtime(timespec{}, dir.stat)

	uidSet := make(map[uint32]bool)
	gidSet := make(map[uint32]bool)

	tars := make([]*index.Tar, 0, len(dir.segments)+len(dir.subdirs))
	for _, seg := range dir.segments {
		first := seg.members[0].entry.path.Name()
		last := seg.members[len(seg.members)-1].entry.path.Name()
		tars = append(tars, &index.Tar{
			BackupLocation:  fspath.Root(),
			TarfileLocation: seg.Name.String(),
			FirstName:       first,
			LastName:        last,
		})
	}
	for _, sub := range dir.subdirs {
		tars = append(tars, &index.Tar{
			BackupLocation:  fspath.Lookup(sub.path.Name()),
			TarfileLocation: sub.indexSegment.Name.String(),
			FirstName:       sub.path.Name(),
			LastName:        sub.path.Name(),
		})
		subTS := timespec{sub.indexSegment.Name.Secs, sub.indexSegment.Name.Nsecs}
		if ts.before(subTS) {
			ts = subTS
		}
	}

	entries := make([]*index.Entry, 0, len(dir.entries)+len(dir.subdirs))
	for _, entry := range dir.entries {
		seg, m := firstMemberOf(dir, entry)
		if m == nil {
			return fmt.Errorf("entry %s missing from its directory's segments", entry.path)
		}
		ts = maxMtime(ts, entry.stat)
		uidSet[entry.stat.Uid()] = true
		gidSet[entry.stat.Gid()] = true

		ie := &index.Entry{
			Stat:       *entry.stat,
			Path:       fspath.Lookup(entry.path.Name()),
			Tar:        seg.Name.String(),
			Offset:     m.contentOff,
			Link:       entry.linkTarget(),
			IsSymlink:  entry.stat.IsSymlink(),
			IsHardLink: entry.isHardLink(),
		}
		if entry.split(b.opts.TargetSize) {
			numParts, partSize, lastPartSize := splitPolicy(entry.stat.Size(), b.opts.TargetSize)
			ie.NumParts = numParts
			ie.PartOffset = m.contentOff
			ie.PartSize = partSize
			ie.LastPartSize = lastPartSize
			partSegs := segmentsOf(dir, entry)
			ie.OnDiskPartSize = partSegs[0].size
			ie.OnDiskLastPartSize = partSegs[len(partSegs)-1].size
		} else {
			ie.NumParts = 1
			ie.PartOffset = m.contentOff
			ie.PartSize = entry.stat.Size()
			ie.LastPartSize = entry.stat.Size()
			ie.OnDiskPartSize = seg.size
			ie.OnDiskLastPartSize = seg.size
		}
		entries = append(entries, ie)
	}
	for _, sub := range dir.subdirs {
		entries = append(entries, &index.Entry{
			Stat:         *sub.stat,
			Path:         fspath.Lookup(sub.path.Name()),
			Tar:          sub.indexSegment.Name.String(),
			NumParts:     1,
			PartSize:     0,
			LastPartSize: 0,
		})
		uidSet[sub.stat.Uid()] = true
		gidSet[sub.stat.Gid()] = true
	}

	text := index.Format(index.Preamble{
		Config:      b.config,
		Fingerprint: b.opts.FingerprintAlgorithm,
		Uids:        sortedIDs(uidSet),
		Gids:        sortedIDs(gidSet),
	}, tars, entries)

	h := hashing.GetHasher(b.opts.FingerprintAlgorithm)
	h.Write(text)

	compressed, err := compression.DeflateGzip(text)
	if err != nil {
		return err
	}

	dir.indexText = text
	dir.indexBytes = compressed
	dir.indexSegment = &Segment{
		Name: segment.Name{
			Type:        segment.Index,
			Secs:        ts.secs,
			Nsecs:       ts.nsecs,
			Size:        0,
			Fingerprint: hex.EncodeToString(h.Sum(nil)),
			Part:        0,
			Ext:         segment.ExtGz,
		},
		dir:  dir,
		size: int64(len(compressed)),
	}
	return nil
}

func segmentsOf(dir *Dir, entry *fileEntry) []*Segment {
	var out []*Segment
	for _, seg := range dir.segments {
		for _, m := range seg.members {
			if m.entry == entry {
				out = append(out, seg)
			}
		}
	}
	return out
}

func sortedIDs(set map[uint32]bool) []uint32 {
	out := make([]uint32, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (b *Backup) indexSegmentsByPath() {
	for _, dir := range b.dirs {
		for _, seg := range dir.segments {
			b.segmentsByPath[seg.VirtualPath()] = seg
		}
		b.segmentsByPath[dir.indexSegment.VirtualPath()] = dir.indexSegment
	}
}

// Walk visits every segment in safe write-out order: deepest directories
// first, payload segments before their index segment. Everything an index
// references, its own payload segments and the child indexes alike, is
// visited before the index itself, so a consumer streaming segments in Walk
// order never exposes a dangling index.
func (b *Backup) Walk(fn func(dir *Dir, seg *Segment)) {
	for _, dir := range b.dirsBottomUp() {
		for _, seg := range dir.segments {
			fn(dir, seg)
		}
		fn(dir, dir.indexSegment)
	}
}
