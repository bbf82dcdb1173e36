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

// Package index reads and writes the textual listing carried by index
// segments. The layout, which round-trips byte for byte:
//
//	#beak 0.7
//	#config <packing flags>
//	#fingerprint <algorithm>
//	#uids <ids...>
//	#gids <ids...>
//	#tars <count>
//	<tar record>...
//	#files <count>
//	<entry record>...
//
// Records hold fields separated by 0x1f (unit separator) and end with a
// newline. A tar record locates one segment: backup location relative to the
// index's directory, segment file name, and the depth-first first/last
// member names. An entry record carries the IndexEntry fields in order.
package index

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/weetmuts/beak/beakerr"
	"github.com/weetmuts/beak/fspath"
	"github.com/weetmuts/beak/objects"
)

const Version = "0.7"

const fieldSep = "\x1f"

// Entry describes the segment placement of one origin file or directory.
type Entry struct {
	Stat objects.FileStat
	Path *fspath.Path

	Tar    string // containing segment name
	Offset int64  // content offset within the segment

	Link       string
	IsSymlink  bool
	IsHardLink bool

	NumParts           uint
	PartOffset         int64
	PartSize           int64
	LastPartSize       int64
	OnDiskPartSize     int64
	OnDiskLastPartSize int64
}

// ContentSize returns the logical byte count of one part.
func (e *Entry) ContentSize(part uint) int64 {
	if part == e.NumParts-1 {
		return e.LastPartSize
	}
	return e.PartSize
}

// DiskSize returns the on-storage byte count of one part's segment.
func (e *Entry) DiskSize(part uint) int64 {
	if part == e.NumParts-1 {
		return e.OnDiskLastPartSize
	}
	return e.OnDiskPartSize
}

// Tar locates one segment belonging to the indexed subtree.
type Tar struct {
	BackupLocation  *fspath.Path
	TarfileLocation string
	FirstName       string
	LastName        string
}

// Preamble carries the versioned header lines.
type Preamble struct {
	Config      string
	Fingerprint string
	Uids        []uint32
	Gids        []uint32
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func entryRecord(e *Entry) string {
	fields := []string{
		strconv.FormatUint(uint64(e.Stat.Mode()), 8),
		strconv.FormatUint(uint64(e.Stat.Uid()), 10),
		strconv.FormatUint(uint64(e.Stat.Gid()), 10),
		e.Stat.Username(),
		e.Stat.Groupname(),
		strconv.FormatInt(e.Stat.Size(), 10),
		strconv.FormatInt(e.Stat.MtimeSec(), 10),
		strconv.FormatInt(e.Stat.MtimeNsec(), 10),
		e.Tar,
		strconv.FormatInt(e.Offset, 10),
		e.Link,
		boolField(e.IsSymlink),
		boolField(e.IsHardLink),
		strconv.FormatUint(uint64(e.NumParts), 10),
		strconv.FormatInt(e.PartOffset, 10),
		strconv.FormatInt(e.PartSize, 10),
		strconv.FormatInt(e.LastPartSize, 10),
		strconv.FormatInt(e.OnDiskPartSize, 10),
		strconv.FormatInt(e.OnDiskLastPartSize, 10),
		e.Path.UnRoot(),
	}
	return strings.Join(fields, fieldSep)
}

func tarRecord(t *Tar) string {
	fields := []string{
		t.BackupLocation.UnRoot(),
		t.TarfileLocation,
		t.FirstName,
		t.LastName,
	}
	return strings.Join(fields, fieldSep)
}

// Format builds the index text. Tars come first so a reader knows every
// referenced segment before the first entry record.
func Format(p Preamble, tars []*Tar, entries []*Entry) []byte {
	var b bytes.Buffer

	fmt.Fprintf(&b, "#beak %s\n", Version)
	fmt.Fprintf(&b, "#config %s\n", p.Config)
	fmt.Fprintf(&b, "#fingerprint %s\n", p.Fingerprint)
	b.WriteString("#uids")
	for _, id := range p.Uids {
		fmt.Fprintf(&b, " %d", id)
	}
	b.WriteString("\n#gids")
	for _, id := range p.Gids {
		fmt.Fprintf(&b, " %d", id)
	}
	fmt.Fprintf(&b, "\n#tars %d\n", len(tars))
	for _, t := range tars {
		b.WriteString(tarRecord(t))
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "#files %d\n", len(entries))
	for _, e := range entries {
		b.WriteString(entryRecord(e))
		b.WriteByte('\n')
	}
	return b.Bytes()
}

type lineReader struct {
	lines []string
	pos   int
}

func (r *lineReader) next() (string, error) {
	if r.pos >= len(r.lines) {
		return "", fmt.Errorf("%w: truncated index", beakerr.ErrParse)
	}
	line := r.lines[r.pos]
	r.pos++
	return line, nil
}

func (r *lineReader) directive(name string) (string, error) {
	line, err := r.next()
	if err != nil {
		return "", err
	}
	if line != name && !strings.HasPrefix(line, name+" ") {
		return "", fmt.Errorf("%w: expected %s directive, got %q", beakerr.ErrParse, name, line)
	}
	return strings.TrimPrefix(strings.TrimPrefix(line, name), " "), nil
}

func (r *lineReader) count(name string) (int, error) {
	arg, err := r.directive(name)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad %s count %q", beakerr.ErrParse, name, arg)
	}
	return n, nil
}

func parseEntry(line string, dirToPrepend *fspath.Path) (*Entry, error) {
	fields := strings.Split(line, fieldSep)
	if len(fields) != 20 {
		return nil, fmt.Errorf("%w: entry record has %d fields", beakerr.ErrParse, len(fields))
	}

	num := func(i int) (int64, error) {
		v, err := strconv.ParseInt(fields[i], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: entry field %d %q", beakerr.ErrParse, i, fields[i])
		}
		return v, nil
	}

	mode, err := strconv.ParseUint(fields[0], 8, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: entry mode %q", beakerr.ErrParse, fields[0])
	}
	uid, err := num(1)
	if err != nil {
		return nil, err
	}
	gid, err := num(2)
	if err != nil {
		return nil, err
	}
	size, err := num(5)
	if err != nil {
		return nil, err
	}
	mtimeSec, err := num(6)
	if err != nil {
		return nil, err
	}
	mtimeNsec, err := num(7)
	if err != nil {
		return nil, err
	}
	offset, err := num(9)
	if err != nil {
		return nil, err
	}
	numParts, err := num(13)
	if err != nil {
		return nil, err
	}
	if numParts < 1 {
		return nil, fmt.Errorf("%w: entry num_parts %d", beakerr.ErrParse, numParts)
	}
	partOffset, err := num(14)
	if err != nil {
		return nil, err
	}
	partSize, err := num(15)
	if err != nil {
		return nil, err
	}
	lastPartSize, err := num(16)
	if err != nil {
		return nil, err
	}
	onDiskPartSize, err := num(17)
	if err != nil {
		return nil, err
	}
	onDiskLastPartSize, err := num(18)
	if err != nil {
		return nil, err
	}
	if fields[11] != "0" && fields[11] != "1" {
		return nil, fmt.Errorf("%w: entry is_symlink %q", beakerr.ErrParse, fields[11])
	}
	if fields[12] != "0" && fields[12] != "1" {
		return nil, fmt.Errorf("%w: entry is_hardlink %q", beakerr.ErrParse, fields[12])
	}

	e := &Entry{
		Stat: objects.FileStat{
			Lmode:      os.FileMode(mode),
			Luid:       uint32(uid),
			Lgid:       uint32(gid),
			Lusername:  fields[3],
			Lgroupname: fields[4],
			Lsize:      size,
			LmtimeSec:  mtimeSec,
			LmtimeNsec: mtimeNsec,
		},
		Tar:                fields[8],
		Offset:             offset,
		Link:               fields[10],
		IsSymlink:          fields[11] == "1",
		IsHardLink:         fields[12] == "1",
		NumParts:           uint(numParts),
		PartOffset:         partOffset,
		PartSize:           partSize,
		LastPartSize:       lastPartSize,
		OnDiskPartSize:     onDiskPartSize,
		OnDiskLastPartSize: onDiskLastPartSize,
		Path:               fspath.Lookup(fields[19]).Prepend(dirToPrepend),
	}
	return e, nil
}

func parseTar(line string, safeDirToPrepend *fspath.Path) (*Tar, error) {
	fields := strings.Split(line, fieldSep)
	if len(fields) != 4 {
		return nil, fmt.Errorf("%w: tar record has %d fields", beakerr.ErrParse, len(fields))
	}
	if fields[1] == "" {
		return nil, fmt.Errorf("%w: tar record without a segment name", beakerr.ErrParse)
	}
	return &Tar{
		BackupLocation:  fspath.Lookup(fields[0]).Prepend(safeDirToPrepend),
		TarfileLocation: fields[1],
		FirstName:       fields[2],
		LastName:        fields[3],
	}, nil
}

// Load parses an index listing and streams its records through the two
// callbacks, tars first. Parsing fails fast: on a malformed record the
// callbacks have never been invoked, so the caller holds no partial state.
// dirToPrepend roots entry paths, safeDirToPrepend roots tar locations.
func Load(data []byte, dirToPrepend *fspath.Path, safeDirToPrepend *fspath.Path,
	onEntry func(*Entry) error, onTar func(*Tar) error) (Preamble, error) {

	var p Preamble

	text := string(data)
	if !strings.HasSuffix(text, "\n") {
		return p, fmt.Errorf("%w: index not newline terminated", beakerr.ErrParse)
	}
	r := &lineReader{lines: strings.Split(strings.TrimSuffix(text, "\n"), "\n")}

	version, err := r.directive("#beak")
	if err != nil {
		return p, err
	}
	if version != Version {
		return p, fmt.Errorf("%w: index version %q", beakerr.ErrUnsupported, version)
	}
	if p.Config, err = r.directive("#config"); err != nil {
		return p, err
	}
	if p.Fingerprint, err = r.directive("#fingerprint"); err != nil {
		return p, err
	}
	uids, err := r.directive("#uids")
	if err != nil {
		return p, err
	}
	gids, err := r.directive("#gids")
	if err != nil {
		return p, err
	}
	for _, part := range strings.Fields(uids) {
		id, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return p, fmt.Errorf("%w: uid %q", beakerr.ErrParse, part)
		}
		p.Uids = append(p.Uids, uint32(id))
	}
	for _, part := range strings.Fields(gids) {
		id, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return p, fmt.Errorf("%w: gid %q", beakerr.ErrParse, part)
		}
		p.Gids = append(p.Gids, uint32(id))
	}

	numTars, err := r.count("#tars")
	if err != nil {
		return p, err
	}
	tars := make([]*Tar, 0, numTars)
	for i := 0; i < numTars; i++ {
		line, err := r.next()
		if err != nil {
			return p, err
		}
		t, err := parseTar(line, safeDirToPrepend)
		if err != nil {
			return p, err
		}
		tars = append(tars, t)
	}

	numFiles, err := r.count("#files")
	if err != nil {
		return p, err
	}
	entries := make([]*Entry, 0, numFiles)
	for i := 0; i < numFiles; i++ {
		line, err := r.next()
		if err != nil {
			return p, err
		}
		e, err := parseEntry(line, dirToPrepend)
		if err != nil {
			return p, err
		}
		entries = append(entries, e)
	}
	if r.pos != len(r.lines) {
		return p, fmt.Errorf("%w: trailing data after index records", beakerr.ErrParse)
	}

	// Everything parsed; only now hand records to the caller.
	for _, t := range tars {
		if onTar != nil {
			if err := onTar(t); err != nil {
				return p, err
			}
		}
	}
	for _, e := range entries {
		if onEntry != nil {
			if err := onEntry(e); err != nil {
				return p, err
			}
		}
	}
	return p, nil
}
