package backup

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/weetmuts/beak/compression"
	"github.com/weetmuts/beak/fspath"
	"github.com/weetmuts/beak/index"
	"github.com/weetmuts/beak/segment"
	"github.com/weetmuts/beak/tarfile"
)

func scanOrigin(t *testing.T, origin string, opts Options) *Backup {
	t.Helper()
	b, err := New(origin, opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := b.Scan(); err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	return b
}

func writeFile(t *testing.T, dir, name string, content []byte, mtime time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}
	return path
}

func readFull(t *testing.T, b *Backup, path *fspath.Path) []byte {
	t.Helper()
	size, err := b.SegmentSize(path)
	if err != nil {
		t.Fatalf("SegmentSize(%s) failed: %v", path, err)
	}
	data, err := b.ReadAt(path, 0, int(size))
	if err != nil {
		t.Fatalf("ReadAt(%s) failed: %v", path, err)
	}
	return data
}

func TestEmptyDirectory(t *testing.T) {
	origin := t.TempDir()
	b := scanOrigin(t, origin, DefaultOptions())

	names, err := b.Readdir(fspath.Root())
	if err != nil {
		t.Fatalf("Readdir failed: %v", err)
	}
	if len(names) != 1 {
		t.Fatalf("empty origin should yield exactly one segment, got %v", names)
	}
	n, err := segment.Parse(names[0])
	if err != nil {
		t.Fatalf("segment name does not parse: %v", err)
	}
	if n.Type != segment.Index || n.Ext != segment.ExtGz {
		t.Errorf("lone segment should be a gz index, got %s", names[0])
	}
	if n.Size != 0 || n.Part != 0 {
		t.Errorf("index name should encode size 0 part 0, got %s", names[0])
	}
}

func TestSingleSmallFile(t *testing.T) {
	origin := t.TempDir()
	mtime := time.Unix(1000, 500000000)
	writeFile(t, origin, "hello.txt", []byte("hi"), mtime)

	b := scanOrigin(t, origin, DefaultOptions())

	names, err := b.Readdir(fspath.Root())
	if err != nil {
		t.Fatalf("Readdir failed: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected one payload and one index segment, got %v", names)
	}

	var payload segment.Name
	for _, name := range names {
		n, err := segment.Parse(name)
		if err != nil {
			t.Fatalf("segment name %q does not parse: %v", name, err)
		}
		if n.Type == segment.Payload {
			payload = n
		}
	}
	if payload.Size != 2048 {
		t.Errorf("payload segment size: expected 2048, got %d", payload.Size)
	}
	if payload.Secs != 1000 || payload.Nsecs != 500000000 {
		t.Errorf("payload timestamp: expected 1000.500000000, got %d.%d", payload.Secs, payload.Nsecs)
	}

	data := readFull(t, b, fspath.Lookup("/"+payload.String()))
	if len(data) != 2048 {
		t.Fatalf("segment bytes: expected 2048, got %d", len(data))
	}
	hdr, consumed, err := tarfile.ParseHeader(data)
	if err != nil {
		t.Fatalf("ParseHeader failed: %v", err)
	}
	if consumed != 512 || hdr.Name != "hello.txt" || hdr.Size != 2 {
		t.Errorf("member header wrong: consumed=%d name=%q size=%d", consumed, hdr.Name, hdr.Size)
	}
	if string(data[512:514]) != "hi" {
		t.Errorf("member payload wrong: %q", data[512:514])
	}
	for i := 514; i < 2048; i++ {
		if data[i] != 0 {
			t.Fatalf("expected zero padding at %d", i)
		}
	}

	stat, err := b.Getattr(fspath.Lookup("/" + payload.String()))
	if err != nil {
		t.Fatalf("Getattr failed: %v", err)
	}
	if stat.Mode() != 0o444 {
		t.Errorf("segment mode: expected 0444, got %o", stat.Mode())
	}
	if stat.Size() != 2048 {
		t.Errorf("segment stat size: expected 2048, got %d", stat.Size())
	}
}

func TestLargeFileSplit(t *testing.T) {
	origin := t.TempDir()
	targetSize := int64(1024)
	size := 3*targetSize + 7

	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i)
	}
	writeFile(t, origin, "big", content, time.Unix(5000, 0))

	opts := DefaultOptions()
	opts.TargetSize = targetSize
	b := scanOrigin(t, origin, opts)

	names, err := b.Readdir(fspath.Root())
	if err != nil {
		t.Fatalf("Readdir failed: %v", err)
	}

	parts := make(map[uint]segment.Name)
	for _, name := range names {
		n, err := segment.Parse(name)
		if err != nil {
			t.Fatalf("segment name %q does not parse: %v", name, err)
		}
		if n.Type == segment.Payload {
			parts[n.Part] = n
		}
	}
	if len(parts) != 4 {
		t.Fatalf("expected 4 part segments, got %d", len(parts))
	}

	var reconstructed []byte
	for i := uint(0); i < 4; i++ {
		n, ok := parts[i]
		if !ok {
			t.Fatalf("missing part %d", i)
		}
		data := readFull(t, b, fspath.Lookup("/"+n.String()))
		hdr, consumed, err := tarfile.ParseHeader(data)
		if err != nil {
			t.Fatalf("part %d header failed: %v", i, err)
		}
		want := targetSize
		if i == 3 {
			want = 7
		}
		if hdr.Size != want {
			t.Errorf("part %d header size: expected %d, got %d", i, want, hdr.Size)
		}
		if hdr.Name != "big" {
			t.Errorf("part %d logical path: got %q", i, hdr.Name)
		}
		reconstructed = append(reconstructed, data[consumed:int64(consumed)+hdr.Size]...)
	}
	if !bytes.Equal(reconstructed, content) {
		t.Errorf("reconstructed parts differ from the original content")
	}

	// Content conservation: the index must agree part sizes sum to the size.
	entries := loadRootIndex(t, b)
	e := entries["big"]
	if e == nil {
		t.Fatalf("big missing from the index")
	}
	if e.NumParts != 4 {
		t.Fatalf("num_parts: expected 4, got %d", e.NumParts)
	}
	total := int64(0)
	for i := uint(0); i < e.NumParts; i++ {
		total += e.ContentSize(i)
	}
	if total != size {
		t.Errorf("part sizes sum to %d, want %d", total, size)
	}
	if e.LastPartSize != 7 {
		t.Errorf("last_part_size: expected 7, got %d", e.LastPartSize)
	}
}

func TestLongNameGetsGNUHeader(t *testing.T) {
	origin := t.TempDir()
	name := strings.Repeat("n", 150)
	writeFile(t, origin, name, []byte("x"), time.Unix(100, 0))

	b := scanOrigin(t, origin, DefaultOptions())

	var payloadPath *fspath.Path
	b.Walk(func(dir *Dir, seg *Segment) {
		if seg.Name.Type == segment.Payload {
			payloadPath = seg.VirtualPath()
		}
	})
	if payloadPath == nil {
		t.Fatalf("no payload segment produced")
	}

	data := readFull(t, b, payloadPath)
	if data[156] != 'L' {
		t.Fatalf("segment must start with a GNU long-name header, got typeflag %q", data[156])
	}
	if got := string(data[0:13]); got != "././@LongLink" {
		t.Errorf("long header name: got %q", got)
	}
	hdr, consumed, err := tarfile.ParseHeader(data)
	if err != nil {
		t.Fatalf("ParseHeader failed: %v", err)
	}
	if consumed != 3*512 {
		t.Errorf("header should span 3 blocks, got %d bytes", consumed)
	}
	if hdr.Name != name {
		t.Errorf("full name not recovered, got %d chars", len(hdr.Name))
	}
}

func TestPackDeterminism(t *testing.T) {
	origin := t.TempDir()
	mtime := time.Unix(7000, 123)
	writeFile(t, origin, "a.txt", []byte("alpha"), mtime)
	writeFile(t, origin, "b.txt", []byte("beta"), mtime)
	if err := os.Mkdir(filepath.Join(origin, "sub"), 0o755); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	writeFile(t, filepath.Join(origin, "sub"), "c.txt", []byte("gamma"), mtime)

	collect := func(b *Backup) map[string][]byte {
		out := make(map[string][]byte)
		b.Walk(func(dir *Dir, seg *Segment) {
			data, err := b.ReadSegment(seg)
			if err != nil {
				t.Fatalf("ReadSegment failed: %v", err)
			}
			out[seg.VirtualPath().String()] = data
		})
		return out
	}

	first := collect(scanOrigin(t, origin, DefaultOptions()))
	second := collect(scanOrigin(t, origin, DefaultOptions()))

	if len(first) != len(second) {
		t.Fatalf("segment sets differ: %d vs %d", len(first), len(second))
	}
	for path, data := range first {
		other, ok := second[path]
		if !ok {
			t.Fatalf("segment %s missing from the second pack", path)
		}
		if !bytes.Equal(data, other) {
			t.Errorf("segment %s bytes differ between packs", path)
		}
	}
}

func TestReadComposition(t *testing.T) {
	origin := t.TempDir()
	writeFile(t, origin, "f1", bytes.Repeat([]byte("0123456789"), 200), time.Unix(900, 0))
	writeFile(t, origin, "f2", []byte("tail"), time.Unix(901, 0))

	b := scanOrigin(t, origin, DefaultOptions())

	var seg *Segment
	b.Walk(func(dir *Dir, s *Segment) {
		if s.Name.Type == segment.Payload {
			seg = s
		}
	})
	full := readFull(t, b, seg.VirtualPath())

	for _, chunk := range []int{1, 7, 512, 1000, len(full)} {
		var got []byte
		for off := 0; off < len(full); off += chunk {
			part, err := b.ReadAt(seg.VirtualPath(), int64(off), chunk)
			if err != nil {
				t.Fatalf("ReadAt(%d, %d) failed: %v", off, chunk, err)
			}
			got = append(got, part...)
		}
		if !bytes.Equal(got, full) {
			t.Errorf("chunked reads of size %d do not compose to the full segment", chunk)
		}
	}

	// Stateless: re-reading a range seen before returns the same bytes.
	again, err := b.ReadAt(seg.VirtualPath(), 100, 333)
	if err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(again, full[100:433]) {
		t.Errorf("re-read range differs from the first pass")
	}
}

func loadRootIndex(t *testing.T, b *Backup) map[string]*index.Entry {
	t.Helper()
	var zPath *fspath.Path
	b.Walk(func(dir *Dir, seg *Segment) {
		if seg.Name.IsIndex() && dir.Path().IsRoot() {
			zPath = seg.VirtualPath()
		}
	})
	data := readFull(t, b, zPath)
	text, err := compression.InflateGzip(data)
	if err != nil {
		t.Fatalf("index segment is not valid gzip: %v", err)
	}
	entries := make(map[string]*index.Entry)
	_, err = index.Load(text, fspath.Root(), fspath.Root(),
		func(e *index.Entry) error { entries[e.Path.UnRoot()] = e; return nil }, nil)
	if err != nil {
		t.Fatalf("index does not load: %v", err)
	}
	return entries
}

func TestIndexWrittenAfterPayloads(t *testing.T) {
	origin := t.TempDir()
	writeFile(t, origin, "one", []byte("1"), time.Unix(10, 0))
	writeFile(t, origin, "two", []byte("2"), time.Unix(20, 0))
	if err := os.MkdirAll(filepath.Join(origin, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, origin, filepath.Join("sub", "three"), []byte("3"), time.Unix(30, 0))

	b := scanOrigin(t, origin, DefaultOptions())

	// Everything a directory's index references, payload segments and child
	// indexes alike, must have been produced before the index closes; Walk
	// replays emission order.
	seen := make(map[string]bool)
	b.Walk(func(dir *Dir, seg *Segment) {
		if !seg.Name.IsIndex() {
			seen[seg.Name.String()] = true
			return
		}
		data, err := b.ReadSegment(seg)
		if err != nil {
			t.Fatalf("ReadSegment failed: %v", err)
		}
		text, err := compression.InflateGzip(data)
		if err != nil {
			t.Fatalf("InflateGzip failed: %v", err)
		}
		_, err = index.Load(text, fspath.Root(), fspath.Root(), nil, func(tr *index.Tar) error {
			if _, err := segment.Parse(tr.TarfileLocation); err != nil {
				t.Fatalf("index references unparsable name %q", tr.TarfileLocation)
			}
			if !seen[tr.TarfileLocation] {
				t.Errorf("index references %s before it was emitted", tr.TarfileLocation)
			}
			return nil
		})
		if err != nil {
			t.Fatalf("index load failed: %v", err)
		}
		seen[seg.Name.String()] = true
	})
}

func TestHardLinks(t *testing.T) {
	origin := t.TempDir()
	first := writeFile(t, origin, "original", []byte("shared"), time.Unix(50, 0))
	if err := os.Link(first, filepath.Join(origin, "twin")); err != nil {
		t.Skipf("hard links not supported here: %v", err)
	}

	b := scanOrigin(t, origin, DefaultOptions())
	entries := loadRootIndex(t, b)

	if entries["original"] == nil || entries["twin"] == nil {
		t.Fatalf("both links must appear in the index")
	}
	if entries["original"].IsHardLink {
		t.Errorf("first sighting keeps the content")
	}
	if !entries["twin"].IsHardLink {
		t.Errorf("second sighting must become a hard link")
	}
	if entries["twin"].Link != "/original" {
		t.Errorf("hard link target: expected /original, got %q", entries["twin"].Link)
	}
}

func TestDotBeakSubtreeSkipped(t *testing.T) {
	origin := t.TempDir()
	writeFile(t, origin, "kept", []byte("k"), time.Unix(1, 0))
	nested := filepath.Join(origin, "other")
	if err := os.MkdirAll(filepath.Join(nested, ".beak"), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	writeFile(t, nested, "hidden", []byte("h"), time.Unix(2, 0))

	b := scanOrigin(t, origin, DefaultOptions())
	entries := loadRootIndex(t, b)

	if entries["kept"] == nil {
		t.Errorf("file outside the subbeak must be stored")
	}
	if entries["other"] != nil {
		t.Errorf("directory shadowed by .beak must not be stored")
	}
	if _, err := b.Getattr(fspath.Lookup("/other")); err == nil {
		t.Errorf("shadowed directory must not appear in the virtual tree")
	}
}
