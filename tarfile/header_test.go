package tarfile

import (
	"os"
	"strings"
	"testing"

	"github.com/weetmuts/beak/fspath"
	"github.com/weetmuts/beak/objects"
)

func regularStat(size int64, mtime int64) *objects.FileStat {
	return &objects.FileStat{
		Lmode:     0o644,
		Lsize:     size,
		LmtimeSec: mtime,
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	stat := regularStat(2, 1000)
	blocks, err := EncodeHeader(stat, fspath.Lookup("/hello.txt"), "", false)
	if err != nil {
		t.Fatalf("EncodeHeader failed: %v", err)
	}
	if len(blocks) != BlockSize {
		t.Errorf("short path should fit one block: got %d bytes", len(blocks))
	}

	hdr, n, err := ParseHeader(blocks)
	if err != nil {
		t.Fatalf("ParseHeader failed: %v", err)
	}
	if n != BlockSize {
		t.Errorf("consumed: expected %d, got %d", BlockSize, n)
	}
	if hdr.Name != "hello.txt" {
		t.Errorf("name: expected hello.txt, got %q", hdr.Name)
	}
	if hdr.Size != 2 {
		t.Errorf("size: expected 2, got %d", hdr.Size)
	}
	if hdr.MtimeSec != 1000 {
		t.Errorf("mtime: expected 1000, got %d", hdr.MtimeSec)
	}
	if hdr.Typeflag != TypeRegular {
		t.Errorf("typeflag: expected %q, got %q", TypeRegular, hdr.Typeflag)
	}
	if hdr.Uname != "beak" || hdr.Gname != "beak" {
		t.Errorf("uname/gname: expected beak/beak, got %q/%q", hdr.Uname, hdr.Gname)
	}
}

func TestLongNameHeader(t *testing.T) {
	name := strings.Repeat("x", 150)
	stat := regularStat(5, 2000)
	path := fspath.Lookup("/" + name)

	if got, want := HeaderSize(stat, path, "", false), int64(3*BlockSize); got != want {
		t.Errorf("HeaderSize: expected %d, got %d", want, got)
	}

	blocks, err := EncodeHeader(stat, path, "", false)
	if err != nil {
		t.Fatalf("EncodeHeader failed: %v", err)
	}
	if len(blocks) != 3*BlockSize {
		t.Fatalf("expected 3 blocks, got %d bytes", len(blocks))
	}
	if blocks[156] != 'L' {
		t.Errorf("first block typeflag: expected L, got %q", blocks[156])
	}
	if got := string(blocks[0:13]); got != "././@LongLink" {
		t.Errorf("long header name: got %q", got)
	}
	if got := string(blocks[BlockSize : BlockSize+150]); got != name {
		t.Errorf("long header payload does not hold the name")
	}

	hdr, n, err := ParseHeader(blocks)
	if err != nil {
		t.Fatalf("ParseHeader failed: %v", err)
	}
	if n != 3*BlockSize {
		t.Errorf("consumed: expected %d, got %d", 3*BlockSize, n)
	}
	if hdr.Name != name {
		t.Errorf("parsed name not recovered: got %d chars", len(hdr.Name))
	}
	if hdr.Size != 5 || hdr.Typeflag != TypeRegular {
		t.Errorf("real header fields lost: size=%d typeflag=%q", hdr.Size, hdr.Typeflag)
	}
}

func TestSymlinkAndHardLink(t *testing.T) {
	symStat := &objects.FileStat{Lmode: os.ModeSymlink | 0o777, LmtimeSec: 10}
	blocks, err := EncodeHeader(symStat, fspath.Lookup("/ln"), "/target", false)
	if err != nil {
		t.Fatalf("EncodeHeader symlink failed: %v", err)
	}
	hdr, _, err := ParseHeader(blocks)
	if err != nil {
		t.Fatalf("ParseHeader symlink failed: %v", err)
	}
	if hdr.Typeflag != TypeSymlink {
		t.Errorf("symlink typeflag: got %q", hdr.Typeflag)
	}
	if hdr.Linkname != "/target" {
		t.Errorf("symlink target: got %q", hdr.Linkname)
	}

	hardStat := regularStat(0, 10)
	blocks, err = EncodeHeader(hardStat, fspath.Lookup("/b"), "/a/orig", true)
	if err != nil {
		t.Fatalf("EncodeHeader hardlink failed: %v", err)
	}
	hdr, _, err = ParseHeader(blocks)
	if err != nil {
		t.Fatalf("ParseHeader hardlink failed: %v", err)
	}
	if hdr.Typeflag != TypeHardLink {
		t.Errorf("hardlink typeflag: got %q", hdr.Typeflag)
	}
	if hdr.Linkname != "a/orig" {
		t.Errorf("hardlink target must be un-rooted: got %q", hdr.Linkname)
	}
}

func TestChecksum(t *testing.T) {
	stat := regularStat(42, 3000)
	blocks, err := EncodeHeader(stat, fspath.Lookup("/f"), "", false)
	if err != nil {
		t.Fatalf("EncodeHeader failed: %v", err)
	}

	var manual uint32
	for i, c := range blocks[:BlockSize] {
		if i >= 148 && i < 156 {
			c = ' '
		}
		manual += uint32(c)
	}
	if Checksum(blocks[:BlockSize]) != manual {
		t.Errorf("Checksum disagrees with the by-hand sum")
	}

	blocks[0] ^= 0xff
	if _, _, err := ParseHeader(blocks); err == nil {
		t.Errorf("corrupted header must fail checksum verification")
	}
}

func TestZeroBlockEndsStream(t *testing.T) {
	zero := make([]byte, BlockSize)
	hdr, n, err := ParseHeader(zero)
	if err != nil {
		t.Fatalf("ParseHeader on zero block failed: %v", err)
	}
	if hdr != nil {
		t.Errorf("zero block should yield a nil header")
	}
	if n != BlockSize {
		t.Errorf("zero block consumed: expected %d, got %d", BlockSize, n)
	}
}

func TestPaddedSize(t *testing.T) {
	cases := map[int64]int64{0: 0, 1: 512, 512: 512, 513: 1024}
	for in, want := range cases {
		if got := PaddedSize(in); got != want {
			t.Errorf("PaddedSize(%d): expected %d, got %d", in, want, got)
		}
	}
}
