package storage

import (
	"strings"
	"testing"
)

func TestParseLocation(t *testing.T) {
	cases := []struct {
		in   string
		kind Kind
	}{
		{"/backups/work", Local},
		{"./segments", Local},
		{"backups", Local},
		{"remote:backups/work", RcloneLike},
		{"s3://minio.example.com/bucket/prefix", S3},
		{"rsync://host/backups", RsyncLike},
		{"host::module/backups", RsyncLike},
	}
	for _, c := range cases {
		loc, err := ParseLocation(c.in)
		if err != nil {
			t.Fatalf("ParseLocation(%q) failed: %v", c.in, err)
		}
		if loc.Kind != c.kind {
			t.Errorf("ParseLocation(%q) = %v, expected %v", c.in, loc.Kind, c.kind)
		}
	}
	if _, err := ParseLocation(""); err == nil {
		t.Errorf("empty location should not parse")
	}
}

func TestClassify(t *testing.T) {
	fp := strings.Repeat("ab", 32)

	listing := NewListing()
	listing.Classify("s_1506595429.268937346_2048_"+fp+"_0.tar", 2048)  // good payload
	listing.Classify("sub/s_1506595429.0_4096_"+fp+"_1.tar", 4096)     // good payload in subdir
	listing.Classify("s_1506595429.268937346_2048_"+fp+"_0.tar", 1024) // size mismatch
	listing.Classify("z_1506595429.268937346_0_"+fp+"_0.gz", 12288)    // good index, any listed size
	listing.Classify("z_1506595429.268937346_77_"+fp+"_0.gz", 77)      // index must record size 0
	listing.Classify("README.txt", 11)                                 // not a segment

	if len(listing.Good) != 3 {
		t.Errorf("expected 3 good files, got %d", len(listing.Good))
	}
	if len(listing.Bad) != 2 {
		t.Errorf("expected 2 bad files, got %d", len(listing.Bad))
	}
	if len(listing.Other) != 1 || listing.Other[0] != "README.txt" {
		t.Errorf("expected README.txt as other, got %v", listing.Other)
	}

	for _, f := range listing.Good {
		stat, ok := listing.Contents[f.Path]
		if !ok {
			t.Fatalf("good file %s missing from contents", f.Path)
		}
		if stat.Size() != f.Size {
			t.Errorf("contents size %d, expected %d", stat.Size(), f.Size)
		}
		if stat.MtimeSec() != f.Name.Secs {
			t.Errorf("contents mtime %d, expected %d", stat.MtimeSec(), f.Name.Secs)
		}
	}
}

func TestHasGood(t *testing.T) {
	fp := strings.Repeat("cd", 32)
	listing := NewListing()
	listing.Classify("dir/s_1._100_"+fp+"_0.tar", 100)
	if len(listing.Good) != 0 {
		t.Fatalf("malformed timestamp should not be good")
	}
	listing.Classify("dir/s_1.2_100_"+fp+"_0.tar", 100)
	if len(listing.Good) != 1 {
		t.Fatalf("expected one good file, got %d", len(listing.Good))
	}
	if !listing.HasGood(listing.Good[0].Path) {
		t.Errorf("HasGood should find the listed path")
	}
}
