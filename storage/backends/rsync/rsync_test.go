package rsync

import (
	"testing"
)

func TestParseListLine(t *testing.T) {
	rel, size, ok, err := parseListLine("-rw-rw-r--         15,920 2018/05/26 08:43:32 sub/z_1527317012.0_0_aa_0.gz")
	if err != nil || !ok {
		t.Fatalf("line should parse, ok=%v err=%v", ok, err)
	}
	if rel != "sub/z_1527317012.0_0_aa_0.gz" {
		t.Errorf("parsed path %q", rel)
	}
	if size != 15920 {
		t.Errorf("parsed size %d, expected 15920", size)
	}
}

func TestParseListLineSkips(t *testing.T) {
	for _, line := range []string{
		"",
		"drwxrwxr-x          4,096 2018/05/26 08:43:32 sub",
	} {
		if _, _, ok, err := parseListLine(line); ok || err != nil {
			t.Errorf("line %q should be skipped, ok=%v err=%v", line, ok, err)
		}
	}
	if _, _, _, err := parseListLine("-rw-rw-r-- garbage 2018/05/26 08:43:32 f"); err == nil {
		t.Errorf("bad size field should be an error")
	}
}
