package rclone

import (
	"testing"
)

func TestScrapeCopied(t *testing.T) {
	line := "2018/01/29 20:05:36 INFO  : code/src/s_1517180913.689221661_11659264_b6f526ca4e988180fe6289213a338ab5a4926f7189dfb9dddff5a30ab50fc7f3_0.tar: Copied (new)"
	path, ok := ScrapeCopied(line)
	if !ok {
		t.Fatalf("line should scrape")
	}
	expected := "code/src/s_1517180913.689221661_11659264_b6f526ca4e988180fe6289213a338ab5a4926f7189dfb9dddff5a30ab50fc7f3_0.tar"
	if path != expected {
		t.Errorf("scraped %q, expected %q", path, expected)
	}
}

func TestScrapeIgnoresOtherLines(t *testing.T) {
	lines := []string{
		"2018/01/29 20:05:36 INFO  : Transferred: 11.1 MBytes",
		"plain chatter without markers",
		"",
	}
	for _, line := range lines {
		if path, ok := ScrapeCopied(line); ok {
			t.Errorf("line %q should not scrape, got %q", line, path)
		}
	}
}
