package compression

import (
	"bytes"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("beak stores unchanged subtrees once. "), 64)

	for _, method := range []string{"gzip", "lz4"} {
		deflated, err := Deflate(method, payload)
		if err != nil {
			t.Fatalf("Deflate(%q) failed: %v", method, err)
		}
		inflated, err := Inflate(method, deflated)
		if err != nil {
			t.Fatalf("Inflate(%q) failed: %v", method, err)
		}
		if !bytes.Equal(inflated, payload) {
			t.Errorf("%s round-trip lost data", method)
		}
	}
}

func TestDeterministicGzip(t *testing.T) {
	payload := []byte("#beak 0.7\n")
	a, err := DeflateGzip(payload)
	if err != nil {
		t.Fatalf("DeflateGzip failed: %v", err)
	}
	b, err := DeflateGzip(payload)
	if err != nil {
		t.Fatalf("DeflateGzip failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Errorf("gzip output must be deterministic for identical input")
	}
}

func TestUnknownMethod(t *testing.T) {
	if _, err := Deflate("zstd", []byte("x")); err == nil {
		t.Errorf("Deflate should reject unknown methods")
	}
	if _, err := Inflate("zstd", []byte("x")); err == nil {
		t.Errorf("Inflate should reject unknown methods")
	}
}
