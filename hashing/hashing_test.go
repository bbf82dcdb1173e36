package hashing

import (
	"encoding/hex"
	"testing"
)

func TestDefaultAlgorithm(t *testing.T) {
	expected := "sha256"
	result := DefaultAlgorithm()

	if result != expected {
		t.Errorf("DefaultAlgorithm failed: expected %v, got %v", expected, result)
	}
}

func TestGetHasher(t *testing.T) {
	for _, name := range []string{"sha256", "blake3"} {
		h := GetHasher(name)
		if h == nil {
			t.Fatalf("GetHasher(%q) returned nil", name)
		}
		h.Write([]byte("beak"))
		sum := hex.EncodeToString(h.Sum(nil))
		if len(sum) != 64 {
			t.Errorf("GetHasher(%q) digest: expected 64 hex chars, got %d", name, len(sum))
		}
	}

	if GetHasher("md5") != nil {
		t.Errorf("GetHasher must reject unknown algorithms")
	}
}
