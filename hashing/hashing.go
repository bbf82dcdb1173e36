package hashing

import (
	"crypto/sha256"
	"hash"

	"github.com/zeebo/blake3"
)

// Fingerprints are 256-bit; the construction in use is recorded in every
// index preamble so old snapshots stay readable if the default moves.
func DefaultAlgorithm() string {
	return "sha256"
}

func GetHasher(name string) hash.Hash {
	switch name {
	case "sha256":
		return sha256.New()
	case "blake3":
		return blake3.New()
	default:
		return nil
	}
}
