package gitindex

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Parser size constants.
//
// These byte-count constants describe the fixed-width sections shared by the
// pack-index and multi-pack-index formats. Do not modify these values unless
// the on-disk formats themselves change.
const (
	fanoutEntries = 256               // One entry for every possible first byte of an OID.
	fanoutSize    = fanoutEntries * 4 // 256 × uint32 → 1 024 bytes.

	hashSize     = 20 // Full SHA-1 object identifier.
	largeOffSize = 8  // 64-bit offset for objects beyond the 2 GiB boundary.
)

// Hash represents a raw Git object identifier.
//
// It is the 20-byte binary form of a SHA-1 digest as used by Git internally.
// The zero value is the all-zero hash, which never resolves to a real object.
type Hash [hashSize]byte

// ParseHash converts the canonical, 40-character hexadecimal SHA-1 string
// produced by Git into its raw 20-byte representation.
//
// An error is returned when the input is not exactly 40 runes long or cannot
// be decoded as hexadecimal.
// The zero Hash value (all zero bytes) never corresponds to a real Git object
// and is therefore safe to use as a sentinel in maps.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != hashSize*2 {
		return h, fmt.Errorf("invalid hash length")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	copy(h[:], b)
	return h, nil
}

// String returns the lower-case hexadecimal expansion of h.
func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Compare orders two hashes by unsigned bytewise comparison, the total
// order every sorted OID table in this package relies on.
func (h Hash) Compare(o Hash) int { return bytes.Compare(h[:], o[:]) }
