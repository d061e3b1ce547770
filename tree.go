// tree.go – parse one Git tree object
package gitindex

import (
	"bytes"
	"errors"

	"github.com/hashicorp/golang-lru/arc/v2"
)

var (
	ErrCorruptTree  = errors.New("corrupt tree object")
	ErrTypeMismatch = errors.New("unexpected object type")
	ErrTreeNotFound = errors.New("tree object not found")
)

// ObjectSource supplies raw object payloads to the sparse-index expander.
// It is the only window this package has onto an object store; pack
// inflation, loose objects, and delta resolution all live behind it.
type ObjectSource interface {
	// Get returns the fully-inflated payload of the object and its kind.
	Get(oid Hash) (data []byte, typ ObjectType, err error)
}

// TreeEntry represents a single "<mode> <name>\0<oid>" record inside a Git
// tree object.  Callers must treat the value as immutable.
type TreeEntry struct {
	// OID holds the raw 20-byte object ID that the tree entry points to.
	OID Hash

	// Name is the entry's path component exactly as it appears in the tree.
	Name string

	// Mode encodes the Unix file mode in the canonical Git octal form
	// (e.g., 0100644 for a regular file, 040000 for a directory).
	Mode uint32
}

// Tree is an in-memory view of a Git tree object.
//
// All entries are kept in ascending-name order, and callers must treat the
// returned slice as immutable.  Construct a Tree via parseTree; the zero
// value is the empty tree.
type Tree struct {
	// entries contains every entry in strictly ascending name order.
	entries []TreeEntry
}

// Entries returns the tree's records in on-disk order.
func (t *Tree) Entries() []TreeEntry { return t.entries }

// parseTree decodes a raw Git tree object payload.
//
// The input must contain a sequence of "<mode> <name>\0<oid>" records
// exactly as stored in a Git tree object.  Malformed input returns
// ErrCorruptTree; so do duplicate or out-of-order names.
func parseTree(raw []byte) (*Tree, error) {
	var (
		out  []TreeEntry
		prev string // remember last name to enforce ordering and uniqueness
	)
	for len(raw) > 0 {
		// Extract the file mode up to the first space (ASCII 0x20).
		sp := bytes.IndexByte(raw, ' ')
		if sp < 0 {
			return nil, ErrCorruptTree
		}

		// Parse the octal mode (3-6 digits) directly from raw[:sp].
		var mode uint32
		for _, b := range raw[:sp] {
			if b < '0' || b > '7' {
				return nil, ErrCorruptTree
			}
			mode = mode<<3 | uint32(b-'0')
		}

		raw = raw[sp+1:]

		// Extract the entry name up to the NUL terminator.
		nul := bytes.IndexByte(raw, 0)
		if nul < 0 {
			return nil, ErrCorruptTree
		}
		name := string(raw[:nul])
		raw = raw[nul+1:]

		if name <= prev {
			return nil, ErrCorruptTree
		}
		prev = name

		if len(raw) < hashSize {
			return nil, ErrCorruptTree
		}
		var h Hash
		copy(h[:], raw[:hashSize])
		raw = raw[hashSize:]

		out = append(out, TreeEntry{h, name, mode})
	}
	return &Tree{entries: out}, nil
}

// treeCacheSize bounds the number of parsed trees kept in memory while an
// index is being expanded.  Deep monorepo expansions revisit the same
// subtree objects many times across sparse-directory entries.
const treeCacheSize = 1 << 12

// treeCache caches parsed Tree objects keyed by their object ID.
//
// The cache uses an Adaptive Replacement Cache that balances recency and
// frequency, and guarantees that each tree object is parsed at most once
// while it stays resident.  The underlying ARC is safe for concurrent use.
type treeCache struct {
	// src provides the raw object data used to populate the cache.
	src ObjectSource

	// mem holds already-parsed trees.  A nil entry is never stored; the
	// presence of a key implies the *Tree has been fully parsed.
	mem *arc.ARCCache[Hash, *Tree]
}

func newTreeCache(src ObjectSource) (*treeCache, error) {
	mem, err := arc.NewARC[Hash, *Tree](treeCacheSize)
	if err != nil {
		return nil, err
	}
	return &treeCache{src: src, mem: mem}, nil
}

func (c *treeCache) get(oid Hash) (*Tree, error) {
	if oid == (Hash{}) { // empty tree
		return &Tree{}, nil
	}

	if t, ok := c.mem.Get(oid); ok {
		return t, nil
	}

	if c.src == nil {
		return nil, ErrTreeNotFound
	}

	raw, typ, err := c.src.Get(oid)
	if err != nil {
		return nil, err
	}
	if typ != ObjTree {
		return nil, ErrTypeMismatch
	}

	t, err := parseTree(raw)
	if err != nil {
		return nil, err
	}

	c.mem.Add(oid, t)
	return t, nil
}
