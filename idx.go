// idx.go
//
// Memory-mapped reader for Git pack-index (*.idx, version 2) files.
//
// The multi-pack-index machinery treats pack indexes as collaborators: the
// midx reader opens them lazily to serve FindObject, and the verifier opens
// them to cross-check every recorded offset.  Only the lookup surface this
// package needs is materialized: the fan-out table, the sorted OID table,
// and the offset table with large offsets resolved.

package gitindex

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"

	"golang.org/x/exp/mmap"
)

const (
	idxHeaderSize = 8 // 4-byte magic + 4-byte version.
	idxCrcSize    = 4 // Big-endian CRC-32 value per object, skipped over.
	idxOffsetSize = 4 // 31-bit offset or MSB-set index into the large-offset table.
)

var (
	ErrNonMonotonicFanout = errors.New("idx corrupt: fan-out table not monotonic")
	ErrBadIdxChecksum     = errors.New("idx corrupt: checksum mismatch")
)

var idxMagic = []byte{0xff, 0x74, 0x4f, 0x63}

// PackIndex holds the memory-mapped view and lookup tables for a single
// *.idx file.
//
// The struct is immutable after openPackIndex returns, so callers may share
// it across goroutines without additional synchronization.
type PackIndex struct {
	// idx is the memory-mapped *.idx file.
	idx *mmap.ReaderAt

	// fanout is the 256-entry fan-out table from the idx header.
	// fanout[b] stores the number of objects whose OID starts with a byte
	// ≤ b, enabling O(1) range selection before binary search.
	fanout [fanoutEntries]uint32

	// oidTable lists all object IDs in canonical index order.
	// offsets[i] describes oidTable[i].
	oidTable []Hash

	// offsets runs parallel to oidTable and records the byte offset of
	// each object inside the companion packfile, with large-offset
	// placeholders already resolved.
	offsets []uint64
}

// openPackIndex memory-maps and parses the pack index at path.
//
// Version-2 format:
//   - 8-byte header: magic bytes (0xff744f63) + version (2)
//   - 1024-byte fanout table: 256 cumulative object counts per first byte
//   - N×20-byte object IDs in sorted order
//   - N×4-byte CRC-32 checksums + N×4-byte offsets
//   - optional large-offset table: 8-byte offsets for objects beyond 2 GiB
//   - two trailing hashes: the pack checksum, then the idx checksum
func openPackIndex(path string) (*PackIndex, error) {
	ix, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	p, err := parsePackIndex(ix)
	if err != nil {
		_ = ix.Close()
		return nil, fmt.Errorf("idx %q: %w", path, err)
	}
	return p, nil
}

func parsePackIndex(ix *mmap.ReaderAt) (*PackIndex, error) {
	header := make([]byte, idxHeaderSize)
	if _, err := ix.ReadAt(header, 0); err != nil {
		return nil, err
	}
	if !bytes.Equal(header[0:4], idxMagic) {
		return nil, fmt.Errorf("unsupported idx version or v1 not handled")
	}
	if version := binary.BigEndian.Uint32(header[4:]); version != 2 {
		return nil, fmt.Errorf("unsupported idx version %d", version)
	}

	size := int64(ix.Len())
	// hdr(8) + fan-out(1024) + trailing hashes(40) is the absolute minimum.
	if size < idxHeaderSize+fanoutSize+hashSize*2 {
		return nil, ErrBadIdxChecksum
	}

	fanoutData := make([]byte, fanoutSize)
	if _, err := ix.ReadAt(fanoutData, idxHeaderSize); err != nil {
		return nil, err
	}
	var fanout [fanoutEntries]uint32
	for i := range fanout {
		fanout[i] = binary.BigEndian.Uint32(fanoutData[i*4:])
		if i > 0 && fanout[i] < fanout[i-1] {
			return nil, ErrNonMonotonicFanout
		}
	}

	objCount := int64(fanout[fanoutEntries-1])
	if objCount > math.MaxUint32/hashSize {
		return nil, fmt.Errorf("idx claims %d objects - refusing", objCount)
	}

	// Do the tables we are about to slice actually fit inside the file?
	minSize := int64(idxHeaderSize+fanoutSize) +
		objCount*(hashSize+idxCrcSize+idxOffsetSize) +
		hashSize*2
	if size < minSize {
		return nil, ErrBadIdxChecksum
	}

	oidBase := int64(idxHeaderSize + fanoutSize)
	crcBase := oidBase + objCount*hashSize
	offBase := crcBase + objCount*idxCrcSize
	largeBase := offBase + objCount*idxOffsetSize

	oids := make([]Hash, objCount)
	for i := range oids {
		if _, err := ix.ReadAt(oids[i][:], oidBase+int64(i)*hashSize); err != nil {
			return nil, err
		}
	}

	offData := make([]byte, objCount*idxOffsetSize)
	if _, err := ix.ReadAt(offData, offBase); err != nil {
		return nil, err
	}

	// First pass decodes direct 31-bit offsets and remembers which entries
	// escape into the large-offset table.
	type largeRef struct{ objIdx, largeIdx uint32 }
	var largeRefs []largeRef
	maxLargeIdx := uint32(0)

	offsets := make([]uint64, objCount)
	for i := int64(0); i < objCount; i++ {
		word := binary.BigEndian.Uint32(offData[i*idxOffsetSize:])
		if word&0x80000000 == 0 {
			offsets[i] = uint64(word)
			continue
		}
		idx := word & 0x7fffffff
		largeRefs = append(largeRefs, largeRef{uint32(i), idx})
		if idx > maxLargeIdx {
			maxLargeIdx = idx
		}
	}

	if len(largeRefs) > 0 {
		largeCount := int64(maxLargeIdx) + 1
		if largeBase+largeCount*largeOffSize > size-hashSize*2 {
			return nil, fmt.Errorf("large offset table truncated")
		}
		raw := make([]byte, largeCount*largeOffSize)
		if _, err := ix.ReadAt(raw, largeBase); err != nil {
			return nil, err
		}
		for _, ref := range largeRefs {
			offsets[ref.objIdx] = binary.BigEndian.Uint64(raw[int64(ref.largeIdx)*largeOffSize:])
		}
	}

	// Trailer verification: recompute the idx hash over everything except
	// the final hash itself.
	var want Hash
	if _, err := ix.ReadAt(want[:], size-hashSize); err != nil {
		return nil, err
	}
	h := sha1.New()
	if _, err := io.Copy(h, io.NewSectionReader(ix, 0, size-hashSize)); err != nil {
		return nil, err
	}
	if !bytes.Equal(h.Sum(nil), want[:]) {
		return nil, ErrBadIdxChecksum
	}

	return &PackIndex{idx: ix, fanout: fanout, oidTable: oids, offsets: offsets}, nil
}

// NumObjects reports how many objects the index covers.
func (p *PackIndex) NumObjects() uint32 { return p.fanout[fanoutEntries-1] }

// Offset looks up an object ID and returns the absolute byte offset of the
// object inside the companion packfile.
//
// The method first consults the fan-out table to narrow the search window
// to objects whose first digest byte matches oid[0], then binary-searches
// the sorted OID slice.  The boolean result reports whether the object was
// present; when it is false the offset is zero.
func (p *PackIndex) Offset(oid Hash) (uint64, bool) {
	first := oid[0]
	start := uint32(0)
	if first > 0 {
		start = p.fanout[first-1]
	}
	end := p.fanout[first]
	if start == end {
		return 0, false // bucket empty
	}

	rel, ok := slices.BinarySearchFunc(
		p.oidTable[start:end],
		oid,
		func(a, b Hash) int { return a.Compare(b) },
	)
	if !ok {
		return 0, false
	}
	return p.offsets[int(start)+rel], true
}

// Close unmaps the index file.
func (p *PackIndex) Close() error { return p.idx.Close() }
