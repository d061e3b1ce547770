// midx.go
//
// Memory-mapped reader for multi-pack-index ("midx") files.
//
// A midx aggregates the OID → (pack, offset) mappings of many packfiles into
// a single file so that a cross-pack object lookup costs one fan-out probe
// and one binary search instead of one per pack.  The reader validates the
// header, the chunk table, and the trailing checksum before exposing any
// lookups; the packfile indexes the midx refers to are opened lazily, on the
// first lookup that resolves into them.

package gitindex

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"

	"golang.org/x/exp/mmap"
)

// Multi-pack index format constants.
const (
	midxSignature   = 0x4d494458 // 'MIDX'
	midxVersion     = 0x80000001
	midxHashVersion = 1  // SHA-1
	midxHashLen     = hashSize
	midxHeaderSize  = 16
)

// Multi-pack index chunk identifiers.
const (
	chunkPLOO = 0x504c4f4f // 'PLOO' - pack-name lookup
	chunkPNAM = 0x504e414d // 'PNAM' - pack names
	chunkOIDF = 0x4f494446 // 'OIDF' - object ID fanout table
	chunkOIDL = 0x4f49444c // 'OIDL' - object ID list
	chunkOOFF = 0x4f4f4646 // 'OOFF' - object offsets
	chunkLOFF = 0x4c4f4646 // 'LOFF' - large object offsets
)

// midxOffsetEscape flags a 32-bit offset word whose low 31 bits index the
// large-offset chunk instead of holding the offset itself.
const midxOffsetEscape = 0x80000000

var (
	ErrBadMidxChecksum = errors.New("midx corrupt: checksum mismatch")
	ErrNotMidx         = errors.New("not a MIDX file")
)

// midxEntry describes a single object as recorded in a multi-pack index.
// The struct maps an object to its containing pack and byte offset within
// that pack.
type midxEntry struct {
	// packID indexes the sorted pack-name table, identifying which pack
	// file contains this object.
	packID uint32

	// offset is the absolute byte position of the object header inside the
	// specified pack file, already resolved through the large-offset chunk
	// when the on-disk word carried the escape bit.
	offset uint64
}

// Midx is one open multi-pack-index file.
//
// The lookup tables are immutable after OpenMidx returns and are safe for
// concurrent readers.  The lazily-populated pack-index slots are published
// with atomic pointer installs, so concurrent lookups never observe a torn
// handle.  The reader owns its mapping and every pack index it has opened;
// Close releases all of them together.
type Midx struct {
	path     string
	packDir  string
	mr       *mmap.ReaderAt
	checksum Hash

	// packNames are the referenced pack basenames in PNAM (sorted) order.
	packNames []string

	// fanout[i] == #objects whose first digest byte ≤ i.
	fanout [fanoutEntries]uint32

	// objectIDs and entries run in parallel and have identical length.
	objectIDs []Hash
	entries   []midxEntry

	// packs holds one lazily-installed *PackIndex per pack id.  A nil slot
	// means the pack's index has not been needed yet or could not be
	// opened; the latter degrades lookups to "not found" rather than
	// failing, because a midx may legitimately outlive a pack.
	packs []atomic.Pointer[PackIndex]
}

// OpenMidx memory-maps the multi-pack-index at path and validates its
// header, chunk table, strict-ordering invariants, and trailing checksum.
//
// Packfile indexes referenced by the midx are not touched here; they are
// opened on first use by FindObject.
func OpenMidx(path string) (*Midx, error) {
	mr, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	m, err := parseMidx(path, mr)
	if err != nil {
		_ = mr.Close()
		return nil, fmt.Errorf("midx %q: %w", path, err)
	}
	return m, nil
}

func parseMidx(path string, mr *mmap.ReaderAt) (*Midx, error) {
	size := int64(mr.Len())
	// Header, one empty chunk table row, and the trailer hash is the
	// absolute minimum.
	if size < midxHeaderSize+chunkLookupWidth+hashSize {
		return nil, ErrNotMidx
	}

	var hdr [midxHeaderSize]byte
	if _, err := mr.ReadAt(hdr[:], 0); err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != midxSignature {
		return nil, ErrNotMidx
	}
	if v := binary.BigEndian.Uint32(hdr[4:8]); v != midxVersion {
		return nil, fmt.Errorf("unsupported midx version %#08x", v)
	}
	if hdr[8] != midxHashVersion {
		return nil, fmt.Errorf("unsupported hash version %d", hdr[8])
	}
	if hdr[9] != midxHashLen {
		return nil, fmt.Errorf("unsupported hash length %d", hdr[9])
	}
	if hdr[10] != 0 {
		return nil, fmt.Errorf("base midx files not supported (%d present)", hdr[10])
	}
	numChunks := int(hdr[11])
	packCount := int(binary.BigEndian.Uint32(hdr[12:16]))

	trailerOff := size - hashSize
	if int64(midxHeaderSize+(numChunks+1)*chunkLookupWidth) > trailerOff {
		return nil, fmt.Errorf("truncated chunk table")
	}

	// Verify the trailing checksum before trusting anything the chunk
	// table points at.
	h := sha1.New()
	if _, err := io.Copy(h, io.NewSectionReader(mr, 0, trailerOff)); err != nil {
		return nil, err
	}
	var want Hash
	if _, err := mr.ReadAt(want[:], trailerOff); err != nil {
		return nil, err
	}
	if !bytes.Equal(h.Sum(nil), want[:]) {
		return nil, ErrBadMidxChecksum
	}

	sections, err := readChunkTable(mr, midxHeaderSize, numChunks, trailerOff)
	if err != nil {
		return nil, err
	}
	for _, id := range []uint32{chunkPLOO, chunkPNAM, chunkOIDF, chunkOIDL, chunkOOFF} {
		if _, ok := sections[id]; !ok {
			return nil, fmt.Errorf("required chunk %08x missing", id)
		}
	}

	packNames, err := parsePackNames(mr, sections[chunkPLOO], sections[chunkPNAM], packCount)
	if err != nil {
		return nil, err
	}

	// OIDF.
	fanSec := sections[chunkOIDF]
	if fanSec.size != fanoutSize {
		return nil, fmt.Errorf("OIDF chunk is %d bytes, want %d", fanSec.size, fanoutSize)
	}
	fanData := make([]byte, fanoutSize)
	if _, err := mr.ReadAt(fanData, fanSec.off); err != nil {
		return nil, err
	}
	var fanout [fanoutEntries]uint32
	for i := range fanout {
		fanout[i] = binary.BigEndian.Uint32(fanData[i*4:])
		if i > 0 && fanout[i] < fanout[i-1] {
			return nil, fmt.Errorf("fanout not monotonic at byte %#02x", i)
		}
	}
	objCount := int(fanout[fanoutEntries-1])

	// OIDL.
	oidSec := sections[chunkOIDL]
	if oidSec.size != int64(objCount)*hashSize {
		return nil, fmt.Errorf("OIDL chunk is %d bytes, want %d", oidSec.size, objCount*hashSize)
	}
	oids := make([]Hash, objCount)
	for i := range oids {
		if _, err := mr.ReadAt(oids[i][:], oidSec.off+int64(i)*hashSize); err != nil {
			return nil, err
		}
		if i > 0 && oids[i].Compare(oids[i-1]) <= 0 {
			return nil, fmt.Errorf("OID lookup not strictly ascending at entry %d", i)
		}
	}

	// OOFF / LOFF.
	offSec := sections[chunkOOFF]
	if offSec.size != int64(objCount)*8 {
		return nil, fmt.Errorf("OOFF chunk is %d bytes, want %d", offSec.size, objCount*8)
	}
	offRaw := make([]byte, offSec.size)
	if _, err := mr.ReadAt(offRaw, offSec.off); err != nil {
		return nil, err
	}

	var loff []uint64
	if sec, ok := sections[chunkLOFF]; ok {
		if sec.size%largeOffSize != 0 {
			return nil, fmt.Errorf("LOFF chunk not a multiple of %d bytes", largeOffSize)
		}
		raw := make([]byte, sec.size)
		if _, err := mr.ReadAt(raw, sec.off); err != nil {
			return nil, err
		}
		loff = make([]uint64, sec.size/largeOffSize)
		for i := range loff {
			loff[i] = binary.BigEndian.Uint64(raw[i*largeOffSize:])
		}
	}

	entries := make([]midxEntry, objCount)
	for i := range entries {
		packID := binary.BigEndian.Uint32(offRaw[i*8 : i*8+4])
		rawOff := binary.BigEndian.Uint32(offRaw[i*8+4 : i*8+8])
		if int(packID) >= len(packNames) {
			return nil, fmt.Errorf("entry %d refers to pack %d of %d", i, packID, len(packNames))
		}

		var off64 uint64
		if rawOff&midxOffsetEscape == 0 {
			off64 = uint64(rawOff)
		} else {
			idx := rawOff &^ midxOffsetEscape
			if int(idx) >= len(loff) {
				return nil, fmt.Errorf("invalid LOFF index %d", idx)
			}
			off64 = loff[idx]
		}
		entries[i] = midxEntry{packID: packID, offset: off64}
	}

	return &Midx{
		path:      path,
		packDir:   filepath.Dir(path),
		mr:        mr,
		checksum:  want,
		packNames: packNames,
		fanout:    fanout,
		objectIDs: oids,
		entries:   entries,
		packs:     make([]atomic.Pointer[PackIndex], len(packNames)),
	}, nil
}

// parsePackNames decodes the PLOO and PNAM chunks: packCount strictly
// increasing offsets into a concatenation of NUL-terminated, sorted pack
// basenames.
func parsePackNames(mr *mmap.ReaderAt, ploo, pnam chunkSection, packCount int) ([]string, error) {
	if ploo.size != int64(packCount)*4 {
		return nil, fmt.Errorf("PLOO chunk is %d bytes, want %d", ploo.size, packCount*4)
	}
	lookupRaw := make([]byte, ploo.size)
	if _, err := mr.ReadAt(lookupRaw, ploo.off); err != nil {
		return nil, err
	}
	names := make([]byte, pnam.size)
	if _, err := mr.ReadAt(names, pnam.off); err != nil {
		return nil, err
	}

	packNames := make([]string, 0, packCount)
	prevOff := -1
	for i := 0; i < packCount; i++ {
		off := int(binary.BigEndian.Uint32(lookupRaw[i*4:]))
		if off <= prevOff {
			return nil, fmt.Errorf("PLOO offsets not strictly increasing at entry %d", i)
		}
		prevOff = off
		if off >= len(names) {
			return nil, fmt.Errorf("PLOO entry %d points past PNAM", i)
		}
		end := bytes.IndexByte(names[off:], 0)
		if end < 0 {
			return nil, fmt.Errorf("unterminated PNAM entry %d", i)
		}
		if end == 0 {
			return nil, fmt.Errorf("empty PNAM entry %d", i)
		}
		name := string(names[off : off+end])
		if i > 0 && name <= packNames[i-1] {
			return nil, fmt.Errorf("pack names not strictly ascending at entry %d", i)
		}
		packNames = append(packNames, name)
	}
	return packNames, nil
}

// NumObjects reports the number of distinct objects recorded in the midx.
func (m *Midx) NumObjects() uint32 { return m.fanout[fanoutEntries-1] }

// PackNames returns the referenced pack basenames in sorted order.  The
// slice is owned by the reader and must not be mutated.
func (m *Midx) PackNames() []string { return m.packNames }

// Checksum returns the trailing content hash, which also names the file.
func (m *Midx) Checksum() Hash { return m.checksum }

// Lookup maps an object ID to its (pack id, offset) pair without touching
// any packfile.  The boolean result reports whether the object is present.
func (m *Midx) Lookup(oid Hash) (packID uint32, offset uint64, ok bool) {
	first := oid[0]
	start := uint32(0)
	if first > 0 {
		start = m.fanout[first-1]
	}
	end := m.fanout[first]
	if start == end {
		return 0, 0, false
	}

	rel, hit := slices.BinarySearchFunc(
		m.objectIDs[start:end],
		oid,
		func(a, b Hash) int { return a.Compare(b) },
	)
	if !hit {
		return 0, 0, false
	}
	ent := m.entries[int(start)+rel]
	return ent.packID, ent.offset, true
}

// Nth returns the i-th recorded object in OID order.  The index must be in
// [0, NumObjects).
func (m *Midx) Nth(i uint32) (oid Hash, packID uint32, offset uint64) {
	ent := m.entries[i]
	return m.objectIDs[i], ent.packID, ent.offset
}

// ContainsPack reports whether the midx references a pack with the given
// basename.
func (m *Midx) ContainsPack(name string) bool {
	_, ok := slices.BinarySearch(m.packNames, name)
	return ok
}

// FindObject resolves an object ID to the pack index that can serve it plus
// the object's byte offset in the companion packfile.
//
// The first lookup that lands in pack id k opens that pack's *.idx and
// installs it in the reader's slot for k; later lookups reuse the handle.
// If the pack has disappeared since the midx was built, the lookup degrades
// to (nil, 0, false) so the caller can fall through to another object
// source.
func (m *Midx) FindObject(oid Hash) (*PackIndex, uint64, bool) {
	packID, offset, ok := m.Lookup(oid)
	if !ok {
		return nil, 0, false
	}
	p := m.openPack(packID)
	if p == nil {
		return nil, 0, false
	}
	return p, offset, true
}

func (m *Midx) openPack(packID uint32) *PackIndex {
	if p := m.packs[packID].Load(); p != nil {
		return p
	}
	idxPath := filepath.Join(m.packDir,
		strings.TrimSuffix(m.packNames[packID], ".pack")+".idx")
	p, err := openPackIndex(idxPath)
	if err != nil {
		// Stale reference: the pack was removed or its index is corrupt.
		// Decline the lookup; do not poison the slot so a pack restored
		// later is picked up.
		return nil
	}
	if !m.packs[packID].CompareAndSwap(nil, p) {
		// Another goroutine won the install race.
		_ = p.Close()
		p = m.packs[packID].Load()
	}
	return p
}

// Close releases every lazily-opened pack index and then the midx mapping
// itself.  The pack handles are destroyed first so nothing can reference
// the midx bytes after they are unmapped.
func (m *Midx) Close() error {
	var first error
	for i := range m.packs {
		if p := m.packs[i].Swap(nil); p != nil {
			if err := p.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	if err := m.mr.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
