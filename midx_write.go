// midx_write.go
//
// Builder for multi-pack-index files.
//
// The builder takes an unordered list of pack basenames and an unordered
// list of (OID, pack, offset) tuples, sorts and deduplicates them, and
// streams the chunked file through the framing writer in chunk.go.  Pack ids
// recorded on disk are post-sort ids; the permutation from the caller's
// pre-sort ids is computed here and never escapes.

package gitindex

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// MidxEntry describes one object handed to WriteMidx: which pack (by the
// caller's pre-sort pack id) contains it and at which byte offset.
//
// PackMtime only participates in deduplication: when the same OID is listed
// more than once, the entry with the smallest mtime survives.  Newly built
// entries conventionally carry mtime 0 so existing data wins a tie.
type MidxEntry struct {
	OID       Hash
	PackID    uint32
	Offset    uint64
	PackMtime int64
}

// WriteMidx writes a multi-pack-index covering packNames and entries into
// packDir and returns the path of the finished file.
//
// When name is empty, the file is first written as tmp_midx_* and then
// renamed to midx-<hex>.midx, where <hex> is the trailing content hash; the
// index is therefore never visible under its final name until it is
// complete.  A non-empty name is used as the final name directly, with no
// rename (a relative name is placed inside packDir), replacing any existing
// file.
//
// Caller-input problems (an entry referencing a pack id outside packNames,
// or duplicate pack names) are reported as errors.  Internal layout
// mismatches panic via the chunk writer: they are bugs, not I/O conditions.
func WriteMidx(packDir, name string, packNames []string, entries []MidxEntry) (string, error) {
	nrPacks := len(packNames)

	// Sort packs, remembering where each pre-sort id ended up.
	sortedNames := make([]string, nrPacks)
	copy(sortedNames, packNames)
	slices.Sort(sortedNames)
	for i := 1; i < nrPacks; i++ {
		if sortedNames[i] == sortedNames[i-1] {
			return "", fmt.Errorf("duplicate pack name %q", sortedNames[i])
		}
	}
	perm := make([]uint32, nrPacks)
	for pre, n := range packNames {
		post, _ := slices.BinarySearch(sortedNames, n)
		perm[pre] = uint32(post)
	}

	for i := range entries {
		if int(entries[i].PackID) >= nrPacks {
			return "", fmt.Errorf("entry %s references pack %d of %d",
				entries[i].OID, entries[i].PackID, nrPacks)
		}
	}

	// Sort by OID; ties prefer the older (smaller) pack mtime, so that the
	// first of each run of equal OIDs is the survivor.
	sorted := make([]MidxEntry, len(entries))
	copy(sorted, entries)
	slices.SortStableFunc(sorted, func(a, b MidxEntry) int {
		if c := a.OID.Compare(b.OID); c != 0 {
			return c
		}
		switch {
		case a.PackMtime < b.PackMtime:
			return -1
		case a.PackMtime > b.PackMtime:
			return 1
		}
		return 0
	})

	distinct := sorted[:0]
	for i := range sorted {
		if len(distinct) > 0 && sorted[i].OID == distinct[len(distinct)-1].OID {
			continue
		}
		distinct = append(distinct, sorted[i])
	}

	var nrLarge uint32
	for i := range distinct {
		if distinct[i].Offset >= midxOffsetEscape {
			nrLarge++
		}
	}
	largeNeeded := nrLarge > 0

	// Declare the chunk layout.  Offsets fall out of the declared lengths.
	totalNameLen := uint64(0)
	for _, n := range sortedNames {
		totalNameLen += uint64(len(n)) + 1
	}
	ids := []uint32{chunkPLOO, chunkPNAM, chunkOIDF, chunkOIDL, chunkOOFF}
	lengths := []uint64{
		uint64(nrPacks) * 4,
		totalNameLen,
		fanoutSize,
		uint64(len(distinct)) * hashSize,
		uint64(len(distinct)) * 8,
	}
	if largeNeeded {
		ids = append(ids, chunkLOFF)
		lengths = append(lengths, uint64(nrLarge)*largeOffSize)
	}

	var f *os.File
	var err error
	path := name
	renameNeeded := false
	if name == "" {
		f, err = os.CreateTemp(packDir, "tmp_midx_")
		if err != nil {
			return "", err
		}
		path = f.Name()
		renameNeeded = true
	} else {
		if !filepath.IsAbs(name) {
			path = filepath.Join(packDir, name)
		}
		f, err = os.Create(path)
		if err != nil {
			return "", err
		}
	}
	// The temp file is removed on any error exit so failed builds leave no
	// debris in the pack directory.
	success := false
	defer func() {
		_ = f.Close()
		if !success {
			_ = os.Remove(path)
		}
	}()

	var hdr [midxHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], midxSignature)
	binary.BigEndian.PutUint32(hdr[4:8], midxVersion)
	hdr[8] = midxHashVersion
	hdr[9] = midxHashLen
	hdr[10] = 0 // base midx files
	hdr[11] = byte(len(ids))
	binary.BigEndian.PutUint32(hdr[12:16], uint32(nrPacks))

	cw, err := beginChunkedFile(f, hdr[:], ids, lengths)
	if err != nil {
		return "", err
	}

	if err := cw.appendChunk(chunkPLOO, func(w *hashWriter) error {
		var cur uint32
		var word [4]byte
		for _, n := range sortedNames {
			binary.BigEndian.PutUint32(word[:], cur)
			if _, err := w.Write(word[:]); err != nil {
				return err
			}
			cur += uint32(len(n)) + 1
		}
		return nil
	}); err != nil {
		return "", err
	}

	if err := cw.appendChunk(chunkPNAM, func(w *hashWriter) error {
		for _, n := range sortedNames {
			if _, err := w.Write(append([]byte(n), 0)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return "", err
	}

	if err := cw.appendChunk(chunkOIDF, func(w *hashWriter) error {
		var fanout [fanoutEntries]uint32
		for i := range distinct {
			fanout[distinct[i].OID[0]]++
		}
		var cum uint32
		var word [4]byte
		for i := range fanout {
			cum += fanout[i]
			binary.BigEndian.PutUint32(word[:], cum)
			if _, err := w.Write(word[:]); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return "", err
	}

	if err := cw.appendChunk(chunkOIDL, func(w *hashWriter) error {
		for i := range distinct {
			if i > 0 && distinct[i].OID.Compare(distinct[i-1].OID) <= 0 {
				panic(fmt.Sprintf("midx write: OID lookup not strictly ascending at entry %d", i))
			}
			if _, err := w.Write(distinct[i].OID[:]); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return "", err
	}

	if err := cw.appendChunk(chunkOOFF, func(w *hashWriter) error {
		var rec [8]byte
		var largeIdx uint32
		for i := range distinct {
			binary.BigEndian.PutUint32(rec[0:4], perm[distinct[i].PackID])
			if distinct[i].Offset >= midxOffsetEscape {
				binary.BigEndian.PutUint32(rec[4:8], midxOffsetEscape|largeIdx)
				largeIdx++
			} else {
				binary.BigEndian.PutUint32(rec[4:8], uint32(distinct[i].Offset))
			}
			if _, err := w.Write(rec[:]); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return "", err
	}

	if largeNeeded {
		if err := cw.appendChunk(chunkLOFF, func(w *hashWriter) error {
			var word [8]byte
			for i := range distinct {
				if distinct[i].Offset < midxOffsetEscape {
					continue
				}
				binary.BigEndian.PutUint64(word[:], distinct[i].Offset)
				if _, err := w.Write(word[:]); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return "", err
		}
	}

	sum, err := cw.finalize()
	if err != nil {
		return "", err
	}

	if renameNeeded {
		final := filepath.Join(packDir, midxFileName(sum))
		if err := os.Rename(path, final); err != nil {
			return "", fmt.Errorf("rename %q to %q: %w", path, final, err)
		}
		path = final
	}
	success = true
	return path, nil
}

// midxFileName derives the canonical basename of a finished multi-pack
// index from its trailing hash.
func midxFileName(sum Hash) string {
	var b strings.Builder
	b.WriteString("midx-")
	b.WriteString(sum.String())
	b.WriteString(".midx")
	return b.String()
}
