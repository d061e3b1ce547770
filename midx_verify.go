// midx_verify.go
//
// Independent verifier for multi-pack-index files.
//
// The verifier re-derives every format invariant from its own mapping of
// the file, sharing no cached state with the reader, and cross-checks
// each recorded offset against the referenced pack's own index.  A checksum
// mismatch and every fan-out, OID-order, and per-entry offset violation are
// collected without stopping.  A violation in the header, the chunk table,
// the pack names, or a chunk's size is reported and ends verification; the
// checks after it are not run.

package gitindex

import (
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"golang.org/x/exp/mmap"
)

// VerifyReport lists every invariant violation found in one midx file.
// An empty report means the file is sound.
type VerifyReport struct {
	Violations []string
}

// OK reports whether verification found no violations.
func (r *VerifyReport) OK() bool { return len(r.Violations) == 0 }

func (r *VerifyReport) addf(format string, args ...any) {
	r.Violations = append(r.Violations, fmt.Sprintf(format, args...))
}

// VerifyMidx maps the multi-pack-index at path and checks the trailing
// checksum, header, chunk table, pack-name ordering, fan-out counts, OID
// ordering, offset encoding, and, for every entry, that the offset the
// midx recorded matches what the pack's own *.idx says.
//
// A pack whose index cannot be opened is reported once and its entries are
// skipped; verification continues with the rest.  The returned error is
// reserved for I/O failures that prevent examining the file at all.
func VerifyMidx(path string) (*VerifyReport, error) {
	mr, err := mmap.Open(path)
	if err != nil {
		return nil, err
	}
	defer mr.Close()

	rep := &VerifyReport{}
	size := int64(mr.Len())
	if size < midxHeaderSize+chunkLookupWidth+hashSize {
		rep.addf("file is %d bytes, too short for a midx", size)
		return rep, nil
	}

	// Checksum first: everything after this is only as trustworthy as the
	// trailer says.
	trailerOff := size - hashSize
	h := sha1.New()
	if _, err := io.Copy(h, io.NewSectionReader(mr, 0, trailerOff)); err != nil {
		return nil, err
	}
	var want Hash
	if _, err := mr.ReadAt(want[:], trailerOff); err != nil {
		return nil, err
	}
	var got Hash
	copy(got[:], h.Sum(nil))
	if got != want {
		rep.addf("checksum mismatch: computed %s, stored %s", got, want)
	}

	var hdr [midxHeaderSize]byte
	if _, err := mr.ReadAt(hdr[:], 0); err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != midxSignature {
		rep.addf("bad signature %x", hdr[0:4])
		return rep, nil
	}
	if v := binary.BigEndian.Uint32(hdr[4:8]); v != midxVersion {
		rep.addf("bad version %#08x", v)
		return rep, nil
	}
	if hdr[8] != midxHashVersion || hdr[9] != midxHashLen {
		rep.addf("bad hash version/length %d/%d", hdr[8], hdr[9])
		return rep, nil
	}
	numChunks := int(hdr[11])
	packCount := int(binary.BigEndian.Uint32(hdr[12:16]))

	sections, err := readChunkTable(mr, midxHeaderSize, numChunks, trailerOff)
	if err != nil {
		rep.addf("chunk table: %v", err)
		return rep, nil
	}
	for _, id := range []uint32{chunkPLOO, chunkPNAM, chunkOIDF, chunkOIDL, chunkOOFF} {
		if _, ok := sections[id]; !ok {
			rep.addf("required chunk %08x missing", id)
		}
	}
	if !rep.OK() {
		return rep, nil
	}

	packNames, err := parsePackNames(mr, sections[chunkPLOO], sections[chunkPNAM], packCount)
	if err != nil {
		rep.addf("pack names: %v", err)
		return rep, nil
	}

	// Fan-out: every counter must equal the number of OIDs whose first
	// byte is ≤ its position, and the OID list must be strictly ascending.
	fanSec := sections[chunkOIDF]
	if fanSec.size != fanoutSize {
		rep.addf("OIDF chunk is %d bytes, want %d", fanSec.size, fanoutSize)
		return rep, nil
	}
	fanData := make([]byte, fanoutSize)
	if _, err := mr.ReadAt(fanData, fanSec.off); err != nil {
		return nil, err
	}
	var fanout [fanoutEntries]uint32
	for i := range fanout {
		fanout[i] = binary.BigEndian.Uint32(fanData[i*4:])
	}
	objCount := int(fanout[fanoutEntries-1])

	oidSec := sections[chunkOIDL]
	if oidSec.size != int64(objCount)*hashSize {
		rep.addf("OIDL chunk is %d bytes, want %d", oidSec.size, objCount*hashSize)
		return rep, nil
	}
	oids := make([]Hash, objCount)
	var counts [fanoutEntries]uint32
	for i := range oids {
		if _, err := mr.ReadAt(oids[i][:], oidSec.off+int64(i)*hashSize); err != nil {
			return nil, err
		}
		counts[oids[i][0]]++
		if i > 0 && oids[i].Compare(oids[i-1]) <= 0 {
			rep.addf("OID lookup not strictly ascending at entry %d (%s after %s)",
				i, oids[i], oids[i-1])
		}
	}
	var cum uint32
	for i := range counts {
		cum += counts[i]
		if fanout[i] != cum {
			rep.addf("fanout[%#02x] is %d, want %d", i, fanout[i], cum)
		}
	}

	offSec := sections[chunkOOFF]
	if offSec.size != int64(objCount)*8 {
		rep.addf("OOFF chunk is %d bytes, want %d", offSec.size, objCount*8)
		return rep, nil
	}
	offRaw := make([]byte, offSec.size)
	if _, err := mr.ReadAt(offRaw, offSec.off); err != nil {
		return nil, err
	}

	var loff []uint64
	if sec, ok := sections[chunkLOFF]; ok {
		raw := make([]byte, sec.size)
		if _, err := mr.ReadAt(raw, sec.off); err != nil {
			return nil, err
		}
		loff = make([]uint64, sec.size/largeOffSize)
		for i := range loff {
			loff[i] = binary.BigEndian.Uint64(raw[i*largeOffSize:])
		}
	}

	// Cross-check every entry against the pack's own index.  Packs whose
	// index cannot be opened are reported once and skipped thereafter.
	packDir := filepath.Dir(path)
	packs := make([]*PackIndex, len(packNames))
	packBad := make([]bool, len(packNames))
	defer func() {
		for _, p := range packs {
			if p != nil {
				_ = p.Close()
			}
		}
	}()

	for i := 0; i < objCount; i++ {
		packID := binary.BigEndian.Uint32(offRaw[i*8 : i*8+4])
		word := binary.BigEndian.Uint32(offRaw[i*8+4 : i*8+8])

		if int(packID) >= len(packNames) {
			rep.addf("entry %d (%s) references pack %d of %d", i, oids[i], packID, len(packNames))
			continue
		}

		var offset uint64
		if word&midxOffsetEscape == 0 {
			offset = uint64(word)
		} else {
			idx := word &^ midxOffsetEscape
			if int(idx) >= len(loff) {
				rep.addf("entry %d (%s) escapes to LOFF[%d], table has %d", i, oids[i], idx, len(loff))
				continue
			}
			offset = loff[idx]
		}

		if packBad[packID] {
			continue
		}
		if packs[packID] == nil {
			idxPath := filepath.Join(packDir,
				strings.TrimSuffix(packNames[packID], ".pack")+".idx")
			p, err := openPackIndex(idxPath)
			if err != nil {
				rep.addf("pack %q: cannot open index: %v", packNames[packID], err)
				packBad[packID] = true
				continue
			}
			packs[packID] = p
		}
		packOff, ok := packs[packID].Offset(oids[i])
		if !ok {
			rep.addf("entry %d (%s) not found in pack %q", i, oids[i], packNames[packID])
			continue
		}
		if packOff != offset {
			rep.addf("entry %d (%s) offset %d, pack %q says %d",
				i, oids[i], offset, packNames[packID], packOff)
		}
	}

	return rep, nil
}
