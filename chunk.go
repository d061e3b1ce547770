// chunk.go
//
// Framing primitives shared by chunked table-of-contents files such as the
// multi-pack-index: a fixed header, a lookup table of (chunk id, 64-bit file
// offset) rows terminated by a sentinel row, the chunk payloads themselves,
// and a trailing content hash over everything that precedes it.  All
// multi-byte integers are big-endian.
//
// The writer assigns every chunk offset up front from declared lengths and
// verifies, while streaming, that each payload writer produced exactly the
// bytes it declared.  A mismatch is a bug in the calling code, not an I/O
// condition, and panics.

package gitindex

import (
	"bufio"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"hash"
	"os"

	"golang.org/x/exp/mmap"
)

const chunkLookupWidth = 12 // 4-byte chunk id + 8-byte file offset.

// hashWriter tees everything written through it into a rolling SHA-1 so the
// trailing checksum can be emitted without a second pass over the file.
type hashWriter struct {
	bw *bufio.Writer
	h  hash.Hash
	n  uint64 // bytes written so far, i.e. the current file offset
}

func newHashWriter(f *os.File) *hashWriter {
	return &hashWriter{bw: bufio.NewWriter(f), h: sha1.New()}
}

func (w *hashWriter) Write(p []byte) (int, error) {
	n, err := w.bw.Write(p)
	if n > 0 {
		w.h.Write(p[:n])
		w.n += uint64(n)
	}
	return n, err
}

// chunkWriter streams one chunked file: header, lookup table, payloads,
// trailing hash.  Offsets in the lookup table are derived from the declared
// chunk lengths before any payload is written.
type chunkWriter struct {
	f  *os.File
	hw *hashWriter

	ids     []uint32
	offsets []uint64 // len(ids)+1 entries; the last one is the trailer position
	next    int
}

// beginChunkedFile writes the fixed header and the complete lookup table
// (sentinel row included) for the declared chunks, and returns a writer that
// will stream the payloads.
//
// ids and lengths run in parallel.  The first chunk starts immediately after
// the lookup table; the sentinel row carries id zero and the file position of
// the trailing hash.
func beginChunkedFile(f *os.File, header []byte, ids []uint32, lengths []uint64) (*chunkWriter, error) {
	if len(ids) != len(lengths) {
		panic("chunked write: ids and lengths differ in count")
	}

	offsets := make([]uint64, len(ids)+1)
	offsets[0] = uint64(len(header) + (len(ids)+1)*chunkLookupWidth)
	for i, l := range lengths {
		offsets[i+1] = offsets[i] + l
	}

	cw := &chunkWriter{f: f, hw: newHashWriter(f), ids: ids, offsets: offsets}

	if _, err := cw.hw.Write(header); err != nil {
		return nil, err
	}

	var row [chunkLookupWidth]byte
	for i, id := range ids {
		binary.BigEndian.PutUint32(row[0:4], id)
		binary.BigEndian.PutUint64(row[4:12], offsets[i])
		if _, err := cw.hw.Write(row[:]); err != nil {
			return nil, err
		}
	}
	binary.BigEndian.PutUint32(row[0:4], 0)
	binary.BigEndian.PutUint64(row[4:12], offsets[len(ids)])
	if _, err := cw.hw.Write(row[:]); err != nil {
		return nil, err
	}
	return cw, nil
}

// appendChunk records that the next declared chunk is being written and
// invokes payload to stream its bytes.  The payload must produce exactly the
// length declared to beginChunkedFile.
func (cw *chunkWriter) appendChunk(id uint32, payload func(w *hashWriter) error) error {
	if cw.next >= len(cw.ids) {
		panic("chunked write: more chunks written than declared")
	}
	if id != cw.ids[cw.next] {
		panic(fmt.Sprintf("chunked write: chunk %08x written out of declared order (want %08x)",
			id, cw.ids[cw.next]))
	}
	if cw.hw.n != cw.offsets[cw.next] {
		panic(fmt.Sprintf("chunked write: chunk %08x starts at offset %d, table says %d",
			id, cw.hw.n, cw.offsets[cw.next]))
	}
	if err := payload(cw.hw); err != nil {
		return err
	}
	if cw.hw.n != cw.offsets[cw.next+1] {
		panic(fmt.Sprintf("chunked write: chunk %08x wrote %d bytes, declared %d",
			id, cw.hw.n-cw.offsets[cw.next], cw.offsets[cw.next+1]-cw.offsets[cw.next]))
	}
	cw.next++
	return nil
}

// finalize appends the rolling hash, flushes, fsyncs, and returns the hash.
// Every declared chunk must have been written.
func (cw *chunkWriter) finalize() (Hash, error) {
	if cw.next != len(cw.ids) {
		panic(fmt.Sprintf("chunked write: %d of %d declared chunks written",
			cw.next, len(cw.ids)))
	}
	var sum Hash
	copy(sum[:], cw.hw.h.Sum(nil))
	if _, err := cw.hw.bw.Write(sum[:]); err != nil {
		return Hash{}, err
	}
	if err := cw.hw.bw.Flush(); err != nil {
		return Hash{}, err
	}
	if err := cw.f.Sync(); err != nil {
		return Hash{}, err
	}
	return sum, nil
}

// chunkSection locates one chunk's payload inside a mapped file.
type chunkSection struct {
	off  int64
	size int64
}

// readChunkTable walks the lookup table of a mapped chunked file and returns
// the sections keyed by chunk id.  Unknown ids are kept (callers simply never
// ask for them); a sentinel row whose offset differs from trailerOff, a
// non-zero sentinel id, or offsets that are not strictly increasing reject
// the file.
func readChunkTable(mr *mmap.ReaderAt, base int64, numChunks int, trailerOff int64) (map[uint32]chunkSection, error) {
	buf := make([]byte, (numChunks+1)*chunkLookupWidth)
	if _, err := mr.ReadAt(buf, base); err != nil {
		return nil, err
	}

	ids := make([]uint32, numChunks+1)
	offs := make([]int64, numChunks+1)
	for i := 0; i <= numChunks; i++ {
		row := buf[i*chunkLookupWidth:]
		ids[i] = binary.BigEndian.Uint32(row[0:4])
		off := binary.BigEndian.Uint64(row[4:12])
		if off > uint64(maxHostInt) {
			return nil, fmt.Errorf("chunk %08x offset %d overflows host addressing", ids[i], off)
		}
		offs[i] = int64(off)
	}

	if ids[numChunks] != 0 {
		return nil, fmt.Errorf("chunk table missing terminating entry")
	}
	if offs[numChunks] != trailerOff {
		return nil, fmt.Errorf("chunk table terminator at %d, trailer at %d",
			offs[numChunks], trailerOff)
	}

	sections := make(map[uint32]chunkSection, numChunks)
	for i := 0; i < numChunks; i++ {
		if ids[i] == 0 {
			return nil, fmt.Errorf("chunk table entry %d has id zero before terminator", i)
		}
		if offs[i+1] <= offs[i] {
			return nil, fmt.Errorf("chunk table offsets not strictly increasing at entry %d", i)
		}
		sections[ids[i]] = chunkSection{off: offs[i], size: offs[i+1] - offs[i]}
	}
	return sections, nil
}

// maxHostInt is the largest file offset addressable on this host.  A chunk
// beyond it cannot be sliced out of a mapping on a 32-bit platform.
const maxHostInt = int64(^uint(0) >> 1)
