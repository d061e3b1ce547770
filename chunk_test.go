package gitindex

import (
	"crypto/sha1"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/exp/mmap"
)

func writeTestChunkFile(t *testing.T, path string, header []byte, ids []uint32, payloads [][]byte) Hash {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	lengths := make([]uint64, len(payloads))
	for i, p := range payloads {
		lengths[i] = uint64(len(p))
	}
	cw, err := beginChunkedFile(f, header, ids, lengths)
	require.NoError(t, err)
	for i, id := range ids {
		p := payloads[i]
		require.NoError(t, cw.appendChunk(id, func(w *hashWriter) error {
			_, err := w.Write(p)
			return err
		}))
	}
	sum, err := cw.finalize()
	require.NoError(t, err)
	return sum
}

func TestChunkFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chunked")

	header := []byte("HDR!")
	ids := []uint32{0x41414141, 0x42424242}
	payloads := [][]byte{[]byte("first-chunk"), []byte("second")}

	sum := writeTestChunkFile(t, path, header, ids, payloads)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Layout: header, 3 lookup rows, payloads, trailing hash.
	wantLen := len(header) + 3*chunkLookupWidth + len(payloads[0]) + len(payloads[1]) + hashSize
	require.Len(t, data, wantLen)

	want := sha1.Sum(data[:len(data)-hashSize])
	assert.Equal(t, want[:], data[len(data)-hashSize:])
	assert.Equal(t, want[:], sum[:])

	mr, err := mmap.Open(path)
	require.NoError(t, err)
	defer mr.Close()

	trailerOff := int64(len(data) - hashSize)
	sections, err := readChunkTable(mr, int64(len(header)), len(ids), trailerOff)
	require.NoError(t, err)

	first := sections[0x41414141]
	assert.Equal(t, int64(len(header)+3*chunkLookupWidth), first.off)
	assert.Equal(t, int64(len(payloads[0])), first.size)

	second := sections[0x42424242]
	assert.Equal(t, first.off+first.size, second.off)
	assert.Equal(t, int64(len(payloads[1])), second.size)
}

func TestChunkTableRejectsBadSentinel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chunked")

	writeTestChunkFile(t, path, []byte("HDR!"), []uint32{0x41414141}, [][]byte{[]byte("payload")})

	mr, err := mmap.Open(path)
	require.NoError(t, err)
	defer mr.Close()

	// Lie about the trailer position: the sentinel row no longer lines up.
	_, err = readChunkTable(mr, 4, 1, int64(mr.Len())-hashSize-1)
	assert.Error(t, err)
}

func TestChunkWriterLengthMismatchPanics(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "chunked"))
	require.NoError(t, err)
	defer f.Close()

	cw, err := beginChunkedFile(f, []byte("HDR!"), []uint32{0x41414141}, []uint64{8})
	require.NoError(t, err)

	assert.Panics(t, func() {
		_ = cw.appendChunk(0x41414141, func(w *hashWriter) error {
			_, err := w.Write([]byte("short"))
			return err
		})
	})
}

func TestChunkWriterOutOfOrderPanics(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "chunked"))
	require.NoError(t, err)
	defer f.Close()

	cw, err := beginChunkedFile(f, []byte("HDR!"), []uint32{0x41414141, 0x42424242}, []uint64{1, 1})
	require.NoError(t, err)

	assert.Panics(t, func() {
		_ = cw.appendChunk(0x42424242, func(w *hashWriter) error {
			_, err := w.Write([]byte{0})
			return err
		})
	})
}

func TestChunkTableOffsetsMustIncrease(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chunked")

	// Hand-build a table whose second chunk offset goes backwards.
	var data []byte
	hdr := []byte("HDR!")
	data = append(data, hdr...)
	row := make([]byte, chunkLookupWidth)
	binary.BigEndian.PutUint32(row[0:4], 0x41414141)
	binary.BigEndian.PutUint64(row[4:12], 100)
	data = append(data, row...)
	binary.BigEndian.PutUint32(row[0:4], 0x42424242)
	binary.BigEndian.PutUint64(row[4:12], 50)
	data = append(data, row...)
	binary.BigEndian.PutUint32(row[0:4], 0)
	binary.BigEndian.PutUint64(row[4:12], 120)
	data = append(data, row...)
	data = append(data, make([]byte, 120-len(data)+hashSize)...)

	require.NoError(t, os.WriteFile(path, data, 0o644))
	mr, err := mmap.Open(path)
	require.NoError(t, err)
	defer mr.Close()

	_, err = readChunkTable(mr, int64(len(hdr)), 2, 120)
	assert.Error(t, err)
}
