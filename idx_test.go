package gitindex

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenPackIndex(t *testing.T) {
	dir := t.TempDir()

	oids := []Hash{
		mustHash(t, "0a00000000000000000000000000000000000000"),
		mustHash(t, "7f00000000000000000000000000000000000000"),
		mustHash(t, "f000000000000000000000000000000000000000"),
	}
	offsets := []uint64{12, 34, 56}
	path := writeIdxFile(t, dir, "p.pack", oids, offsets)

	p, err := openPackIndex(path)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, uint32(3), p.NumObjects())
	for i, oid := range oids {
		off, ok := p.Offset(oid)
		require.True(t, ok, "oid %s", oid)
		assert.Equal(t, offsets[i], off)
	}

	_, ok := p.Offset(hashWithPrefix(0x42))
	assert.False(t, ok)
}

func TestOpenPackIndexLargeOffset(t *testing.T) {
	dir := t.TempDir()

	oid := mustHash(t, "aa00000000000000000000000000000000000000")
	path := writeIdxFile(t, dir, "big.pack", []Hash{oid}, []uint64{0x2_0000_0010})

	p, err := openPackIndex(path)
	require.NoError(t, err)
	defer p.Close()

	off, ok := p.Offset(oid)
	require.True(t, ok)
	assert.Equal(t, uint64(0x2_0000_0010), off)
}

func TestOpenPackIndexRejectsCorruption(t *testing.T) {
	dir := t.TempDir()

	oid := mustHash(t, "aa00000000000000000000000000000000000000")
	path := writeIdxFile(t, dir, "p.pack", []Hash{oid}, []uint64{1})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[idxHeaderSize+fanoutSize] ^= 0x80 // first OID byte
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = openPackIndex(path)
	assert.ErrorIs(t, err, ErrBadIdxChecksum)
}
