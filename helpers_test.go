package gitindex

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// hashWithPrefix returns a Hash whose first byte is b and whose remaining
// bytes spell out a recognizable filler.
func hashWithPrefix(b byte) Hash {
	var h Hash
	h[0] = b
	for i := 1; i < hashSize; i++ {
		h[i] = byte(i)
	}
	return h
}

func mustHash(t *testing.T, s string) Hash {
	t.Helper()
	h, err := ParseHash(s)
	require.NoError(t, err)
	return h
}

// writeIdxFile builds a minimal, valid version-2 pack index for packName in
// dir covering exactly the given objects.  CRC values are zeroed; offsets
// beyond 2 GiB spill into the large-offset table.
func writeIdxFile(t *testing.T, dir, packName string, hashes []Hash, offsets []uint64) string {
	t.Helper()
	require.Equal(t, len(hashes), len(offsets), "hash/offset slice mismatch")

	type obj struct {
		h   Hash
		off uint64
	}
	objs := make([]obj, len(hashes))
	for i := range hashes {
		objs[i] = obj{hashes[i], offsets[i]}
	}
	slices.SortFunc(objs, func(a, b obj) int { return a.h.Compare(b.h) })

	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0x74, 0x4f, 0x63})
	binary.Write(&buf, binary.BigEndian, uint32(2))

	var fanout [fanoutEntries]uint32
	for _, o := range objs {
		fanout[o.h[0]]++
	}
	var cum uint32
	for i := range fanout {
		cum += fanout[i]
		binary.Write(&buf, binary.BigEndian, cum)
	}

	for _, o := range objs {
		buf.Write(o.h[:])
	}
	for range objs {
		binary.Write(&buf, binary.BigEndian, uint32(0)) // CRC-32
	}

	var large []uint64
	for _, o := range objs {
		if o.off >= 1<<31 {
			binary.Write(&buf, binary.BigEndian, uint32(0x80000000|len(large)))
			large = append(large, o.off)
		} else {
			binary.Write(&buf, binary.BigEndian, uint32(o.off))
		}
	}
	for _, off := range large {
		binary.Write(&buf, binary.BigEndian, off)
	}

	// Pack checksum trailer: arbitrary for these fixtures.
	buf.Write(make([]byte, hashSize))

	sum := sha1.Sum(buf.Bytes())
	buf.Write(sum[:])

	path := filepath.Join(dir, strings.TrimSuffix(packName, ".pack")+".idx")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

// fakeSource is an in-memory ObjectSource for expander tests.
type fakeSource struct {
	objs map[Hash]fakeObj

	// onGet, when set, runs before every lookup; reentrancy tests use it
	// to poke the index mid-expansion.
	onGet func(oid Hash)
}

type fakeObj struct {
	data []byte
	typ  ObjectType
}

func (s *fakeSource) Get(oid Hash) ([]byte, ObjectType, error) {
	if s.onGet != nil {
		s.onGet(oid)
	}
	o, ok := s.objs[oid]
	if !ok {
		return nil, ObjBad, ErrTreeNotFound
	}
	return o.data, o.typ, nil
}

// encodeTree serializes tree entries (which must already be name-sorted)
// into the canonical "<mode> <name>\0<oid>" payload.
func encodeTree(entries ...TreeEntry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(strconv.FormatUint(uint64(e.Mode), 8))
		buf.WriteByte(' ')
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		buf.Write(e.OID[:])
	}
	return buf.Bytes()
}

// appendSHA1 seals a hand-edited index body with a fresh trailer hash.
func appendSHA1(body []byte) []byte {
	sum := sha1.Sum(body)
	return append(body, sum[:]...)
}

// entryPaths flattens an entry array into its paths, the usual shape for
// order assertions.
func entryPaths(entries []*IndexEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path
	}
	return out
}
