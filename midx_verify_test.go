package gitindex

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildVerifiableMidx(t *testing.T, dir string) (string, Hash, Hash) {
	t.Helper()

	oidA := mustHash(t, "aa00000000000000000000000000000000000000")
	oidB := mustHash(t, "bb00000000000000000000000000000000000000")

	writeIdxFile(t, dir, "one.pack", []Hash{oidA}, []uint64{100})
	writeIdxFile(t, dir, "two.pack", []Hash{oidB}, []uint64{200})

	path, err := WriteMidx(dir, "", []string{"one.pack", "two.pack"}, []MidxEntry{
		{OID: oidA, PackID: 0, Offset: 100},
		{OID: oidB, PackID: 1, Offset: 200},
	})
	require.NoError(t, err)
	return path, oidA, oidB
}

func TestVerifyMidxClean(t *testing.T) {
	dir := t.TempDir()
	path, _, _ := buildVerifiableMidx(t, dir)

	rep, err := VerifyMidx(path)
	require.NoError(t, err)
	assert.True(t, rep.OK(), "violations: %v", rep.Violations)
}

func TestVerifyMidxChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	path, _, _ := buildVerifiableMidx(t, dir)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// Drop the byte just before the trailing hash.
	trimmed := append([]byte{}, data[:len(data)-hashSize-1]...)
	trimmed = append(trimmed, data[len(data)-hashSize:]...)
	bad := filepath.Join(dir, "trunc.midx")
	require.NoError(t, os.WriteFile(bad, trimmed, 0o644))

	rep, err := VerifyMidx(bad)
	require.NoError(t, err)
	assert.False(t, rep.OK())
	assert.True(t, hasViolation(rep, "checksum mismatch"))
}

func TestVerifyMidxWrongOffset(t *testing.T) {
	dir := t.TempDir()

	oid := mustHash(t, "aa00000000000000000000000000000000000000")
	// The pack's own index disagrees with what the midx will record.
	writeIdxFile(t, dir, "one.pack", []Hash{oid}, []uint64{999})

	path, err := WriteMidx(dir, "", []string{"one.pack"}, []MidxEntry{
		{OID: oid, PackID: 0, Offset: 100},
	})
	require.NoError(t, err)

	rep, err := VerifyMidx(path)
	require.NoError(t, err)
	assert.False(t, rep.OK())
	assert.True(t, hasViolation(rep, "offset"))
}

func TestVerifyMidxStalePackContinues(t *testing.T) {
	dir := t.TempDir()

	oidA := mustHash(t, "aa00000000000000000000000000000000000000")
	oidB := mustHash(t, "bb00000000000000000000000000000000000000")
	oidC := mustHash(t, "cc00000000000000000000000000000000000000")

	writeIdxFile(t, dir, "live.pack", []Hash{oidA, oidC}, []uint64{10, 30})
	// gone.pack never gets an index file.

	path, err := WriteMidx(dir, "", []string{"gone.pack", "live.pack"}, []MidxEntry{
		{OID: oidA, PackID: 1, Offset: 10},
		{OID: oidB, PackID: 0, Offset: 20},
		{OID: oidC, PackID: 1, Offset: 30},
	})
	require.NoError(t, err)

	rep, err := VerifyMidx(path)
	require.NoError(t, err)

	// The stale pack is reported exactly once, and the live pack's entries
	// were still checked (no offset violations for them).
	stale := 0
	for _, v := range rep.Violations {
		if strings.Contains(v, "gone.pack") {
			stale++
		}
		assert.NotContains(t, v, "live.pack")
	}
	assert.Equal(t, 1, stale)
}

func hasViolation(rep *VerifyReport, substr string) bool {
	for _, v := range rep.Violations {
		if strings.Contains(v, substr) {
			return true
		}
	}
	return false
}
