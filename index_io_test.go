package gitindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index")

	idx := NewIndex([]*IndexEntry{
		{Path: "a", Mode: ModeFile, OID: hashWithPrefix(0x0a), SkipWorktree: true},
		{Path: "b/c", Mode: ModeExec, OID: hashWithPrefix(0x0c)},
		{Path: "b/d", Mode: ModeFile, OID: hashWithPrefix(0x0d), Stage: 2},
		{Path: "link", Mode: ModeSymlink, OID: hashWithPrefix(0x11), IntentToAdd: true},
	})
	require.NoError(t, WriteIndex(idx, path))

	back, err := ReadIndex(path)
	require.NoError(t, err)

	require.Equal(t, entryPaths(idx.Entries()), entryPaths(back.Entries()))
	for i, want := range idx.Entries() {
		got := back.Entries()[i]
		assert.Equal(t, want.Mode, got.Mode, "%s mode", want.Path)
		assert.Equal(t, want.OID, got.OID, "%s oid", want.Path)
		assert.Equal(t, want.Stage, got.Stage, "%s stage", want.Path)
		assert.Equal(t, want.SkipWorktree, got.SkipWorktree, "%s skip-worktree", want.Path)
		assert.Equal(t, want.IntentToAdd, got.IntentToAdd, "%s intent-to-add", want.Path)
	}
	assert.False(t, back.IsSparse())
}

func TestIndexSparseMarkerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index")

	idx := NewIndex([]*IndexEntry{
		{Path: "a", Mode: ModeFile, OID: hashWithPrefix(0x0a), SkipWorktree: true},
		{Path: "b/", Mode: ModeDir, OID: hashWithPrefix(0xb0), SkipWorktree: true},
	})
	require.True(t, idx.IsSparse())
	require.NoError(t, WriteIndex(idx, path))

	back, err := ReadIndex(path)
	require.NoError(t, err)
	require.True(t, back.IsSparse())

	dirEntry := back.Entries()[1]
	assert.True(t, dirEntry.IsSparseDir(), "trailing slash and tree mode survive the disk")
	assert.True(t, dirEntry.SkipWorktree)

	// The sparse marker is a mandatory extension: readers that do not know
	// "sdir" must reject the file.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "sdir")
}

func TestIndexCacheTreeExtensionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index")

	idx := NewIndex([]*IndexEntry{
		{Path: "a", Mode: ModeFile, OID: hashWithPrefix(0x0a)},
		{Path: "b/c", Mode: ModeFile, OID: hashWithPrefix(0x0c)},
	})
	root := NewCacheTree(hashWithPrefix(0x01), 2)
	sub := NewCacheTree(hashWithPrefix(0x02), 1)
	sub.AddSubtree("nested", NewCacheTree(Hash{}, -1)) // invalid node survives
	root.AddSubtree("b", sub)
	idx.SetCacheTree(root)

	require.NoError(t, WriteIndex(idx, path))

	back, err := ReadIndex(path)
	require.NoError(t, err)
	require.NotNil(t, back.CacheTree())

	ct := back.CacheTree()
	assert.Equal(t, 2, ct.EntryCount)
	assert.Equal(t, hashWithPrefix(0x01), ct.OID)

	b, ok := ct.Subtree("b")
	require.True(t, ok)
	assert.Equal(t, 1, b.EntryCount)
	assert.Equal(t, hashWithPrefix(0x02), b.OID)

	nested, ok := b.Subtree("nested")
	require.True(t, ok)
	assert.False(t, nested.Valid())
}

func TestIndexDropCacheTreeSkipsExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index")

	idx := NewIndex([]*IndexEntry{
		{Path: "a", Mode: ModeFile, OID: hashWithPrefix(0x0a)},
	})
	idx.SetCacheTree(NewCacheTree(hashWithPrefix(0x01), 1))
	idx.dropCacheTree = true

	require.NoError(t, WriteIndex(idx, path))
	back, err := ReadIndex(path)
	require.NoError(t, err)
	assert.Nil(t, back.CacheTree())
}

func TestReadIndexRejectsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index")

	idx := NewIndex([]*IndexEntry{
		{Path: "a", Mode: ModeFile, OID: hashWithPrefix(0x0a)},
	})
	require.NoError(t, WriteIndex(idx, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[indexHeaderSize+2] ^= 0x40
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = ReadIndex(path)
	assert.ErrorIs(t, err, ErrBadIndexChecksum)
}

func TestReadIndexRejectsUnknownRequiredExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "index")

	idx := NewIndex([]*IndexEntry{
		{Path: "a", Mode: ModeFile, OID: hashWithPrefix(0x0a)},
	})
	require.NoError(t, WriteIndex(idx, path))

	// Splice in a lower-case (mandatory) extension the reader does not
	// know, then re-seal the trailer.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	body := data[:len(data)-hashSize]
	body = append(body, []byte{'z', 'z', 'z', 'z', 0, 0, 0, 0}...)
	body = appendSHA1(body)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	_, err = ReadIndex(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zzzz")
}

func TestHoldLockConflicts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "target")

	lk, err := HoldLock(path)
	require.NoError(t, err)

	_, err = HoldLock(path)
	assert.Error(t, err, "second writer must not acquire the lock")

	lk.Rollback()
	_, err = os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err))

	lk2, err := HoldLock(path)
	require.NoError(t, err)
	_, err = lk2.File().WriteString("payload")
	require.NoError(t, err)
	require.NoError(t, lk2.Commit())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}
