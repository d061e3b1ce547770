// index_io.go
//
// On-disk serialization of the index ("DIRC" format, versions 2 and 3).
//
// Stat frames are written zeroed: this package tracks content, not the
// working tree.  A sparse index additionally carries the mandatory "sdir"
// extension so that readers unaware of sparse-directory entries reject the
// file instead of misreading a directory row as a blob.  The cache tree
// travels in the standard "TREE" extension.  The file ends with a SHA-1
// over everything preceding it.
//
// Writers never update in place: the new image is streamed under the index
// lock and renamed over the old file on commit.

package gitindex

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	indexHeaderSize = 12 // "DIRC" + version + entry count.

	indexEntryFixed = 40 + hashSize + 2 // stat frame + OID + flags.

	flagAssumeValid = 0x8000
	flagExtended    = 0x4000
	flagStageMask   = 0x3000
	flagStageShift  = 12
	flagNameMask    = 0x0fff

	extraSkipWorktree = 0x4000
	extraIntentToAdd  = 0x2000
)

var (
	indexMagic = []byte("DIRC")

	extTree      = []byte("TREE")
	extSparseDir = []byte("sdir")

	ErrBadIndexChecksum = errors.New("index corrupt: checksum mismatch")
	ErrNotIndex         = errors.New("not an index file")
)

// WriteIndex serializes the index to path under its lock, committing by
// rename.  Version 3 is used when any entry needs extended flags, version
// 2 otherwise.  The "sdir" extension is emitted iff the index holds at
// least one sparse-directory entry.
func WriteIndex(idx *Index, path string) error {
	lk, err := HoldLock(path)
	if err != nil {
		return err
	}
	defer lk.Rollback()

	hw := newHashWriter(lk.File())

	version := uint32(2)
	for _, e := range idx.entries {
		if e.SkipWorktree || e.IntentToAdd {
			version = 3
			break
		}
	}

	var hdr [indexHeaderSize]byte
	copy(hdr[0:4], indexMagic)
	binary.BigEndian.PutUint32(hdr[4:8], version)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(idx.entries)))
	if _, err := hw.Write(hdr[:]); err != nil {
		return err
	}

	for _, e := range idx.entries {
		if err := writeIndexEntry(hw, e, version); err != nil {
			return err
		}
	}

	if idx.cacheTree != nil && !idx.dropCacheTree {
		var payload bytes.Buffer
		writeCacheTree(&payload, "", idx.cacheTree)
		if err := writeExtension(hw, extTree, payload.Bytes()); err != nil {
			return err
		}
	}
	if anySparseDir(idx.entries) {
		if err := writeExtension(hw, extSparseDir, nil); err != nil {
			return err
		}
	}

	var sum [hashSize]byte
	copy(sum[:], hw.h.Sum(nil))
	if _, err := hw.bw.Write(sum[:]); err != nil {
		return err
	}
	if err := hw.bw.Flush(); err != nil {
		return err
	}
	return lk.Commit()
}

func writeIndexEntry(hw *hashWriter, e *IndexEntry, version uint32) error {
	extended := version >= 3 && (e.SkipWorktree || e.IntentToAdd)

	var fixed [indexEntryFixed + 2]byte
	// Stat frame (ctime, mtime, dev, ino, uid, gid, size) is zero; only
	// the mode is meaningful.
	binary.BigEndian.PutUint32(fixed[24:28], e.Mode)
	copy(fixed[40:40+hashSize], e.OID[:])

	nameLen := len(e.Path)
	if nameLen > flagNameMask {
		nameLen = flagNameMask
	}
	flags := uint16(nameLen) | uint16(e.Stage)<<flagStageShift&flagStageMask
	if extended {
		flags |= flagExtended
	}
	binary.BigEndian.PutUint16(fixed[60:62], flags)

	n := indexEntryFixed
	if extended {
		var extra uint16
		if e.SkipWorktree {
			extra |= extraSkipWorktree
		}
		if e.IntentToAdd {
			extra |= extraIntentToAdd
		}
		binary.BigEndian.PutUint16(fixed[62:64], extra)
		n += 2
	}
	if _, err := hw.Write(fixed[:n]); err != nil {
		return err
	}
	if _, err := hw.Write([]byte(e.Path)); err != nil {
		return err
	}

	// Pad with 1-8 NULs so the entry's length is a multiple of eight bytes.
	pad := 8 - (n+len(e.Path))%8
	var zeros [8]byte
	_, err := hw.Write(zeros[:pad])
	return err
}

func writeExtension(hw *hashWriter, sig, payload []byte) error {
	var hdr [8]byte
	copy(hdr[0:4], sig)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	if _, err := hw.Write(hdr[:]); err != nil {
		return err
	}
	_, err := hw.Write(payload)
	return err
}

// ReadIndex parses the index file at path.
//
// Versions 2 and 3 are accepted.  Unknown extensions whose signature
// starts with an upper-case letter are optional and skipped; any other
// unknown extension rejects the file.  The sparse flag is derived from the
// entries and cross-checked against the "sdir" marker; a disagreement is a
// consistency warning, not an error.
func ReadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < indexHeaderSize+hashSize {
		return nil, ErrNotIndex
	}
	if !bytes.Equal(data[0:4], indexMagic) {
		return nil, ErrNotIndex
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != 2 && version != 3 {
		return nil, fmt.Errorf("unsupported index version %d", version)
	}
	entryCount := int(binary.BigEndian.Uint32(data[8:12]))

	body := data[:len(data)-hashSize]
	sum := sha1.Sum(body)
	if !bytes.Equal(sum[:], data[len(data)-hashSize:]) {
		return nil, ErrBadIndexChecksum
	}

	pos := indexHeaderSize
	entries := make([]*IndexEntry, 0, entryCount)
	for i := 0; i < entryCount; i++ {
		e, next, err := parseIndexEntry(body, pos, version)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		if len(entries) > 0 && compareEntries(entries[len(entries)-1], e) >= 0 {
			return nil, fmt.Errorf("entries out of order at %q", e.Path)
		}
		entries = append(entries, e)
		pos = next
	}

	idx := &Index{}
	var sawSparseExt bool
	var cacheTree *CacheTree

	for pos < len(body) {
		if pos+8 > len(body) {
			return nil, fmt.Errorf("truncated extension header")
		}
		sig := body[pos : pos+4]
		size := int(binary.BigEndian.Uint32(body[pos+4 : pos+8]))
		pos += 8
		if pos+size > len(body) {
			return nil, fmt.Errorf("truncated %q extension", sig)
		}
		payload := body[pos : pos+size]
		pos += size

		switch {
		case bytes.Equal(sig, extTree):
			_, ct, rest, err := parseCacheTree(payload)
			if err != nil {
				return nil, fmt.Errorf("TREE extension: %w", err)
			}
			if len(rest) != 0 {
				return nil, fmt.Errorf("TREE extension: trailing data")
			}
			cacheTree = ct
		case bytes.Equal(sig, extSparseDir):
			sawSparseExt = true
		case sig[0] >= 'A' && sig[0] <= 'Z':
			// Optional extension, skip.
		default:
			return nil, fmt.Errorf("unknown required extension %q", sig)
		}
	}

	sparse := anySparseDir(entries)
	if sparse != sawSparseExt {
		Warnf("index sparse marker disagrees with entries (marker %v)", sawSparseExt)
	}

	idx.setEntries(entries, sparse)
	idx.cacheTree = cacheTree
	return idx, nil
}

func parseIndexEntry(body []byte, pos int, version uint32) (*IndexEntry, int, error) {
	if pos+indexEntryFixed > len(body) {
		return nil, 0, fmt.Errorf("truncated entry")
	}
	rec := body[pos:]

	e := &IndexEntry{Mode: binary.BigEndian.Uint32(rec[24:28])}
	copy(e.OID[:], rec[40:40+hashSize])

	flags := binary.BigEndian.Uint16(rec[60:62])
	e.Stage = int(flags&flagStageMask) >> flagStageShift

	n := indexEntryFixed
	if flags&flagExtended != 0 {
		if version < 3 {
			return nil, 0, fmt.Errorf("extended flags in version %d", version)
		}
		if pos+n+2 > len(body) {
			return nil, 0, fmt.Errorf("truncated entry")
		}
		extra := binary.BigEndian.Uint16(rec[62:64])
		e.SkipWorktree = extra&extraSkipWorktree != 0
		e.IntentToAdd = extra&extraIntentToAdd != 0
		n += 2
	}

	nameLen := int(flags & flagNameMask)
	pathStart := pos + n
	var path string
	if nameLen < flagNameMask {
		if pathStart+nameLen > len(body) {
			return nil, 0, fmt.Errorf("truncated path")
		}
		path = string(body[pathStart : pathStart+nameLen])
	} else {
		nul := bytes.IndexByte(body[pathStart:], 0)
		if nul < 0 {
			return nil, 0, fmt.Errorf("unterminated path")
		}
		path = string(body[pathStart : pathStart+nul])
	}
	e.Path = path

	pad := 8 - (n+len(path))%8
	next := pathStart + len(path) + pad
	if next > len(body) {
		return nil, 0, fmt.Errorf("truncated entry padding")
	}
	return e, next, nil
}

// writeCacheTree serializes one node: NUL-terminated path component, ASCII
// entry count, space, ASCII subtree count, newline, then the tree OID when
// the node is valid, then the children depth-first.
func writeCacheTree(buf *bytes.Buffer, name string, ct *CacheTree) {
	buf.WriteString(name)
	buf.WriteByte(0)
	buf.WriteString(strconv.Itoa(ct.EntryCount))
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(len(ct.children)))
	buf.WriteByte('\n')
	if ct.EntryCount >= 0 {
		buf.Write(ct.OID[:])
	}
	for _, ch := range ct.children {
		writeCacheTree(buf, ch.name, ch.tree)
	}
}

func parseCacheTree(data []byte) (string, *CacheTree, []byte, error) {
	nul := bytes.IndexByte(data, 0)
	if nul < 0 {
		return "", nil, nil, fmt.Errorf("missing path terminator")
	}
	name := string(data[:nul])
	data = data[nul+1:]

	nl := bytes.IndexByte(data, '\n')
	if nl < 0 {
		return "", nil, nil, fmt.Errorf("missing count terminator")
	}
	counts := string(data[:nl])
	data = data[nl+1:]

	sp := strings.IndexByte(counts, ' ')
	if sp < 0 {
		return "", nil, nil, fmt.Errorf("malformed counts %q", counts)
	}
	entryCount, err := strconv.Atoi(counts[:sp])
	if err != nil {
		return "", nil, nil, fmt.Errorf("malformed entry count %q", counts[:sp])
	}
	subtreeCount, err := strconv.Atoi(counts[sp+1:])
	if err != nil {
		return "", nil, nil, fmt.Errorf("malformed subtree count %q", counts[sp+1:])
	}

	ct := NewCacheTree(Hash{}, entryCount)
	if entryCount >= 0 {
		if len(data) < hashSize {
			return "", nil, nil, fmt.Errorf("truncated tree OID")
		}
		copy(ct.OID[:], data[:hashSize])
		data = data[hashSize:]
	}

	for i := 0; i < subtreeCount; i++ {
		childName, child, rest, err := parseCacheTree(data)
		if err != nil {
			return "", nil, nil, err
		}
		ct.AddSubtree(childName, child)
		data = rest
	}
	return name, ct, data, nil
}
