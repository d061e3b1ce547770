// index.go
//
// In-memory model of a working-tree index: a path-sorted array of entries,
// each naming a blob (or, in a sparse index, a whole directory standing in
// for its subtree).  Regular and sparse-directory entries are one type; the
// discriminator is structural (a trailing '/' and a tree mode), not
// behavioral.

package gitindex

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dgryski/go-farm"
)

// Canonical git entry modes.
const (
	ModeFile    = 0o100644
	ModeExec    = 0o100755
	ModeSymlink = 0o120000
	ModeGitlink = 0o160000
	ModeDir     = 0o040000
)

// Warnf is invoked for degraded-but-recoverable conditions, such as a
// sparse-directory entry missing its skip-worktree bit.  Tests and embedders
// may replace it; the default writes to stderr.
var Warnf = func(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "warning: "+format+"\n", args...)
}

// IndexEntry is one record of the index.
//
// A sparse-directory entry has a path ending in '/', mode ModeDir, and the
// skip-worktree bit set; it stands in for every blob under that directory.
type IndexEntry struct {
	// Path is the slash-separated repository-relative path, the entry's
	// sort key.  Sparse-directory entries keep their trailing slash.
	Path string

	// Mode is the canonical git octal mode.
	Mode uint32

	// OID is the blob hash, or the tree hash for a sparse-directory entry.
	OID Hash

	// Stage is the merge stage (0 for a normally tracked file).
	Stage int

	// SkipWorktree marks a path that is tracked but must not be
	// materialized in the working tree.
	SkipWorktree bool

	// IntentToAdd marks an "add -N" placeholder entry.
	IntentToAdd bool
}

// IsSparseDir reports whether the entry is a sparse-directory placeholder.
func (e *IndexEntry) IsSparseDir() bool {
	return e.Mode == ModeDir && strings.HasSuffix(e.Path, "/")
}

// compareEntries orders index entries by path bytes, then by stage.  The
// bytewise path order interleaves a sparse directory "b/" correctly between
// "b" and "b/…".
func compareEntries(a, b *IndexEntry) int {
	if c := strings.Compare(a.Path, b.Path); c != 0 {
		return c
	}
	return a.Stage - b.Stage
}

// Index is the in-memory index state.
//
// The entry array is kept in canonical sort order at all times.  A full
// index carries one entry per tracked blob; a sparse index may additionally
// carry sparse-directory entries.  The sparse flag is true iff at least one
// sparse-directory entry is present.
type Index struct {
	entries []*IndexEntry

	// sparse records whether entries may contain sparse-directory rows.
	sparse bool

	// splitIndex marks an index backed by a shared/split pair; such an
	// index is never contracted.
	splitIndex bool

	// cacheTree is the hierarchical tree-OID summary aligned with entries,
	// nil when absent.
	cacheTree *CacheTree

	// dropCacheTree requests that the cache tree be rebuilt rather than
	// serialized on the next write.
	dropCacheTree bool

	// fsMonitorToken is opaque filesystem-monitor state.  Its path domain
	// matches the entry array, so any contraction drops it.
	fsMonitorToken string

	// patterns is the sparse-checkout pattern list, nil until loaded.
	patterns *PatternList

	// trees reads tree objects during expansion.
	trees *treeCache

	// CacheTreeUpdater recomputes the cache tree for the current entries.
	// The contractor refreshes through it before every conversion;
	// producing the summary is the collaborator's job, not this package's.
	CacheTreeUpdater func(*Index) (*CacheTree, error)

	// nameHash accelerates exact-path probes: farm hash of path → position
	// in entries.  Rebuilt whenever the entry array is replaced; a probe
	// always verifies the path before trusting the slot and falls back to
	// binary search on any disagreement.
	nameHash map[uint64]int

	// expanding guards the expander against reentrant expansion: the
	// pattern-match and tree-read machinery may themselves consult the
	// index.
	expanding bool
}

// NewIndex returns a full (non-sparse) index over the given entries, which
// are sorted into canonical order.
func NewIndex(entries []*IndexEntry) *Index {
	idx := &Index{}
	sort.SliceStable(entries, func(i, j int) bool {
		return compareEntries(entries[i], entries[j]) < 0
	})
	idx.setEntries(entries, anySparseDir(entries))
	return idx
}

func anySparseDir(entries []*IndexEntry) bool {
	for _, e := range entries {
		if e.IsSparseDir() {
			return true
		}
	}
	return false
}

// setEntries installs a new entry array together with its name-hash table
// and sparse flag.  The table is built in full before any field of the
// index is replaced.
func (idx *Index) setEntries(entries []*IndexEntry, sparse bool) {
	nameHash := make(map[uint64]int, len(entries))
	for i, e := range entries {
		nameHash[farm.Hash64([]byte(e.Path))] = i
	}
	idx.nameHash = nameHash
	idx.entries = entries
	idx.sparse = sparse
}

// Entries returns the live entry array.  Callers must not reorder it.
func (idx *Index) Entries() []*IndexEntry { return idx.entries }

// IsSparse reports whether the index currently holds sparse-directory
// entries.
func (idx *Index) IsSparse() bool { return idx.sparse }

// SetSplitIndex marks the index as split-backed, disabling contraction.
func (idx *Index) SetSplitIndex(v bool) { idx.splitIndex = v }

// SetPatterns installs the sparse-checkout pattern list.
func (idx *Index) SetPatterns(pl *PatternList) { idx.patterns = pl }

// Patterns returns the installed pattern list, nil when absent.
func (idx *Index) Patterns() *PatternList { return idx.patterns }

// SetCacheTree installs a cache tree aligned with the current entries.
func (idx *Index) SetCacheTree(ct *CacheTree) {
	idx.cacheTree = ct
	idx.dropCacheTree = false
}

// CacheTree returns the current cache tree, nil when absent.
func (idx *Index) CacheTree() *CacheTree { return idx.cacheTree }

// SetFSMonitorToken records opaque filesystem-monitor state.
func (idx *Index) SetFSMonitorToken(tok string) { idx.fsMonitorToken = tok }

// FSMonitorToken returns the recorded filesystem-monitor state.
func (idx *Index) FSMonitorToken() string { return idx.fsMonitorToken }

// SetObjectSource wires the object store the expander reads trees from.
func (idx *Index) SetObjectSource(src ObjectSource) error {
	tc, err := newTreeCache(src)
	if err != nil {
		return err
	}
	idx.trees = tc
	return nil
}

// Pos locates path in the entry array.  The stage is not considered: for a
// path present at several stages, the position of any one of them may be
// returned.
//
// The farm name-hash gives an O(1) answer for the common exact-match probe;
// any miss or collision falls back to binary search over the sorted array.
func (idx *Index) Pos(path string) (int, bool) {
	if i, ok := idx.nameHash[farm.Hash64([]byte(path))]; ok {
		if i < len(idx.entries) && idx.entries[i].Path == path {
			return i, true
		}
	}
	i := sort.Search(len(idx.entries), func(i int) bool {
		return idx.entries[i].Path >= path
	})
	if i < len(idx.entries) && idx.entries[i].Path == path {
		return i, true
	}
	return i, false
}
