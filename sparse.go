// sparse.go
//
// Conversion between the full and sparse forms of an index.
//
// Contraction walks the cache tree alongside the path-sorted entry array
// and replaces every subtree that lies wholly outside the sparse cone,
// provided its entries are all clean, skip-worktree, non-submodule rows,
// with a single sparse-directory entry.  Expansion reads the tree objects
// those entries reference and materializes the underlying blobs again,
// either for the whole index or on demand for one path.

package gitindex

import (
	"os"
	"strings"
)

// SparseConfig is the configuration surface the sparse machinery consumes
// from its collaborators.
type SparseConfig struct {
	// SparseCheckout mirrors core.sparseCheckout.
	SparseCheckout bool

	// ConeMode mirrors core.sparseCheckoutCone.
	ConeMode bool

	// SparseIndex mirrors the index.sparse configuration key.
	SparseIndex bool

	// RepoExtension is true when the repository carries the sparse-index
	// format extension.
	RepoExtension bool
}

// sparseIndexEnv can force the sparse-index representation on or off for
// test harnesses, overriding both the repository extension and the
// configuration key.
const sparseIndexEnv = "SPARSE_INDEX_TEST"

// sparseIndexEnabled decides whether the sparse-index representation may be
// used.  Precedence: environment override, then repository extension, then
// configuration.
func (c SparseConfig) sparseIndexEnabled() bool {
	switch os.Getenv(sparseIndexEnv) {
	case "1":
		return true
	case "0":
		return false
	}
	if c.RepoExtension {
		return true
	}
	return c.SparseIndex
}

// ConvertToSparse contracts a full index into its sparse form.
//
// The conversion is skipped benignly, returning (false, nil), when the index is
// already sparse, is split-backed, sparse-checkout or cone mode is off, the
// sparse index is not enabled for this repository, no pattern list is
// loaded, or the cache tree cannot be produced.  A pattern list that is not
// cone mode while the sparse index was requested is a user error and
// returns ErrNotCone.
func (idx *Index) ConvertToSparse(cfg SparseConfig) (bool, error) {
	if idx.sparse || idx.splitIndex || !cfg.SparseCheckout || !cfg.ConeMode {
		return false, nil
	}
	if !cfg.sparseIndexEnabled() {
		return false, nil
	}
	if idx.patterns == nil {
		return false, nil
	}
	if !idx.patterns.UseCone() {
		Warnf("attempting to use sparse-index without cone mode")
		return false, ErrNotCone
	}

	// Refresh the cache tree before trusting any span in it.  The update
	// legitimately fails on an index with unmerged entries; the index then
	// stays full.
	if idx.CacheTreeUpdater != nil {
		ct, err := idx.CacheTreeUpdater(idx)
		if err != nil || ct == nil || !ct.Valid() {
			Warnf("unable to update cache-tree, staying full")
			return false, nil
		}
		idx.cacheTree = ct
	} else if idx.cacheTree == nil || !idx.cacheTree.Valid() {
		Warnf("unable to update cache-tree, staying full")
		return false, nil
	}

	// The monitor's path domain no longer matches a contracted array.
	idx.fsMonitorToken = ""

	n := idx.convertToSparseRec(0, 0, len(idx.entries), "", idx.cacheTree)
	entries := idx.entries[:n]
	// The flag tracks the entries, not the attempt: a cone that excludes
	// nothing collapsible leaves the index full.
	idx.setEntries(entries, anySparseDir(entries))
	idx.dropCacheTree = true
	return true, nil
}

// convertToSparseRec rewrites entries[start:end), the span covered by the
// cache-tree node ct at directory ctPath ("" or a prefix ending in '/'),
// into entries[numConverted:...], compacting in place.  It returns the number of
// entries written.
func (idx *Index) convertToSparseRec(numConverted, start, end int, ctPath string, ct *CacheTree) int {
	startConverted := numConverted

	// A path inside the sparse cone can never be collapsed; outside it,
	// the span must be wholly clean, skip-worktree, and submodule-free.
	canConvert := ct.Valid() &&
		idx.patterns.Match(strings.TrimSuffix(ctPath, "/")) == NotMatched
	for i := start; canConvert && i < end; i++ {
		ce := idx.entries[i]
		if ce.Stage != 0 || ce.Mode == ModeGitlink || !ce.SkipWorktree {
			canConvert = false
		}
	}

	if canConvert {
		idx.entries[numConverted] = &IndexEntry{
			Path:         ctPath,
			Mode:         ModeDir,
			OID:          ct.OID,
			SkipWorktree: true,
		}
		return 1
	}

	for i := start; i < end; {
		ce := idx.entries[i]

		// Entries directly in this directory have no further slash and
		// are emitted verbatim, as are entries whose subdirectory has no
		// usable cache-tree node.
		base := ce.Path[len(ctPath):]
		slash := strings.IndexByte(base, '/')

		var sub *CacheTree
		if slash >= 0 {
			if s, ok := ct.Subtree(base[:slash]); ok && s.Valid() {
				sub = s
			}
		}
		if sub == nil {
			idx.entries[numConverted] = ce
			numConverted++
			i++
			continue
		}

		childPath := ce.Path[:len(ctPath)+slash+1]
		span := sub.EntryCount
		numConverted += idx.convertToSparseRec(numConverted, i, i+span, childPath, sub)
		i += span
	}

	return numConverted - startConverted
}

// EnsureFull expands a sparse index back into one entry per tracked blob.
//
// Every sparse-directory entry is replaced by the file entries of its
// referenced tree, read recursively, each carrying the skip-worktree bit.
// A sparse-directory entry without the skip-worktree bit is a data
// inconsistency: it is reported through Warnf and expanded anyway, never
// silently repaired.  On a full index the call is a no-op.
func (idx *Index) EnsureFull() error {
	if !idx.sparse {
		return nil
	}
	if idx.expanding {
		return nil
	}
	idx.expanding = true
	defer func() { idx.expanding = false }()
	return idx.ensureFullLocked()
}

func (idx *Index) ensureFullLocked() error {
	full := make([]*IndexEntry, 0, len(idx.entries)*3/2)

	for _, ce := range idx.entries {
		if !ce.IsSparseDir() {
			full = append(full, ce)
			continue
		}
		if !ce.SkipWorktree {
			Warnf("index entry is a directory, but not sparse (%s)", ce.Path)
		}

		if idx.trees == nil {
			return ErrTreeNotFound
		}
		var err error
		full, err = idx.appendTreeBlobs(full, ce.Path, ce.OID)
		if err != nil {
			return err
		}
	}

	// Install the new array in one step; the previous array and its
	// entries are only released afterwards.
	idx.setEntries(full, false)
	idx.dropCacheTree = true
	return nil
}

// appendTreeBlobs walks the tree object recursively and appends one index
// entry per blob, prefixing paths with dir (which ends in '/').
func (idx *Index) appendTreeBlobs(dst []*IndexEntry, dir string, oid Hash) ([]*IndexEntry, error) {
	t, err := idx.trees.get(oid)
	if err != nil {
		return dst, err
	}
	for _, te := range t.Entries() {
		if te.Mode == ModeDir {
			dst, err = idx.appendTreeBlobs(dst, dir+te.Name+"/", te.OID)
			if err != nil {
				return dst, err
			}
			continue
		}
		dst = append(dst, &IndexEntry{
			Path:         dir + te.Name,
			Mode:         te.Mode,
			OID:          te.OID,
			SkipWorktree: true,
		})
	}
	return dst, nil
}

// ExpandToPath materializes one path as an ordinary entry if it is
// currently hidden inside a sparse-directory entry.
//
// The expansion is skipped when the index is full, the path already has an
// entry, no sparse-directory ancestor covers it, or an expansion is already
// in progress: the pattern-match and tree-read machinery may consult the
// index reentrantly, and a nested expand must be a no-op.
func (idx *Index) ExpandToPath(path string) error {
	if !idx.sparse || idx.expanding {
		return nil
	}
	if _, ok := idx.Pos(path); ok {
		return nil
	}
	if !idx.hasSparseDirAncestor(path) {
		return nil
	}

	idx.expanding = true
	defer func() { idx.expanding = false }()
	return idx.ensureFullLocked()
}

// hasSparseDirAncestor reports whether some ancestor directory of path is
// present as a sparse-directory entry.
func (idx *Index) hasSparseDirAncestor(path string) bool {
	for i := strings.IndexByte(path, '/'); i >= 0; i = indexByteFrom(path, '/', i+1) {
		dir := path[:i+1]
		if pos, ok := idx.Pos(dir); ok && idx.entries[pos].IsSparseDir() {
			return true
		}
	}
	return false
}

func indexByteFrom(s string, c byte, from int) int {
	if from >= len(s) {
		return -1
	}
	i := strings.IndexByte(s[from:], c)
	if i < 0 {
		return -1
	}
	return from + i
}
