// cache_tree.go
//
// The cache tree is a hierarchical summary of tree object IDs aligned with
// an index's path-sorted entry array.  Each node covers a contiguous span
// of entries sharing a path prefix; child nodes cover the sub-spans of the
// immediate subdirectories, in the same sort order.  Only valid nodes (a
// non-negative entry count and a tree OID that actually hashes the covered
// subtree) may be collapsed into sparse-directory entries.

package gitindex

import "sort"

// CacheTree is one node of the cached tree-identifier summary.
//
// A node whose EntryCount is negative is invalid: its OID must not be
// trusted and its span must not be collapsed.  The union of the children's
// spans plus any residual direct-file entries covers the node's span
// contiguously, in index sort order.
type CacheTree struct {
	// OID is the hash of the tree object for this subtree.  Only
	// meaningful while the node is valid.
	OID Hash

	// EntryCount is the number of index entries covered by this subtree,
	// or -1 when the node is invalid.
	EntryCount int

	// children are the immediate subdirectories, sorted by name.
	children []cacheTreeSub
}

type cacheTreeSub struct {
	name string
	tree *CacheTree
}

// NewCacheTree returns a node covering count entries with the given tree
// OID.  Pass count -1 for an invalid node.
func NewCacheTree(oid Hash, count int) *CacheTree {
	return &CacheTree{OID: oid, EntryCount: count}
}

// Valid reports whether the node's OID and span may be trusted.
func (c *CacheTree) Valid() bool { return c.EntryCount >= 0 }

// AddSubtree attaches child under name, keeping the children name-sorted.
// Adding a name twice replaces the previous child.
func (c *CacheTree) AddSubtree(name string, child *CacheTree) {
	i, found := c.subtreePos(name)
	if found {
		c.children[i].tree = child
		return
	}
	c.children = append(c.children, cacheTreeSub{})
	copy(c.children[i+1:], c.children[i:])
	c.children[i] = cacheTreeSub{name: name, tree: child}
}

// Subtree binary-searches the children for the subdirectory with the given
// name.
func (c *CacheTree) Subtree(name string) (*CacheTree, bool) {
	i, found := c.subtreePos(name)
	if !found {
		return nil, false
	}
	return c.children[i].tree, true
}

// SubtreeCount reports the number of immediate subdirectories.
func (c *CacheTree) SubtreeCount() int { return len(c.children) }

// subtreePos returns the index at which name sits (or would be inserted)
// among the sorted children, plus whether it is present.
func (c *CacheTree) subtreePos(name string) (int, bool) {
	i := sort.Search(len(c.children), func(i int) bool {
		return c.children[i].name >= name
	})
	return i, i < len(c.children) && c.children[i].name == name
}

// Invalidate marks the node untrustworthy by resetting the entry count.
// Children are kept so a later refresh can revalidate them individually.
func (c *CacheTree) Invalidate() { c.EntryCount = -1 }
