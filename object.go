package gitindex

// ObjectType enumerates the kinds of Git objects an object source can hand
// back to this package.
//
// The zero value, ObjBad, denotes an invalid or unknown object type.
// The String method returns the canonical, lower-case Git spelling.
type ObjectType byte

const (
	// ObjBad represents an invalid or unspecified object kind.
	ObjBad ObjectType = iota

	// ObjCommit is a regular commit object.
	ObjCommit

	// ObjTree is a directory tree object describing the hierarchy of a commit.
	ObjTree

	// ObjBlob is a file-content blob object.
	ObjBlob

	// ObjTag is an annotated tag object.
	ObjTag
)

var typeNames = map[ObjectType]string{
	ObjCommit: "commit",
	ObjTree:   "tree",
	ObjBlob:   "blob",
	ObjTag:    "tag",
}

func (t ObjectType) String() string { return typeNames[t] }
