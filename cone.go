// cone.go
//
// Cone-mode sparse-checkout pattern lists.
//
// A cone is a hierarchical directory-inclusion set: a "recursive" set of
// directories whose whole subtrees are present, and the derived "parent"
// set of their ancestors, in which only direct files are present.  The
// textual pattern file is a restricted gitignore dialect: "/*" and "!/*/"
// select root files, then one pair per parent directory and one line per
// recursive directory, with glob metacharacters escaped.

package gitindex

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// MatchResult classifies a directory path against a pattern list.
type MatchResult int

const (
	// NotMatched means the path is entirely outside the sparse cone.
	NotMatched MatchResult = iota

	// Matched means direct files of the path are inside the cone, but
	// subdirectories need their own lookups.
	Matched

	// MatchedRecursive means the path and everything below it are inside
	// the cone.
	MatchedRecursive
)

// matchCacheSize bounds the per-directory decision cache.  The contractor
// asks about every cache-tree node on each conversion; repeated
// conversions in one process hit the same directories.
const matchCacheSize = 1 << 10

// ErrNotCone reports a pattern list that cannot be interpreted as a cone.
var ErrNotCone = errors.New("sparse-checkout patterns are not cone mode")

// PatternList is a parsed sparse-checkout pattern set.
//
// Only cone-mode lists support the hierarchical queries the sparse-index
// contractor needs; a non-cone list remembers its raw lines so it can be
// written back, and answers UseCone() == false.
type PatternList struct {
	cone bool

	// recursive holds directories (no leading or trailing slash) whose
	// entire subtrees are included.
	recursive map[string]struct{}

	// parents holds every proper ancestor of a recursive directory,
	// including the root "".
	parents map[string]struct{}

	// raw preserves non-cone pattern lines verbatim.
	raw []string

	// cache memoizes Match results per directory path.
	cache *lru.Cache[string, MatchResult]
}

// NewConePatterns returns an empty cone-mode pattern list: root files are
// included, nothing else is.
func NewConePatterns() *PatternList {
	cache, _ := lru.New[string, MatchResult](matchCacheSize)
	return &PatternList{
		cone:      true,
		recursive: make(map[string]struct{}),
		parents:   map[string]struct{}{"": {}},
		cache:     cache,
	}
}

// UseCone reports whether the list is a cone and supports Match.
func (pl *PatternList) UseCone() bool { return pl.cone }

// Add inserts one directory into the cone.
//
// The input follows the line-oriented "set" syntax: surrounding whitespace
// is trimmed, a trailing slash is stripped, a leading slash is optional,
// and empty lines are ignored.
func (pl *PatternList) Add(dir string) {
	dir = normalizeConeDir(dir)
	if dir == "" {
		return
	}
	pl.recursive[dir] = struct{}{}
	for {
		slash := strings.LastIndexByte(dir, '/')
		if slash < 0 {
			break
		}
		dir = dir[:slash]
		pl.parents[dir] = struct{}{}
	}
	pl.cache.Purge()
}

func normalizeConeDir(dir string) string {
	dir = strings.TrimSpace(dir)
	dir = strings.TrimSuffix(dir, "/")
	dir = strings.TrimPrefix(dir, "/")
	return dir
}

// Match classifies the directory path (no trailing slash; "" is the root)
// against the cone.  Calling Match on a non-cone list always reports
// NotMatched; callers are expected to have rejected such lists already.
func (pl *PatternList) Match(dir string) MatchResult {
	if !pl.cone {
		return NotMatched
	}
	dir = strings.TrimSuffix(dir, "/")
	if res, ok := pl.cache.Get(dir); ok {
		return res
	}
	res := pl.matchSlow(dir)
	pl.cache.Add(dir, res)
	return res
}

func (pl *PatternList) matchSlow(dir string) MatchResult {
	// A directory inside a recursive prefix is recursively matched, as is
	// the recursive directory itself.
	probe := dir
	for {
		if _, ok := pl.recursive[probe]; ok {
			return MatchedRecursive
		}
		slash := strings.LastIndexByte(probe, '/')
		if slash < 0 {
			break
		}
		probe = probe[:slash]
	}
	if _, ok := pl.parents[dir]; ok {
		return Matched
	}
	return NotMatched
}

// AddFromLines feeds every line of r through Add.  This is the stream form
// of the "set" operation.
func (pl *PatternList) AddFromLines(r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		pl.Add(sc.Text())
	}
	return sc.Err()
}

// escapeGlob backslash-escapes the glob metacharacters of one path segment
// so the written pattern matches the directory literally.
func escapeGlob(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// containsUnescapedGlob reports whether s still carries a live glob
// metacharacter after accounting for backslash escapes.
func containsUnescapedGlob(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '*', '?', '[', ']':
			return true
		}
	}
	return false
}

func unescapeGlob(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// WriteTo serializes the list in the on-disk pattern format.
//
// Cone lists are written as the restricted dialect: root files, then a
// "/dir/" + "!/dir/*/" pair per parent directory, then "/dir/" per recursive
// directory.  Parents that are themselves inside a recursive subtree are
// omitted, as are recursive directories shadowed by a recursive ancestor.
func (pl *PatternList) WriteTo(w io.Writer) error {
	if !pl.cone {
		for _, line := range pl.raw {
			if _, err := fmt.Fprintln(w, line); err != nil {
				return err
			}
		}
		return nil
	}

	if _, err := io.WriteString(w, "/*\n!/*/\n"); err != nil {
		return err
	}

	var parents, recursive []string
	for dir := range pl.parents {
		if dir == "" {
			continue
		}
		if _, ok := pl.recursive[dir]; ok {
			continue
		}
		if pl.hasRecursiveAncestor(dir) {
			continue
		}
		parents = append(parents, dir)
	}
	for dir := range pl.recursive {
		if pl.hasRecursiveAncestor(dir) {
			continue
		}
		recursive = append(recursive, dir)
	}
	sort.Strings(parents)
	sort.Strings(recursive)

	for _, dir := range parents {
		p := escapeGlob(dir)
		if _, err := fmt.Fprintf(w, "/%s/\n!/%s/*/\n", p, p); err != nil {
			return err
		}
	}
	for _, dir := range recursive {
		if _, err := fmt.Fprintf(w, "/%s/\n", escapeGlob(dir)); err != nil {
			return err
		}
	}
	return nil
}

func (pl *PatternList) hasRecursiveAncestor(dir string) bool {
	for {
		slash := strings.LastIndexByte(dir, '/')
		if slash < 0 {
			return false
		}
		dir = dir[:slash]
		if _, ok := pl.recursive[dir]; ok {
			return true
		}
	}
}

// LoadPatternsFile reads and parses the sparse-checkout pattern file at
// path.  A missing file yields an empty cone: nothing beyond root files is
// included.
func LoadPatternsFile(path string) (*PatternList, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewConePatterns(), nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParsePatterns(f)
}

// WritePatternsFile serializes pl to path under its lock, committing by
// rename so readers never observe a half-written pattern file.
func WritePatternsFile(path string, pl *PatternList) error {
	lk, err := HoldLock(path)
	if err != nil {
		return err
	}
	defer lk.Rollback()
	if err := pl.WriteTo(lk.File()); err != nil {
		return err
	}
	return lk.Commit()
}

// ParsePatterns reads a sparse-checkout pattern file.
//
// When the lines form the cone dialect, a cone list is returned; any line
// outside the dialect demotes the whole list to a non-cone list that keeps
// the raw lines.  That mirrors how the pattern file written by an older or
// hand-edited setup is handled: it still loads, it just cannot drive the
// sparse index.
func ParsePatterns(r io.Reader) (*PatternList, error) {
	pl := NewConePatterns()
	var raw []string

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		raw = append(raw, line)
		if line == "" || pl.parseConeLine(line) {
			continue
		}
		pl.cone = false
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if !pl.cone {
		pl.recursive = nil
		pl.parents = nil
		pl.raw = raw
	}
	return pl, nil
}

// parseConeLine folds one pattern line into the cone sets and reports
// whether the line belongs to the cone dialect.
func (pl *PatternList) parseConeLine(line string) bool {
	switch line {
	case "/*":
		return true
	case "!/*/":
		return true
	}

	neg := strings.HasPrefix(line, "!")
	body := strings.TrimPrefix(line, "!")
	if !strings.HasPrefix(body, "/") || !strings.HasSuffix(body, "/") {
		return false
	}
	body = strings.TrimPrefix(body, "/")

	if neg {
		// "!/dir/*/" demotes dir from recursive to parent-only.
		body = strings.TrimSuffix(body, "/")
		if !strings.HasSuffix(body, "/*") {
			return false
		}
		dir := unescapeGlob(strings.TrimSuffix(body, "/*"))
		if dir == "" {
			return false
		}
		delete(pl.recursive, dir)
		pl.parents[dir] = struct{}{}
		return true
	}

	body = strings.TrimSuffix(body, "/")
	if body == "" || containsUnescapedGlob(body) {
		return false
	}
	dir := unescapeGlob(body)
	pl.recursive[dir] = struct{}{}
	for {
		slash := strings.LastIndexByte(dir, '/')
		if slash < 0 {
			break
		}
		dir = dir[:slash]
		if _, ok := pl.recursive[dir]; !ok {
			pl.parents[dir] = struct{}{}
		}
	}
	return true
}
