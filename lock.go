// lock.go
//
// Scoped lockfile for atomically replacing a file: take "<path>.lock"
// exclusively, stream the new contents into it, then either commit by
// renaming it over the target or roll back by deleting it.  Every exit
// path releases the lock.

package gitindex

import (
	"fmt"
	"os"
)

// Lockfile is a held lock on one target path.
type Lockfile struct {
	path string // the file being replaced
	f    *os.File
	done bool
}

// HoldLock takes the lock for path by exclusively creating "<path>.lock".
// A lock already held by another writer surfaces as an error carrying the
// lock path.
func HoldLock(path string) (*Lockfile, error) {
	f, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o666)
	if err != nil {
		return nil, fmt.Errorf("hold lock %q: %w", path+".lock", err)
	}
	return &Lockfile{path: path, f: f}, nil
}

// File exposes the lock's temporary file for writing the new contents.
func (l *Lockfile) File() *os.File { return l.f }

// Commit fsyncs the written contents and renames the lock over the target,
// making the replacement atomic with respect to readers.
func (l *Lockfile) Commit() error {
	if l.done {
		return fmt.Errorf("lock for %q already released", l.path)
	}
	l.done = true
	if err := l.f.Sync(); err != nil {
		l.f.Close()
		os.Remove(l.f.Name())
		return err
	}
	if err := l.f.Close(); err != nil {
		os.Remove(l.f.Name())
		return err
	}
	if err := os.Rename(l.f.Name(), l.path); err != nil {
		os.Remove(l.f.Name())
		return fmt.Errorf("commit %q: %w", l.path, err)
	}
	return nil
}

// Rollback discards the written contents and releases the lock.  Rolling
// back an already-released lock is a no-op, so callers may defer it
// unconditionally.
func (l *Lockfile) Rollback() {
	if l.done {
		return
	}
	l.done = true
	l.f.Close()
	os.Remove(l.f.Name())
}
