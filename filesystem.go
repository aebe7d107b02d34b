package filestore

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"sort"
	"strings"
)

// ErrNotFound is returned by Read, Delete and MimeType when the path does
// not exist.
//
// Backends return errors that satisfy errors.Is(err, ErrNotFound).
var ErrNotFound = os.ErrNotExist

// Filesystem is the uniform file-operation interface implemented by every
// storage backend. Paths are slash separated and relative to the backend
// root; a leading slash is ignored.
type Filesystem interface {
	// FileExists reports whether a file exists at path.
	FileExists(ctx context.Context, path string) (bool, error)

	// Read opens the file at path. The caller must close the returned reader.
	Read(ctx context.Context, path string) (io.ReadCloser, error)

	// Write creates or replaces the file at path, creating parent
	// directories where the backend has them.
	Write(ctx context.Context, path string, data io.Reader, opts ...WriteOption) error

	// MimeType returns the MIME type of the file at path: the stored
	// content type on object stores, detected from the contents elsewhere.
	MimeType(ctx context.Context, path string) (string, error)

	// Delete removes the file at path.
	Delete(ctx context.Context, path string) error

	// List returns the files and directories directly under dir, sorted by
	// path. Directory paths end with a slash.
	List(ctx context.Context, dir string) ([]Entry, error)

	// Close releases connections held by the backend.
	Close() error
}

// Entry is one item of a directory listing.
type Entry struct {
	Path  string
	IsDir bool
	Size  int64
}

// IsNotFound reports whether err means the path does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// CleanPath normalises a backend-relative path: separators are collapsed,
// "." and ".." are resolved without leaving the root, and leading and
// trailing slashes are removed. The root itself is "".
func CleanPath(p string) string {
	return strings.Trim(path.Clean("/"+p), "/")
}

// SortEntries orders entries by path.
func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
}
