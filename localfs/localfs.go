// Package localfs implements filestore.Filesystem on a directory of the
// local disk.
package localfs

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gonzalop/filestore"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

var _ filestore.Filesystem = (*Filesystem)(nil)

// Filesystem stores files below a base directory.
type Filesystem struct {
	baseDir string
	logger  *zap.Logger
}

// New creates baseDir if needed and returns a filesystem rooted there.
func New(baseDir string, logger *zap.Logger) (*Filesystem, error) {
	if baseDir == "" {
		return nil, errors.New("localfs: base directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(baseDir, dirPerm); err != nil {
		return nil, errors.Wrapf(err, "localfs: creating %s", baseDir)
	}
	return &Filesystem{baseDir: baseDir, logger: logger}, nil
}

// BaseDir returns the directory the filesystem is rooted at.
func (l *Filesystem) BaseDir() string {
	return l.baseDir
}

// fullPath maps p below the base directory; ".." never leaves it.
func (l *Filesystem) fullPath(p string) string {
	return filepath.Join(l.baseDir, filepath.FromSlash(filestore.CleanPath(p)))
}

func (l *Filesystem) FileExists(_ context.Context, p string) (bool, error) {
	info, err := os.Stat(l.fullPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "localfs: checking %s", p)
	}
	return !info.IsDir(), nil
}

func (l *Filesystem) Read(_ context.Context, p string) (io.ReadCloser, error) {
	f, err := os.Open(l.fullPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &fs.PathError{Op: "read", Path: p, Err: filestore.ErrNotFound}
		}
		return nil, errors.Wrapf(err, "localfs: reading %s", p)
	}
	return f, nil
}

// Write ignores the content type option; MimeType detects it from the
// stored contents instead.
func (l *Filesystem) Write(_ context.Context, p string, data io.Reader, _ ...filestore.WriteOption) (err error) {
	fullPath := l.fullPath(p)
	if err := os.MkdirAll(filepath.Dir(fullPath), dirPerm); err != nil {
		return errors.Wrapf(err, "localfs: creating parent of %s", p)
	}

	file, err := os.OpenFile(fullPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return errors.Wrapf(err, "localfs: writing %s", p)
	}
	defer func() {
		err = multierr.Append(err, file.Close())
	}()

	if _, err := io.Copy(file, data); err != nil {
		return errors.Wrapf(err, "localfs: writing %s", p)
	}
	l.logger.Debug("wrote file", zap.String("path", p))
	return nil
}

func (l *Filesystem) MimeType(_ context.Context, p string) (string, error) {
	f, err := os.Open(l.fullPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return "", &fs.PathError{Op: "mimetype", Path: p, Err: filestore.ErrNotFound}
		}
		return "", errors.Wrapf(err, "localfs: checking %s", p)
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.IsDir() {
		return "", &fs.PathError{Op: "mimetype", Path: p, Err: filestore.ErrNotFound}
	}
	head, err := io.ReadAll(io.LimitReader(f, filestore.SniffLen))
	if err != nil {
		return "", errors.Wrapf(err, "localfs: reading %s", p)
	}
	return filestore.DetectMimeType(p, head), nil
}

func (l *Filesystem) Delete(_ context.Context, p string) error {
	err := os.Remove(l.fullPath(p))
	if err != nil {
		if os.IsNotExist(err) {
			return &fs.PathError{Op: "delete", Path: p, Err: filestore.ErrNotFound}
		}
		return errors.Wrapf(err, "localfs: deleting %s", p)
	}
	return nil
}

func (l *Filesystem) List(_ context.Context, dir string) ([]filestore.Entry, error) {
	base := filestore.CleanPath(dir)
	items, err := os.ReadDir(l.fullPath(base))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "localfs: listing %s", dir)
	}

	entries := make([]filestore.Entry, 0, len(items))
	for _, item := range items {
		p := item.Name()
		if base != "" {
			p = base + "/" + p
		}
		if item.IsDir() {
			entries = append(entries, filestore.Entry{Path: p + "/", IsDir: true})
			continue
		}
		info, err := item.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		entries = append(entries, filestore.Entry{Path: p, Size: info.Size()})
	}
	filestore.SortEntries(entries)
	return entries, nil
}

func (l *Filesystem) Close() error {
	return nil
}
