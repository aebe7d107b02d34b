package ftpfs

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gonzalop/filestore"
	"github.com/gonzalop/filestore/ftp"
)

// idleCheck is how long a connection may sit unused before it is checked
// with NOOP ahead of the next operation.
const idleCheck = 30 * time.Second

// Filesystem implements filestore.Filesystem on one FTP connection. The
// connection is bootstrapped on first use and again after Close, after a
// transport failure or a 4xx reply, or when an idle connection no longer
// answers NOOP. Operations are serialised because a control channel carries
// one command at a time.
type Filesystem struct {
	opts      ConnectionOptions
	provider  ConnectionProvider
	logger    *zap.Logger
	idleCheck time.Duration

	mu       sync.Mutex
	conn     *Connection
	prefixer *filestore.PathPrefixer
	lastUsed time.Time

	// features is the FEAT reply of the current connection, nil when the
	// server does not support FEAT.
	features map[string]string
}

var _ filestore.Filesystem = (*Filesystem)(nil)

// New returns a filesystem that connects with provider. No I/O happens
// until the first operation.
func New(opts ConnectionOptions, provider ConnectionProvider, logger *zap.Logger) *Filesystem {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filesystem{opts: opts, provider: provider, logger: logger, idleCheck: idleCheck}
}

// Connection returns the current connection, bootstrapping one if needed.
func (f *Filesystem) Connection(ctx context.Context) (*Connection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connection(ctx)
}

func (f *Filesystem) connection(ctx context.Context) (*Connection, error) {
	if f.conn != nil {
		if time.Since(f.lastUsed) < f.idleCheck {
			return f.conn, nil
		}
		err := f.conn.Session().Noop()
		if err == nil {
			return f.conn, nil
		}
		f.logger.Debug("idle ftp connection is gone, reconnecting", zap.Error(err))
		f.drop()
	}

	conn, err := f.provider.CreateConnection(ctx, f.opts)
	if err != nil {
		return nil, err
	}
	f.conn = conn
	f.prefixer = filestore.NewPathPrefixer(conn.Root(), "/")
	f.features, err = conn.Session().Features()
	if err != nil {
		f.logger.Debug("FEAT failed, assuming every command is supported", zap.Error(err))
		f.features = nil
	}
	f.logger.Debug("ftp filesystem connected", zap.String("root", conn.Root()))
	return conn, nil
}

// drop quits the current connection; the next operation bootstraps again.
func (f *Filesystem) drop() {
	_ = f.conn.Close()
	f.conn = nil
	f.features = nil
}

// do runs fn with the connection held. The connection is dropped when fn
// fails in a way that leaves the control channel unusable.
func (f *Filesystem) do(ctx context.Context, fn func(s Session) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	conn, err := f.connection(ctx)
	if err != nil {
		return err
	}

	err = fn(conn.Session())
	f.lastUsed = time.Now()
	if err != nil && dropsConnection(err) {
		f.logger.Debug("dropping ftp connection", zap.Error(err))
		f.drop()
	}
	return err
}

// supports reports whether the server advertised feature. Without a FEAT
// reply every feature is assumed.
func (f *Filesystem) supports(feature string) bool {
	if f.features == nil {
		return true
	}
	_, ok := f.features[feature]
	return ok
}

func (f *Filesystem) remote(p string) string {
	return f.prefixer.PrefixPath(filestore.CleanPath(p))
}

func (f *Filesystem) FileExists(ctx context.Context, p string) (bool, error) {
	var exists bool
	err := f.do(ctx, func(s Session) error {
		if f.supports("SIZE") {
			_, err := s.Size(f.remote(p))
			if err == nil {
				exists = true
				return nil
			}
			if isNotFound(err) {
				return nil
			}
			if !isReply(err) {
				return err
			}
		}

		// Without SIZE, look for the name in a listing of the parent.
		parent := path.Dir(filestore.CleanPath(p))
		if parent == "." {
			parent = ""
		}
		names, lerr := s.NameList(f.prefixer.PrefixDirectoryPath(parent))
		if lerr != nil {
			if isNotFound(lerr) {
				return nil
			}
			return lerr
		}
		base := path.Base(filestore.CleanPath(p))
		for _, name := range names {
			if path.Base(name) == base {
				exists = true
				break
			}
		}
		return nil
	})
	if err != nil {
		return false, errors.Wrapf(err, "ftpfs: checking %s", p)
	}
	return exists, nil
}

func (f *Filesystem) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	data, err := f.retrieve(ctx, "read", p)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// MimeType downloads the file and detects its type from the contents; FTP
// keeps no content type.
func (f *Filesystem) MimeType(ctx context.Context, p string) (string, error) {
	data, err := f.retrieve(ctx, "mimetype", p)
	if err != nil {
		return "", err
	}
	return filestore.DetectMimeType(p, data), nil
}

func (f *Filesystem) retrieve(ctx context.Context, op, p string) ([]byte, error) {
	var buf bytes.Buffer
	err := f.do(ctx, func(s Session) error {
		return s.Retrieve(f.remote(p), &buf)
	})
	if err != nil {
		if isNotFound(err) {
			return nil, &fs.PathError{Op: op, Path: p, Err: filestore.ErrNotFound}
		}
		return nil, errors.Wrapf(err, "ftpfs: reading %s", p)
	}
	return buf.Bytes(), nil
}

// Write stores data with STOR. The content type option has no FTP
// equivalent and is ignored.
func (f *Filesystem) Write(ctx context.Context, p string, data io.Reader, _ ...filestore.WriteOption) error {
	err := f.do(ctx, func(s Session) error {
		f.makeParents(s, filestore.CleanPath(p))
		return s.Store(f.remote(p), data)
	})
	return errors.Wrapf(err, "ftpfs: writing %s", p)
}

// makeParents creates every missing directory above p. MKD on an existing
// directory fails on most servers, so failures are only logged; a real
// problem surfaces when STOR fails.
func (f *Filesystem) makeParents(s Session, p string) {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return
	}
	var current string
	for _, part := range strings.Split(dir, "/") {
		current = path.Join(current, part)
		if err := s.MakeDir(f.remote(current)); err != nil {
			f.logger.Debug("MKD failed", zap.String("dir", current), zap.Error(err))
		}
	}
}

func (f *Filesystem) Delete(ctx context.Context, p string) error {
	err := f.do(ctx, func(s Session) error {
		return s.Delete(f.remote(p))
	})
	if err != nil {
		if isNotFound(err) {
			return &fs.PathError{Op: "delete", Path: p, Err: filestore.ErrNotFound}
		}
		return errors.Wrapf(err, "ftpfs: deleting %s", p)
	}
	return nil
}

func (f *Filesystem) List(ctx context.Context, dir string) ([]filestore.Entry, error) {
	var entries []filestore.Entry
	err := f.do(ctx, func(s Session) error {
		base := filestore.CleanPath(dir)
		items, err := s.List(f.prefixer.PrefixDirectoryPath(base))
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		for _, item := range items {
			if item.Name == "" {
				continue
			}
			name := path.Base(item.Name)
			p := name
			if base != "" {
				p = base + "/" + name
			}
			if item.IsDir() {
				entries = append(entries, filestore.Entry{Path: p + "/", IsDir: true})
				continue
			}
			entries = append(entries, filestore.Entry{Path: p, Size: item.Size})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "ftpfs: listing %s", dir)
	}
	filestore.SortEntries(entries)
	return entries, nil
}

// Close quits the current connection, if any. The filesystem stays usable.
func (f *Filesystem) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	err := f.conn.Close()
	f.conn = nil
	f.features = nil
	return err
}

// dropsConnection reports whether the control channel is unusable after
// err: the transport failed, or the server answered 4xx, which includes 421
// when it is closing the session.
func dropsConnection(err error) bool {
	var pe *ftp.ProtocolError
	if !errors.As(err, &pe) {
		return true
	}
	return pe.IsTemporary()
}

func isReply(err error) bool {
	var pe *ftp.ProtocolError
	return errors.As(err, &pe)
}

func isNotFound(err error) bool {
	var pe *ftp.ProtocolError
	return errors.As(err, &pe) && pe.IsNotFound()
}
