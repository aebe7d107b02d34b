// Package gcsfs implements filestore.Filesystem on a Google Cloud Storage
// bucket.
package gcsfs

import (
	"context"
	"io"
	"io/fs"
	"os"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/gonzalop/filestore"
)

// Config selects the bucket and credentials. Without CredentialsFile the
// application default credentials are used, or none when
// STORAGE_EMULATOR_HOST is set.
type Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	CredentialsFile string `mapstructure:"credentialsFile"`
	Endpoint        string `mapstructure:"endpoint"`
}

var _ filestore.Filesystem = (*Filesystem)(nil)

// Filesystem stores files as objects below a name prefix.
type Filesystem struct {
	client   *storage.Client
	bucket   *storage.BucketHandle
	prefixer *filestore.PathPrefixer
	logger   *zap.Logger
}

// NewFromConfig creates a storage client for cfg.
func NewFromConfig(ctx context.Context, cfg Config, logger *zap.Logger) (*Filesystem, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcsfs: bucket is required")
	}

	client, err := storage.NewClient(ctx, clientOptions(cfg)...)
	if err != nil {
		return nil, errors.Wrap(err, "gcsfs: creating client")
	}
	return New(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func clientOptions(cfg Config) []option.ClientOption {
	var opts []option.ClientOption
	switch {
	case cfg.CredentialsFile != "":
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	case os.Getenv("STORAGE_EMULATOR_HOST") != "":
		opts = append(opts, option.WithoutAuthentication())
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	return opts
}

// New returns a filesystem on an existing client. Close closes the client.
func New(client *storage.Client, bucket, prefix string, logger *zap.Logger) *Filesystem {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filesystem{
		client:   client,
		bucket:   client.Bucket(bucket),
		prefixer: filestore.NewPathPrefixer(strings.Trim(prefix, "/"), "/"),
		logger:   logger,
	}
}

func (g *Filesystem) object(p string) *storage.ObjectHandle {
	return g.bucket.Object(g.prefixer.PrefixPath(filestore.CleanPath(p)))
}

func (g *Filesystem) FileExists(ctx context.Context, p string) (bool, error) {
	_, err := g.object(p).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, errors.Wrapf(err, "gcsfs: checking %s", p)
	}
	return true, nil
}

func (g *Filesystem) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	r, err := g.object(p).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, &fs.PathError{Op: "read", Path: p, Err: filestore.ErrNotFound}
		}
		return nil, errors.Wrapf(err, "gcsfs: reading %s", p)
	}
	return r, nil
}

// Write streams data into a new object generation. A failed copy cancels
// the upload so no partial object is committed.
func (g *Filesystem) Write(ctx context.Context, p string, data io.Reader, opts ...filestore.WriteOption) error {
	contentType, data, err := filestore.ApplyWriteOptions(opts...).ResolveContentType(p, data)
	if err != nil {
		return errors.Wrapf(err, "gcsfs: reading data for %s", p)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := g.object(p).NewWriter(ctx)
	w.ContentType = contentType
	n, err := io.Copy(w, data)
	if err != nil {
		cancel()
		return errors.Wrapf(multierr.Append(err, w.Close()), "gcsfs: writing %s", p)
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "gcsfs: writing %s", p)
	}
	g.logger.Debug("wrote object", zap.String("name", w.Name), zap.Int64("size", n))
	return nil
}

// MimeType returns the content type stored with the object.
func (g *Filesystem) MimeType(ctx context.Context, p string) (string, error) {
	attrs, err := g.object(p).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", &fs.PathError{Op: "mimetype", Path: p, Err: filestore.ErrNotFound}
		}
		return "", errors.Wrapf(err, "gcsfs: checking %s", p)
	}
	if attrs.ContentType != "" {
		return attrs.ContentType, nil
	}
	return filestore.DetectMimeType(p, nil), nil
}

func (g *Filesystem) Delete(ctx context.Context, p string) error {
	err := g.object(p).Delete(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return &fs.PathError{Op: "delete", Path: p, Err: filestore.ErrNotFound}
		}
		return errors.Wrapf(err, "gcsfs: deleting %s", p)
	}
	return nil
}

// List uses the "/" delimiter; the iterator yields synthetic directory
// entries with only Prefix set.
func (g *Filesystem) List(ctx context.Context, dir string) ([]filestore.Entry, error) {
	prefix := g.prefixer.PrefixDirectoryPath(filestore.CleanPath(dir))
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})

	var entries []filestore.Entry
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "gcsfs: listing %s", dir)
		}
		if attrs.Prefix != "" {
			entries = append(entries, filestore.Entry{Path: g.prefixer.StripPrefix(attrs.Prefix), IsDir: true})
			continue
		}
		if attrs.Name == prefix || strings.HasSuffix(attrs.Name, "/") {
			continue
		}
		entries = append(entries, filestore.Entry{Path: g.prefixer.StripPrefix(attrs.Name), Size: attrs.Size})
	}
	filestore.SortEntries(entries)
	return entries, nil
}

func (g *Filesystem) Close() error {
	return g.client.Close()
}
