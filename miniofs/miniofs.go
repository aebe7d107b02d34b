// Package miniofs implements filestore.Filesystem on MinIO and other S3
// compatible object stores.
package miniofs

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gonzalop/filestore"
)

// Config selects the endpoint, bucket and static credentials.
type Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"accessKeyId"`
	SecretAccessKey string `mapstructure:"secretAccessKey"`
	SessionToken    string `mapstructure:"sessionToken"`
	Secure          bool   `mapstructure:"secure"`
	CreateBucket    bool   `mapstructure:"createBucket"`
}

// Validate reports the first missing required field.
func (c Config) Validate() error {
	switch {
	case c.Endpoint == "":
		return errors.New("miniofs: endpoint is required")
	case c.Bucket == "":
		return errors.New("miniofs: bucket is required")
	}
	return nil
}

var _ filestore.Filesystem = (*Filesystem)(nil)

// Filesystem stores files as objects below a key prefix.
type Filesystem struct {
	client   *minio.Client
	bucket   string
	prefixer *filestore.PathPrefixer
	logger   *zap.Logger
}

// NewFromConfig builds a client for cfg. With CreateBucket set, a missing
// bucket is created.
func NewFromConfig(ctx context.Context, cfg Config, logger *zap.Logger) (*Filesystem, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "miniofs: creating client for %s", cfg.Endpoint)
	}

	if cfg.CreateBucket {
		if err := ensureBucket(ctx, client, cfg.Bucket, cfg.Region); err != nil {
			return nil, err
		}
	}
	return New(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return errors.Wrapf(err, "miniofs: checking bucket %s", bucket)
	}
	if exists {
		return nil
	}
	err = client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
	if err != nil && minio.ToErrorResponse(err).Code != "BucketAlreadyOwnedByYou" {
		return errors.Wrapf(err, "miniofs: creating bucket %s", bucket)
	}
	return nil
}

// New returns a filesystem on an existing client.
func New(client *minio.Client, bucket, prefix string, logger *zap.Logger) *Filesystem {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filesystem{
		client:   client,
		bucket:   bucket,
		prefixer: filestore.NewPathPrefixer(strings.Trim(prefix, "/"), "/"),
		logger:   logger,
	}
}

func (m *Filesystem) key(p string) string {
	return m.prefixer.PrefixPath(filestore.CleanPath(p))
}

func (m *Filesystem) FileExists(ctx context.Context, p string) (bool, error) {
	_, err := m.client.StatObject(ctx, m.bucket, m.key(p), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "miniofs: checking %s", p)
	}
	return true, nil
}

// Read stats the object first; GetObject itself defers errors to the
// first Read on the returned object.
func (m *Filesystem) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	key := m.key(p)
	if _, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil, &fs.PathError{Op: "read", Path: p, Err: filestore.ErrNotFound}
		}
		return nil, errors.Wrapf(err, "miniofs: reading %s", p)
	}

	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "miniofs: reading %s", p)
	}
	return obj, nil
}

func (m *Filesystem) Write(ctx context.Context, p string, data io.Reader, opts ...filestore.WriteOption) error {
	body, err := io.ReadAll(data)
	if err != nil {
		return errors.Wrapf(err, "miniofs: reading data for %s", p)
	}

	contentType := filestore.ApplyWriteOptions(opts...).ContentType
	if contentType == "" {
		contentType = filestore.DetectMimeType(p, body)
	}

	info, err := m.client.PutObject(ctx, m.bucket, m.key(p), bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return errors.Wrapf(err, "miniofs: writing %s", p)
	}
	m.logger.Debug("wrote object", zap.String("bucket", m.bucket), zap.String("key", info.Key), zap.Int64("size", info.Size))
	return nil
}

// MimeType returns the content type stored with the object.
func (m *Filesystem) MimeType(ctx context.Context, p string) (string, error) {
	info, err := m.client.StatObject(ctx, m.bucket, m.key(p), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return "", &fs.PathError{Op: "mimetype", Path: p, Err: filestore.ErrNotFound}
		}
		return "", errors.Wrapf(err, "miniofs: checking %s", p)
	}
	if info.ContentType != "" {
		return info.ContentType, nil
	}
	return filestore.DetectMimeType(p, nil), nil
}

// Delete removes the object. RemoveObject succeeds for missing keys, so
// existence is checked first.
func (m *Filesystem) Delete(ctx context.Context, p string) error {
	ok, err := m.FileExists(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return &fs.PathError{Op: "delete", Path: p, Err: filestore.ErrNotFound}
	}

	err = m.client.RemoveObject(ctx, m.bucket, m.key(p), minio.RemoveObjectOptions{})
	return errors.Wrapf(err, "miniofs: deleting %s", p)
}

// List lists one level; the client reports common prefixes as keys ending
// in a slash.
func (m *Filesystem) List(ctx context.Context, dir string) ([]filestore.Entry, error) {
	prefix := m.prefixer.PrefixDirectoryPath(filestore.CleanPath(dir))

	var entries []filestore.Entry
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	}) {
		if obj.Err != nil {
			return nil, errors.Wrapf(obj.Err, "miniofs: listing %s", dir)
		}
		if obj.Key == prefix {
			continue
		}
		entries = append(entries, entryFor(m.prefixer.StripPrefix(obj.Key), obj.Size))
	}
	filestore.SortEntries(entries)
	return entries, nil
}

func entryFor(p string, size int64) filestore.Entry {
	if strings.HasSuffix(p, "/") {
		return filestore.Entry{Path: p, IsDir: true}
	}
	return filestore.Entry{Path: p, Size: size}
}

func (m *Filesystem) Close() error {
	return nil
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}
