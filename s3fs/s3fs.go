// Package s3fs implements filestore.Filesystem on an Amazon S3 bucket.
package s3fs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"io/fs"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gonzalop/filestore"
)

// API is the subset of *s3.Client the filesystem uses.
type API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	s3.ListObjectsV2APIClient
}

var _ API = (*s3.Client)(nil)

// Config selects the bucket and credentials. Empty credential fields fall
// back to the default AWS chain (environment, shared config, instance role).
type Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"accessKeyId"`
	SecretAccessKey string `mapstructure:"secretAccessKey"`
	SessionToken    string `mapstructure:"sessionToken"`
	UsePathStyle    bool   `mapstructure:"usePathStyle"`
}

var _ filestore.Filesystem = (*Filesystem)(nil)

// Filesystem stores files as objects below a key prefix.
type Filesystem struct {
	client   API
	bucket   string
	prefixer *filestore.PathPrefixer
	logger   *zap.Logger
}

// NewFromConfig loads AWS configuration and returns a filesystem for
// cfg.Bucket.
func NewFromConfig(ctx context.Context, cfg Config, logger *zap.Logger) (*Filesystem, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3fs: bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "s3fs: loading AWS config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return New(client, cfg.Bucket, cfg.Prefix, logger), nil
}

// New returns a filesystem on an existing client.
func New(client API, bucket, prefix string, logger *zap.Logger) *Filesystem {
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

func (s *Filesystem) key(p string) string {
	return s.prefixer.PrefixPath(filestore.CleanPath(p))
}

func (s *Filesystem) FileExists(ctx context.Context, p string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "s3fs: checking %s", p)
	}
	return true, nil
}

func (s *Filesystem) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, &fs.PathError{Op: "read", Path: p, Err: filestore.ErrNotFound}
		}
		return nil, errors.Wrapf(err, "s3fs: reading %s", p)
	}
	return resp.Body, nil
}

// Write uploads data with a SHA-256 checksum the service verifies. The
// content type is detected from the data unless WithContentType is given.
func (s *Filesystem) Write(ctx context.Context, p string, data io.Reader, opts ...filestore.WriteOption) error {
	body, err := io.ReadAll(data)
	if err != nil {
		return errors.Wrapf(err, "s3fs: reading data for %s", p)
	}
	sum := sha256.Sum256(body)

	contentType := filestore.ApplyWriteOptions(opts...).ContentType
	if contentType == "" {
		contentType = filestore.DetectMimeType(p, body)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:            aws.String(s.bucket),
		Key:               aws.String(s.key(p)),
		Body:              bytes.NewReader(body),
		ContentType:       aws.String(contentType),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		ChecksumSHA256:    aws.String(base64.StdEncoding.EncodeToString(sum[:])),
	})
	if err != nil {
		var opErr *smithy.OperationError
		if errors.As(err, &opErr) && strings.Contains(opErr.Error(), "BadDigest") {
			return errors.Wrapf(err, "s3fs: checksum mismatch writing %s", p)
		}
		return errors.Wrapf(err, "s3fs: writing %s", p)
	}
	s.logger.Debug("wrote object", zap.String("bucket", s.bucket), zap.String("key", s.key(p)), zap.Int("size", len(body)))
	return nil
}

// MimeType returns the content type stored with the object.
func (s *Filesystem) MimeType(ctx context.Context, p string) (string, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		if isNotFound(err) {
			return "", &fs.PathError{Op: "mimetype", Path: p, Err: filestore.ErrNotFound}
		}
		return "", errors.Wrapf(err, "s3fs: checking %s", p)
	}
	if ct := aws.ToString(out.ContentType); ct != "" {
		return ct, nil
	}
	return filestore.DetectMimeType(p, nil), nil
}

// Delete removes the object. DeleteObject succeeds for missing keys, so
// existence is checked first.
func (s *Filesystem) Delete(ctx context.Context, p string) error {
	ok, err := s.FileExists(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return &fs.PathError{Op: "delete", Path: p, Err: filestore.ErrNotFound}
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	return errors.Wrapf(err, "s3fs: deleting %s", p)
}

// List uses the "/" delimiter so the service collapses deeper keys into
// common prefixes.
func (s *Filesystem) List(ctx context.Context, dir string) ([]filestore.Entry, error) {
	prefix := s.prefixer.PrefixDirectoryPath(filestore.CleanPath(dir))
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String("/"),
	})

	var entries []filestore.Entry
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "s3fs: listing %s", dir)
		}
		for _, cp := range page.CommonPrefixes {
			p := s.prefixer.StripPrefix(aws.ToString(cp.Prefix))
			entries = append(entries, filestore.Entry{Path: p, IsDir: true})
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			// Directory placeholder objects.
			if key == prefix || strings.HasSuffix(key, "/") {
				continue
			}
			entries = append(entries, filestore.Entry{
				Path: s.prefixer.StripPrefix(key),
				Size: aws.ToInt64(obj.Size),
			})
		}
	}
	filestore.SortEntries(entries)
	return entries, nil
}

func (s *Filesystem) Close() error {
	return nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
