// Package azurefs implements filestore.Filesystem on an Azure Blob Storage
// container.
package azurefs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/gonzalop/filestore"
)

// ConnectionStringEnv overrides every credential field in Config.
const ConnectionStringEnv = "AZURE_STORAGE_CONNECTION_STRING"

// Config selects the container and credentials. Credentials are tried in
// order: ConnectionString (or the environment), SASToken, then
// AccountName with AccountKey.
type Config struct {
	Container        string `mapstructure:"container"`
	Prefix           string `mapstructure:"prefix"`
	Endpoint         string `mapstructure:"endpoint"`
	ConnectionString string `mapstructure:"connectionString"`
	SASToken         string `mapstructure:"sasToken"`
	AccountName      string `mapstructure:"accountName"`
	AccountKey       string `mapstructure:"accountKey"`
	CreateContainer  bool   `mapstructure:"createContainer"`
}

var _ filestore.Filesystem = (*Filesystem)(nil)

// Filesystem stores files as block blobs below a name prefix.
type Filesystem struct {
	client    *azblob.Client
	container string
	prefixer  *filestore.PathPrefixer
	logger    *zap.Logger
}

// NewFromConfig builds a client for cfg. With CreateContainer set, a
// missing container is created.
func NewFromConfig(ctx context.Context, cfg Config, logger *zap.Logger) (*Filesystem, error) {
	if cfg.Container == "" {
		return nil, errors.New("azurefs: container is required")
	}
	client, err := buildClient(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.CreateContainer {
		if err := ensureContainer(ctx, client, cfg.Container); err != nil {
			return nil, err
		}
	}
	return New(client, cfg.Container, cfg.Prefix, logger), nil
}

func buildClient(cfg Config) (*azblob.Client, error) {
	connStr := cfg.ConnectionString
	if env := os.Getenv(ConnectionStringEnv); env != "" {
		connStr = env
	}
	if connStr != "" {
		client, err := azblob.NewClientFromConnectionString(connStr, nil)
		return client, errors.Wrap(err, "azurefs: invalid connection string")
	}

	if cfg.SASToken != "" {
		if cfg.Endpoint == "" {
			return nil, errors.New("azurefs: endpoint is required with a SAS token")
		}
		sas := strings.TrimPrefix(cfg.SASToken, "?")
		sep := "?"
		if strings.Contains(cfg.Endpoint, "?") {
			sep = "&"
		}
		client, err := azblob.NewClientWithNoCredential(cfg.Endpoint+sep+sas, nil)
		return client, errors.Wrap(err, "azurefs: creating client")
	}

	if cfg.AccountName != "" && cfg.AccountKey != "" {
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = fmt.Sprintf("https://%s.blob.core.windows.net/", cfg.AccountName)
		}
		cred, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err != nil {
			return nil, errors.Wrap(err, "azurefs: invalid shared key credential")
		}
		client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
		return client, errors.Wrap(err, "azurefs: creating client")
	}

	return nil, errors.Errorf("azurefs: no credentials: set %s, connectionString, sasToken, or accountName and accountKey", ConnectionStringEnv)
}

func ensureContainer(ctx context.Context, client *azblob.Client, name string) error {
	_, err := client.CreateContainer(ctx, name, nil)
	if err == nil {
		return nil
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) && respErr.ErrorCode == string(bloberror.ContainerAlreadyExists) {
		return nil
	}
	return errors.Wrapf(err, "azurefs: creating container %s", name)
}

// New returns a filesystem on an existing client.
func New(client *azblob.Client, containerName, prefix string, logger *zap.Logger) *Filesystem {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Filesystem{
		client:    client,
		container: containerName,
		prefixer:  filestore.NewPathPrefixer(strings.Trim(prefix, "/"), "/"),
		logger:    logger,
	}
}

func (b *Filesystem) blobName(p string) string {
	return b.prefixer.PrefixPath(filestore.CleanPath(p))
}

func (b *Filesystem) containerClient() *container.Client {
	return b.client.ServiceClient().NewContainerClient(b.container)
}

func (b *Filesystem) FileExists(ctx context.Context, p string) (bool, error) {
	_, err := b.containerClient().NewBlobClient(b.blobName(p)).GetProperties(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "azurefs: checking %s", p)
	}
	return true, nil
}

func (b *Filesystem) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	resp, err := b.client.DownloadStream(ctx, b.container, b.blobName(p), nil)
	if err != nil {
		if isNotFound(err) {
			return nil, &fs.PathError{Op: "read", Path: p, Err: filestore.ErrNotFound}
		}
		return nil, errors.Wrapf(err, "azurefs: reading %s", p)
	}
	return resp.Body, nil
}

func (b *Filesystem) Write(ctx context.Context, p string, data io.Reader, opts ...filestore.WriteOption) error {
	contentType, data, err := filestore.ApplyWriteOptions(opts...).ResolveContentType(p, data)
	if err != nil {
		return errors.Wrapf(err, "azurefs: reading data for %s", p)
	}

	name := b.blobName(p)
	_, err = b.client.UploadStream(ctx, b.container, name, data, &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return errors.Wrapf(err, "azurefs: writing %s", p)
	}
	b.logger.Debug("wrote blob", zap.String("container", b.container), zap.String("name", name))
	return nil
}

// MimeType returns the blob's Content-Type property.
func (b *Filesystem) MimeType(ctx context.Context, p string) (string, error) {
	props, err := b.containerClient().NewBlobClient(b.blobName(p)).GetProperties(ctx, nil)
	if err != nil {
		if isNotFound(err) {
			return "", &fs.PathError{Op: "mimetype", Path: p, Err: filestore.ErrNotFound}
		}
		return "", errors.Wrapf(err, "azurefs: checking %s", p)
	}
	if props.ContentType != nil && *props.ContentType != "" {
		return *props.ContentType, nil
	}
	return filestore.DetectMimeType(p, nil), nil
}

func (b *Filesystem) Delete(ctx context.Context, p string) error {
	_, err := b.client.DeleteBlob(ctx, b.container, b.blobName(p), nil)
	if err != nil {
		if isNotFound(err) {
			return &fs.PathError{Op: "delete", Path: p, Err: filestore.ErrNotFound}
		}
		return errors.Wrapf(err, "azurefs: deleting %s", p)
	}
	return nil
}

// List walks one level of the "/" hierarchy; virtual directories arrive as
// blob prefixes.
func (b *Filesystem) List(ctx context.Context, dir string) ([]filestore.Entry, error) {
	prefix := b.prefixer.PrefixDirectoryPath(filestore.CleanPath(dir))
	pager := b.containerClient().NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{
		Prefix: &prefix,
	})

	var entries []filestore.Entry
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "azurefs: listing %s", dir)
		}
		for _, bp := range page.Segment.BlobPrefixes {
			if bp.Name == nil {
				continue
			}
			entries = append(entries, filestore.Entry{Path: b.prefixer.StripPrefix(*bp.Name), IsDir: true})
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil || *item.Name == prefix {
				continue
			}
			var size int64
			if item.Properties != nil && item.Properties.ContentLength != nil {
				size = *item.Properties.ContentLength
			}
			entries = append(entries, filestore.Entry{Path: b.prefixer.StripPrefix(*item.Name), Size: size})
		}
	}
	filestore.SortEntries(entries)
	return entries, nil
}

// Close is a no-op; the client holds no connections of its own.
func (b *Filesystem) Close() error {
	return nil
}

func isNotFound(err error) bool {
	return bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ResourceNotFound)
}
