package gcsfs

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gonzalop/filestore"
)

func TestNewFromConfigRequiresBucket(t *testing.T) {
	_, err := NewFromConfig(context.Background(), Config{}, nil)
	assert.Error(t, err)
}

func TestClientOptions(t *testing.T) {
	t.Setenv("STORAGE_EMULATOR_HOST", "")
	assert.Empty(t, clientOptions(Config{Bucket: "b"}))
	assert.Len(t, clientOptions(Config{Bucket: "b", CredentialsFile: "/tmp/key.json"}), 1)
	assert.Len(t, clientOptions(Config{Bucket: "b", Endpoint: "http://localhost:4443/storage/v1/"}), 1)

	t.Setenv("STORAGE_EMULATOR_HOST", "localhost:4443")
	assert.Len(t, clientOptions(Config{Bucket: "b"}), 1)
}

// TestEmulatorIntegration runs against a GCS emulator named by
// STORAGE_EMULATOR_HOST. The bucket in FILESTORE_TEST_GCS_BUCKET must
// already exist.
func TestEmulatorIntegration(t *testing.T) {
	bucket := os.Getenv("FILESTORE_TEST_GCS_BUCKET")
	if os.Getenv("STORAGE_EMULATOR_HOST") == "" || bucket == "" {
		t.Skip("STORAGE_EMULATOR_HOST or FILESTORE_TEST_GCS_BUCKET not set")
	}
	ctx := context.Background()

	fs, err := NewFromConfig(ctx, Config{Bucket: bucket, Prefix: t.Name()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer fs.Close()

	require.NoError(t, fs.Write(ctx, "a/b.txt", strings.NewReader("gcs")))

	ok, err := fs.FileExists(ctx, "a/b.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := fs.Read(ctx, "a/b.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "gcs", string(data))

	ct, err := fs.MimeType(ctx, "a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "text/plain; charset=utf-8", ct)

	entries, err := fs.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []filestore.Entry{{Path: "a/", IsDir: true}}, entries)

	require.NoError(t, fs.Delete(ctx, "a/b.txt"))
	assert.True(t, filestore.IsNotFound(fs.Delete(ctx, "a/b.txt")))
}
