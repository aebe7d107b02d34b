package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gonzalop/filestore/ftpfs"
	"github.com/gonzalop/filestore/localfs"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "filestore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const ftpConfig = `
logger:
  level: debug
  format: json
storage:
  backend: ftp
  ftp:
    host: localhost
    port: 2121
    username: foo
    password: pass
    root: /home/foo/upload
    utf8: true
    ignorePassiveAddress: true
  retry:
    maxAttempts: 5
    initialInterval: 100ms
`

func TestLoadFTP(t *testing.T) {
	cfg, err := Load(writeConfig(t, ftpConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.Equal(t, "stderr", cfg.Logger.Output)

	assert.Equal(t, 5, cfg.Storage.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Storage.Retry.InitialInterval)
	assert.Equal(t, ftpfs.DefaultMaxInterval, cfg.Storage.Retry.MaxInterval)

	opts, err := cfg.FTPOptions()
	require.NoError(t, err)
	assert.Equal(t, "localhost", opts.Host)
	assert.Equal(t, 2121, opts.Port)
	assert.Equal(t, "pass", opts.Password)
	assert.True(t, opts.UTF8)
	assert.True(t, opts.IgnorePassiveAddress)
	assert.True(t, opts.Passive)
	assert.Equal(t, ftpfs.DefaultTimeout, opts.Timeout)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("FILESTORE_STORAGE_FTP_PASSWORD", "from-env")
	t.Setenv("FILESTORE_LOGGER_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, `
storage:
  ftp:
    host: ftp.example.com
    username: foo
`))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logger.Level)
	assert.Equal(t, BackendFTP, cfg.Storage.Backend)

	opts, err := cfg.FTPOptions()
	require.NoError(t, err)
	assert.Equal(t, "from-env", opts.Password)
}

func TestLoadTypedEnvironmentOverrides(t *testing.T) {
	t.Setenv("FILESTORE_STORAGE_FTP_PORT", "2222")
	t.Setenv("FILESTORE_STORAGE_FTP_UTF8", "false")
	t.Setenv("FILESTORE_STORAGE_FTP_PASSIVE", "false")
	t.Setenv("FILESTORE_STORAGE_FTP_TIMEOUT", "30")
	t.Setenv("FILESTORE_STORAGE_FTP_IGNOREPASSIVEADDRESS", "true")
	t.Setenv("FILESTORE_STORAGE_FTP_ROOT", "/srv/files")
	t.Setenv("FILESTORE_STORAGE_FTP_PASSWORD", "1234")

	cfg, err := Load(writeConfig(t, ftpConfig))
	require.NoError(t, err)

	opts, err := cfg.FTPOptions()
	require.NoError(t, err)
	assert.Equal(t, 2222, opts.Port)
	assert.False(t, opts.UTF8)
	assert.False(t, opts.Passive)
	assert.Equal(t, 30, opts.Timeout)
	assert.True(t, opts.IgnorePassiveAddress)
	assert.Equal(t, "/srv/files", opts.Root)
	assert.Equal(t, "1234", opts.Password)
	assert.Equal(t, "localhost", opts.Host)
}

func TestLoadEnvironmentOnlyFTP(t *testing.T) {
	t.Setenv("FILESTORE_STORAGE_FTP_HOST", "ftp.example.com")
	t.Setenv("FILESTORE_STORAGE_FTP_SSL", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	opts, err := cfg.FTPOptions()
	require.NoError(t, err)
	assert.Equal(t, "ftp.example.com", opts.Host)
	assert.True(t, opts.SSL)
	assert.Equal(t, ftpfs.DefaultPort, opts.Port)
}

func TestLoadRejectsBadEnvironmentValues(t *testing.T) {
	tests := []struct {
		env, value, key string
	}{
		{"FILESTORE_STORAGE_FTP_PORT", "abc", "port"},
		{"FILESTORE_STORAGE_FTP_UTF8", "maybe", "utf8"},
		{"FILESTORE_STORAGE_FTP_PORT", "70000", "port"},
		{"FILESTORE_STORAGE_FTP_ROOT", "/srv\r\nMKD injected", "root"},
	}
	for _, tt := range tests {
		t.Run(tt.env+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)
			_, err := Load(writeConfig(t, ftpConfig))
			require.ErrorIs(t, err, ftpfs.ErrInvalidConfiguration)

			var ce *ftpfs.ConfigurationError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.key, ce.Key)
		})
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown backend", "storage:\n  backend: tape\n"},
		{"ftp without host", "storage:\n  backend: ftp\n"},
		{"unknown ftp option", "storage:\n  ftp:\n    host: h\n    passiv: true\n"},
		{"bad ftp port", "storage:\n  ftp:\n    host: h\n    port: 70000\n"},
		{"no retry attempts", "storage:\n  ftp:\n    host: h\n  retry:\n    maxAttempts: 0\n"},
		{"local without root", "storage:\n  backend: local\n"},
		{"s3 without bucket", "storage:\n  backend: s3\n"},
		{"minio without endpoint", "storage:\n  backend: minio\n  minio:\n    bucket: b\n"},
		{"gcs without bucket", "storage:\n  backend: gcs\n"},
		{"azure without container", "storage:\n  backend: azure\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadReportsConfigurationErrors(t *testing.T) {
	_, err := Load(writeConfig(t, "storage:\n  ftp:\n    host: h\n    port: 0\n"))
	require.ErrorIs(t, err, ftpfs.ErrInvalidConfiguration)

	var ce *ftpfs.ConfigurationError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "port", ce.Key)

	_, err = Load(writeConfig(t, "storage:\n  backend: tape\n"))
	assert.ErrorIs(t, err, ErrUnknownBackend)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestOpenLocal(t *testing.T) {
	root := filepath.Join(t.TempDir(), "files")
	cfg, err := Load(writeConfig(t, "storage:\n  backend: local\n  local:\n    root: "+root+"\n"))
	require.NoError(t, err)

	fs, err := Open(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer fs.Close()

	local, ok := fs.(*localfs.Filesystem)
	require.True(t, ok)
	assert.Equal(t, root, local.BaseDir())
}

func TestOpenFTPIsLazy(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
storage:
  ftp:
    host: 192.0.2.1
    timeout: 1
`))
	require.NoError(t, err)

	fs, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &ftpfs.Filesystem{}, fs)
	assert.NoError(t, fs.Close())
}

func TestFTPProviderUsesRetryPolicy(t *testing.T) {
	cfg, err := Load(writeConfig(t, ftpConfig))
	require.NoError(t, err)

	p, ok := cfg.FTPProvider(nil).(*ftpfs.RetryingProvider)
	require.True(t, ok)
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, p.InitialInterval)
	assert.NotNil(t, p.Provider)
}
