// Package config loads the filestore configuration file and builds the
// selected storage backend.
package config

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/gonzalop/filestore"
	"github.com/gonzalop/filestore/azurefs"
	"github.com/gonzalop/filestore/ftpfs"
	"github.com/gonzalop/filestore/gcsfs"
	"github.com/gonzalop/filestore/internal/logging"
	"github.com/gonzalop/filestore/localfs"
	"github.com/gonzalop/filestore/miniofs"
	"github.com/gonzalop/filestore/s3fs"
)

// EnvPrefix prefixes environment overrides: storage.ftp.password is read
// from FILESTORE_STORAGE_FTP_PASSWORD.
const EnvPrefix = "FILESTORE"

// Backend names accepted by storage.backend.
const (
	BackendFTP   = "ftp"
	BackendLocal = "local"
	BackendS3    = "s3"
	BackendMinio = "minio"
	BackendGCS   = "gcs"
	BackendAzure = "azure"
)

// ErrUnknownBackend is returned for a storage.backend value that names no
// backend.
var ErrUnknownBackend = errors.New("unknown storage backend")

// Config is the whole configuration file.
type Config struct {
	Logger  logging.Config `mapstructure:"logger"`
	Storage StorageConfig  `mapstructure:"storage"`
}

// StorageConfig selects a backend and holds one section per backend. Only
// the selected section is used.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`

	// FTP is passed to ftpfs.OptionsFromMap.
	FTP   map[string]any `mapstructure:"ftp"`
	Retry RetryConfig    `mapstructure:"retry"`

	Local LocalConfig    `mapstructure:"local"`
	S3    s3fs.Config    `mapstructure:"s3"`
	Minio miniofs.Config `mapstructure:"minio"`
	GCS   gcsfs.Config   `mapstructure:"gcs"`
	Azure azurefs.Config `mapstructure:"azure"`
}

// RetryConfig bounds the FTP connection retry.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"maxAttempts"`
	InitialInterval time.Duration `mapstructure:"initialInterval"`
	MaxInterval     time.Duration `mapstructure:"maxInterval"`
}

// LocalConfig configures the local disk backend.
type LocalConfig struct {
	Root string `mapstructure:"root"`
}

// secrets can be supplied through the environment alone.
var secrets = []string{
	"storage.ftp.password",
	"storage.s3.secretAccessKey",
	"storage.s3.sessionToken",
	"storage.minio.secretAccessKey",
	"storage.minio.sessionToken",
	"storage.azure.accountKey",
	"storage.azure.connectionString",
	"storage.azure.sasToken",
}

// Load reads the YAML file at path, applies FILESTORE_* environment
// overrides and validates the result. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for _, key := range secrets {
		if err := v.BindEnv(key); err != nil {
			return nil, errors.Wrapf(err, "config: binding %s", key)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: reading %s", path)
		}
	}
	if err := ftpEnvOverrides(v); err != nil {
		return nil, errors.Wrap(err, "config: storage.ftp")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: decoding")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ftpEnvOverrides applies FILESTORE_STORAGE_FTP_* variables, converting
// their text to the type each option expects. This covers options absent
// from the file too.
func ftpEnvOverrides(v *viper.Viper) error {
	for _, key := range ftpfs.OptionKeys() {
		name := EnvPrefix + "_STORAGE_FTP_" + strings.ToUpper(key)
		text, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		val, err := ftpfs.ParseOption(key, text)
		if err != nil {
			return errors.Wrapf(err, "reading %s", name)
		}
		v.Set("storage.ftp."+key, val)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.output", "stderr")

	v.SetDefault("storage.backend", BackendFTP)
	v.SetDefault("storage.retry.maxAttempts", ftpfs.DefaultMaxAttempts)
	v.SetDefault("storage.retry.initialInterval", ftpfs.DefaultInitialInterval)
	v.SetDefault("storage.retry.maxInterval", ftpfs.DefaultMaxInterval)
}

// Validate checks the selected backend section without any network I/O.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendFTP:
		if _, err := c.FTPOptions(); err != nil {
			return errors.Wrap(err, "config: storage.ftp")
		}
		if c.Storage.Retry.MaxAttempts < 1 {
			return errors.New("config: storage.retry.maxAttempts must be at least 1")
		}
	case BackendLocal:
		if c.Storage.Local.Root == "" {
			return errors.New("config: storage.local.root is required")
		}
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return errors.New("config: storage.s3.bucket is required")
		}
	case BackendMinio:
		if err := c.Storage.Minio.Validate(); err != nil {
			return errors.Wrap(err, "config: storage.minio")
		}
	case BackendGCS:
		if c.Storage.GCS.Bucket == "" {
			return errors.New("config: storage.gcs.bucket is required")
		}
	case BackendAzure:
		if c.Storage.Azure.Container == "" {
			return errors.New("config: storage.azure.container is required")
		}
	default:
		return errors.Wrapf(ErrUnknownBackend, "config: storage.backend %q", c.Storage.Backend)
	}
	return nil
}

// FTPOptions decodes the ftp section. The file loader lowercases keys, so
// they are mapped back onto the option names first; keys that match no
// option are passed through and rejected by ftpfs.OptionsFromMap.
func (c *Config) FTPOptions() (ftpfs.ConnectionOptions, error) {
	canonical := make(map[string]string)
	for _, key := range ftpfs.OptionKeys() {
		canonical[strings.ToLower(key)] = key
	}

	raw := make(map[string]any, len(c.Storage.FTP))
	for k, val := range c.Storage.FTP {
		if name, ok := canonical[strings.ToLower(k)]; ok {
			k = name
		}
		raw[k] = val
	}
	return ftpfs.OptionsFromMap(raw)
}

// FTPProvider returns the bootstrap provider for the ftp backend, wrapped
// with the configured retry policy.
func (c *Config) FTPProvider(logger *zap.Logger) ftpfs.ConnectionProvider {
	return &ftpfs.RetryingProvider{
		Provider:        ftpfs.NewProvider(logger),
		MaxAttempts:     c.Storage.Retry.MaxAttempts,
		InitialInterval: c.Storage.Retry.InitialInterval,
		MaxInterval:     c.Storage.Retry.MaxInterval,
		Logger:          logger,
	}
}

// Open builds the selected backend. The ftp backend connects lazily; the
// SDK backends may contact their service while building clients.
func Open(ctx context.Context, cfg *Config, logger *zap.Logger) (filestore.Filesystem, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("backend", cfg.Storage.Backend))

	switch cfg.Storage.Backend {
	case BackendFTP:
		opts, err := cfg.FTPOptions()
		if err != nil {
			return nil, errors.Wrap(err, "config: storage.ftp")
		}
		return ftpfs.New(opts, cfg.FTPProvider(logger), logger), nil
	case BackendLocal:
		return filesystem(localfs.New(cfg.Storage.Local.Root, logger))
	case BackendS3:
		return filesystem(s3fs.NewFromConfig(ctx, cfg.Storage.S3, logger))
	case BackendMinio:
		return filesystem(miniofs.NewFromConfig(ctx, cfg.Storage.Minio, logger))
	case BackendGCS:
		return filesystem(gcsfs.NewFromConfig(ctx, cfg.Storage.GCS, logger))
	case BackendAzure:
		return filesystem(azurefs.NewFromConfig(ctx, cfg.Storage.Azure, logger))
	}
	return nil, errors.Wrapf(ErrUnknownBackend, "config: storage.backend %q", cfg.Storage.Backend)
}

// filesystem keeps a failed constructor's nil pointer out of the interface.
func filesystem[T filestore.Filesystem](fs T, err error) (filestore.Filesystem, error) {
	if err != nil {
		return nil, err
	}
	return fs, nil
}
