package ftpfs

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Retry defaults used when the RetryingProvider fields are zero.
const (
	DefaultMaxAttempts     = 3
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second
)

// RetryingProvider retries bootstraps that failed to reach the host, with
// exponential backoff. Every other failure is returned after the first
// attempt.
type RetryingProvider struct {
	Provider ConnectionProvider

	// MaxAttempts bounds the total number of bootstraps, including the
	// first one.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration

	Logger *zap.Logger
}

// NewRetryingProvider wraps p with the default retry policy.
func NewRetryingProvider(p ConnectionProvider, logger *zap.Logger) *RetryingProvider {
	return &RetryingProvider{Provider: p, Logger: logger}
}

func (r *RetryingProvider) CreateConnection(ctx context.Context, opts ConnectionOptions) (*Connection, error) {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var conn *Connection
	attempt := 0
	operation := func() error {
		attempt++
		c, err := r.Provider.CreateConnection(ctx, opts)
		if err != nil {
			if IsTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		conn = c
		return nil
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("ftp connection failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(operation, r.policy(ctx), notify); err != nil {
		return nil, err
	}
	return conn, nil
}

func (r *RetryingProvider) policy(ctx context.Context) backoff.BackOff {
	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultInitialInterval
	if r.InitialInterval > 0 {
		b.InitialInterval = r.InitialInterval
	}
	b.MaxInterval = DefaultMaxInterval
	if r.MaxInterval > 0 {
		b.MaxInterval = r.MaxInterval
	}
	b.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}
