package database

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// initialRetryInterval is the first wait between connection attempts.
const initialRetryInterval = 500 * time.Millisecond

// RetryConfig bounds the startup connection loop.
type RetryConfig struct {
	// Attempts is the number of retries after the first failure.
	Attempts int
	// MaxInterval caps the exponential backoff between attempts.
	MaxInterval time.Duration
	// OnRetry is called after each failed attempt (optional).
	OnRetry func(err error, wait time.Duration)
}

// OpenWithRetry opens the database, retrying with exponential backoff while
// the storage engine is unavailable. It gives up when the retry budget is
// spent or ctx is done, returning the last connection error.
func OpenWithRetry(ctx context.Context, cfg Config, rc RetryConfig) (*DB, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initialRetryInterval
	if rc.MaxInterval > 0 {
		policy.MaxInterval = rc.MaxInterval
	}
	policy.MaxElapsedTime = 0

	attempts := rc.Attempts
	if attempts < 0 {
		attempts = 0
	}

	var db *DB
	op := func() error {
		var err error
		db, err = Open(cfg)
		return err
	}

	notify := func(err error, wait time.Duration) {
		if rc.OnRetry != nil {
			rc.OnRetry(err, wait)
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts)), ctx) //nolint:gosec // attempts clamped above
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return db, nil
}
