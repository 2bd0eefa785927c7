package database

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/inquest-ai/inquest/pkg/apperr"
)

const (
	retryBaseDelay   = 200 * time.Millisecond
	retryMaxAttempts = 3
)

// WithRetry runs fn, retrying transient database failures with exponential
// backoff and jitter (base 200 ms, at most 3 attempts). Persistent failures
// are surfaced to the caller as-is.
func WithRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < retryMaxAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			delay += time.Duration(rand.Int64N(int64(delay)))
			select {
			case <-ctx.Done():
				return apperr.Wrap(apperr.KindCancelled, op, ctx.Err())
			case <-time.After(delay):
			}
			slog.Debug("Retrying database operation", "op", op, "attempt", attempt+1)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !transientPgError(lastErr) {
			return lastErr
		}
	}
	return apperr.Wrap(apperr.KindTransient, op+" exhausted retries", lastErr)
}

// transientPgError reports whether err is worth retrying: serialization
// failures, deadlocks, lock timeouts, and connection-level failures.
func transientPgError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57P03", // cannot_connect_now
			"53300": // too_many_connections
			return true
		}
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	return false
}
