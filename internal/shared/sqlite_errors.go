// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// IsSQLiteBusyError checks if the error is a SQLITE_BUSY error.
// This occurs when the database is locked by another connection.
func IsSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

// IsSQLiteLockedError checks if the error is a "database is locked" error.
func IsSQLiteLockedError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database is locked")
}

// IsSQLiteConflictError checks if the error is either a SQLITE_BUSY
// or "database is locked" error.
func IsSQLiteConflictError(err error) bool {
	return IsSQLiteBusyError(err) || IsSQLiteLockedError(err)
}

// RetryPolicy bounds RetryOnConflict.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy retries three times starting at 50ms (50ms, 100ms).
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond}

// RetryOnConflict runs op, retrying with exponential backoff while it fails
// with a SQLite conflict error. Other errors are returned immediately.
func RetryOnConflict(ctx context.Context, policy RetryPolicy, name string, op func() error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var err error
	for i := 0; i < policy.MaxAttempts; i++ {
		err = op()
		if err == nil || !IsSQLiteConflictError(err) {
			return err
		}
		if i == policy.MaxAttempts-1 {
			break
		}

		delay := policy.BaseDelay * time.Duration(1<<i)
		slog.Debug("Database locked, retrying", "op", name, "attempt", i+1, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
