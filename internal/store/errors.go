package store

import (
	"context"
	"database/sql"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/tasknexus/backend/internal/errors"
	"github.com/kimhsiao/tasknexus/backend/internal/logging"
)

// isBusy reports a SQLite BUSY (5) or LOCKED (6) condition, or a data
// directory held by another process.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	if apperrors.Is(err, apperrors.ErrDatabaseBlocked) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// retryOnBusy runs f until it succeeds, fails with a non-busy error, or the
// retry budget is spent. Delays double from base up to max with jitter.
func retryOnBusy(ctx context.Context, retries int, base, max time.Duration, f func() error) error {
	var err error
	for attempt := 0; attempt <= retries; attempt++ {
		err = f()
		if err == nil || !isBusy(err) || attempt == retries {
			return err
		}

		delay := base << uint(attempt)
		if delay > max || delay <= 0 {
			delay = max
		}
		if delay > 0 {
			// ±25% jitter
			delay = delay - delay/4 + time.Duration(rand.Int64N(int64(delay/2)+1))
		}
		logging.Debug("Database busy, retrying", map[string]interface{}{
			"attempt": attempt + 1,
			"delay":   delay.String(),
			"error":   err.Error(),
		})

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// normalize maps driver errors onto the DatabaseError shape.
func normalize(err error, message string, details map[string]interface{}) error {
	if err == nil {
		return nil
	}
	if _, ok := apperrors.As(err); ok {
		return err
	}

	var appErr *apperrors.AppError
	msg := err.Error()
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, sql.ErrNoRows):
		appErr = apperrors.Database(apperrors.TypeNotFound, apperrors.ErrNotFound, message, err)
	case isBusy(err):
		appErr = apperrors.Database(apperrors.TypeBlocked, apperrors.ErrDatabaseBlocked, message, err)
	case strings.Contains(msg, "UNIQUE constraint"):
		appErr = apperrors.Database(apperrors.TypeConstraint, apperrors.ErrDuplicate, message, err)
	case strings.Contains(msg, "constraint failed"):
		appErr = apperrors.Database(apperrors.TypeConstraint, apperrors.ErrConstraint, message, err)
	case strings.Contains(msg, "database or disk is full"), strings.Contains(msg, "(13)"):
		appErr = apperrors.Database(apperrors.TypeQuota, apperrors.ErrQuotaExceeded, message, err)
	case strings.Contains(msg, "database is closed"), strings.Contains(msg, "unable to open"):
		appErr = apperrors.Database(apperrors.TypeConnection, apperrors.ErrDatabase, message, err)
	default:
		appErr = apperrors.Database(apperrors.TypeQuery, apperrors.ErrDatabase, message, err)
	}
	for k, v := range details {
		appErr.WithDetail(k, v)
	}
	return appErr
}

func notFound(table, id string) error {
	return apperrors.Database(apperrors.TypeNotFound, apperrors.ErrNotFound, "record not found", nil).
		WithDetail("table", table).
		WithDetail("id", id)
}
