package store

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/tasknexus/backend/internal/errors"
)

// TestRetryOnBusy verifies busy errors are retried and others are not.
func TestRetryOnBusy(t *testing.T) {
	ctx := context.Background()

	calls := 0
	err := retryOnBusy(ctx, 5, time.Millisecond, 2*time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked (5) (SQLITE_BUSY)")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("retryOnBusy() = %v after %d calls, want nil after 3", err, calls)
	}

	calls = 0
	plain := errors.New("syntax error")
	err = retryOnBusy(ctx, 5, time.Millisecond, time.Millisecond, func() error {
		calls++
		return plain
	})
	if err != plain || calls != 1 {
		t.Errorf("non-busy error retried %d times", calls)
	}

	calls = 0
	err = retryOnBusy(ctx, 2, time.Millisecond, time.Millisecond, func() error {
		calls++
		return errors.New("database is locked")
	})
	if err == nil || calls != 3 {
		t.Errorf("exhausted retry = %v after %d calls, want error after 3", err, calls)
	}
}

// TestRetryOnBusy_canceled verifies cancellation stops the backoff.
func TestRetryOnBusy_canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retryOnBusy(ctx, 5, time.Second, time.Second, func() error {
		return errors.New("database is locked")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("retryOnBusy() = %v, want context.Canceled", err)
	}
}

// TestNormalize verifies driver errors map onto DatabaseError types.
func TestNormalize(t *testing.T) {
	tests := []struct {
		err  error
		typ  apperrors.ErrorType
		code apperrors.ErrorCode
	}{
		{errors.New("database is locked"), apperrors.TypeBlocked, apperrors.ErrDatabaseBlocked},
		{errors.New("UNIQUE constraint failed: tasks.id"), apperrors.TypeConstraint, apperrors.ErrDuplicate},
		{errors.New("NOT NULL constraint failed: tasks.data"), apperrors.TypeConstraint, apperrors.ErrConstraint},
		{errors.New("database or disk is full"), apperrors.TypeQuota, apperrors.ErrQuotaExceeded},
		{errors.New("sql: database is closed"), apperrors.TypeConnection, apperrors.ErrDatabase},
		{errors.New("no such column: x"), apperrors.TypeQuery, apperrors.ErrDatabase},
	}
	for _, tt := range tests {
		appErr, ok := apperrors.As(normalize(tt.err, "op", map[string]interface{}{"table": "tasks"}))
		if !ok {
			t.Errorf("normalize(%q) is not an AppError", tt.err)
			continue
		}
		if appErr.Type != tt.typ || appErr.Code != tt.code {
			t.Errorf("normalize(%q) = %s/%s, want %s/%s", tt.err, appErr.Type, appErr.Code, tt.typ, tt.code)
		}
		if appErr.Details["table"] != "tasks" {
			t.Errorf("normalize(%q) lost details", tt.err)
		}
	}
	if normalize(nil, "op", nil) != nil {
		t.Error("normalize(nil) should be nil")
	}
}
