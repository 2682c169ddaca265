package shared

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsSQLiteConflictError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busy", errors.New("SQLITE_BUSY: cannot commit"), true},
		{"locked", errors.New("database is locked (5)"), true},
		{"wrapped", fmt.Errorf("end attempt: %w", errors.New("database is locked")), true},
		{"other", errors.New("no such table: attempts"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsSQLiteConflictError(tt.err))
		})
	}
}

func TestRetryOnConflictRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryOnConflictStopsOnOtherErrors(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := RetryOnConflict(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryOnConflictGivesUp(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), 2, time.Millisecond, func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	assert.True(t, IsSQLiteConflictError(err))
	assert.Equal(t, 2, calls)
}

func TestRetryOnConflictHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RetryOnConflict(ctx, 3, time.Hour, func() error {
		return errors.New("SQLITE_BUSY")
	})
	assert.ErrorIs(t, err, context.Canceled)
}
