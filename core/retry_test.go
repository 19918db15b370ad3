package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, 10*time.Millisecond, func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_RetriesTransientErrorsUntilSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, 10*time.Millisecond, func(ctx context.Context, attempt int) error {
		calls++
		if calls < 3 {
			return &FrameworkError{Op: "test", Kind: string(KindTransientFailure)}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_NonTransientErrorReturnsImmediately(t *testing.T) {
	calls := 0
	sentinel := errors.New("permanent failure")
	err := Retry(context.Background(), 5, time.Millisecond, 10*time.Millisecond, func(ctx context.Context, attempt int) error {
		calls++
		return sentinel
	})
	require.Error(t, err)
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsMaxAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, 10*time.Millisecond, func(ctx context.Context, attempt int) error {
		calls++
		return &FrameworkError{Op: "test", Kind: string(KindTransientFailure)}
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ContextCancellationStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cancel()
	err := Retry(ctx, 5, time.Millisecond, 10*time.Millisecond, func(ctx context.Context, attempt int) error {
		calls++
		return &FrameworkError{Op: "test", Kind: string(KindTransientFailure)}
	})
	require.Error(t, err)
	assert.Equal(t, 0, calls)
}
