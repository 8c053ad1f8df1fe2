package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRetryFirstNonEmptySuccessStops(t *testing.T) {
	calls := 0
	result, err := WithRetry(context.Background(), RetryPolicy{MaxAttempts: 3}, nil,
		func(ctx context.Context) ([]string, error) {
			calls++
			return []string{"a"}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, result)
	assert.Equal(t, 1, calls)
}

func TestWithRetryEmptyThenData(t *testing.T) {
	calls := 0
	result, err := WithRetry(context.Background(), RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}, nil,
		func(ctx context.Context) ([]int, error) {
			calls++
			if calls < 3 {
				return nil, nil
			}
			return []int{42}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, []int{42}, result)
	assert.Equal(t, 3, calls)
}

func TestWithRetryAllFailuresReturnsLastError(t *testing.T) {
	first := errors.New("timeout")
	last := errors.New("rate limited")
	calls := 0
	_, err := WithRetry(context.Background(), RetryPolicy{MaxAttempts: 2, Delay: time.Millisecond}, nil,
		func(ctx context.Context) ([]int, error) {
			calls++
			if calls == 1 {
				return nil, first
			}
			return nil, last
		})
	require.Error(t, err)
	assert.ErrorIs(t, err, last)
	assert.Equal(t, 2, calls)
}

func TestWithRetryEmptySuccessBeatsEarlierFailure(t *testing.T) {
	calls := 0
	result, err := WithRetry(context.Background(), RetryPolicy{MaxAttempts: 2, Delay: time.Millisecond}, nil,
		func(ctx context.Context) ([]int, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("transient")
			}
			return nil, nil
		})
	require.NoError(t, err, "an empty successful attempt means no data, not failure")
	assert.Nil(t, result)
}

func TestWithRetryOnRetryCallback(t *testing.T) {
	var notified []int
	_, _ = WithRetry(context.Background(), RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond},
		func(attempt int) { notified = append(notified, attempt) },
		func(ctx context.Context) ([]int, error) {
			return nil, errors.New("always fails")
		})
	assert.Equal(t, []int{2, 3}, notified, "the first attempt is not a retry")
}

func TestWithRetryCancellationInterruptsSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := WithRetry(ctx, RetryPolicy{MaxAttempts: 5, Delay: time.Minute}, nil,
			func(ctx context.Context) ([]int, error) {
				return nil, errors.New("transient")
			})
		assert.ErrorIs(t, err, context.Canceled)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("retry loop did not observe cancellation")
	}
}

func TestWithRetryZeroAttemptsStillRunsOnce(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), RetryPolicy{}, nil,
		func(ctx context.Context) ([]int, error) {
			calls++
			return nil, nil
		})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}
