package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Name: "test", Attempts: 3}, nil, testLogger(), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	var attempts []int
	err := Do(context.Background(), Policy{Name: "test", Attempts: 5, Backoff: time.Millisecond}, nil, testLogger(), func(ctx context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, attempts)
}

func TestDo_Exhausted(t *testing.T) {
	cause := errors.New("node unavailable")
	calls := 0
	err := Do(context.Background(), Policy{Name: "broadcast", Attempts: 3, Backoff: time.Millisecond}, nil, testLogger(), func(ctx context.Context, attempt int) error {
		calls++
		return cause
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls, "attempts must be bounded by the policy")
	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, cause)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "broadcast", exhausted.Policy)
	assert.Equal(t, 3, exhausted.Attempts)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	cause := errors.New("rejected")
	calls := 0
	err := Do(context.Background(), Policy{Name: "test", Attempts: 5, Backoff: time.Millisecond}, nil, testLogger(), func(ctx context.Context, attempt int) error {
		calls++
		return Permanent(cause)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{Name: "test"}, nil, testLogger(), func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("fail")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, Policy{Name: "test", Attempts: 5, Backoff: time.Hour}, nil, testLogger(), func(ctx context.Context, attempt int) error {
		calls++
		cancel()
		return errors.New("fail")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
