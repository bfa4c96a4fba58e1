package retry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ruteri/webapp-instance-provisioning/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExecutor(attempts int, interval time.Duration) *Executor {
	return New(attempts, interval, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestExecutor_ExhaustsAfterExactlyNAttempts(t *testing.T) {
	const attempts = 3
	const interval = 50 * time.Millisecond

	underlying := errors.New("connection refused")
	calls := 0

	start := time.Now()
	err := testExecutor(attempts, interval).Do(context.Background(), "dial", func(ctx context.Context) error {
		calls++
		return underlying
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, attempts, calls)
	assert.ErrorIs(t, err, interfaces.ErrRetriesExhausted)
	assert.NotErrorIs(t, err, underlying, "exhaustion must be distinguishable from the underlying failure")

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, attempts, exhausted.Attempts)
	assert.Equal(t, underlying, exhausted.LastErr)
	assert.Contains(t, err.Error(), "dial")

	assert.GreaterOrEqual(t, elapsed, (attempts-1)*interval)
	assert.LessOrEqual(t, elapsed, attempts*interval)
}

func TestExecutor_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := testExecutor(5, time.Millisecond).Do(context.Background(), "wait", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not ready")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecutor_FatalErrorsAreNotRetried(t *testing.T) {
	hard := errors.New("permission denied")

	tests := []struct {
		name    string
		err     error
		matches error
	}{
		{name: "explicit fatal", err: Fatal(hard), matches: hard},
		{name: "configuration error", err: &interfaces.ConfigError{Keys: []string{"DB_HOST"}, Reason: "missing value"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := testExecutor(4, time.Millisecond).Do(context.Background(), "op", func(ctx context.Context) error {
				calls++
				return tt.err
			})

			require.Error(t, err)
			assert.Equal(t, 1, calls)
			assert.NotErrorIs(t, err, interfaces.ErrRetriesExhausted)
			if tt.matches != nil {
				assert.ErrorIs(t, err, tt.matches)
			}
		})
	}
}

func TestExecutor_InvalidBudget(t *testing.T) {
	op := func(ctx context.Context) error { return nil }

	err := testExecutor(0, time.Second).Do(context.Background(), "op", op)
	assert.True(t, interfaces.IsConfigError(err))

	err = testExecutor(3, 0).Do(context.Background(), "op", op)
	assert.True(t, interfaces.IsConfigError(err))
}

func TestExecutor_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := testExecutor(10, time.Second).Do(ctx, "op", func(ctx context.Context) error {
		calls++
		return errors.New("unreachable")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestFatal_Nil(t *testing.T) {
	assert.NoError(t, Fatal(nil))
}
