// Package retry wraps operations that fail transiently (a service that is not
// listening yet, a mount that is not visible yet) with a bounded number of
// attempts at a fixed interval.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/juju/clock"
	jujuretry "github.com/juju/retry"
	"github.com/ruteri/webapp-instance-provisioning/interfaces"
)

// Executor invokes an operation until it succeeds or Attempts is reached,
// sleeping Interval between attempts.
type Executor struct {
	Attempts int
	Interval time.Duration
	Clock    clock.Clock
	Log      *slog.Logger
}

// New returns an Executor on the wall clock.
func New(attempts int, interval time.Duration, log *slog.Logger) *Executor {
	return &Executor{
		Attempts: attempts,
		Interval: interval,
		Clock:    clock.WallClock,
		Log:      log,
	}
}

// ExhaustedError is returned when every attempt failed. It matches
// interfaces.ErrRetriesExhausted with errors.Is; the last underlying error is
// kept for diagnosis but is deliberately not what Unwrap returns.
type ExhaustedError struct {
	Operation string
	Attempts  int
	LastErr   error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %s after %d attempts: last error: %v", e.Operation, interfaces.ErrRetriesExhausted, e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return interfaces.ErrRetriesExhausted
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as non-retryable: Do returns it immediately.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

func isFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe) || interfaces.IsConfigError(err)
}

// Do runs op until it returns nil. Fatal errors (see Fatal) and configuration
// errors end the loop at once and are returned as they are. When the budget is
// exhausted an *ExhaustedError is returned. Cancelling ctx stops the loop.
func (e *Executor) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	if e.Attempts < 1 {
		return &interfaces.ConfigError{Reason: fmt.Sprintf("retry %s: attempts must be at least 1, got %d", name, e.Attempts)}
	}
	if e.Interval <= 0 {
		return &interfaces.ConfigError{Reason: fmt.Sprintf("retry %s: interval must be positive, got %s", name, e.Interval)}
	}

	log := e.Log
	if log == nil {
		log = slog.Default()
	}
	clk := e.Clock
	if clk == nil {
		clk = clock.WallClock
	}

	attempt := 0
	err := jujuretry.Call(jujuretry.CallArgs{
		Func: func() error {
			attempt++
			log.Debug("Attempting operation",
				slog.String("operation", name),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", e.Attempts))
			if err := ctx.Err(); err != nil {
				return Fatal(err)
			}
			return op(ctx)
		},
		IsFatalError: isFatal,
		NotifyFunc: func(lastErr error, i int) {
			log.Warn("Operation attempt failed",
				slog.String("operation", name),
				slog.Int("attempt", i),
				slog.Int("max_attempts", e.Attempts),
				"err", lastErr)
		},
		Attempts: e.Attempts,
		Delay:    e.Interval,
		Clock:    clk,
		Stop:     ctx.Done(),
	})
	if err == nil {
		if attempt > 1 {
			log.Info("Operation succeeded after retrying",
				slog.String("operation", name),
				slog.Int("attempt", attempt))
		}
		return nil
	}

	if jujuretry.IsAttemptsExceeded(err) {
		return &ExhaustedError{Operation: name, Attempts: attempt, LastErr: jujuretry.LastError(err)}
	}
	if jujuretry.IsRetryStopped(err) {
		return fmt.Errorf("%s: stopped after %d attempts: %w", name, attempt, ctx.Err())
	}

	if fe, ok := err.(*fatalError); ok {
		return fe.err
	}
	return err
}
