// Package retry provides the bounded retry-with-backoff policy shared by every
// network call the client makes.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/brojonat/tokenswap/service/metrics"
)

// Policy bounds a retried operation. Attempts counts the first try.
type Policy struct {
	Name     string
	Attempts int
	Backoff  time.Duration
}

// ErrExhausted is wrapped by Do when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Permanent marks an error as non-retryable; Do returns it without further attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs fn until it succeeds, returns a permanent error, the context is done,
// or the policy's attempts are exhausted. fn receives the 1-based attempt number.
// Each failed attempt is logged and counted; it is never dropped silently.
func Do(ctx context.Context, p Policy, m *metrics.Metrics, logger *slog.Logger, fn func(ctx context.Context, attempt int) error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Backoff)
	b = backoff.WithMaxRetries(b, uint64(p.Attempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	var lastErr error
	op := func() error {
		attempt++
		lastErr = fn(ctx, attempt)
		return lastErr
	}
	notify := func(err error, next time.Duration) {
		logger.WarnContext(ctx, "attempt failed, retrying",
			"policy", p.Name,
			"attempt", attempt,
			"max_attempts", p.Attempts,
			"backoff", next,
			"error", err,
		)
		if m != nil {
			m.RecordRetry(p.Name, "retry")
		}
	}

	err := backoff.RetryNotify(op, b, notify)
	if err == nil {
		return nil
	}

	var perm *backoff.PermanentError
	if errors.As(lastErr, &perm) || ctx.Err() != nil {
		return err
	}
	if attempt >= p.Attempts {
		logger.ErrorContext(ctx, "retry attempts exhausted",
			"policy", p.Name,
			"attempts", attempt,
			"error", err,
		)
		if m != nil {
			m.RecordRetry(p.Name, "exhausted")
		}
		return &ExhaustedError{Policy: p.Name, Attempts: attempt, Err: err}
	}
	return err
}

// ExhaustedError reports the last failure after a policy ran out of attempts.
type ExhaustedError struct {
	Policy   string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %d attempts: %v", e.Policy, e.Attempts, e.Err)
}

// Unwrap exposes both the sentinel and the last cause to errors.Is/As.
func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.Err}
}
