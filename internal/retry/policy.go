// Package retry centralizes the retry policy applied to push, pull and
// realtime reconnect, so attempt counting and backoff behave identically
// at every call site.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how an operation is retried: total attempt budget and
// the exponential backoff between attempts.
type Policy struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultPolicy is the network-call policy: three attempts with a short
// exponential backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
	}
}

// ReconnectPolicy is the realtime channel policy: more attempts, longer
// cap, after which the channel gives up for good.
func ReconnectPolicy() Policy {
	return Policy{
		MaxAttempts:     5,
		InitialInterval: time.Second,
		MaxInterval:     2 * time.Minute,
		Multiplier:      2.0,
	}
}

// Backoff builds the underlying backoff sequence for manual stepping.
// The sequence stops (returns backoff.Stop) once the attempt budget is
// spent, and aborts early when ctx is done.
func (p Policy) Backoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.Multiplier = p.Multiplier
	eb.MaxElapsedTime = 0 // bounded by attempts, not wall time

	var b backoff.BackOff = eb
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, p.MaxAttempts-1)
	}
	return backoff.WithContext(b, ctx)
}

// Do runs fn under the policy, logging each retried failure. The returned
// error is the last attempt's error, or ctx's error on cancellation.
func (p Policy) Do(ctx context.Context, logger *slog.Logger, operation string, fn func() error) error {
	notify := func(err error, next time.Duration) {
		logger.Warn("operation failed, retrying",
			"operation", operation,
			"error", err,
			"next_attempt_in", next)
	}
	return backoff.RetryNotify(fn, p.Backoff(ctx), notify)
}

// Permanent marks err as non-retryable so Do surfaces it immediately.
// Used for validation rejections, which must never be retried.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
