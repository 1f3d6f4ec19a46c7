package retry

import (
	"context"
	"errors"
	"strings"
	"syscall"
	"time"
)

// Classifier reports whether an error is transient and worth retrying.
type Classifier func(error) bool

// Executor retries an operation with a fixed delay between attempts.
// Only errors accepted by the classifier are retried; anything else
// propagates on first occurrence.
type Executor struct {
	Attempts int
	Delay    time.Duration
	Classify Classifier
}

// New returns an Executor with the given bounds. Attempts below 1 is
// coerced to 1; a nil classifier retries nothing.
func New(attempts int, delay time.Duration, classify Classifier) *Executor {
	if attempts < 1 {
		attempts = 1
	}
	if classify == nil {
		classify = func(error) bool { return false }
	}
	return &Executor{Attempts: attempts, Delay: delay, Classify: classify}
}

// Do runs op until it succeeds, a non-transient error occurs, attempts are
// exhausted, or ctx is cancelled. The delay is fixed; there is no backoff
// growth or jitter.
func (e *Executor) Do(ctx context.Context, op func(context.Context) error) error {
	var last error
	for attempt := 1; ; attempt++ {
		last = op(ctx)
		if last == nil {
			return nil
		}
		if !e.Classify(last) || attempt >= e.Attempts {
			return last
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.Delay):
		}
	}
}

// TransientNetwork classifies connection-reset conditions as transient.
// Structured checks come first; the message substring match is kept as a
// compatibility baseline for errors that lose their type across wrapping.
func TransientNetwork(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	return strings.Contains(err.Error(), "connection reset")
}
