package processors

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rendis/tagflow/pkg/schema"
)

// RetryPolicy bounds retries of transient archive failures.
type RetryPolicy struct {
	// Attempts is the total number of tries; 1 or less disables retrying.
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
	// Backoff is none, constant, linear or exponential.
	Backoff string
}

// DefaultRetryPolicy: 3 attempts, exponential from 10ms, capped at 250ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 10 * time.Millisecond, MaxDelay: 250 * time.Millisecond, Backoff: "exponential"}
}

var nonRetryableCodes = map[string]bool{
	schema.ErrCodeConfiguration:     true,
	schema.ErrCodeResolution:        true,
	schema.ErrCodeRouting:           true,
	schema.ErrCodeStepLimit:         true,
	schema.ErrCodeValidation:        true,
	schema.ErrCodeNotFound:          true,
	schema.ErrCodeConflict:          true,
	schema.ErrCodeInvalidTransition: true,
	schema.ErrCodeCancelled:         true,
	schema.ErrCodeExpression:        true,
}

var retryablePatterns = []string{
	"database is locked",
	"busy",
	"connection refused",
	"connection reset",
	"broken pipe",
	"eof",
	"temporary failure",
	"i/o timeout",
}

// IsRetryable reports whether err is worth another attempt: deadlines,
// network errors and lock contention anywhere in the chain. Cancellation,
// permanent tagflow codes and unrecognized errors are not.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var tfErr *schema.TagflowError
	if errors.As(err, &tfErr) && nonRetryableCodes[tfErr.Code] {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	for e := err; e != nil; e = errors.Unwrap(e) {
		msg := strings.ToLower(e.Error())
		for _, p := range retryablePatterns {
			if strings.Contains(msg, p) {
				return true
			}
		}
	}
	return false
}

// ComputeBackoff returns the delay before retry number attempt (0-based).
func ComputeBackoff(p RetryPolicy, attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch p.Backoff {
	case "exponential":
		delay = p.Delay << min(attempt, 30)
	case "linear":
		delay = p.Delay * time.Duration(attempt+1)
	default:
		delay = p.Delay
	}

	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		delay = p.MaxDelay
	}
	return delay
}

// waitForBackoff sleeps for delay or until ctx is done.
func waitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do calls fn until it succeeds, fails permanently or runs out of attempts.
// The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := max(p.Attempts, 1)
	var err error
	for attempt := range attempts {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt == attempts-1 || !IsRetryable(err) {
			break
		}
		if werr := waitForBackoff(ctx, ComputeBackoff(p, attempt)); werr != nil {
			return err
		}
	}
	return err
}
