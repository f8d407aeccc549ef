package slidewise

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// RetryPolicy bounds the retry loop around a worker call. Only retryable
// error classes (timeout, rate_limit, transient) are retried; bad_request,
// auth, and schema errors pass through on the first attempt.
type RetryPolicy struct {
	// MaxAttempts is the total number of calls, first attempt included.
	MaxAttempts int
	// BaseDelay is the backoff before the second attempt. Each subsequent
	// delay doubles: base, 2x, 4x, ...
	BaseDelay time.Duration
	// Jitter is added or subtracted uniformly at random from each delay.
	Jitter time.Duration
	// MaxDelay caps a single backoff delay.
	MaxDelay time.Duration
}

// DefaultRetryPolicy is the documented envelope: 3 attempts, base 1s,
// jitter ±250ms, capped at 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Jitter:      250 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// delay computes the backoff before retry i (0-indexed), using exponential
// growth with jitter, the cap, and the server's Retry-After as a floor.
func (p RetryPolicy) delay(i int, err error) time.Duration {
	d := p.BaseDelay * (1 << i)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(2*p.Jitter))) - p.Jitter
	}
	if d < 0 {
		d = 0
	}
	if ra := retryAfterOf(err); ra > d {
		d = ra
	}
	return d
}

// retryInvoke calls the worker up to policy.MaxAttempts times, sleeping
// between retryable failures. Returns the response, the number of attempts
// actually made, and the last error.
func retryInvoke(ctx context.Context, w Worker, req WorkerRequest, policy RetryPolicy, logger *slog.Logger) (WorkerResponse, int, error) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	var last error
	for i := 0; i < policy.MaxAttempts; i++ {
		resp, err := w.Invoke(ctx, req)
		if err == nil || !retryable(err) {
			return resp, i + 1, err
		}
		last = err
		logger.Warn("retrying worker call",
			"worker", w.Name(),
			"step_id", req.Metadata.StepID,
			"attempt", i+1,
			"max_attempts", policy.MaxAttempts,
			"error", err)
		if i < policy.MaxAttempts-1 {
			timer := time.NewTimer(policy.delay(i, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return WorkerResponse{}, i + 1, &WorkerError{
					Worker: w.Name(), Code: CodeCancelled, Message: ctx.Err().Error(),
				}
			case <-timer.C:
			}
		}
	}
	logger.Error("all retry attempts exhausted",
		"worker", w.Name(),
		"attempts", policy.MaxAttempts,
		"error", last)
	return WorkerResponse{}, policy.MaxAttempts, last
}
