package slidewise

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorCode classifies worker and run failures. Worker codes travel on the
// wire; run codes surface through the API.
type ErrorCode string

const (
	// Worker wire codes.
	CodeBadRequest ErrorCode = "bad_request"
	CodeRateLimit  ErrorCode = "rate_limit"
	CodeTimeout    ErrorCode = "timeout"
	CodeTransient  ErrorCode = "transient"
	CodeAuth       ErrorCode = "auth"
	CodeSchema     ErrorCode = "schema"
	CodeInternal   ErrorCode = "internal"

	// Run-level codes.
	CodeValidation        ErrorCode = "validation"
	CodeWorkerUnavailable ErrorCode = "worker_unavailable"
	CodeWorkerTransient   ErrorCode = "worker_transient"
	CodeBudgetExceeded    ErrorCode = "budget_exceeded"
	CodeCancelled         ErrorCode = "cancelled"
	CodeQualityGateFailed ErrorCode = "quality_gate_failed"
	CodeConflict          ErrorCode = "conflict"
)

// WorkerError is a typed failure from a worker call or from the reliability
// envelope around it.
type WorkerError struct {
	Worker    string
	Code      ErrorCode
	Message   string
	Retryable bool
}

func (e *WorkerError) Error() string {
	if e.Worker == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("worker %s: %s: %s", e.Worker, e.Code, e.Message)
}

// ErrHTTP is a non-2xx response from a worker or service endpoint.
// RetryAfter carries the parsed Retry-After header when present.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// RunError is a structured run-level failure carrying the last barrier state.
type RunError struct {
	Code    ErrorCode
	StepID  string
	Message string
	Cause   error
}

func (e *RunError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("%s at step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *RunError) Unwrap() error { return e.Cause }

// ErrConflict is returned on optimistic-concurrency failures when committing
// workflow state.
var ErrConflict = errors.New("state version conflict")

// ErrBudgetExceeded is returned when a session's token or time budget would
// be exceeded by the next worker call.
var ErrBudgetExceeded = errors.New("session budget exceeded")

// ErrStateNotFound is returned by state stores for unknown presentations.
var ErrStateNotFound = errors.New("workflow state not found")

// CodeOf extracts the error code for run-level classification. Unknown
// errors map to internal.
func CodeOf(err error) ErrorCode {
	var we *WorkerError
	if errors.As(err, &we) {
		return we.Code
	}
	var re *RunError
	if errors.As(err, &re) {
		return re.Code
	}
	switch {
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrBudgetExceeded):
		return CodeBudgetExceeded
	}
	return CodeInternal
}

// retryable reports whether a worker error belongs to a retryable class
// (timeout, rate_limit, transient). bad_request, auth, and schema errors
// never retry.
func retryable(err error) bool {
	var we *WorkerError
	if errors.As(err, &we) {
		switch we.Code {
		case CodeTimeout, CodeRateLimit, CodeTransient:
			return true
		}
		return we.Retryable
	}
	var eh *ErrHTTP
	if errors.As(err, &eh) {
		return eh.Status == 429 || eh.Status == 503 || eh.Status == 502 || eh.Status == 504
	}
	return false
}

// ParseRetryAfter parses a Retry-After header value: either delta-seconds
// or an HTTP-date. Returns 0 for empty or unparseable values.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// retryAfterOf extracts the Retry-After duration from an ErrHTTP, or 0.
func retryAfterOf(err error) time.Duration {
	var eh *ErrHTTP
	if errors.As(err, &eh) {
		return eh.RetryAfter
	}
	return 0
}
