package slidewise

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig tunes the per-worker circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit. Default 5.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before allowing a
	// single half-open probe. Default 60s.
	RecoveryTimeout time.Duration
}

// DefaultBreakerConfig returns the documented defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// breakerWorker wraps a Worker with a circuit breaker. While the circuit is
// open, calls fail immediately with worker_unavailable without touching the
// transport. Client-side errors (bad_request, auth, schema, validation) do
// not count as failures; the breaker tracks transport and upstream health.
type breakerWorker struct {
	inner Worker
	cb    *gobreaker.CircuitBreaker[WorkerResponse]
}

var _ Worker = (*breakerWorker)(nil)

// WithBreaker wraps w with a per-worker circuit breaker. Breaker state is
// process-wide for the wrapped worker; wrap once and share the instance.
func WithBreaker(w Worker, cfg BreakerConfig, logger *slog.Logger) Worker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = nopLogger
	}

	settings := gobreaker.Settings{
		Name:        w.Name(),
		MaxRequests: 1, // half-open allows a single probe
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var we *WorkerError
			if errors.As(err, &we) {
				switch we.Code {
				case CodeBadRequest, CodeAuth, CodeSchema, CodeValidation:
					return true
				}
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit state change", "worker", name, "from", from.String(), "to", to.String())
		},
	}

	return &breakerWorker{
		inner: w,
		cb:    gobreaker.NewCircuitBreaker[WorkerResponse](settings),
	}
}

func (b *breakerWorker) Name() string { return b.inner.Name() }

func (b *breakerWorker) Invoke(ctx context.Context, req WorkerRequest) (WorkerResponse, error) {
	resp, err := b.cb.Execute(func() (WorkerResponse, error) {
		return b.inner.Invoke(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return WorkerResponse{}, &WorkerError{
			Worker:  b.inner.Name(),
			Code:    CodeWorkerUnavailable,
			Message: "circuit open",
		}
	}
	return resp, err
}
