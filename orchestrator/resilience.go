package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/avessner/conductor/executor"
	"github.com/avessner/conductor/internal/logging"
)

// RetryConfig bounds the retry schedule for executor invocation failures.
// A worker that ran and reported failure is a result, not an invocation
// failure, and is never retried here.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig returns the standard retry schedule.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// breakerRegistry keeps one circuit breaker per worker role, created lazily.
// A role whose workers keep failing to start stops being invoked for a
// cooldown window instead of burning every task's retry budget on it.
type breakerRegistry struct {
	mu       sync.Mutex
	logger   *logging.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerRegistry(logger *logging.Logger) *breakerRegistry {
	return &breakerRegistry{
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// get returns the breaker for a worker role, creating it on first use.
func (r *breakerRegistry) get(role string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, exists := r.breakers[role]; exists {
		return cb
	}

	logger := r.logger
	settings := gobreaker.Settings{
		Name:        role,
		MaxRequests: 3,                // trial invocations while half-open
		Interval:    0,                // never clear counts while closed
		Timeout:     30 * time.Second, // open -> half-open cooldown
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"role", name,
				"from", from.String(),
				"to", to.String())
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Cancellation and deadline expiry say nothing about the
			// health of the role's worker command.
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	}

	cb := gobreaker.NewCircuitBreaker(settings)
	r.breakers[role] = cb
	return cb
}

// executeWithRetry invokes the executor under the role's circuit breaker,
// retrying invocation failures on an exponential schedule. Cancelled or
// timed-out attempts are not retried: run cancellation has to drain
// promptly, and a per-task deadline counts as a worker failure.
func executeWithRetry(ctx context.Context, ex executor.Executor, req executor.Request, cb *gobreaker.CircuitBreaker, cfg RetryConfig) (executor.Result, error) {
	var result executor.Result

	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		// Each attempt gets its own deadline regardless of how the
		// executor is implemented.
		attemptCtx := ctx
		if req.Timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, req.Timeout)
			defer cancel()
		}

		out, err := cb.Execute(func() (any, error) {
			res, err := ex.Execute(attemptCtx, req)
			if err != nil {
				return nil, err
			}
			return res, nil
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(fmt.Errorf("worker role %q suspended: %w", req.WorkerRole, err))
			}
			if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}
			return err
		}

		result = out.(executor.Result)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = cfg.InitialInterval
	policy.MaxInterval = cfg.MaxInterval
	policy.MaxElapsedTime = cfg.MaxElapsedTime
	policy.Multiplier = cfg.Multiplier
	policy.RandomizationFactor = cfg.RandomizationFactor

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return executor.Result{}, err
	}
	return result, nil
}
