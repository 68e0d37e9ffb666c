// Package retry runs operations against external services with bounded
// attempts and exponential backoff with jitter.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Config controls attempt count and delay computation.
type Config struct {
	MaxAttempts         int
	BaseDelay           time.Duration
	MaxDelay            time.Duration
	ExponentialBackoff  bool
	RetryableErrorNames []string
}

// DefaultConfig returns 3 attempts, 1s base delay, 30s cap, backoff on.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        3,
		BaseDelay:          time.Second,
		MaxDelay:           30 * time.Second,
		ExponentialBackoff: true,
		RetryableErrorNames: []string{
			"ThrottlingException",
			"InternalServerError",
			"ServiceUnavailable",
			"TooManyRequestsException",
			"ValidationException",
		},
	}
}

// Engine executes operations with retries. It holds no per-call state and
// is safe for concurrent use.
type Engine struct {
	cfg      Config
	names    map[string]bool
	sleep    func(context.Context, time.Duration) error
	rand     func() float64
	classify func(error) bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithSleep replaces the function used to wait between attempts.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithRand replaces the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option {
	return func(e *Engine) { e.rand = fn }
}

// WithClassifier replaces the default retryable check.
func WithClassifier(fn func(error) bool) Option {
	return func(e *Engine) { e.classify = fn }
}

// New creates an Engine.
func New(cfg Config, opts ...Option) *Engine {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	e := &Engine{
		cfg:   cfg,
		names: make(map[string]bool, len(cfg.RetryableErrorNames)),
		sleep: sleepContext,
		rand:  rand.Float64,
	}
	for _, n := range cfg.RetryableErrorNames {
		e.names[n] = true
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Delay returns the wait before the attempt following attempt (1-based).
func (e *Engine) Delay(attempt int) time.Duration {
	if !e.cfg.ExponentialBackoff {
		return e.cfg.BaseDelay
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	d *= 0.5 + e.rand()*0.5
	if e.cfg.MaxDelay > 0 && d > float64(e.cfg.MaxDelay) {
		return e.cfg.MaxDelay
	}
	return time.Duration(d)
}

// Run is Do for operations without a result.
func (e *Engine) Run(ctx context.Context, name string, op func(context.Context) error, fields ...any) error {
	_, err := Do(ctx, e, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, fields...)
	return err
}

// Do calls op until it succeeds, fails with a non-retryable error, or
// MaxAttempts is reached. It never sleeps after the final attempt.
func Do[T any](ctx context.Context, e *Engine, name string, op func(context.Context) (T, error), fields ...any) (T, error) {
	var zero T
	var lastErr error
	attempts := e.cfg.MaxAttempts

	for attempt := 1; attempt <= attempts; attempt++ {
		attrs := append([]any{"op", name, "attempt", attempt, "max_attempts", attempts}, fields...)
		slog.Debug("executing operation", attrs...)

		res, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				slog.Info("operation succeeded after retry", attrs...)
			}
			return res, nil
		}
		lastErr = err

		if !e.IsRetryable(err) {
			slog.Error("operation failed with non-retryable error", append(attrs, "error", err)...)
			return zero, err
		}
		if attempt == attempts {
			break
		}

		delay := e.Delay(attempt)
		slog.Warn("operation failed, retrying", append(attrs, "delay", delay, "error", err)...)
		if serr := e.sleep(ctx, delay); serr != nil {
			return zero, errors.Join(serr, lastErr)
		}
	}

	slog.Error("operation failed after all attempts", append([]any{"op", name, "attempts", attempts, "error", lastErr}, fields...)...)
	return zero, fmt.Errorf("%s failed after %d attempts: %w", name, attempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
