package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type sleepRecorder struct {
	delays []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return nil
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	return New(cfg, WithSleep(rec.sleep), WithRand(func() float64 { return 1 })), rec
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	e, rec := newTestEngine(t, DefaultConfig())

	calls := 0
	got, err := Do(context.Background(), e, "op", func(context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	e, rec := newTestEngine(t, DefaultConfig())

	calls := 0
	got, err := Do(context.Background(), e, "op", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, NewNamedError("ThrottlingException", "slow down")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rec.delays)
}

func TestDoAttemptBound(t *testing.T) {
	for _, maxAttempts := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("max=%d", maxAttempts), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.MaxAttempts = maxAttempts
			e, rec := newTestEngine(t, cfg)

			calls := 0
			err := e.Run(context.Background(), "op", func(context.Context) error {
				calls++
				return errors.New("service unavailable")
			})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "service unavailable")
			assert.Equal(t, maxAttempts, calls)
			// no sleep after the final attempt
			assert.Len(t, rec.delays, maxAttempts-1)
		})
	}
}

func TestDoNonRetryableAbortsImmediately(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 10
	e, rec := newTestEngine(t, cfg)

	sentinel := errors.New("access denied")
	calls := 0
	err := e.Run(context.Background(), "op", func(context.Context) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.delays)
}

func TestDoContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := New(DefaultConfig(), WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	calls := 0
	err := e.Run(ctx, "op", func(context.Context) error {
		calls++
		return errors.New("rate limit exceeded")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDelay(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second, ExponentialBackoff: true}

	t.Run("full jitter factor", func(t *testing.T) {
		e := New(cfg, WithRand(func() float64 { return 1 }))
		assert.Equal(t, time.Second, e.Delay(1))
		assert.Equal(t, 2*time.Second, e.Delay(2))
		assert.Equal(t, 4*time.Second, e.Delay(3))
		assert.Equal(t, 5*time.Second, e.Delay(4), "capped at max delay")
	})

	t.Run("minimum jitter factor", func(t *testing.T) {
		e := New(cfg, WithRand(func() float64 { return 0 }))
		assert.Equal(t, 500*time.Millisecond, e.Delay(1))
		assert.Equal(t, 2*time.Second, e.Delay(3))
	})

	t.Run("backoff disabled", func(t *testing.T) {
		c := cfg
		c.ExponentialBackoff = false
		e := New(c)
		assert.Equal(t, time.Second, e.Delay(1))
		assert.Equal(t, time.Second, e.Delay(4))
	})
}

func TestIsRetryable(t *testing.T) {
	e := New(DefaultConfig())

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"named throttling", NewNamedError("ThrottlingException", "x"), true},
		{"named validation", NewNamedError("ValidationException", "no such index"), true},
		{"named unknown", NewNamedError("AccessDeniedException", "nope"), false},
		{"keyword throttled", errors.New("Request was Throttled"), true},
		{"keyword timeout", errors.New("dial tcp: i/o timeout"), true},
		{"keyword connection reset", errors.New("read: connection reset by peer"), true},
		{"plain", errors.New("bad request"), false},
		{"wrapped named", fmt.Errorf("create: %w", NewNamedError("ServiceUnavailable", "x")), true},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), true},
		{"grpc not found", status.Error(codes.NotFound, "missing"), false},
		{"openai 429", &openai.APIError{HTTPStatusCode: 429, Message: "slow"}, true},
		{"openai 401", &openai.APIError{HTTPStatusCode: 401, Message: "auth"}, false},
		{"googleapi 503", &googleapi.Error{Code: 503}, true},
		{"context canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.IsRetryable(tt.err))
		})
	}
}

func TestCustomClassifier(t *testing.T) {
	e, rec := newTestEngine(t, Config{MaxAttempts: 3, BaseDelay: 5 * time.Second})
	e.classify = func(err error) bool { return errors.Is(err, errTransient) }

	calls := 0
	err := e.Run(context.Background(), "op", func(context.Context) error {
		calls++
		return errTransient
	})
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, rec.delays)
}

var errTransient = errors.New("transient")
