package objstore

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/ltdc/ltdc/internal/errs"
	"github.com/ltdc/ltdc/internal/observability"
)

// RetryPolicy bounds the exponential backoff applied to retryable I/O
// failures against a Store.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is used by Retrying when the caller doesn't supply
// one: five attempts, 100ms base delay, factor 2, capped at 10s, with
// full jitter on every attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		Factor:      2,
		MaxDelay:    10 * time.Second,
	}
}

// Retrying wraps a Store so every operation is retried under policy.
// errs.RangeUnsatisfiable is never retried -- it indicates the request
// itself is malformed, not a transient backend failure.
type Retrying struct {
	inner   Store
	policy  RetryPolicy
	rand    *rand.Rand
	metrics *observability.Metrics
	logger  *observability.Logger
}

func NewRetrying(inner Store, policy RetryPolicy) *Retrying {
	return &Retrying{inner: inner, policy: policy, rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// WithMetrics attaches m so every retried operation records request and
// retry counters under op, the Store method name. Returns r for chaining.
func (r *Retrying) WithMetrics(m *observability.Metrics) *Retrying {
	r.metrics = m
	return r
}

// WithLogger attaches l so every retried attempt (not just the final
// outcome) is logged with the key and error that triggered it. Returns r
// for chaining.
func (r *Retrying) WithLogger(l *observability.Logger) *Retrying {
	r.logger = l
	return r
}

func (r *Retrying) delay(attempt int) time.Duration {
	d := float64(r.policy.BaseDelay) * pow(r.policy.Factor, attempt)
	if d > float64(r.policy.MaxDelay) {
		d = float64(r.policy.MaxDelay)
	}
	return time.Duration(r.rand.Float64() * d)
}

func pow(base float64, exp int) float64 {
	out := 1.0
	for i := 0; i < exp; i++ {
		out *= base
	}
	return out
}

func (r *Retrying) run(ctx context.Context, opName, key string, op func() error) error {
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			if r.metrics != nil {
				r.metrics.RecordObjectStoreRequest(opName, true, time.Since(start).Seconds())
			}
			return nil
		}
		if errors.Is(lastErr, errs.RangeUnsatisfiable) {
			if r.metrics != nil {
				r.metrics.RecordObjectStoreRequest(opName, false, time.Since(start).Seconds())
			}
			return lastErr
		}
		if attempt == r.policy.MaxAttempts-1 {
			break
		}
		if r.metrics != nil {
			r.metrics.RecordObjectStoreRetry(opName)
		}
		if r.logger != nil {
			r.logger.ObjectStoreRetry(opName, key, attempt, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.delay(attempt)):
		}
	}
	if r.metrics != nil {
		r.metrics.RecordObjectStoreRequest(opName, false, time.Since(start).Seconds())
	}
	return errs.IO("", r.policy.MaxAttempts, lastErr)
}

func (r *Retrying) Head(ctx context.Context, key string) (Attrs, error) {
	var out Attrs
	err := r.run(ctx, "head", key, func() error {
		a, err := r.inner.Head(ctx, key)
		out = a
		return err
	})
	return out, err
}

func (r *Retrying) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := r.run(ctx, "get", key, func() error {
		b, err := r.inner.Get(ctx, key)
		out = b
		return err
	})
	return out, err
}

func (r *Retrying) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	var out []byte
	err := r.run(ctx, "get_range", key, func() error {
		b, err := r.inner.GetRange(ctx, key, offset, length)
		out = b
		return err
	})
	return out, err
}

func (r *Retrying) Put(ctx context.Context, key string, body []byte) error {
	return r.run(ctx, "put", key, func() error {
		return r.inner.Put(ctx, key, body)
	})
}

func (r *Retrying) Delete(ctx context.Context, key string) error {
	return r.run(ctx, "delete", key, func() error {
		return r.inner.Delete(ctx, key)
	})
}

func (r *Retrying) List(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	err := r.run(ctx, "list", prefix, func() error {
		keys, err := r.inner.List(ctx, prefix)
		out = keys
		return err
	})
	return out, err
}
