package awsapi

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/co-cddo/ndx-canary/internal/distribution"
)

const (
	defaultAttempts = 4
	defaultDelay    = 500 * time.Millisecond
	defaultMaxDelay = 10 * time.Second
)

// Retrier retries transient control-plane failures. The zero value uses
// package defaults and logs nothing.
type Retrier struct {
	Attempts uint
	Delay    time.Duration
	MaxDelay time.Duration
	Log      *zap.Logger
}

// Do runs fn, classifying its error as op and retrying it while it is
// transient. The returned error is the last one seen.
func (r Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := r.Attempts
	if attempts == 0 {
		attempts = defaultAttempts
	}
	delay := r.Delay
	if delay == 0 {
		delay = defaultDelay
	}
	maxDelay := r.MaxDelay
	if maxDelay == 0 {
		maxDelay = defaultMaxDelay
	}
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}

	return retry.Do(
		func() error {
			return Classify(op, fn(ctx))
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.MaxDelay(maxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(distribution.IsTransient),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("retrying transient failure", zap.String("op", op), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
}
