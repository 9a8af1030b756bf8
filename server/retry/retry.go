// Package retry runs a single unit of work with bounded attempts, backoff
// between attempts and cooperative cancellation.
package retry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/reclaimhq/reclaim/server/reclaim"
)

// WorkFunc is one unit of work. It must honor ctx cancellation and return an
// opaque result payload on success.
type WorkFunc func(ctx context.Context) (json.RawMessage, error)

// Result is the structured outcome of ExecuteWithRetry. The executor never
// propagates expected failure modes as panics or wrapped returns; callers
// branch on this instead.
type Result struct {
	Success   bool
	Cancelled bool
	Result    json.RawMessage
	Err       error
	Attempts  int
	TotalTime time.Duration
}

type options struct {
	notify func(err error, next time.Duration)
}

// Option configures a single ExecuteWithRetry invocation.
type Option func(*options)

// WithNotify registers a hook invoked after each failed attempt that will be
// retried, with the attempt error and the delay before the next attempt.
func WithNotify(fn func(err error, next time.Duration)) Option {
	return func(o *options) { o.notify = fn }
}

// Executor retries units of work. Safe for concurrent use; all invocation
// state is per-call.
type Executor struct {
	logger kitlog.Logger
}

func NewExecutor(logger kitlog.Logger) *Executor {
	return &Executor{logger: logger}
}

// ExecuteWithRetry invokes fn until it succeeds, fails terminally, exhausts
// cfg.MaxAttempts or ctx is cancelled. Cancellation aborts an in-progress
// backoff wait and is reported as a distinct outcome, not a failure.
func (e *Executor) ExecuteWithRetry(ctx context.Context, id string, fn WorkFunc, cfg reclaim.RetryConfig, opts ...Option) Result {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	log := kitlog.With(e.logger, "job_id", id)
	start := time.Now()
	bo := newBackOff(cfg)

	var res Result
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return e.cancelled(res, start)
		}

		res.Attempts = attempt
		out, err := fn(ctx)
		if err == nil {
			res.Success = true
			res.Result = out
			res.TotalTime = time.Since(start)
			return res
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			res.Err = err
			return e.cancelled(res, start)
		}

		// a work fn can force a terminal failure with backoff.Permanent
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			res.Err = perm.Unwrap()
			res.TotalTime = time.Since(start)
			return res
		}

		res.Err = err
		if !Retryable(err) {
			level.Debug(log).Log("msg", "non-retryable error, giving up", "attempt", attempt, "err", err)
			res.TotalTime = time.Since(start)
			return res
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop || delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		level.Debug(log).Log("msg", "will retry after backoff", "attempt", attempt, "delay", delay, "err", err)
		if o.notify != nil {
			o.notify(err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return e.cancelled(res, start)
		case <-timer.C:
		}
	}

	res.TotalTime = time.Since(start)
	return res
}

func (e *Executor) cancelled(res Result, start time.Time) Result {
	res.Success = false
	res.Cancelled = true
	res.TotalTime = time.Since(start)
	return res
}

func newBackOff(cfg reclaim.RetryConfig) backoff.BackOff {
	if cfg.Strategy == reclaim.BackoffFixed {
		return backoff.NewConstantBackOff(cfg.BaseDelay)
	}

	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = cfg.BaseDelay
	ebo.Multiplier = cfg.Multiplier
	ebo.MaxInterval = cfg.MaxDelay
	ebo.MaxElapsedTime = 0
	ebo.RandomizationFactor = 0
	if cfg.Jitter {
		ebo.RandomizationFactor = 0.5
	}
	ebo.Reset()
	return ebo
}
