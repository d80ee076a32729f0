package kcluster

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig configures the backoff used by Run. Backoff for attempt n
// (0-indexed) is
//
//	min(MaxRetryTime, InitialRetryTime * Multiplier^n * Factor * rand(0.5, 1.0))
type RetryConfig struct {
	InitialRetryTime time.Duration
	MaxRetryTime     time.Duration
	Factor           float64
	Multiplier       float64
	Retries          int
}

// DefaultRetryConfig mirrors the defaults a Kafka client commonly ships:
// short initial backoff, a generous ceiling, and a handful of retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialRetryTime: 300 * time.Millisecond,
		MaxRetryTime:     30 * time.Second,
		Factor:           0.2,
		Multiplier:       2,
		Retries:          5,
	}
}

// jitterBackOff implements backoff.BackOff with the exact formula
// RetryConfig documents; it exists so Run can reuse cenkalti/backoff's
// retry loop, context plumbing, and permanent-error handling instead of
// reimplementing them.
type jitterBackOff struct {
	cfg     RetryConfig
	attempt int
}

func newJitterBackOff(cfg RetryConfig) *jitterBackOff {
	return &jitterBackOff{cfg: cfg}
}

func (j *jitterBackOff) Reset() { j.attempt = 0 }

func (j *jitterBackOff) NextBackOff() time.Duration {
	n := j.attempt
	j.attempt++

	factor := j.cfg.Factor
	if factor == 0 {
		factor = 1
	}
	mult := j.cfg.Multiplier
	if mult == 0 {
		mult = 2
	}

	base := float64(j.cfg.InitialRetryTime) * math.Pow(mult, float64(n)) * factor
	jittered := base * (0.5 + rand.Float64()*0.5)
	d := time.Duration(jittered)
	if j.cfg.MaxRetryTime > 0 && d > j.cfg.MaxRetryTime {
		d = j.cfg.MaxRetryTime
	}
	return d
}

// Run executes fn repeatedly until it returns a value with a nil error,
// fn calls bail with a non-retriable error, Retries retries have been
// made, or ctx is done. Retries <= 0 sets no retry limit. MaxRetryTime
// caps each individual backoff, not the total time spent retrying.
//
// fn's bail channel and its returned error are independent: calling bail
// makes Run surface that error immediately regardless of what fn
// returns, while a plain returned error (without bail) is treated as
// retriable and scheduled for another attempt after backoff.
func Run[T any](ctx context.Context, cfg RetryConfig, fn func(bail func(error), attempt int, elapsed time.Duration) (T, error)) (T, error) {
	start := time.Now()
	attempt := 0

	var result T
	var bailed bool
	var bailedErr error

	bo := backoff.BackOff(newJitterBackOff(cfg))
	if cfg.Retries > 0 {
		bo = backoff.WithMaxRetries(bo, uint64(cfg.Retries))
	}
	bo = backoff.WithContext(bo, ctx)

	operation := func() error {
		bail := func(e error) {
			bailed = true
			bailedErr = e
		}

		v, err := fn(bail, attempt, time.Since(start))
		attempt++

		if bailed {
			return backoff.Permanent(bailedErr)
		}
		if err == nil {
			result = v
			return nil
		}
		return err
	}

	err := backoff.Retry(operation, bo)
	if bailed {
		return result, bailedErr
	}
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return result, perm.Err
		}
		return result, err
	}
	return result, nil
}
