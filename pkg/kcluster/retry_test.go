package kcluster

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_SucceedsOnFirstAttempt(t *testing.T) {
	calls := 0
	v, err := Run(context.Background(), DefaultRetryConfig(), func(bail func(error), attempt int, elapsed time.Duration) (int, error) {
		calls++
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)
}

func TestRun_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	cfg := RetryConfig{InitialRetryTime: time.Millisecond, MaxRetryTime: 10 * time.Millisecond, Factor: 1, Multiplier: 1, Retries: 5}

	v, err := Run(context.Background(), cfg, func(bail func(error), attempt int, elapsed time.Duration) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestRun_BailStopsImmediately(t *testing.T) {
	calls := 0
	cfg := RetryConfig{InitialRetryTime: time.Millisecond, MaxRetryTime: 10 * time.Millisecond, Factor: 1, Multiplier: 1, Retries: 5}

	sentinel := errors.New("non-retriable")
	_, err := Run(context.Background(), cfg, func(bail func(error), attempt int, elapsed time.Duration) (int, error) {
		calls++
		bail(sentinel)
		return 0, sentinel
	})

	require.Error(t, err)
	assert.Equal(t, sentinel, err)
	assert.Equal(t, 1, calls)
}

func TestRun_ExhaustsRetryBudget(t *testing.T) {
	calls := 0
	cfg := RetryConfig{InitialRetryTime: time.Millisecond, MaxRetryTime: 5 * time.Millisecond, Factor: 1, Multiplier: 1, Retries: 2}

	_, err := Run(context.Background(), cfg, func(bail func(error), attempt int, elapsed time.Duration) (int, error) {
		calls++
		return 0, errors.New("always fails")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial attempt + 2 retries
}

func TestRun_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := RetryConfig{InitialRetryTime: time.Second, MaxRetryTime: time.Second, Factor: 1, Multiplier: 1, Retries: 5}

	_, err := Run(ctx, cfg, func(bail func(error), attempt int, elapsed time.Duration) (int, error) {
		return 0, errors.New("always fails")
	})

	require.Error(t, err)
}

func TestJitterBackOff_CapsAtMaxRetryTime(t *testing.T) {
	cfg := RetryConfig{InitialRetryTime: time.Second, MaxRetryTime: 2 * time.Second, Factor: 1, Multiplier: 10, Retries: 10}
	bo := newJitterBackOff(cfg)

	for i := 0; i < 5; i++ {
		d := bo.NextBackOff()
		assert.LessOrEqual(t, d, cfg.MaxRetryTime)
	}
}
