package rtsp

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReconnectConfig bounds the exponential backoff retry loop.
type ReconnectConfig struct {
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// DefaultReconnectConfig: 5 attempts, 1s initial delay doubling to a 30s
// cap.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// ReconnectState tracks attempts across connection cycles. Reconnects is
// atomic because the stats path reads it while the supervisor writes.
type ReconnectState struct {
	CurrentRetries int
	Reconnects     *uint32
}

// ConnectFunc attempts one connection and blocks until it fails or the
// context ends. A nil return means a deliberate stop.
type ConnectFunc func(ctx context.Context) error

// RunWithReconnect drives connectFn with exponential backoff:
// 1s, 2s, 4s, 8s, 16s with the default config, then gives up.
//
// Returns nil when connectFn returns nil (clean stop), ctx.Err() on
// cancellation, or a wrapped error once retries are exhausted.
func RunWithReconnect(ctx context.Context, connectFn ConnectFunc, cfg ReconnectConfig, state *ReconnectState) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := connectFn(ctx)
		if err == nil {
			state.CurrentRetries = 0
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		state.CurrentRetries++
		atomic.AddUint32(state.Reconnects, 1)

		if state.CurrentRetries > cfg.MaxRetries {
			return fmt.Errorf("rtsp: max retries exceeded (%d attempts): %w", cfg.MaxRetries, err)
		}

		delay := Backoff(state.CurrentRetries, cfg)
		slog.Warn("rtsp: connection lost, retrying",
			"error", err,
			"attempt", state.CurrentRetries,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Backoff returns the delay before the given attempt:
// RetryDelay * 2^(attempt-1), capped at MaxRetryDelay.
func Backoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}

// Reset clears the retry counter after a connection reaches a healthy
// state, so the next failure starts the schedule over.
func (s *ReconnectState) Reset() {
	s.CurrentRetries = 0
}
