package controlplane

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
)

type retryClient struct {
	next     Client
	attempts int
	initial  time.Duration
}

// WithRetry wraps next so temporary failures are retried with exponential
// backoff, up to attempts tries in total. attempts <= 1 returns next as is.
func WithRetry(next Client, attempts int, initial time.Duration) Client {
	if attempts <= 1 {
		return next
	}
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	return &retryClient{next: next, attempts: attempts, initial: initial}
}

func (r *retryClient) Play(ctx context.Context, deviceID, url string) error {
	return r.do(ctx, "play", deviceID, func() error { return r.next.Play(ctx, deviceID, url) })
}

func (r *retryClient) Stop(ctx context.Context, deviceID string) error {
	return r.do(ctx, "stop", deviceID, func() error { return r.next.Stop(ctx, deviceID) })
}

func (r *retryClient) do(ctx context.Context, op, deviceID string, call func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.initial
	eb.MaxInterval = 8 * r.initial
	eb.MaxElapsedTime = 0
	eb.Reset()
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.attempts-1)), ctx)

	var last error
	for {
		last = call()
		if last == nil || !IsTemporary(last) {
			return last
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return last
		}
		slog.Warn("controlplane: retrying", "op", op, "device", deviceID, "in", wait, "err", last)
		select {
		case <-ctx.Done():
			return last
		case <-time.After(wait):
		}
	}
}
