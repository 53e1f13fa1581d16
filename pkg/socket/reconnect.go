package socket

import (
	"context"
	"time"
)

// Backoff is a capped doubling delay. The manager never retries on its own;
// callers that want reconnection opt in with Reconnect or Supervise.
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Min <= 0 {
		return b.Max
	}
	if attempt > 30 {
		attempt = 30
	}
	d := b.Min << attempt
	if d <= 0 || (b.Max > 0 && d > b.Max) {
		return b.Max
	}
	return d
}

// Reconnect retries EnsureConnected with backoff until it succeeds or ctx
// is done.
func Reconnect(ctx context.Context, m *Manager, userID string, b Backoff) error {
	for attempt := 0; ; attempt++ {
		err := m.EnsureConnected(ctx, userID)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := b.Delay(attempt)
		m.logger.Warn("reconnect failed", "attempt", attempt+1, "retry_in", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Supervise reconnects whenever the link drops with an error. An explicit
// Disconnect carries no error and is not retried. It returns when ctx is
// done.
func Supervise(ctx context.Context, m *Manager, userID string, b Backoff) {
	lost := make(chan struct{}, 1)
	unsubscribe := m.bus.Subscribe(func(ev Event) {
		if sc, ok := ev.(StateChanged); ok && sc.State == Disconnected && sc.Err != nil {
			select {
			case lost <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-lost:
			if err := Reconnect(ctx, m, userID, b); err != nil {
				return
			}
			// Failures seen while reconnecting are stale now.
			select {
			case <-lost:
			default:
			}
			if m.State() == Disconnected {
				select {
				case lost <- struct{}{}:
				default:
				}
			}
		}
	}
}
