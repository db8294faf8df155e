package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

var ErrRetriesExhausted = errors.New("session: reconnect attempts exhausted")

// Delay is the wait before attempt n (1-based). The first attempt waits
// InitialDelay; later ones grow by Multiplier up to MaxDelay. With Jitter the
// result is scaled into [0.5, 1.5) of that value.
func (c BackoffConfig) Delay(n int, rng *rand.Rand) time.Duration {
	if c.InitialDelay <= 0 {
		return 0
	}
	d := float64(c.InitialDelay)
	if n > 1 {
		d *= math.Pow(math.Max(c.Multiplier, 1), float64(n-1))
	}
	if c.MaxDelay > 0 {
		d = math.Min(d, float64(c.MaxDelay))
	}
	if c.Jitter {
		scale := 1.0
		if rng != nil {
			scale = 0.5 + rng.Float64()
		}
		d *= scale
	}
	return time.Duration(d)
}

// Backoff paces reconnect attempts for one client. It is not safe for
// concurrent use.
type Backoff struct {
	cfg     BackoffConfig
	rng     *rand.Rand
	attempt int
}

func NewBackoff(cfg BackoffConfig, rng *rand.Rand) *Backoff {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Backoff{cfg: cfg, rng: rng}
}

// Attempts reports how many waits have happened since the last Reset.
func (b *Backoff) Attempts() int { return b.attempt }

// Reset starts the schedule over, typically after a session reached Running.
func (b *Backoff) Reset() { b.attempt = 0 }

// Wait sleeps before the next attempt. It fails with ErrRetriesExhausted
// once MaxAttempts waits have been spent, or with ctx's error.
func (b *Backoff) Wait(ctx context.Context) error {
	if b.cfg.MaxAttempts > 0 && b.attempt >= b.cfg.MaxAttempts {
		return fmt.Errorf("%w: %d", ErrRetriesExhausted, b.attempt)
	}
	b.attempt++
	delay := b.cfg.Delay(b.attempt, b.rng)
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
