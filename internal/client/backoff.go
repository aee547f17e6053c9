package client

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultBackoffBase = 500 * time.Millisecond
	DefaultBackoffCap  = 10 * time.Second
	DefaultMaxAttempts = 8
)

// BackoffConfig bounds reconnect attempts after a link fails.
type BackoffConfig struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int // retries after the first attempt of an outage
}

// DefaultBackoffConfig returns base 500ms, cap 10s, 8 attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:        DefaultBackoffBase,
		Cap:         DefaultBackoffCap,
		MaxAttempts: DefaultMaxAttempts,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.Base <= 0 {
		c.Base = d.Base
	}
	if c.Cap <= 0 {
		c.Cap = d.Cap
	}
	if c.Cap < c.Base {
		c.Cap = c.Base
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}

// newBackOff builds the policy for one outage. It stops after MaxAttempts
// retries or once ctx is done.
func (c BackoffConfig) newBackOff(ctx context.Context) backoff.BackOff {
	c = c.withDefaults()
	b := &FullJitter{Base: c.Base, Cap: c.Cap}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.MaxAttempts)), ctx)
}

// FullJitter is exponential backoff with full jitter: the n-th delay is drawn
// uniformly from [0, min(Cap, Base*2^n)].
type FullJitter struct {
	Base time.Duration
	Cap  time.Duration

	attempt int
	rand    func(n int64) int64 // returns a value in [0, n)
}

var _ backoff.BackOff = (*FullJitter)(nil)

// NextBackOff returns the next delay. It never returns backoff.Stop.
func (b *FullJitter) NextBackOff() time.Duration {
	ceiling := b.ceiling(b.attempt)
	b.attempt++

	draw := b.rand
	if draw == nil {
		draw = rand.Int64N
	}
	return time.Duration(draw(int64(ceiling) + 1))
}

// Reset starts the sequence over.
func (b *FullJitter) Reset() { b.attempt = 0 }

func (b *FullJitter) ceiling(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt; i++ {
		if d >= b.Cap/2 {
			return b.Cap
		}
		d *= 2
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}
