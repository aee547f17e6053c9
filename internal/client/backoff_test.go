package client

import (
	"context"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
)

func TestFullJitterCeiling(t *testing.T) {
	b := &FullJitter{Base: 500 * time.Millisecond, Cap: 10 * time.Second}

	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.ceiling(i), "attempt %d", i)
	}
	assert.Equal(t, 10*time.Second, b.ceiling(200), "large attempts must not overflow")
}

func TestFullJitterDrawsWithinCeiling(t *testing.T) {
	var bounds []int64
	b := &FullJitter{
		Base: 100 * time.Millisecond,
		Cap:  time.Second,
		rand: func(n int64) int64 {
			bounds = append(bounds, n)
			return n - 1
		},
	}

	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 400*time.Millisecond, b.NextBackOff())

	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
	assert.Equal(t, int64(100*time.Millisecond)+1, bounds[0])

	b = &FullJitter{Base: 100 * time.Millisecond, Cap: time.Second}
	for i := 0; i < 100; i++ {
		d := b.NextBackOff()
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestBackoffConfigStopsAfterMaxAttempts(t *testing.T) {
	cfg := BackoffConfig{Base: time.Millisecond, Cap: 4 * time.Millisecond, MaxAttempts: 3}
	b := cfg.newBackOff(context.Background())

	for i := 0; i < 3; i++ {
		assert.NotEqual(t, backoff.Stop, b.NextBackOff(), "attempt %d", i)
	}
	assert.Equal(t, backoff.Stop, b.NextBackOff())
}

func TestBackoffConfigStopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := DefaultBackoffConfig().newBackOff(ctx)

	assert.NotEqual(t, backoff.Stop, b.NextBackOff())
	cancel()
	assert.Equal(t, backoff.Stop, b.NextBackOff())
}

func TestBackoffConfigDefaults(t *testing.T) {
	cfg := BackoffConfig{}.withDefaults()
	assert.Equal(t, DefaultBackoffConfig(), cfg)

	cfg = BackoffConfig{Base: time.Second, Cap: time.Millisecond}.withDefaults()
	assert.Equal(t, time.Second, cfg.Cap, "cap is raised to base")
}
