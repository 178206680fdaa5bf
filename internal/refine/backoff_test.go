package refine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff(500*time.Millisecond, 32*time.Second)
	assert.Equal(t, 500*time.Millisecond, b(0))
	assert.Equal(t, 2*time.Second, b(2))
	assert.Equal(t, 4*time.Second, b(3))
	assert.Equal(t, 32*time.Second, b(6))
	assert.Equal(t, 32*time.Second, b(60))

	// monotonic
	prev := time.Duration(0)
	for n := 0; n < 100; n++ {
		d := b(n)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
}

func TestExponentialBackoff_Uncapped(t *testing.T) {
	b := ExponentialBackoff(time.Millisecond, 0)
	assert.Equal(t, 8*time.Millisecond, b(3))
	assert.Positive(t, b(200), "must not overflow to negative")
}

func TestConstantAndNoBackoff(t *testing.T) {
	assert.Equal(t, time.Second, ConstantBackoff(time.Second)(7))
	assert.Zero(t, NoBackoff(7))
	assert.Zero(t, ExponentialBackoff(0, time.Second)(3))
}

func TestSleepCtx(t *testing.T) {
	assert.NoError(t, sleepCtx(context.Background(), 0))
	assert.NoError(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}
