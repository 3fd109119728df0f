package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps = append(c.sleeps, d)
	return ctx.Err()
}

func TestDelayDoublesAndCaps(t *testing.T) {
	p := Exponential(5, 2*time.Second, 10*time.Second)
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(3))
	assert.Equal(t, 10*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(40))
}

func TestFixedDelay(t *testing.T) {
	p := Fixed(3, 2*time.Second)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, 2*time.Second, p.Delay(i))
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	clock := &fakeClock{}
	p := Exponential(3, 2*time.Second, 10*time.Second)
	p.Clock = clock

	calls := 0
	attempts, err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, clock.sleeps)
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	clock := &fakeClock{}
	p := Fixed(3, 2*time.Second)
	p.Clock = clock

	last := errors.New("boom 3")
	attempts, err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		if attempt == 3 {
			return last
		}
		return errors.New("boom")
	})
	require.ErrorIs(t, err, last)
	assert.Equal(t, 3, attempts)
	assert.Len(t, clock.sleeps, 2)
}

func TestDoStopsOnPermanent(t *testing.T) {
	clock := &fakeClock{}
	p := Exponential(5, time.Second, 0)
	p.Clock = clock

	cause := errors.New("unauthorized")
	attempts, err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		return Permanent(cause)
	})
	assert.Equal(t, cause, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, clock.sleeps)
}

func TestDoHonorsRetryableAndHint(t *testing.T) {
	clock := &fakeClock{}
	hinted := errors.New("slow down")
	p := Exponential(3, time.Second, 10*time.Second)
	p.Clock = clock
	p.RetryAfter = func(err error) (time.Duration, bool) {
		if errors.Is(err, hinted) {
			return 30 * time.Second, true
		}
		return 0, false
	}
	p.Retryable = func(err error) bool { return errors.Is(err, hinted) }

	var retries []int
	p.OnRetry = func(attempt int, d time.Duration, err error) { retries = append(retries, attempt) }

	fatal := errors.New("fatal")
	attempts, err := p.Do(context.Background(), func(ctx context.Context, attempt int) error {
		if attempt == 1 {
			return hinted
		}
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []time.Duration{10 * time.Second}, clock.sleeps)
	assert.Equal(t, []int{1}, retries)
}

func TestDoCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	attempts, err := Exponential(3, time.Millisecond, 0).Do(ctx, func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, attempts)
	assert.Equal(t, 0, calls)
}

func TestSystemClockWakesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go cancel()
	err := SystemClock{}.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
