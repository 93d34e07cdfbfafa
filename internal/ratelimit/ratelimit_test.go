package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(limit int, window time.Duration) (*Limiter, *clock) {
	clk := &clock{now: time.Now()}
	return New(NewMemoryStore(), limit, window, WithClock(clk.Now)), clk
}

func TestLimiter_AllowsUpToRate(t *testing.T) {
	l, _ := newTestLimiter(5, time.Minute)
	for i := 0; i < 5; i++ {
		d := l.Allow("10.0.0.1")
		require.True(t, d.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 4-i, d.Remaining)
	}
	d := l.Allow("10.0.0.1")
	assert.False(t, d.Allowed, "6th request should be denied")
	assert.Equal(t, time.Minute, d.RetryAfter)

	assert.True(t, l.Allow("10.0.0.2").Allowed, "keys are independent")
}

func TestLimiter_ResetsAfterWindow(t *testing.T) {
	l, clk := newTestLimiter(2, time.Minute)
	l.Allow("k")
	l.Allow("k")
	clk.Advance(20 * time.Second)
	d := l.Allow("k")
	require.False(t, d.Allowed, "3rd should be denied")
	assert.Equal(t, 40*time.Second, d.RetryAfter)

	clk.Advance(40 * time.Second)
	assert.True(t, l.Allow("k").Allowed, "after window reset should be allowed")
}

func TestLimiter_PeekDoesNotCount(t *testing.T) {
	l, _ := newTestLimiter(2, time.Minute)
	for i := 0; i < 10; i++ {
		assert.True(t, l.Peek("k").Allowed)
	}
	l.Allow("k")
	assert.True(t, l.Peek("k").Allowed)
	l.Allow("k")
	assert.False(t, l.Peek("k").Allowed)

	l.Reset("k")
	assert.True(t, l.Peek("k").Allowed)
}

func TestLimiter_Concurrent(t *testing.T) {
	l, _ := newTestLimiter(50, time.Minute)

	var mu sync.Mutex
	allowed := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestMemoryStore_Range(t *testing.T) {
	store := NewMemoryStore()
	now := time.Now()
	for i := 0; i < 3; i++ {
		store.Increment(fmt.Sprintf("k%d", i), now, time.Minute)
	}
	store.Increment("old", now.Add(-2*time.Minute), time.Minute)

	seen := map[string]int{}
	store.Range(now, time.Minute, func(key string, w Window) bool {
		seen[key] = w.Count
		return true
	})
	assert.Equal(t, map[string]int{"k0": 1, "k1": 1, "k2": 1}, seen)
}

func TestMemoryStore_Run(t *testing.T) {
	store := NewMemoryStore()
	store.Increment("k", time.Now(), 10*time.Millisecond)
	require.Equal(t, 1, store.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
