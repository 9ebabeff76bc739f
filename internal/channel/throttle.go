package channel

import (
	"context"
	"sync"
	"time"
)

// throttle is a token bucket shared by every executor worker sending through
// one phone number, keeping the sender under the Cloud API throughput limit.
type throttle struct {
	mu     sync.Mutex
	tokens float64
	burst  float64
	rate   float64 // tokens per second
	last   time.Time
	now    func() time.Time
}

// newThrottle allows perSecond sends on average with bursts of up to burst.
// A non-positive perSecond disables throttling.
func newThrottle(perSecond float64, burst int) *throttle {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &throttle{
		tokens: float64(burst),
		burst:  float64(burst),
		rate:   perSecond,
		last:   time.Now(),
		now:    time.Now,
	}
}

// Wait blocks until a send may proceed or ctx is done. A nil throttle never blocks.
func (t *throttle) Wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	for {
		t.mu.Lock()
		now := t.now()
		t.tokens += now.Sub(t.last).Seconds() * t.rate
		if t.tokens > t.burst {
			t.tokens = t.burst
		}
		t.last = now

		if t.tokens >= 1 {
			t.tokens--
			t.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - t.tokens) / t.rate * float64(time.Second))
		t.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
