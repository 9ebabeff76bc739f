package channel

import (
	"context"
	"testing"
	"time"
)

func TestThrottle_Burst(t *testing.T) {
	th := newThrottle(1, 5)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := th.Wait(ctx); err != nil {
			t.Fatalf("burst send %d failed: %v", i, err)
		}
	}
}

func TestThrottle_WaitsAfterBurst(t *testing.T) {
	th := newThrottle(10, 1)
	ctx := context.Background()
	if err := th.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	start := time.Now()
	if err := th.Wait(ctx); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected to wait about 100ms, got %v", elapsed)
	}
}

func TestThrottle_CancelledContext(t *testing.T) {
	th := newThrottle(0.01, 1)
	ctx, cancel := context.WithCancel(context.Background())
	if err := th.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := th.Wait(ctx); err == nil {
		t.Fatal("expected context error")
	}
}

func TestThrottle_Refill(t *testing.T) {
	th := newThrottle(100, 2)
	clock := time.Now()
	th.now = func() time.Time { return clock }
	th.last = clock
	ctx := context.Background()

	th.Wait(ctx)
	th.Wait(ctx)
	clock = clock.Add(30 * time.Millisecond)

	start := time.Now()
	if err := th.Wait(ctx); err != nil {
		t.Fatalf("post-refill wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 20*time.Millisecond {
		t.Fatalf("expected no wait after refill, got %v", elapsed)
	}
}

func TestThrottle_Disabled(t *testing.T) {
	th := newThrottle(0, 10)
	if th != nil {
		t.Fatal("non-positive rate must disable the throttle")
	}
	if err := th.Wait(context.Background()); err != nil {
		t.Fatalf("nil throttle must not block: %v", err)
	}
}
