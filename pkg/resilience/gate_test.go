package resilience

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestNewGateInterval(t *testing.T) {
	tests := []struct {
		perMinute int
		want      time.Duration
	}{
		{60, time.Second},
		{600, 100 * time.Millisecond},
		{0, time.Minute / DefaultRequestsPerMinute},
		{-5, time.Minute / DefaultRequestsPerMinute},
	}
	for _, tt := range tests {
		if got := NewGate(tt.perMinute).Interval(); got != tt.want {
			t.Errorf("NewGate(%d).Interval() = %v, want %v", tt.perMinute, got, tt.want)
		}
	}
}

func TestGateSpacesRequests(t *testing.T) {
	g := NewGate(1200) // 50ms apart
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := g.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
	// The first request is immediate; the next two wait one interval each.
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("requests not spaced: %v", elapsed)
	}
}

func TestGateWaitRespectsContext(t *testing.T) {
	g := NewGate(1) // one per minute
	ctx := context.Background()
	if err := g.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := g.Wait(ctx); err == nil {
		t.Fatal("expected error when the deadline is shorter than the interval")
	}
}

func TestGateConcurrentWaiters(t *testing.T) {
	const n = 6
	g := NewGate(1200) // 50ms apart

	var (
		mu       sync.Mutex
		admitted []time.Time
		wg       sync.WaitGroup
	)
	start := time.Now()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Wait(context.Background()); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			admitted = append(admitted, time.Now())
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(admitted) != n {
		t.Fatalf("admitted %d of %d", len(admitted), n)
	}
	want := (n - 1) * g.Interval()
	if elapsed := time.Since(start); elapsed < want-5*time.Millisecond {
		t.Fatalf("%d concurrent waiters finished in %v, want at least %v", n, elapsed, want)
	}
}
