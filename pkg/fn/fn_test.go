package fn

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestResult(t *testing.T) {
	v, err := Ok(3).Unwrap()
	if v != 3 || err != nil {
		t.Fatalf("Ok: %v %v", v, err)
	}
	if r := Err[int](errBoom); r.IsOk() {
		t.Fatal("Err should not be ok")
	}
	if r := Err[int](nil); r.IsOk() {
		t.Fatal("Err(nil) must still fail")
	}
	if r := FromPair(strconv.Atoi("12")); !r.IsOk() {
		t.Fatal("FromPair with nil error should be ok")
	}
	if _, err := FromPair(strconv.Atoi("x")).Unwrap(); err == nil {
		t.Fatal("FromPair should keep the error")
	}
}

func TestThen(t *testing.T) {
	parse := Stage[string, int](func(_ context.Context, s string) Result[int] {
		return FromPair(strconv.Atoi(s))
	})
	double := Stage[int, int](func(_ context.Context, n int) Result[int] { return Ok(n * 2) })
	var calls int
	count := Stage[int, int](func(_ context.Context, n int) Result[int] { calls++; return Ok(n) })

	p := Then(parse, Then(double, count))
	if v, err := p(context.Background(), "21").Unwrap(); v != 42 || err != nil {
		t.Fatalf("got %v %v", v, err)
	}
	if _, err := p(context.Background(), "nope").Unwrap(); err == nil {
		t.Fatal("expected parse error")
	}
	if calls != 1 {
		t.Errorf("later stages should be skipped on failure, calls = %d", calls)
	}
}

func TestTracedStagePassesThrough(t *testing.T) {
	s := TracedStage("test.fail", Stage[int, int](func(context.Context, int) Result[int] {
		return Err[int](errBoom)
	}))
	if _, err := s(context.Background(), 1).Unwrap(); !errors.Is(err, errBoom) {
		t.Fatalf("err = %v", err)
	}
	ok := TracedStage("test.ok", Stage[int, int](func(_ context.Context, n int) Result[int] { return Ok(n + 1) }))
	if v, _ := ok(context.Background(), 1).Unwrap(); v != 2 {
		t.Fatalf("v = %d", v)
	}
}

func TestRetry(t *testing.T) {
	fast := RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond}
	tests := []struct {
		name      string
		failures  int
		permanent bool
		wantCalls int
		wantErr   bool
	}{
		{"first try", 0, false, 1, false},
		{"recovers", 2, false, 3, false},
		{"exhausted", 5, false, 3, true},
		{"permanent", 5, true, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls, retries int
			opts := fast
			opts.OnRetry = func(int, error) { retries++ }
			r := Retry(context.Background(), opts, func(context.Context) Result[string] {
				calls++
				if calls <= tt.failures {
					if tt.permanent {
						return Err[string](Permanent(errBoom))
					}
					return Err[string](errBoom)
				}
				return Ok("done")
			})
			_, err := r.Unwrap()
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v", err)
			}
			if err != nil && err != errBoom {
				t.Errorf("error should be unwrapped, got %T", err)
			}
			if retries != calls-1 {
				t.Errorf("OnRetry called %d times for %d calls", retries, calls)
			}
		})
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	r := Retry(ctx, RetryOpts{MaxAttempts: 100, InitialWait: time.Hour}, func(context.Context) Result[int] {
		calls.Add(1)
		return Err[int](errBoom)
	})
	if _, err := r.Unwrap(); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d", calls.Load())
	}
}

func TestBackoffCapped(t *testing.T) {
	o := RetryOpts{MaxWait: time.Second, Jitter: true}
	for i := 0; i < 50; i++ {
		if d := o.backoff(time.Second); d > time.Second || d < 500*time.Millisecond {
			t.Fatalf("backoff = %v", d)
		}
	}
	if d := (RetryOpts{}).backoff(3 * time.Second); d != 3*time.Second {
		t.Errorf("no cap, no jitter: %v", d)
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
	if !errors.Is(Permanent(errBoom), errBoom) {
		t.Fatal("Permanent should unwrap")
	}
}

func TestSliceHelpers(t *testing.T) {
	nums := []int{1, 2, 3, 4, 5}
	if got := Map(nums, strconv.Itoa); fmt.Sprint(got) != "[1 2 3 4 5]" {
		t.Errorf("Map = %v", got)
	}
	if got := Filter(nums, func(n int) bool { return n%2 == 1 }); fmt.Sprint(got) != "[1 3 5]" {
		t.Errorf("Filter = %v", got)
	}
	halves := FilterMap(nums, func(n int) (int, bool) { return n / 2, n%2 == 0 })
	if fmt.Sprint(halves) != "[1 2]" {
		t.Errorf("FilterMap = %v", halves)
	}
}

func TestChunk(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{2, "[[1 2] [3 4] [5]]"},
		{5, "[[1 2 3 4 5]]"},
		{9, "[[1 2 3 4 5]]"},
		{0, "[]"},
	}
	for _, tt := range tests {
		if got := fmt.Sprint(Chunk([]int{1, 2, 3, 4, 5}, tt.n)); got != tt.want {
			t.Errorf("Chunk(n=%d) = %s, want %s", tt.n, got, tt.want)
		}
	}
	if len(Chunk([]int{}, 3)) != 0 {
		t.Error("empty input should give no chunks")
	}
}

func TestFanOutOrder(t *testing.T) {
	got := FanOut(
		func() string { time.Sleep(5 * time.Millisecond); return "a" },
		func() string { return "b" },
		func() string { return "c" },
	)
	if fmt.Sprint(got) != "[a b c]" {
		t.Fatalf("FanOut = %v", got)
	}
	if len(FanOut[int]()) != 0 {
		t.Fatal("no functions should give no results")
	}
}
