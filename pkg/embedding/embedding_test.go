package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/constructiq/permit-search/pkg/fn"
	"github.com/constructiq/permit-search/pkg/resilience"
)

var fastRetry = fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond}

func quietLogger() *slog.Logger { return slog.New(slog.NewJSONHandler(io.Discard, nil)) }

func vector(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = float32(i) / float32(n)
	}
	return v
}

// mockProvider returns canned vectors and counts calls.
type mockProvider struct {
	calls atomic.Int32
	embed func(text string) ([]float32, error)
}

func (m *mockProvider) Model() string { return "mock-embed" }

func (m *mockProvider) Embed(_ context.Context, text string) ([]float32, error) {
	m.calls.Add(1)
	return m.embed(text)
}

func newTestClient(p Provider, dim int) *Client {
	c := New(p, Options{
		Dimension: dim,
		Gate:      resilience.NewGate(60000),
		Retry:     &fastRetry,
		Logger:    quietLogger(),
	})
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestOpenAIEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("authorization = %q", got)
		}
		var req openAIEmbedReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Error(err)
			return
		}
		if req.Model != "text-embedding-3-small" || req.Input != "solar panels" || req.Dimensions != 4 {
			t.Errorf("unexpected request %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float32{0.1, 0.2, 0.3, 0.4}}},
		})
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIOpts{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", Dimensions: 4})
	vec, err := p.Embed(context.Background(), "solar panels")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 4 || vec[3] != 0.4 {
		t.Errorf("unexpected vector %v", vec)
	}
}

func TestOpenAIEmbedErrors(t *testing.T) {
	if _, err := NewOpenAI(OpenAIOpts{}).Embed(context.Background(), "x"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("missing key: expected ErrUnavailable, got %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewOpenAI(OpenAIOpts{APIKey: "k", BaseURL: srv.URL}).Embed(context.Background(), "x")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusTooManyRequests || !se.Temporary() {
		t.Fatalf("expected temporary StatusError, got %v", err)
	}

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[]}`))
	}))
	defer empty.Close()
	if _, err := NewOpenAI(OpenAIOpts{APIKey: "k", BaseURL: empty.URL}).Embed(context.Background(), "x"); !errors.Is(err, ErrEmptyEmbedding) {
		t.Fatalf("expected ErrEmptyEmbedding, got %v", err)
	}
}

func TestOllamaEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ollamaEmbedReq
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "nomic-embed-text" || req.Prompt != "roof repair" {
			t.Errorf("unexpected request %+v", req)
		}
		w.Write([]byte(`{"embedding":[0.5,0.25]}`))
	}))
	defer srv.Close()

	p := NewOllama(srv.URL, "")
	vec, err := p.Embed(context.Background(), "roof repair")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.5 || vec[1] != 0.25 {
		t.Errorf("unexpected vector %v", vec)
	}
	if p.Model() != "nomic-embed-text" {
		t.Errorf("model = %q", p.Model())
	}
}

func TestClientEmbed(t *testing.T) {
	p := &mockProvider{embed: func(string) ([]float32, error) { return vector(8), nil }}
	c := newTestClient(p, 8)

	vec, err := c.Embed(context.Background(), "new pool")
	if err != nil || len(vec) != 8 {
		t.Fatalf("unexpected result %v %v", vec, err)
	}
	if _, err := c.Embed(context.Background(), "   "); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
	if p.calls.Load() != 1 {
		t.Errorf("blank text must not reach the provider, calls=%d", p.calls.Load())
	}
}

func TestClientEmbedDimensionMismatch(t *testing.T) {
	p := &mockProvider{embed: func(string) ([]float32, error) { return vector(3), nil }}
	_, err := newTestClient(p, 8).Embed(context.Background(), "x")
	if !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
	if p.calls.Load() != 1 {
		t.Errorf("dimension mismatch must not be retried, calls=%d", p.calls.Load())
	}
}

func TestClientEmbedRetries(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCalls int32
	}{
		{"transient status", &StatusError{Provider: "openai", Code: 503}, 3},
		{"network", errors.New("connection reset"), 3},
		{"bad request", &StatusError{Provider: "openai", Code: 400}, 1},
		{"unavailable", ErrUnavailable, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &mockProvider{embed: func(string) ([]float32, error) { return nil, tt.err }}
			_, err := newTestClient(p, 8).Embed(context.Background(), "x")
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected %v, got %v", tt.err, err)
			}
			if got := p.calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestClientEmbedRecovers(t *testing.T) {
	var n atomic.Int32
	p := &mockProvider{embed: func(string) ([]float32, error) {
		if n.Add(1) < 3 {
			return nil, &StatusError{Provider: "openai", Code: 429}
		}
		return vector(8), nil
	}}
	if _, err := newTestClient(p, 8).Embed(context.Background(), "x"); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
}

func TestEmbedBatch(t *testing.T) {
	p := &mockProvider{embed: func(text string) ([]float32, error) {
		if text == "bad" {
			return nil, &StatusError{Provider: "openai", Code: 400}
		}
		return vector(4), nil
	}}
	c := newTestClient(p, 4)
	var pauses int
	c.sleep = func(context.Context, time.Duration) error { pauses++; return nil }

	texts := []string{"a", "bad", "c", "d", "e"}
	results := c.EmbedBatch(context.Background(), texts, 2)
	if len(results) != len(texts) {
		t.Fatalf("expected %d results, got %d", len(texts), len(results))
	}
	for i, r := range results {
		if wantOk := texts[i] != "bad"; r.IsOk() != wantOk {
			t.Errorf("result %d ok=%v, want %v", i, r.IsOk(), wantOk)
		}
	}
	if pauses != 2 {
		t.Errorf("expected a pause between each of 3 sub-batches, got %d", pauses)
	}
}

func TestEmbedBatchCancelled(t *testing.T) {
	p := &mockProvider{embed: func(string) ([]float32, error) { return vector(4), nil }}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := newTestClient(p, 4).EmbedBatch(ctx, []string{"a", "b"}, 0)
	for i, r := range results {
		if _, err := r.Unwrap(); !errors.Is(err, context.Canceled) {
			t.Errorf("result %d: expected context.Canceled, got %v", i, err)
		}
	}
	if p.calls.Load() != 0 {
		t.Errorf("cancelled batch should not call the provider")
	}
}

func TestClientBreakerOpens(t *testing.T) {
	p := &mockProvider{embed: func(string) ([]float32, error) { return nil, errors.New("down") }}
	c := New(p, Options{
		Dimension: 4,
		Gate:      resilience.NewGate(60000),
		Breaker:   resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 2, Timeout: time.Hour}),
		Retry:     &fn.RetryOpts{MaxAttempts: 1},
		Logger:    quietLogger(),
	})
	_, _ = c.Embed(context.Background(), "x")
	_, _ = c.Embed(context.Background(), "x")
	if _, err := c.Embed(context.Background(), "x"); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if p.calls.Load() != 2 {
		t.Errorf("open breaker must short-circuit, calls=%d", p.calls.Load())
	}
}

func TestClientCache(t *testing.T) {
	p := &mockProvider{embed: func(string) ([]float32, error) { return []float32{1, 2}, nil }}
	cache := NewCache(10, time.Minute)
	c := New(p, Options{
		Dimension: 2,
		Gate:      resilience.NewGate(1), // one call per minute
		Retry:     &fastRetry,
		Cache:     cache,
		Logger:    quietLogger(),
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	a, err := c.Embed(ctx, "hvac")
	if err != nil {
		t.Fatal(err)
	}
	a[0] = 99
	// A second provider call would block on the gate past the deadline.
	b, err := c.Embed(ctx, "hvac")
	if err != nil {
		t.Fatalf("cache hit should skip the gate: %v", err)
	}
	if b[0] != 1 {
		t.Error("cached vector must not alias the caller's slice")
	}
	if p.calls.Load() != 1 || cache.Len() != 1 {
		t.Errorf("calls=%d cached=%d", p.calls.Load(), cache.Len())
	}
}

func TestClientCacheSkipsBreaker(t *testing.T) {
	var down atomic.Bool
	p := &mockProvider{embed: func(string) ([]float32, error) {
		if down.Load() {
			return nil, errors.New("down")
		}
		return []float32{1, 2}, nil
	}}
	breaker := resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 1, Timeout: time.Hour})
	c := New(p, Options{
		Dimension: 2,
		Gate:      resilience.NewGate(60000),
		Breaker:   breaker,
		Retry:     &fn.RetryOpts{MaxAttempts: 1},
		Cache:     NewCache(10, time.Minute),
		Logger:    quietLogger(),
	})
	ctx := context.Background()
	if _, err := c.Embed(ctx, "roof"); err != nil {
		t.Fatal(err)
	}
	down.Store(true)
	if _, err := c.Embed(ctx, "pool"); err == nil {
		t.Fatal("expected provider error")
	}
	if breaker.State() != resilience.StateOpen {
		t.Fatalf("breaker = %v, want open", breaker.State())
	}
	if _, err := c.Embed(ctx, "roof"); err != nil {
		t.Fatalf("cached query must be served with the breaker open: %v", err)
	}
}

func TestClientCacheBypass(t *testing.T) {
	p := &mockProvider{embed: func(string) ([]float32, error) { return []float32{1, 2}, nil }}
	cache := NewCache(10, time.Minute)
	c := newTestClient(p, 2)
	c.cache = cache
	ctx := context.Background()

	if err := c.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Ping(ctx); err != nil {
		t.Fatal(err)
	}
	c.EmbedBatch(ctx, []string{"a", "b"}, 10)
	if p.calls.Load() != 4 {
		t.Errorf("ping and batches must reach the provider, calls=%d", p.calls.Load())
	}
	if cache.Len() != 0 {
		t.Errorf("ping and batches must not fill the cache, cached=%d", cache.Len())
	}

	if _, err := c.Embed(ctx, "roof"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Embed(ctx, "roof"); err != nil || p.calls.Load() != 5 {
		t.Errorf("second query should be a hit, calls=%d err=%v", p.calls.Load(), err)
	}
}

func TestClientCacheSkipsErrors(t *testing.T) {
	p := &mockProvider{embed: func(string) ([]float32, error) { return nil, &StatusError{Provider: "openai", Code: 400} }}
	cache := NewCache(10, time.Minute)
	c := newTestClient(p, 2)
	c.cache = cache
	if _, err := c.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
	if cache.Len() != 0 {
		t.Error("errors must not be cached")
	}
}

func TestNewCacheDisabled(t *testing.T) {
	if NewCache(0, time.Minute) != nil || NewCache(10, 0) != nil {
		t.Fatal("non-positive size or ttl should disable caching")
	}
	var c *Cache
	if c.Len() != 0 {
		t.Fatal("nil cache should be empty")
	}
}

func TestClientEmbedConcurrentSpacing(t *testing.T) {
	const n = 5
	p := &mockProvider{embed: func(string) ([]float32, error) { return []float32{1, 2}, nil }}
	c := newTestClient(p, 2)
	c.gate = resilience.NewGate(1200) // 50ms apart

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Embed(context.Background(), fmt.Sprintf("permit %d", i)); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if p.calls.Load() != n {
		t.Fatalf("calls = %d, want %d", p.calls.Load(), n)
	}
	if elapsed, want := time.Since(start), (n-1)*c.gate.Interval(); elapsed < want-5*time.Millisecond {
		t.Fatalf("concurrent calls not spaced: %v < %v", elapsed, want)
	}
}
