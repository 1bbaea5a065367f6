package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/constructiq/permit-search/pkg/fn"
	"github.com/constructiq/permit-search/pkg/resilience"
)

// Defaults for batch embedding.
const (
	DefaultDimension  = 1536
	DefaultBatchSize  = 100
	DefaultBatchPause = 100 * time.Millisecond
)

var (
	// ErrEmptyText is returned for blank input without calling the provider.
	ErrEmptyText = errors.New("embedding: empty text")
	// ErrDimensionMismatch means the provider returned a vector of the wrong size.
	ErrDimensionMismatch = errors.New("embedding: dimension mismatch")
)

// Options configures a Client. Zero values select defaults.
type Options struct {
	Dimension  int
	Gate       *resilience.Gate
	Breaker    *resilience.Breaker
	Retry      *fn.RetryOpts
	BatchPause time.Duration
	Cache      *Cache
	Logger     *slog.Logger
}

// Client embeds text through a Provider. Every provider call waits on the
// gate, so one Client shared by many goroutines stays under the quota.
type Client struct {
	provider Provider
	gate     *resilience.Gate
	breaker  *resilience.Breaker
	retry    fn.RetryOpts
	dim      int
	pause    time.Duration
	cache    *Cache
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration) error
}

// New creates a Client around p.
func New(p Provider, opts Options) *Client {
	if opts.Dimension <= 0 {
		opts.Dimension = DefaultDimension
	}
	if opts.Gate == nil {
		opts.Gate = resilience.NewGate(resilience.DefaultRequestsPerMinute)
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewBreaker(resilience.BreakerOpts{Name: "embedding"})
	}
	if opts.Retry == nil {
		r := fn.DefaultRetry
		opts.Retry = &r
	}
	if opts.BatchPause <= 0 {
		opts.BatchPause = DefaultBatchPause
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Client{
		provider: p,
		gate:     opts.Gate,
		breaker:  opts.Breaker,
		retry:    *opts.Retry,
		dim:      opts.Dimension,
		pause:    opts.BatchPause,
		cache:    opts.Cache,
		logger:   opts.Logger,
		sleep:    sleepCtx,
	}
}

// Model returns the provider's model name.
func (c *Client) Model() string { return c.provider.Model() }

// Dimension returns the expected vector size.
func (c *Client) Dimension() int { return c.dim }

// Embed returns the vector for text. Vectors are served from the query
// cache when one is configured; misses go to the provider and are stored.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	if vec, ok := c.cache.get(c.provider.Model(), text); ok {
		return vec, nil
	}
	vec, err := c.embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.add(c.provider.Model(), text, vec)
	return vec, nil
}

// Ping makes one live provider call, bypassing the cache.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.embed(ctx, "test")
	return err
}

// embed calls the provider through the gate and breaker, with retries.
func (c *Client) embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	res := fn.Retry(ctx, c.retry, func(ctx context.Context) fn.Result[[]float32] {
		if err := c.gate.Wait(ctx); err != nil {
			return fn.Err[[]float32](fn.Permanent(err))
		}
		res := resilience.CallResult(c.breaker, ctx, func(ctx context.Context) fn.Result[[]float32] {
			return fn.FromPair(c.provider.Embed(ctx, text))
		})
		vec, err := res.Unwrap()
		if err != nil {
			if !retryable(err) {
				err = fn.Permanent(err)
			}
			return fn.Err[[]float32](err)
		}
		if len(vec) != c.dim {
			return fn.Err[[]float32](fn.Permanent(fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), c.dim)))
		}
		return res
	})
	return res.Unwrap()
}

// EmbedBatch embeds texts in sub-batches of batchSize, pausing between
// sub-batches. It returns one result per input in input order; a failed text
// is logged and does not stop the batch. Batches bypass the query cache.
func (c *Client) EmbedBatch(ctx context.Context, texts []string, batchSize int) []fn.Result[[]float32] {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	out := make([]fn.Result[[]float32], 0, len(texts))
	chunks := fn.Chunk(texts, batchSize)
	for i, chunk := range chunks {
		for _, text := range chunk {
			if ctx.Err() != nil {
				out = append(out, fn.Err[[]float32](ctx.Err()))
				continue
			}
			vec, err := c.embed(ctx, text)
			if err != nil {
				c.logger.Warn("embedding failed", "index", len(out), "err", err)
			}
			out = append(out, fn.FromPair(vec, err))
		}
		c.logger.Debug("embedding batch done", "batch", i+1, "batches", len(chunks))
		if i < len(chunks)-1 && ctx.Err() == nil {
			_ = c.sleep(ctx, c.pause)
		}
	}
	return out
}

func retryable(err error) bool {
	var se *StatusError
	switch {
	case errors.As(err, &se):
		return se.Temporary()
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrEmptyEmbedding),
		errors.Is(err, resilience.ErrCircuitOpen),
		errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
