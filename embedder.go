package mnemo

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
)

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts, one per input.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}

// Gateway fronts an EmbeddingProvider with content-hash caching, batching,
// bounded concurrency, and transient-error retry. A text whose embedding
// stays unresolved after retries comes back nil rather than failing the
// whole call, so ingestion never blocks on the provider.
type Gateway struct {
	provider    EmbeddingProvider
	modelID     string
	batchSize   int
	maxInflight int
	maxAttempts int
	baseDelay   time.Duration
	cache       *embedCache
	logger      *slog.Logger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// GatewayBatchSize sets the maximum inputs per provider call (default 64,
// capped at 128).
func GatewayBatchSize(n int) GatewayOption {
	return func(g *Gateway) { g.batchSize = n }
}

// GatewayMaxInflight bounds concurrent provider calls within one Embed
// (default 8).
func GatewayMaxInflight(n int) GatewayOption {
	return func(g *Gateway) { g.maxInflight = n }
}

// GatewayMaxAttempts sets the retry budget per batch (default 3).
func GatewayMaxAttempts(n int) GatewayOption {
	return func(g *Gateway) { g.maxAttempts = n }
}

// GatewayBaseDelay sets the initial backoff delay before the second
// attempt (default 500ms). Each subsequent delay doubles.
func GatewayBaseDelay(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.baseDelay = d }
}

// GatewayCacheSize bounds the shared embedding cache (default 4096
// vectors).
func GatewayCacheSize(n int) GatewayOption {
	return func(g *Gateway) { g.cache = newEmbedCache(n) }
}

// GatewayLogger sets the structured logger.
func GatewayLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway creates a Gateway for the provider. modelID names the active
// embedding model; it keys the cache and tags every vector written to the
// index.
func NewGateway(provider EmbeddingProvider, modelID string, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		provider:    provider,
		modelID:     modelID,
		batchSize:   64,
		maxInflight: 8,
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
		cache:       newEmbedCache(4096),
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.batchSize > 128 {
		g.batchSize = 128
	}
	if g.batchSize < 1 {
		g.batchSize = 1
	}
	return g
}

// ModelID returns the active embedding model id.
func (g *Gateway) ModelID() string { return g.modelID }

// Dimensions returns the provider's vector size.
func (g *Gateway) Dimensions() int { return g.provider.Dimensions() }

// Embed returns one vector per input text. A nil entry marks an input
// whose embedding remained unresolved (provider failure after retries, or
// context cancellation); callers record those items as embedding-pending.
// An error is returned only when the provider failed and zero vectors were
// produced during the call (cache hits count as produced vectors).
func (g *Gateway) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 0 {
		return out, nil
	}

	// Cache pass; gather misses, deduplicating identical texts within the
	// call.
	var misses []*miss
	missByKey := make(map[embedKey]*miss)
	cached := 0
	for i, t := range texts {
		k := embedKey{hash: xxhash.Sum64String(t), model: g.modelID}
		if vec, ok := g.cache.get(k); ok {
			out[i] = vec
			cached++
			continue
		}
		if m, ok := missByKey[k]; ok {
			m.indexes = append(m.indexes, i)
			continue
		}
		m := &miss{key: k, text: t, indexes: []int{i}}
		missByKey[k] = m
		misses = append(misses, m)
	}
	if len(misses) == 0 {
		return out, nil
	}

	var (
		mu       sync.Mutex
		produced int
		firstErr error
	)

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.maxInflight)
	for start := 0; start < len(misses); start += g.batchSize {
		batch := misses[start:min(start+g.batchSize, len(misses))]
		eg.Go(func() error {
			vecs, err := g.embedBatch(ctx, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				// Items in this batch stay pending; the batch failure
				// never aborts the sibling batches.
				return nil
			}
			for bi, m := range batch {
				g.cache.put(m.key, vecs[bi])
				for _, idx := range m.indexes {
					out[idx] = vecs[bi]
				}
				produced++
			}
			return nil
		})
	}
	_ = eg.Wait()

	if produced == 0 && cached == 0 && firstErr != nil {
		return out, firstErr
	}
	if firstErr != nil {
		g.logger.Warn("partial embedding failure, items left pending",
			"provider", g.provider.Name(), "error", firstErr)
	}
	return out, nil
}

// miss is one uncached text awaiting embedding; indexes are the positions
// in the caller's input that share it.
type miss struct {
	key     embedKey
	text    string
	indexes []int
}

// embedBatch calls the provider for one batch with bounded retry. The
// response must carry one vector per input with the provider dimension;
// anything else is malformed and fatal to the batch.
func (g *Gateway) embedBatch(ctx context.Context, batch []*miss) ([][]float32, error) {
	texts := make([]string, len(batch))
	for i, m := range batch {
		texts[i] = m.text
	}

	var last error
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vecs, err := g.provider.Embed(ctx, texts)
		if err == nil {
			if len(vecs) != len(texts) {
				return nil, &ErrProvider{
					Provider:  g.provider.Name(),
					Message:   "response count mismatch",
					Malformed: true,
				}
			}
			for _, v := range vecs {
				if len(v) != g.provider.Dimensions() {
					return nil, &ErrProvider{
						Provider:  g.provider.Name(),
						Message:   "response dimension mismatch",
						Malformed: true,
					}
				}
			}
			return vecs, nil
		}
		if !IsTransient(err) {
			return nil, err
		}
		last = err
		g.logger.Debug("transient embedding failure, retrying",
			"provider", g.provider.Name(), "attempt", attempt+1, "max", g.maxAttempts)
		if attempt < g.maxAttempts-1 {
			timer := time.NewTimer(embedRetryDelay(g.baseDelay, attempt, err))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return nil, last
}

// embedRetryDelay computes the backoff before retry attempt i, using
// exponential growth with jitter as a floor and the provider's Retry-After
// (if present) as a minimum.
func embedRetryDelay(base time.Duration, i int, err error) time.Duration {
	exp := base * (1 << i)
	backoff := exp + time.Duration(rand.Int63n(int64(exp)/2+1))
	var pe *ErrProvider
	if errors.As(err, &pe) && pe.RetryAfter > backoff {
		return pe.RetryAfter
	}
	return backoff
}
