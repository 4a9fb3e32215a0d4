package mnemo

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestGateway_CachesByContent(t *testing.T) {
	f := newFakeEmbedder()
	g := NewGateway(f, "m", GatewayBaseDelay(time.Millisecond))

	first, err := g.Embed(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatal(err)
	}
	if f.calls != 1 {
		t.Fatalf("calls = %d, want 1", f.calls)
	}

	second, err := g.Embed(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatal(err)
	}
	if f.calls != 1 {
		t.Errorf("cached texts hit the provider again: calls = %d", f.calls)
	}
	for i := range first {
		if CosineSimilarity(first[i], second[i]) != 1 {
			t.Errorf("cached vector %d differs", i)
		}
	}
}

func TestGateway_DeduplicatesWithinCall(t *testing.T) {
	f := newFakeEmbedder()
	g := NewGateway(f, "m", GatewayBatchSize(1), GatewayBaseDelay(time.Millisecond))

	vecs, err := g.Embed(context.Background(), []string{"same", "same", "same"})
	if err != nil {
		t.Fatal(err)
	}
	if f.calls != 1 {
		t.Errorf("calls = %d, want 1 (identical texts share one embedding)", f.calls)
	}
	for _, v := range vecs {
		if v == nil {
			t.Error("nil vector for deduplicated input")
		}
	}
}

func TestGateway_RetriesTransient(t *testing.T) {
	f := newFakeEmbedder()
	f.failures = 2 // first two attempts 503, third succeeds
	g := NewGateway(f, "m", GatewayBaseDelay(time.Millisecond))

	vecs, err := g.Embed(context.Background(), []string{"x"})
	if err != nil {
		t.Fatal(err)
	}
	if vecs[0] == nil {
		t.Error("vector missing after successful retry")
	}
	if f.calls != 3 {
		t.Errorf("calls = %d, want 3", f.calls)
	}
}

func TestGateway_AllFailedSurfacesError(t *testing.T) {
	f := newFakeEmbedder()
	f.failures = 100
	g := NewGateway(f, "m", GatewayBaseDelay(time.Millisecond))

	_, err := g.Embed(context.Background(), []string{"x"})
	if err == nil {
		t.Fatal("want error when zero vectors were produced")
	}
	if !IsTransient(err) {
		t.Errorf("503 exhaustion should surface as transient, got %v", err)
	}
}

func TestGateway_PartialFailureLeavesNils(t *testing.T) {
	f := newFakeEmbedder()
	f.failures = 100
	// Batch size 1 so each text is its own provider call; pre-cache one
	// text so the call produces at least one vector.
	g := NewGateway(f, "m", GatewayBatchSize(1), GatewayBaseDelay(time.Millisecond))

	f.failures = 0
	if _, err := g.Embed(context.Background(), []string{"cached"}); err != nil {
		t.Fatal(err)
	}
	f.failures = 100

	vecs, err := g.Embed(context.Background(), []string{"cached", "missing"})
	if err != nil {
		t.Fatalf("partial failure must not error: %v", err)
	}
	if vecs[0] == nil {
		t.Error("cached vector missing")
	}
	if vecs[1] != nil {
		t.Error("failed text should stay nil (embedding pending)")
	}
}

func TestGateway_MalformedNotRetried(t *testing.T) {
	f := newFakeEmbedder()
	f.failures = 5
	f.err = &ErrProvider{Provider: "fake", Message: "garbage", Malformed: true}
	g := NewGateway(f, "m", GatewayBaseDelay(time.Millisecond))

	_, err := g.Embed(context.Background(), []string{"x"})
	if err == nil {
		t.Fatal("want error")
	}
	var pe *ErrProvider
	if !errors.As(err, &pe) || !pe.Malformed {
		t.Errorf("err = %v, want malformed provider error", err)
	}
	if f.calls != 1 {
		t.Errorf("malformed response retried: calls = %d", f.calls)
	}
}

func TestGateway_CancelledContext(t *testing.T) {
	f := newFakeEmbedder()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	g := NewGateway(f, "m", GatewayBaseDelay(time.Millisecond))

	vecs, err := g.Embed(ctx, []string{"x"})
	if err == nil && vecs[0] != nil {
		t.Error("cancelled context produced a vector")
	}
}

func TestEmbedCache_Eviction(t *testing.T) {
	c := newEmbedCache(2)
	c.put(embedKey{hash: 1, model: "m"}, []float32{1})
	c.put(embedKey{hash: 2, model: "m"}, []float32{2})
	c.put(embedKey{hash: 3, model: "m"}, []float32{3})

	if c.len() != 2 {
		t.Fatalf("len = %d, want 2", c.len())
	}
	if _, ok := c.get(embedKey{hash: 1, model: "m"}); ok {
		t.Error("oldest entry survived eviction")
	}
	if _, ok := c.get(embedKey{hash: 3, model: "m"}); !ok {
		t.Error("newest entry evicted")
	}
}

func TestEmbedCache_ModelScoped(t *testing.T) {
	c := newEmbedCache(8)
	c.put(embedKey{hash: 1, model: "a"}, []float32{1})
	if _, ok := c.get(embedKey{hash: 1, model: "b"}); ok {
		t.Error("cache leaked across model ids")
	}
}
