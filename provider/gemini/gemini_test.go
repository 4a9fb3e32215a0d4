package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nevindra/mnemo"
)

func TestEmbed_BatchRoundTrip(t *testing.T) {
	var gotPath string
	var gotBody struct {
		Requests []embedRequest `json:"requests"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": []map[string]any{
				{"values": []float64{1, 0}},
				{"values": []float64{0, 1}},
			},
		})
	}))
	defer srv.Close()

	e := NewEmbedding("key", "gemini-embedding-001", 2, WithBaseURL(srv.URL))
	vecs, err := e.Embed(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatal(err)
	}

	if gotPath != "/models/gemini-embedding-001:batchEmbedContents" {
		t.Errorf("path = %q", gotPath)
	}
	if len(gotBody.Requests) != 2 || gotBody.Requests[0].Content.Parts[0].Text != "alpha" {
		t.Errorf("request body = %+v", gotBody.Requests)
	}
	if gotBody.Requests[0].OutputDimensionality != 2 {
		t.Errorf("outputDimensionality = %d", gotBody.Requests[0].OutputDimensionality)
	}
	if len(vecs) != 2 || vecs[0][0] != 1 || vecs[1][1] != 1 {
		t.Errorf("vectors = %v", vecs)
	}
}

func TestEmbed_CountMismatchIsMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": []map[string]any{{"values": []float64{1}}},
		})
	}))
	defer srv.Close()

	e := NewEmbedding("key", "m", 1, WithBaseURL(srv.URL))
	_, err := e.Embed(context.Background(), []string{"a", "b"})

	var pe *mnemo.ErrProvider
	if !errors.As(err, &pe) || !pe.Malformed {
		t.Fatalf("err = %v, want malformed provider error", err)
	}
}

func TestEmbed_RetryAfterHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	e := NewEmbedding("key", "m", 1, WithBaseURL(srv.URL))
	_, err := e.Embed(context.Background(), []string{"a"})

	var pe *mnemo.ErrProvider
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v", err)
	}
	if pe.Status != http.StatusTooManyRequests || pe.RetryAfter != 7*time.Second {
		t.Errorf("status %d retry-after %v, want 429 / 7s", pe.Status, pe.RetryAfter)
	}
	if !mnemo.IsTransient(err) {
		t.Error("429 should classify as transient")
	}
}

// Throttled Gemini responses often carry the backoff only as a
// google.rpc.RetryInfo detail in the error body.
func TestEmbed_RetryInfoBodyFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429,"details":[
			{"@type":"type.googleapis.com/google.rpc.ErrorInfo","reason":"RATE_LIMIT_EXCEEDED"},
			{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"14s"}
		]}}`))
	}))
	defer srv.Close()

	e := NewEmbedding("key", "m", 1, WithBaseURL(srv.URL))
	_, err := e.Embed(context.Background(), []string{"a"})

	var pe *mnemo.ErrProvider
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v", err)
	}
	if pe.RetryAfter != 14*time.Second {
		t.Errorf("retry-after = %v, want 14s from RetryInfo detail", pe.RetryAfter)
	}
}

func TestRetryInfoDelay(t *testing.T) {
	tests := []struct {
		name string
		body string
		want time.Duration
	}{
		{"retry info present", `{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"2s"}]}}`, 2 * time.Second},
		{"other detail only", `{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.ErrorInfo"}]}}`, 0},
		{"not json", `rate limited`, 0},
		{"empty", ``, 0},
		{"bad duration", `{"error":{"details":[{"@type":"type.googleapis.com/google.rpc.RetryInfo","retryDelay":"soon"}]}}`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryInfoDelay([]byte(tt.body)); got != tt.want {
				t.Errorf("retryInfoDelay = %v, want %v", got, tt.want)
			}
		})
	}
}
