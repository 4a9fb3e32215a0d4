// Package gemini implements mnemo.EmbeddingProvider against the Gemini
// REST API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nevindra/mnemo"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Embedding implements mnemo.EmbeddingProvider for Gemini embedding
// models (e.g. gemini-embedding-001). The whole input batch goes through
// one batchEmbedContents call.
type Embedding struct {
	apiKey  string
	model   string
	dims    int
	baseURL string
	client  *http.Client
}

var _ mnemo.EmbeddingProvider = (*Embedding)(nil)

// EmbeddingOption configures an Embedding provider.
type EmbeddingOption func(*Embedding)

// WithBaseURL overrides the API endpoint (testing, regional proxies).
func WithBaseURL(u string) EmbeddingOption {
	return func(e *Embedding) { e.baseURL = u }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) EmbeddingOption {
	return func(e *Embedding) { e.client = c }
}

// NewEmbedding creates a Gemini embedding provider. dims selects the
// output dimensionality.
func NewEmbedding(apiKey, model string, dims int, opts ...EmbeddingOption) *Embedding {
	e := &Embedding{
		apiKey:  apiKey,
		model:   model,
		dims:    dims,
		baseURL: defaultBaseURL,
		client:  &http.Client{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Name returns "gemini".
func (e *Embedding) Name() string { return "gemini" }

// Dimensions returns the configured embedding dimensionality.
func (e *Embedding) Dimensions() int { return e.dims }

type embedPart struct {
	Text string `json:"text"`
}

type embedContent struct {
	Parts []embedPart `json:"parts"`
}

type embedRequest struct {
	Model                string       `json:"model"`
	Content              embedContent `json:"content"`
	OutputDimensionality int          `json:"outputDimensionality"`
}

type batchEmbedResponse struct {
	Embeddings []struct {
		Values []float64 `json:"values"`
	} `json:"embeddings"`
}

// Embed sends the batch as one batchEmbedContents request and returns
// vectors in input order.
func (e *Embedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	requests := make([]embedRequest, len(texts))
	for i, t := range texts {
		requests[i] = embedRequest{
			Model:                "models/" + e.model,
			Content:              embedContent{Parts: []embedPart{{Text: t}}},
			OutputDimensionality: e.dims,
		}
	}
	payload, err := json.Marshal(map[string]any{"requests": requests})
	if err != nil {
		return nil, &mnemo.ErrProvider{Provider: "gemini", Message: "encode batch: " + err.Error(), Malformed: true}
	}

	url := fmt.Sprintf("%s/models/%s:batchEmbedContents?key=%s", e.baseURL, e.model, e.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &mnemo.ErrProvider{Provider: "gemini", Message: "build request: " + err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, &mnemo.ErrProvider{Provider: "gemini", Message: "request failed: " + err.Error()}
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &mnemo.ErrProvider{Provider: "gemini", Message: "read response: " + err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, e.apiError(resp, raw)
	}

	var decoded batchEmbedResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &mnemo.ErrProvider{Provider: "gemini", Message: "decode response: " + err.Error(), Malformed: true}
	}
	if len(decoded.Embeddings) != len(texts) {
		return nil, &mnemo.ErrProvider{
			Provider:  "gemini",
			Message:   fmt.Sprintf("got %d embeddings for %d inputs", len(decoded.Embeddings), len(texts)),
			Malformed: true,
		}
	}

	out := make([][]float32, len(decoded.Embeddings))
	for i, emb := range decoded.Embeddings {
		vec := make([]float32, len(emb.Values))
		for j, v := range emb.Values {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}

// apiError converts a non-2xx response into an ErrProvider. The retry
// delay comes from the Retry-After header when present; throttled Gemini
// responses often carry it only as a google.rpc.RetryInfo detail in the
// error body, so that is the fallback.
func (e *Embedding) apiError(resp *http.Response, body []byte) error {
	delay := mnemo.ParseRetryAfter(resp.Header.Get("Retry-After"))
	if delay == 0 {
		delay = retryInfoDelay(body)
	}
	return &mnemo.ErrProvider{
		Provider:   "gemini",
		Status:     resp.StatusCode,
		Message:    string(body),
		RetryAfter: delay,
	}
}

// retryInfoDelay scans the error payload's detail list for a
// google.rpc.RetryInfo entry and parses its retryDelay ("14s" style).
// Details are heterogeneous, so each is decoded independently and
// mismatches are skipped. Returns 0 when nothing usable is found.
func retryInfoDelay(body []byte) time.Duration {
	var payload struct {
		Error struct {
			Details []json.RawMessage `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return 0
	}
	for _, raw := range payload.Error.Details {
		var detail struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		}
		if json.Unmarshal(raw, &detail) != nil || detail.Type != "type.googleapis.com/google.rpc.RetryInfo" {
			continue
		}
		if d, err := time.ParseDuration(detail.RetryDelay); err == nil && d > 0 {
			return d
		}
	}
	return 0
}
