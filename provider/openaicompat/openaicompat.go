// Package openaicompat implements mnemo.EmbeddingProvider against any
// OpenAI-compatible embeddings endpoint (OpenAI, Azure OpenAI, Ollama,
// vLLM, LM Studio, ...).
package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/nevindra/mnemo"
)

// Embedding implements mnemo.EmbeddingProvider over the POST /embeddings
// wire format.
type Embedding struct {
	baseURL    string
	apiKey     string
	model      string
	dims       int
	name       string
	httpClient *http.Client
}

var _ mnemo.EmbeddingProvider = (*Embedding)(nil)

// EmbeddingOption configures an Embedding provider.
type EmbeddingOption func(*Embedding)

// WithName overrides the provider name reported to callers (default
// "openai-compat").
func WithName(name string) EmbeddingOption {
	return func(e *Embedding) { e.name = name }
}

// WithHTTPClient replaces the HTTP client (e.g. for custom transports).
func WithHTTPClient(c *http.Client) EmbeddingOption {
	return func(e *Embedding) { e.httpClient = c }
}

// NewEmbedding creates a provider for the endpoint at baseURL (without the
// trailing /embeddings path segment).
func NewEmbedding(baseURL, apiKey, model string, dims int, opts ...EmbeddingOption) *Embedding {
	e := &Embedding{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		dims:       dims,
		name:       "openai-compat",
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Name returns the provider name.
func (e *Embedding) Name() string { return e.name }

// Dimensions returns the embedding vector size.
func (e *Embedding) Dimensions() int { return e.dims }

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// Embed sends the whole batch in one request and returns vectors in input
// order.
func (e *Embedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	payload, err := json.Marshal(map[string]any{
		"model": e.model,
		"input": texts,
	})
	if err != nil {
		return nil, &mnemo.ErrProvider{Provider: e.name, Message: "marshal embed body: " + err.Error(), Malformed: true}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", strings.NewReader(string(payload)))
	if err != nil {
		return nil, &mnemo.ErrProvider{Provider: e.name, Message: "create embed request: " + err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, &mnemo.ErrProvider{Provider: e.name, Message: "embed request failed: " + err.Error()}
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, &mnemo.ErrProvider{Provider: e.name, Message: "read embed response: " + err.Error()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &mnemo.ErrProvider{
			Provider:   e.name,
			Status:     resp.StatusCode,
			Message:    string(respBody),
			RetryAfter: mnemo.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var parsed embeddingsResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &mnemo.ErrProvider{Provider: e.name, Message: "parse embed response: " + err.Error(), Malformed: true}
	}
	if len(parsed.Data) != len(texts) {
		return nil, &mnemo.ErrProvider{
			Provider:  e.name,
			Message:   fmt.Sprintf("got %d embeddings for %d inputs", len(parsed.Data), len(texts)),
			Malformed: true,
		}
	}

	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })
	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		vec := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vec[j] = float32(v)
		}
		out[i] = vec
	}
	return out, nil
}
