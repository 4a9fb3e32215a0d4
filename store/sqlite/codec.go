package sqlite

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Embeddings are stored as JSON-style float arrays in TEXT columns, the
// simplest portable encoding for a brute-force index.

func serializeEmbedding(emb []float32) string {
	if len(emb) == 0 {
		return ""
	}
	parts := make([]string, len(emb))
	for i, v := range emb {
		parts[i] = fmt.Sprintf("%g", v)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func deserializeEmbedding(s string) []float32 {
	if s == "" {
		return nil
	}
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	parts := strings.Split(s, ",")
	emb := make([]float32, 0, len(parts))
	for _, p := range parts {
		var v float32
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%g", &v); err == nil {
			emb = append(emb, v)
		}
	}
	return emb
}

func parsePayload(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
