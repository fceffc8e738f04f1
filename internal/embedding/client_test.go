package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newEmbedServer(t *testing.T, vec []float32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := embeddingResponse{Model: req.Model}
		resp.Data = append(resp.Data, struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}{Embedding: vec})
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestEmbedNormalizes(t *testing.T) {
	var srv = newEmbedServer(t, []float32{3, 4, 0})
	defer srv.Close()

	var client = NewOllamaClient(srv.URL, "test-model", 3)
	vec, err := client.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed failed: %v", err)
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if math.Abs(norm-1.0) > 1e-6 {
		t.Errorf("vector not unit length: %f", norm)
	}
}

func TestEmbedRejectsEmptyText(t *testing.T) {
	var client = NewOllamaClient("http://localhost:0", "m", 3)
	if _, err := client.Embed(context.Background(), ""); err == nil {
		t.Error("expected error for empty text")
	}
}

func TestEmbedRejectsDimensionMismatch(t *testing.T) {
	var srv = newEmbedServer(t, []float32{1, 2})
	defer srv.Close()

	var client = NewOllamaClient(srv.URL, "m", 3)
	if _, err := client.Embed(context.Background(), "hello"); err == nil {
		t.Error("expected error for dimension mismatch")
	}
}

func TestEmbedDoesNotRetryClientError(t *testing.T) {
	var calls int
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"error":{"message":"bad model"}}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	var client = NewOllamaClient(srv.URL, "m", 3)
	if _, err := client.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call for 4xx, got %d", calls)
	}
}

func TestIdentity(t *testing.T) {
	var client = NewOllamaClient("http://x", "nomic-embed-text", 384)
	var id = client.Identity()
	if id.Dim != 384 || id.Provider != "ollama" || id.Model != "nomic-embed-text" {
		t.Errorf("unexpected identity: %+v", id)
	}
}

func TestDot(t *testing.T) {
	var tests = []struct {
		name     string
		a, b     []float32
		expected float64
		epsilon  float64
	}{
		{name: "identical unit", a: []float32{1, 0}, b: []float32{1, 0}, expected: 1, epsilon: 1e-6},
		{name: "orthogonal", a: []float32{1, 0}, b: []float32{0, 1}, expected: 0, epsilon: 1e-6},
		{name: "opposite", a: []float32{1, 0}, b: []float32{-1, 0}, expected: -1, epsilon: 1e-6},
		{name: "length mismatch", a: []float32{1, 0}, b: []float32{1}, expected: 0, epsilon: 1e-6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Dot(tt.a, tt.b); math.Abs(got-tt.expected) > tt.epsilon {
				t.Errorf("Dot = %f, want %f", got, tt.expected)
			}
		})
	}
}

func TestNormalizeZeroVector(t *testing.T) {
	var vec = []float32{0, 0, 0}
	Normalize(vec)
	for _, v := range vec {
		if v != 0 {
			t.Errorf("zero vector changed: %v", vec)
		}
	}
}
