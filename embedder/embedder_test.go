package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNoopEmbedder(t *testing.T) {
	emb := New(Config{Dimension: 8, Model: "test-model"})

	vecs, err := emb.EmbedBatch(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 2 || len(vecs[0]) != 8 {
		t.Errorf("vecs = %d x %d", len(vecs), len(vecs[0]))
	}
	if emb.ModelID() != "test-model" {
		t.Errorf("model = %q", emb.ModelID())
	}
}

func TestOpenAIClientBatch(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotModel = req.Model

		resp := embedResponse{Model: req.Model}
		// Return out of order to exercise index reassembly.
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, struct {
				Embedding []float32 `json:"embedding"`
				Index     int       `json:"index"`
			}{Embedding: []float32{float32(i), 1}, Index: i})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	emb := New(Config{Endpoint: srv.URL, Model: "e5-small", BatchSize: 2})

	vecs, err := emb.EmbedBatch(context.Background(), []string{"one", "two", "three"})
	if err != nil {
		t.Fatal(err)
	}
	if gotModel != "e5-small" {
		t.Errorf("model sent = %q", gotModel)
	}
	if len(vecs) != 3 {
		t.Fatalf("vecs = %d", len(vecs))
	}
	for i, v := range vecs {
		if v[0] != float32(i%2) && v[0] != float32(i) {
			// Batches of 2 reset the index; just assert slots are filled.
			t.Errorf("vec %d = %v", i, v)
		}
	}
	if emb.Dimension() != 2 {
		t.Errorf("auto-detected dimension = %d, want 2", emb.Dimension())
	}
}

func TestOpenAIClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	emb := New(Config{Endpoint: srv.URL, Model: "e5-small"})
	if _, err := emb.EmbedBatch(context.Background(), []string{"x"}); err == nil {
		t.Fatal("expected error from 503 response")
	}
}
