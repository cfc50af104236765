package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

// embedServer answers like an OpenAI-compatible embeddings endpoint:
// one 3-dim vector per input, index set, recording each request's size.
func embedServer(t *testing.T, sizes *[]int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		*sizes = append(*sizes, len(req.Input))
		resp := embedResponse{}
		for i := range req.Input {
			resp.Data = append(resp.Data, embedVector{
				Index:     i,
				Embedding: []float32{float32(i), 0.2, 0.3},
			})
		}
		json.NewEncoder(w).Encode(resp)
	})
	return httptest.NewServer(mux)
}

func TestAPIProviderEmbed(t *testing.T) {
	var sizes []int
	srv := embedServer(t, &sizes)
	defer srv.Close()

	p := NewAPIProvider(Config{
		Endpoint: srv.URL,
		Model:    "test-model",
	})

	vectors, err := p.Embed(context.Background(), []string{"hello"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 1 {
		t.Fatalf("got %d vectors, want 1", len(vectors))
	}
	if p.Dimension() != 3 {
		t.Errorf("got dimension %d, want 3", p.Dimension())
	}
}

func TestAPIProviderSplitsLargeBatches(t *testing.T) {
	var sizes []int
	srv := embedServer(t, &sizes)
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL, Model: "test-model"})

	texts := make([]string, maxBatchTexts*2+10)
	for i := range texts {
		texts[i] = "pattern text"
	}
	vectors, err := p.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vectors), len(texts))
	}
	if len(sizes) != 3 {
		t.Fatalf("expected 3 requests, got %d (%v)", len(sizes), sizes)
	}
	for _, n := range sizes {
		if n > maxBatchTexts {
			t.Fatalf("request carried %d texts, cap is %d", n, maxBatchTexts)
		}
	}
}

func TestAPIProviderRejectsShortResponse(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(embedResponse{
			Data: []embedVector{{Embedding: []float32{0.1}}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL, Model: "test-model"})
	if _, err := p.Embed(context.Background(), []string{"a", "b"}); err == nil {
		t.Fatal("expected error when vector count does not match input")
	}
}

func TestAPIProviderConfiguredDimensionWins(t *testing.T) {
	var sizes []int
	srv := embedServer(t, &sizes)
	defer srv.Close()

	p := NewAPIProvider(Config{Endpoint: srv.URL, Model: "test-model", Dimension: 256})
	if _, err := p.Embed(context.Background(), []string{"hello"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Dimension() != 256 {
		t.Errorf("configured dimension overridden: got %d", p.Dimension())
	}
}

func TestHashProvider_Deterministic(t *testing.T) {
	p := NewHashProvider(128)

	a, err := p.Embed(context.Background(), []string{"retry flaky api calls"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, _ := p.Embed(context.Background(), []string{"retry flaky api calls"})
	for i := range a[0] {
		if a[0][i] != b[0][i] {
			t.Fatal("hash embedding not deterministic")
		}
	}

	// Normalized output.
	var sum float64
	for _, v := range a[0] {
		sum += float64(v) * float64(v)
	}
	if math.Abs(sum-1) > 1e-5 {
		t.Errorf("vector not normalized, |v|^2 = %v", sum)
	}

	c, _ := p.Embed(context.Background(), []string{"compile the project from scratch"})
	same := true
	for i := range a[0] {
		if a[0][i] != c[0][i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different texts produced identical vectors")
	}
}

func TestNew_Fallback(t *testing.T) {
	p := New(Config{Provider: "api"}) // no endpoint configured
	if _, ok := p.(*HashProvider); !ok {
		t.Errorf("expected hash fallback, got %T", p)
	}
	if p.Dimension() != 256 {
		t.Errorf("got default dimension %d, want 256", p.Dimension())
	}
}

func TestEmbedOne(t *testing.T) {
	p := NewHashProvider(64)
	vec, err := EmbedOne(context.Background(), p, "one text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 64 {
		t.Errorf("got dimension %d, want 64", len(vec))
	}
}
