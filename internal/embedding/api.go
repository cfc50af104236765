package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// maxBatchTexts caps one upstream request. Bulk callers (re-embedding a
// pattern corpus, flushing an experience batch) get split transparently so
// no single request carries an oversized payload.
const maxBatchTexts = 64

// APIProvider calls an OpenAI-compatible embeddings endpoint.
type APIProvider struct {
	endpoint string
	model    string
	apiKey   string
	client   *http.Client

	mu        sync.Mutex
	dimension int
}

// NewAPIProvider builds a provider from the shared embedding Config.
func NewAPIProvider(cfg Config) *APIProvider {
	return &APIProvider{
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		client:    &http.Client{Timeout: 30 * time.Second},
		dimension: cfg.Dimension,
	}
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedVector struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embedResponse struct {
	Data []embedVector `json:"data"`
}

// Embed returns one vector per input text, in input order. Inputs larger
// than the per-request cap are sent as multiple requests.
func (p *APIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxBatchTexts {
		end := start + maxBatchTexts
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := p.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (p *APIProvider) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call embed endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embed endpoint returned %d: %s", resp.StatusCode, msg)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("embed endpoint returned %d vectors for %d texts", len(parsed.Data), len(texts))
	}

	// The endpoint reports an index per vector; place by index so a
	// reordered response still lines up with the input.
	vecs := make([][]float32, len(texts))
	for i, d := range parsed.Data {
		idx := d.Index
		if idx < 0 || idx >= len(vecs) {
			idx = i
		}
		vecs[idx] = d.Embedding
	}
	p.learnDimension(vecs)
	return vecs, nil
}

// learnDimension records the vector size from the first response when the
// config left it unset.
func (p *APIProvider) learnDimension(vecs [][]float32) {
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return
	}
	p.mu.Lock()
	if p.dimension == 0 {
		p.dimension = len(vecs[0])
	}
	p.mu.Unlock()
}

// Dimension reports the configured vector size, or the size learned from
// the first response.
func (p *APIProvider) Dimension() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dimension
}
