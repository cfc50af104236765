package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashProvider is a deterministic, dependency-free embedder: each token is
// hashed into a handful of vector slots, and the vector is L2-normalized.
// Not semantically meaningful the way a model embedding is, but stable,
// cheap, and good enough for similarity bucketing in dev and tests.
type HashProvider struct {
	dimension int
}

// NewHashProvider creates a hash embedder with the given dimension.
func NewHashProvider(dimension int) *HashProvider {
	if dimension <= 0 {
		dimension = 256
	}
	return &HashProvider{dimension: dimension}
}

// Embed produces one vector per input text.
func (p *HashProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.embedText(t)
	}
	return out, nil
}

func (p *HashProvider) embedText(text string) []float32 {
	vec := make([]float32, p.dimension)
	for _, tok := range tokenize(text) {
		h := fnv.New64a()
		h.Write([]byte(tok))
		sum := h.Sum64()
		// Spread each token over three slots with alternating sign so
		// distinct token sets land in distinct directions.
		for j := 0; j < 3; j++ {
			slot := int((sum >> (j * 16)) % uint64(p.dimension))
			sign := float32(1)
			if (sum>>(j*16+15))&1 == 1 {
				sign = -1
			}
			vec[slot] += sign
		}
	}
	normalize(vec)
	return vec
}

// Dimension returns the configured vector dimension.
func (p *HashProvider) Dimension() int { return p.dimension }

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' || r > 127)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}
