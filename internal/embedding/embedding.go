// Package embedding provides vector embedding generation for semantic matching.
//
// Defines a Provider interface with an Ollama implementation for production
// and a deterministic Noop implementation for development and tests.
package embedding

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/pgvector/pgvector-go"
)

// Provider generates vector embeddings from text.
type Provider interface {
	// Embed generates a single embedding vector from text.
	Embed(ctx context.Context, text string) (pgvector.Vector, error)

	// EmbedBatch generates embeddings for multiple texts.
	EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error)

	// Dimensions returns the embedding vector dimensionality.
	Dimensions() int
}

// NoopProvider produces deterministic pseudo-embeddings derived from a hash
// of the input text. Identical texts embed identically, so matching logic
// stays exercisable without a model server. Not for production.
type NoopProvider struct {
	dimensions int
}

// NewNoopProvider creates a provider emitting unit vectors of the given size.
func NewNoopProvider(dimensions int) *NoopProvider {
	return &NoopProvider{dimensions: dimensions}
}

// Dimensions returns the configured vector size.
func (p *NoopProvider) Dimensions() int {
	return p.dimensions
}

// Embed generates a deterministic unit vector from the text.
func (p *NoopProvider) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	vec := make([]float32, p.dimensions)
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	var norm float64
	for i := range vec {
		// xorshift64 keeps the sequence reproducible per seed.
		seed ^= seed << 13
		seed ^= seed >> 7
		seed ^= seed << 17
		v := float32(int64(seed%2000)-1000) / 1000.0
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return pgvector.NewVector(vec), nil
}

// EmbedBatch generates deterministic vectors for multiple texts.
func (p *NoopProvider) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	vecs := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		vec, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vecs[i] = vec
	}
	return vecs, nil
}
