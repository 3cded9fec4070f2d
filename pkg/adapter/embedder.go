package adapter

import (
	"context"
	"hash/fnv"
	"math"
)

// Embedder converts text to a fixed-length vector. The store only stores and
// compares vectors; computing them is a collaborator concern, so production
// deployments plug in a real provider here.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// MockEmbedder produces deterministic hash-seeded unit vectors. Useful for
// tests and local runs where no embedding provider is configured.
type MockEmbedder struct {
	dimensions int
}

// NewMockEmbedder creates a mock embedder with the given vector length
func NewMockEmbedder(dimensions int) *MockEmbedder {
	return &MockEmbedder{dimensions: dimensions}
}

func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	embedding := make([]float32, m.dimensions)
	for i := range embedding {
		seed = seed*6364136223846793005 + 1442695040888963407
		embedding[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(embedding), nil
}

func (m *MockEmbedder) Dimensions() int {
	return m.dimensions
}

func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(math.Sqrt(norm))
	for i, v := range vec {
		vec[i] = v / scale
	}
	return vec
}
