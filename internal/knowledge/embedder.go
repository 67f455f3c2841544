package knowledge

import (
	"context"
	"hash/fnv"
	"strings"
)

// Embedder turns text into a vector. The hash embedder is deterministic and
// dependency-free; API-backed embedders implement the same interface.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// HashEmbedder is a feature-hashing embedder: each token increments a bucket
// chosen by its hash. Deterministic, so recall ordering is stable in tests.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a hash embedder with the given dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 64
	}
	return &HashEmbedder{dim: dim}
}

// Dimension returns the vector size.
func (e *HashEmbedder) Dimension() int { return e.dim }

// Embed hashes lowercase tokens into buckets.
func (e *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, e.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		vec[h.Sum32()%uint32(e.dim)]++
	}
	return vec, nil
}
