// Package embed abstracts text embedding behind a narrow capability
// interface. The dimension is fixed at startup; every vector stored in a
// single index shares it.
package embed

import (
	"context"
	"math"
)

// Embedder produces fixed-dimension vectors for text. Implementations must
// be deterministic for a given text+model and preserve input order when
// batching.
type Embedder interface {
	// Embed returns one vector per input, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dim is the fixed output dimension.
	Dim() int
}

// One embeds a single text.
func One(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// Cosine returns the cosine similarity of two vectors, 0 when either is zero
// or the dimensions disagree.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
