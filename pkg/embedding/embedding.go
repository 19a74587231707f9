// Package embedding turns text into fixed-dimension vectors. Providers are
// interchangeable; CachedProvider adds the in-process and shared cache
// layers in front of any of them.
package embedding

import (
	"context"
	"errors"
	"math"
)

var ErrDimensionMismatch = errors.New("embedding: dimension mismatch")

type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// CosineDistance returns 1 - cosine similarity of a and b.
func CosineDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1, nil
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb)), nil
}
