package mock_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomiklabs/atom-memory/memory/embedder/mock"
)

func cosine(a, b []float32) float64 {
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot // vectors are unit-normalized
}

func TestEmbed_Deterministic(t *testing.T) {
	e := mock.New()
	a, err := e.Embed(context.Background(), "the same sentence")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "the same sentence")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, e.Dimensions())
}

func TestEmbed_SharedWordsMeanSimilarity(t *testing.T) {
	e := mock.New()
	ctx := context.Background()

	coffee1, err := e.Embed(ctx, "user loves strong coffee")
	require.NoError(t, err)
	coffee2, err := e.Embed(ctx, "strong coffee in the morning")
	require.NoError(t, err)
	weather, err := e.Embed(ctx, "tomorrow looks rainy")
	require.NoError(t, err)

	assert.Greater(t, cosine(coffee1, coffee2), cosine(coffee1, weather))
}

func TestEmbed_Normalized(t *testing.T) {
	e := mock.New()
	v, err := e.Embed(context.Background(), "anything at all")
	require.NoError(t, err)

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}
