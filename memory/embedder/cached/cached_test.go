package cached_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atomiklabs/atom-memory/memory"
	"github.com/atomiklabs/atom-memory/memory/embedder/cached"
	"github.com/atomiklabs/atom-memory/memory/embedder/mock"
)

// countingEmbedder tracks how many times the wrapped backend is hit.
type countingEmbedder struct {
	inner memory.Embedder
	calls int
	err   error
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.inner.Embed(ctx, text)
}

func (c *countingEmbedder) Dimensions() int { return c.inner.Dimensions() }

func TestEmbed_CachesRepeatedText(t *testing.T) {
	counting := &countingEmbedder{inner: mock.New()}
	e, err := cached.New(counting, 16)
	require.NoError(t, err)
	defer e.Close()

	first, err := e.Embed(context.Background(), "the same text")
	require.NoError(t, err)
	e.Wait()

	second, err := e.Embed(context.Background(), "the same text")
	require.NoError(t, err)

	assert.Equal(t, 1, counting.calls)
	assert.Equal(t, first, second)
}

func TestEmbed_DistinctTextsMiss(t *testing.T) {
	counting := &countingEmbedder{inner: mock.New()}
	e, err := cached.New(counting, 16)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Embed(context.Background(), "one")
	require.NoError(t, err)
	_, err = e.Embed(context.Background(), "two")
	require.NoError(t, err)

	assert.Equal(t, 2, counting.calls)
}

func TestEmbed_ErrorsAreNotCached(t *testing.T) {
	counting := &countingEmbedder{inner: mock.New(), err: errors.New("backend down")}
	e, err := cached.New(counting, 16)
	require.NoError(t, err)
	defer e.Close()

	_, err = e.Embed(context.Background(), "text")
	require.Error(t, err)
	e.Wait()

	// The backend recovers; the next call goes through.
	counting.err = nil
	got, err := e.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.NotEmpty(t, got)
	assert.Equal(t, 2, counting.calls)
}

func TestDimensions_Passthrough(t *testing.T) {
	e, err := cached.New(mock.New(), 16)
	require.NoError(t, err)
	defer e.Close()
	assert.Equal(t, mock.New().Dimensions(), e.Dimensions())
}
