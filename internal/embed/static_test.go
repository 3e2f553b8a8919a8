package embed

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProvider_Deterministic(t *testing.T) {
	p := NewStaticProvider(0)

	first, err := p.Embed(context.Background(), []string{"hybrid search engine"})
	require.NoError(t, err)
	second, err := p.Embed(context.Background(), []string{"hybrid search engine"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestStaticProvider_Contract(t *testing.T) {
	p := NewStaticProvider(64)

	vecs, err := p.Embed(context.Background(), []string{"one", "two", "three"})
	require.NoError(t, err)

	// Output length equals input length, every vector has the declared
	// dimension.
	require.Len(t, vecs, 3)
	for _, v := range vecs {
		assert.Len(t, v, 64)
	}
	assert.Equal(t, 64, p.Dimensions())
}

func TestStaticProvider_EmptyInput(t *testing.T) {
	p := NewStaticProvider(16)

	vecs, err := p.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vecs)
}

func TestStaticProvider_UnitNorm(t *testing.T) {
	p := NewStaticProvider(32)

	vecs, err := p.Embed(context.Background(), []string{"normalize me please"})
	require.NoError(t, err)

	var sum float64
	for _, x := range vecs[0] {
		sum += float64(x) * float64(x)
	}
	assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-5)
}

func TestStaticProvider_SimilarTextsCloser(t *testing.T) {
	p := NewStaticProvider(128)

	vecs, err := p.Embed(context.Background(), []string{
		"parse config file loader",
		"parse config file reader",
		"quantum chromodynamics lattice",
	})
	require.NoError(t, err)

	assert.Greater(t, dot(vecs[0], vecs[1]), dot(vecs[0], vecs[2]))
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
