package embed

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// StaticDimensions is the default dimension for the static provider.
const StaticDimensions = 256

// StaticProvider is a deterministic, network-free embedding provider.
// Each token hashes into a handful of buckets of a fixed-size vector,
// which is then unit-normalized. Similar token sets land near each
// other, which is enough for tests and for benchmark runs when no
// backend is available. Not a substitute for a learned model.
type StaticProvider struct {
	dims int
}

// Verify interface implementation at compile time
var _ Provider = (*StaticProvider)(nil)

// NewStaticProvider creates a static provider with the given dimension
// (StaticDimensions when dims <= 0).
func NewStaticProvider(dims int) *StaticProvider {
	if dims <= 0 {
		dims = StaticDimensions
	}
	return &StaticProvider{dims: dims}
}

// Embed generates deterministic embeddings. Never fails and makes no
// network calls; cancellation is still observed between texts.
func (p *StaticProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results[i] = p.embedOne(text)
	}
	return results, nil
}

func (p *StaticProvider) embedOne(text string) []float32 {
	vec := make([]float32, p.dims)

	for _, token := range staticTokens(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		seed := h.Sum64()

		// Three buckets per token, sign from the hash bits.
		for j := 0; j < 3; j++ {
			seed = seed*6364136223846793005 + 1442695040888963407
			bucket := int(seed % uint64(p.dims))
			if seed&(1<<63) != 0 {
				vec[bucket] -= 1
			} else {
				vec[bucket] += 1
			}
		}
	}

	return normalizeVector(vec)
}

// staticTokens lowercases and splits on non-letter/digit runs.
func staticTokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Dimensions returns the embedding dimension.
func (p *StaticProvider) Dimensions() int {
	return p.dims
}

// ModelName returns the model identifier.
func (p *StaticProvider) ModelName() string {
	return "static-hash"
}

// Close is a no-op.
func (p *StaticProvider) Close() error {
	return nil
}
