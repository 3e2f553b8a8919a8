package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ragerr "github.com/coderag-io/coderag/internal/errors"
)

func newTestProvider(t *testing.T, baseURL string, dims int) *HTTPProvider {
	t.Helper()
	p, err := NewHTTPProvider(HTTPConfig{
		BaseURL:    baseURL,
		Model:      "test-model",
		Dimensions: dims,
		BatchSize:  2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

// embedServer returns vectors whose first component encodes the input
// position, optionally shuffling response order.
func embedServer(t *testing.T, dims int, shuffle bool, calls *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			*calls++
		}

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		items := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			vec := make([]float32, dims)
			vec[0] = float32(i + 1)
			vec[1] = 1 // keeps position ordering visible after normalization
			items[i] = map[string]any{"index": i, "embedding": vec}
		}
		if shuffle && len(items) > 1 {
			items[0], items[len(items)-1] = items[len(items)-1], items[0]
		}

		_ = json.NewEncoder(w).Encode(map[string]any{"data": items})
	}))
}

func TestHTTPProvider_Embed_OrderMatchesInput(t *testing.T) {
	// Given: a server that returns items out of order
	srv := embedServer(t, 4, true, nil)
	defer srv.Close()
	p := newTestProvider(t, srv.URL, 4)

	// When: embedding two texts
	vecs, err := p.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)

	// Then: the index field re-anchors each vector to its input.
	// Position is encoded in the (normalized) first component ordering.
	assert.Less(t, vecs[0][0], vecs[1][0])
}

func TestHTTPProvider_Embed_EmptyInputNoCall(t *testing.T) {
	calls := 0
	srv := embedServer(t, 4, false, &calls)
	defer srv.Close()
	p := newTestProvider(t, srv.URL, 4)

	vecs, err := p.Embed(context.Background(), nil)

	require.NoError(t, err)
	assert.Empty(t, vecs)
	assert.Zero(t, calls)
}

func TestHTTPProvider_Embed_SplitsBatches(t *testing.T) {
	calls := 0
	srv := embedServer(t, 4, false, &calls)
	defer srv.Close()
	p := newTestProvider(t, srv.URL, 4) // batch size 2

	vecs, err := p.Embed(context.Background(), []string{"a", "b", "c", "d", "e"})

	require.NoError(t, err)
	assert.Len(t, vecs, 5)
	assert.Equal(t, 3, calls)
	for _, v := range vecs {
		assert.Len(t, v, 4)
	}
}

func TestHTTPProvider_Embed_FailFastAbortsRemainingBatches(t *testing.T) {
	// Given: a server that fails on the second request
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls >= 2 {
			http.Error(w, `{"error": "model crashed"}`, http.StatusInternalServerError)
			return
		}
		var req embedRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		items := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			items[i] = map[string]any{"index": i, "embedding": []float32{1, 0}}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": items})
	}))
	defer srv.Close()
	p := newTestProvider(t, srv.URL, 2)

	// When: three batches are needed
	vecs, err := p.Embed(context.Background(), []string{"a", "b", "c", "d", "e"})

	// Then: no partial result, and the third batch was never sent
	require.Error(t, err)
	assert.Nil(t, vecs)
	assert.Equal(t, 2, calls)
	assert.Equal(t, ragerr.KindEmbed, ragerr.KindOf(err))
}

func TestHTTPProvider_Embed_ConnectionRefusedNamesHost(t *testing.T) {
	p := newTestProvider(t, "http://127.0.0.1:1", 4)

	_, err := p.Embed(context.Background(), []string{"text"})

	require.Error(t, err)
	assert.Equal(t, ragerr.ErrCodeEmbedConnect, ragerr.GetCode(err))
	assert.Contains(t, err.Error(), "127.0.0.1:1")
}

func TestHTTPProvider_Embed_StatusErrorCarriesServerMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"message": "unknown model test-model"}}`))
	}))
	defer srv.Close()
	p := newTestProvider(t, srv.URL, 4)

	_, err := p.Embed(context.Background(), []string{"text"})

	require.Error(t, err)
	assert.Equal(t, ragerr.ErrCodeEmbedStatus, ragerr.GetCode(err))
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "unknown model test-model")
}

func TestHTTPProvider_Embed_MalformedResponseMissingData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"object": "list"}`))
	}))
	defer srv.Close()
	p := newTestProvider(t, srv.URL, 4)

	_, err := p.Embed(context.Background(), []string{"text"})

	require.Error(t, err)
	assert.Equal(t, ragerr.ErrCodeEmbedResponse, ragerr.GetCode(err))
	assert.Contains(t, err.Error(), "missing data array")
}

func TestHTTPProvider_Embed_DimensionMismatch(t *testing.T) {
	srv := embedServer(t, 8, false, nil)
	defer srv.Close()
	p := newTestProvider(t, srv.URL, 4) // declared 4, server returns 8

	_, err := p.Embed(context.Background(), []string{"text"})

	require.Error(t, err)
	assert.Equal(t, ragerr.ErrCodeDimensionMismatch, ragerr.GetCode(err))
}

func TestHTTPProvider_Embed_Cancelled(t *testing.T) {
	srv := embedServer(t, 4, false, nil)
	defer srv.Close()
	p := newTestProvider(t, srv.URL, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Embed(ctx, []string{"a", "b", "c"})
	require.Error(t, err)
	assert.True(t, ragerr.IsCancelled(err))
}

func TestNewHTTPProvider_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  HTTPConfig
	}{
		{"missing base url", HTTPConfig{Model: "m", Dimensions: 4}},
		{"missing model", HTTPConfig{BaseURL: "http://x", Dimensions: 4}},
		{"missing dimensions", HTTPConfig{BaseURL: "http://x", Model: "m"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHTTPProvider(tt.cfg)
			assert.Error(t, err)
		})
	}
}
