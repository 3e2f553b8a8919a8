package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	ragerr "github.com/coderag-io/coderag/internal/errors"
)

// HTTPConfig configures the HTTP embedding provider.
type HTTPConfig struct {
	// BaseURL is the backend root, e.g. http://localhost:11434.
	BaseURL string

	// Model is the embedding model identifier.
	Model string

	// Dimensions is the declared embedding dimension. Required.
	Dimensions int

	// BatchSize caps texts per request (default and max: MaxBatchSize).
	BatchSize int

	// Timeout is the per-request timeout (default: DefaultTimeout).
	Timeout time.Duration
}

// HTTPProvider generates embeddings over an OpenAI-compatible
// /v1/embeddings endpoint, as served by the native local backend.
type HTTPProvider struct {
	client *http.Client
	config HTTPConfig

	mu     sync.RWMutex
	closed bool
}

// Verify interface implementation at compile time
var _ Provider = (*HTTPProvider)(nil)

// embedRequest is the wire request.
type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// embedResponse is the wire response. Items may arrive out of order;
// Index re-anchors them.
type embedResponse struct {
	Data *[]embedItem `json:"data"`
}

type embedItem struct {
	Index     *int      `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// errorResponse covers the common error body shapes.
type errorResponse struct {
	Error json.RawMessage `json:"error"`
}

// NewHTTPProvider creates an embedding provider against a local
// OpenAI-compatible backend.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if cfg.BaseURL == "" {
		return nil, ragerr.EmbedError(ragerr.ErrCodeInvalidInput, "embedding base_url is required", nil)
	}
	if cfg.Model == "" {
		return nil, ragerr.EmbedError(ragerr.ErrCodeInvalidInput, "embedding model is required", nil)
	}
	if cfg.Dimensions <= 0 {
		return nil, ragerr.EmbedError(ragerr.ErrCodeInvalidInput, "embedding dimensions must be positive", nil)
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &HTTPProvider{
		client: &http.Client{},
		config: cfg,
	}, nil
}

// Embed generates embeddings for texts. Batches are awaited sequentially
// and fail fast: the first failing batch aborts the remaining batches.
func (p *HTTPProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ragerr.EmbedError(ragerr.ErrCodeInternal, "provider is closed", nil)
	}
	p.mu.RUnlock()

	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.config.BatchSize {
		if err := ctx.Err(); err != nil {
			return nil, ragerr.Cancelled(err)
		}

		end := start + p.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch, err := p.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		results = append(results, batch...)
	}

	return results, nil
}

// embedBatch issues one request and validates the batch contract.
func (p *HTTPProvider) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embedRequest{Model: p.config.Model, Input: texts})
	if err != nil {
		return nil, ragerr.EmbedError(ragerr.ErrCodeInternal, "marshal embed request", err)
	}

	endpoint := strings.TrimRight(p.config.BaseURL, "/") + "/v1/embeddings"

	reqCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, ragerr.EmbedError(ragerr.ErrCodeInternal, "create embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, p.classifyTransportError(ctx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, p.statusError(resp)
	}

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, ragerr.EmbedError(ragerr.ErrCodeEmbedResponse, "malformed embedding response", err)
	}
	if decoded.Data == nil {
		return nil, ragerr.EmbedError(ragerr.ErrCodeEmbedResponse,
			"malformed embedding response: missing data array", nil)
	}

	items := *decoded.Data
	if len(items) != len(texts) {
		return nil, ragerr.EmbedError(ragerr.ErrCodeEmbedResponse,
			fmt.Sprintf("embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(items)), nil)
	}

	// Re-assemble by the server-supplied index so reordering is
	// tolerated; items without an index keep their position.
	ordered := make([]embedItem, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Index == nil || ordered[j].Index == nil {
			return false
		}
		return *ordered[i].Index < *ordered[j].Index
	})

	vectors := make([][]float32, len(ordered))
	for i, item := range ordered {
		if len(item.Embedding) == 0 {
			return nil, ragerr.EmbedError(ragerr.ErrCodeEmbedResponse,
				fmt.Sprintf("empty embedding at position %d", i), nil)
		}
		if len(item.Embedding) != p.config.Dimensions {
			return nil, ragerr.EmbedError(ragerr.ErrCodeDimensionMismatch,
				fmt.Sprintf("embedding dimension %d does not match declared %d",
					len(item.Embedding), p.config.Dimensions), nil)
		}
		vectors[i] = normalizeVector(item.Embedding)
	}

	return vectors, nil
}

// classifyTransportError maps transport failures onto the EmbedError
// taxonomy: connection refused carries the target host, deadline
// expiry becomes a timeout, cancellation stays distinct.
func (p *HTTPProvider) classifyTransportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ragerr.Cancelled(ctx.Err())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ragerr.EmbedError(ragerr.ErrCodeEmbedTimeout,
			fmt.Sprintf("embedding request timed out after %s", p.config.Timeout), err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ragerr.EmbedError(ragerr.ErrCodeEmbedTimeout,
			fmt.Sprintf("embedding request timed out after %s", p.config.Timeout), err)
	}

	host := p.config.BaseURL
	if u, parseErr := url.Parse(p.config.BaseURL); parseErr == nil && u.Host != "" {
		host = u.Host
	}
	return ragerr.EmbedError(ragerr.ErrCodeEmbedConnect,
		fmt.Sprintf("cannot connect to embedding backend at %s", host), err)
}

// statusError builds the non-2xx error, carrying the server message
// when the body is JSON-decodable.
func (p *HTTPProvider) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	msg := fmt.Sprintf("embedding request failed with status %d", resp.StatusCode)

	var decoded errorResponse
	if err := json.Unmarshal(body, &decoded); err == nil && len(decoded.Error) > 0 {
		var asString string
		var asObject struct {
			Message string `json:"message"`
		}
		switch {
		case json.Unmarshal(decoded.Error, &asString) == nil && asString != "":
			msg = fmt.Sprintf("%s: %s", msg, asString)
		case json.Unmarshal(decoded.Error, &asObject) == nil && asObject.Message != "":
			msg = fmt.Sprintf("%s: %s", msg, asObject.Message)
		}
	}

	return ragerr.EmbedError(ragerr.ErrCodeEmbedStatus, msg, nil).
		WithDetail("status", fmt.Sprintf("%d", resp.StatusCode))
}

// Dimensions returns the declared embedding dimension.
func (p *HTTPProvider) Dimensions() int {
	return p.config.Dimensions
}

// ModelName returns the model identifier.
func (p *HTTPProvider) ModelName() string {
	return p.config.Model
}

// Close releases resources.
func (p *HTTPProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.client.CloseIdleConnections()
	return nil
}
