package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"
)

// ReRanker reorders a candidate list given a query. Implementations are
// optional: on any failure the engine falls back to the unranked list
// without surfacing the error.
type ReRanker interface {
	// Rerank returns the candidates reordered by relevance to query.
	Rerank(ctx context.Context, query string, candidates []*Result) ([]*Result, error)
}

// HTTPReRanker scores query/document pairs against a local
// cross-encoder service exposing a /rerank endpoint.
type HTTPReRanker struct {
	client   *http.Client
	endpoint string
	model    string
	timeout  time.Duration
}

// NewHTTPReRanker creates a reranker client.
func NewHTTPReRanker(endpoint, model string, timeout time.Duration) *HTTPReRanker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPReRanker{
		client:   &http.Client{},
		endpoint: endpoint,
		model:    model,
		timeout:  timeout,
	}
}

type rerankRequest struct {
	Model     string   `json:"model"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index int     `json:"index"`
		Score float64 `json:"relevance_score"`
	} `json:"results"`
}

// Rerank sends candidate texts to the service and reorders the input by
// the returned relevance scores, descending.
func (r *HTTPReRanker) Rerank(ctx context.Context, query string, candidates []*Result) ([]*Result, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		if c.Chunk != nil {
			docs[i] = c.Chunk.Content
		} else {
			docs[i] = c.ChunkID
		}
	}

	body, err := json.Marshal(rerankRequest{Model: r.model, Query: query, Documents: docs})
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("rerank failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var decoded rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, err
	}

	scores := make(map[int]float64, len(decoded.Results))
	for _, item := range decoded.Results {
		if item.Index < 0 || item.Index >= len(candidates) {
			return nil, fmt.Errorf("rerank returned out-of-range index %d", item.Index)
		}
		scores[item.Index] = item.Score
	}

	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})

	reordered := make([]*Result, len(candidates))
	for i, idx := range order {
		reordered[i] = candidates[idx]
	}
	return reordered, nil
}
