// Package knowledge is the thin client side of the knowledge base. The
// embedding pipeline lives behind an external service; relay only sends a
// query and renders the chunks it gets back.
package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Chunk is one retrieved knowledge-base passage.
type Chunk struct {
	ID      string  `json:"id"`
	Source  string  `json:"source,omitempty"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// Retriever answers top-k queries against the knowledge base.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Chunk, error)
}

// HTTPRetriever queries a remote retrieval service speaking
// POST /retrieve {query, top_k} → {chunks}.
type HTTPRetriever struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRetriever creates a retriever against baseURL. client may be nil.
func NewHTTPRetriever(baseURL string, timeout time.Duration, client *http.Client) *HTTPRetriever {
	if client == nil {
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPRetriever{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

type retrieveRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type retrieveResponse struct {
	Chunks []Chunk `json:"chunks"`
}

func (r *HTTPRetriever) Retrieve(ctx context.Context, query string, k int) ([]Chunk, error) {
	if k <= 0 {
		k = 5
	}
	body, err := json.Marshal(retrieveRequest{Query: query, TopK: k})
	if err != nil {
		return nil, fmt.Errorf("encode retrieve request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/retrieve", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build retrieve request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("retriever request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read retriever response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("retriever returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded retrieveResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode retriever response: %w", err)
	}
	if len(decoded.Chunks) > k {
		decoded.Chunks = decoded.Chunks[:k]
	}
	return decoded.Chunks, nil
}
