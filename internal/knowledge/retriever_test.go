package knowledge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPRetrieverRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/retrieve" {
			t.Errorf("path = %s, want /retrieve", r.URL.Path)
		}
		var req retrieveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Query != "how to deploy" || req.TopK != 2 {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(retrieveResponse{Chunks: []Chunk{
			{ID: "c1", Source: "docs/deploy.md", Content: "run make deploy", Score: 0.92},
			{ID: "c2", Source: "docs/ci.md", Content: "ci builds first", Score: 0.81},
		}})
	}))
	defer srv.Close()

	r := NewHTTPRetriever(srv.URL, 0, srv.Client())
	chunks, err := r.Retrieve(context.Background(), "how to deploy", 2)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("len = %d, want 2", len(chunks))
	}
	if chunks[0].Content != "run make deploy" {
		t.Fatalf("chunk[0] = %+v", chunks[0])
	}
}

func TestHTTPRetrieverTruncatesToK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(retrieveResponse{Chunks: []Chunk{
			{ID: "c1", Content: "a"}, {ID: "c2", Content: "b"}, {ID: "c3", Content: "c"},
		}})
	}))
	defer srv.Close()

	r := NewHTTPRetriever(srv.URL, 0, srv.Client())
	chunks, err := r.Retrieve(context.Background(), "q", 2)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("len = %d, want server overrun clipped to 2", len(chunks))
	}
}

func TestHTTPRetrieverServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "index rebuilding", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewHTTPRetriever(srv.URL, 0, srv.Client())
	if _, err := r.Retrieve(context.Background(), "q", 3); err == nil {
		t.Fatal("expected error on 503")
	}
}
