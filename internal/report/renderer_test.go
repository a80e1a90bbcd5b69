package report

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestHTTPRendererAccept(t *testing.T) {
	var got RenderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	id := uuid.NewString()
	r := NewHTTPRenderer(srv.URL)
	err := r.Render(context.Background(), RenderRequest{
		RequestID: id,
		Series:    map[string][]float64{"Food": {10, 20}},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got.RequestID != id {
		t.Fatalf("request id = %q, want %q", got.RequestID, id)
	}
	if len(got.Series["Food"]) != 2 {
		t.Fatalf("series not round-tripped: %v", got.Series)
	}
}

func TestHTTPRendererReject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewHTTPRenderer(srv.URL)
	err := r.Render(context.Background(), RenderRequest{RequestID: uuid.NewString()})
	if err == nil {
		t.Fatalf("expected error for non-2xx response")
	}
}

func TestHTTPRendererTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	r := NewHTTPRenderer(srv.URL)
	if err := r.Render(ctx, RenderRequest{RequestID: uuid.NewString()}); err == nil {
		t.Fatalf("expected timeout error")
	}
}
