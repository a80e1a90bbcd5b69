package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// HTTPRenderer dispatches render requests to the external rendering service
// over a synchronous HTTP call. The service answers accept/reject
// immediately; the artifact and its ready signal arrive later out of band.
type HTTPRenderer struct {
	url    string
	client *http.Client
}

func NewHTTPRenderer(url string) *HTTPRenderer {
	return &HTTPRenderer{
		url:    url,
		client: newPooledClient(),
	}
}

// newPooledClient returns an HTTP client with connection pooling and
// timeouts suited for repeated calls against a single rendering host.
func newPooledClient() *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   60 * time.Second,
	}
}

// Render posts the request as JSON. Any non-2xx answer is a rejection.
// Cancellation and deadline come from the caller's context.
func (r *HTTPRenderer) Render(ctx context.Context, req RenderRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal render request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build render request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("dispatch render request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a little of the body for the error context.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("renderer rejected request: status %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

var _ Renderer = (*HTTPRenderer)(nil)
