// Package report matches asynchronous report-generation requests to their
// eventual completions and reclaims stale artifacts.
package report

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Renderer is the external diagram-rendering collaborator. It accepts or
// rejects a request synchronously; the rendered artifact arrives later
// through a side channel.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) error
}

// RenderRequest is the payload sent to the renderer. Each series maps a
// label to exactly two values (income and expense).
type RenderRequest struct {
	RequestID string               `json:"request_id"`
	Series    map[string][]float64 `json:"series"`
}

type pendingReport struct {
	conversation string
	requestedAt  time.Time
}

// Correlator tracks outstanding render requests keyed by request id, hands
// completions back to the originating conversation, and garbage-collects
// artifacts that were never claimed.
type Correlator struct {
	renderer    Renderer
	artifactDir string
	retention   time.Duration

	mu      sync.Mutex
	pending map[string]pendingReport
	// request ids whose artifacts are queued for deletion
	reclaim []string

	now func() time.Time
}

// NewCorrelator creates a correlator. Abandoned requests are reclaimed by
// Sweep once they are older than retention.
func NewCorrelator(renderer Renderer, artifactDir string, retention time.Duration) *Correlator {
	return &Correlator{
		renderer:    renderer,
		artifactDir: artifactDir,
		retention:   retention,
		pending:     make(map[string]pendingReport),
		now:         time.Now,
	}
}

// Register validates the request, records the pending entry, and dispatches
// it to the renderer. The entry goes in before the dispatch call so a
// completion arriving while the dispatch response is still in flight can find
// its conversation. It returns false on any validation or dispatch failure;
// a failed dispatch removes the entry again, leaving no side effect behind,
// and the caller decides whether to inform the end user.
//
// The dispatch honors the caller's context deadline: on timeout nothing
// stays registered.
func (c *Correlator) Register(ctx context.Context, requestID, conversation string, series map[string][]float64) bool {
	if !validRequestID(requestID) {
		slog.WarnContext(ctx, "Rejected report request: malformed id", "report_id", requestID)
		return false
	}
	if strings.TrimSpace(conversation) == "" {
		slog.WarnContext(ctx, "Rejected report request: empty conversation", "report_id", requestID)
		return false
	}
	if len(series) == 0 {
		slog.WarnContext(ctx, "Rejected report request: empty series", "report_id", requestID)
		return false
	}
	for label, values := range series {
		if len(values) != 2 {
			slog.WarnContext(ctx, "Rejected report request: series shape mismatch",
				"report_id", requestID, "label", label, "dimensions", len(values))
			return false
		}
	}

	c.mu.Lock()
	c.pending[requestID] = pendingReport{
		conversation: conversation,
		requestedAt:  c.now(),
	}
	c.mu.Unlock()

	if err := c.renderer.Render(ctx, RenderRequest{RequestID: requestID, Series: series}); err != nil {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
		slog.ErrorContext(ctx, "Render dispatch failed", "report_id", requestID, "error", err)
		return false
	}

	slog.InfoContext(ctx, "Report registered", "report_id", requestID, "series", len(series))
	return true
}

// Resolve removes and returns the conversation for a completed request.
// An unknown id (already resolved, expired, or never registered) reports
// false; the caller treats all three identically as nothing to deliver.
func (c *Correlator) Resolve(requestID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[requestID]
	if !ok {
		return "", false
	}
	delete(c.pending, requestID)
	return p.conversation, true
}

// Reinstate puts a resolved request back into the pending set so a retried
// completion can find it. The retention clock restarts.
func (c *Correlator) Reinstate(requestID, conversation string) {
	if !validRequestID(requestID) || strings.TrimSpace(conversation) == "" {
		return
	}
	c.mu.Lock()
	c.pending[requestID] = pendingReport{
		conversation: conversation,
		requestedAt:  c.now(),
	}
	c.mu.Unlock()
}

// QueueArtifactRemoval marks a request's backing artifact for deletion on the
// next sweep, used once a caller knows the artifact is superseded.
func (c *Correlator) QueueArtifactRemoval(requestID string) {
	if !validRequestID(requestID) {
		return
	}
	c.mu.Lock()
	c.reclaim = append(c.reclaim, requestID)
	c.mu.Unlock()
}

// Sweep expires pending requests abandoned past the retention window and
// deletes queued artifacts. Individual not-found or permission failures are
// logged and skipped; one failing deletion never blocks the rest.
func (c *Correlator) Sweep(ctx context.Context) {
	cutoff := c.now().Add(-c.retention)

	c.mu.Lock()
	for id, p := range c.pending {
		if p.requestedAt.Before(cutoff) {
			delete(c.pending, id)
			c.reclaim = append(c.reclaim, id)
			slog.InfoContext(ctx, "Expired abandoned report", "report_id", id)
		}
	}
	batch := c.reclaim
	c.reclaim = nil
	c.mu.Unlock()

	for _, id := range batch {
		path := c.artifactPath(id)
		if err := os.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				slog.WarnContext(ctx, "Artifact removal failed", "artifact", path, "error", err)
			}
			continue
		}
		slog.DebugContext(ctx, "Artifact removed", "artifact", path)
	}
}

// PendingCount returns the number of outstanding requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) artifactPath(requestID string) string {
	return filepath.Join(c.artifactDir, requestID+".png")
}

// validRequestID accepts only UUIDs, which keeps request ids filename-safe
// for artifact paths.
func validRequestID(requestID string) bool {
	_, err := uuid.Parse(requestID)
	return err == nil
}
