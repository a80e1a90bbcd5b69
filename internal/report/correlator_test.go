package report

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeRenderer struct {
	err      error
	requests []RenderRequest
}

func (f *fakeRenderer) Render(ctx context.Context, req RenderRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.err != nil {
		return f.err
	}
	f.requests = append(f.requests, req)
	return nil
}

func validSeries() map[string][]float64 {
	return map[string][]float64{
		"Groceries": {0, 123.45},
		"Salary":    {2000, 0},
	}
}

func TestRegisterResolveRoundTrip(t *testing.T) {
	r := &fakeRenderer{}
	c := NewCorrelator(r, t.TempDir(), time.Hour)

	id := uuid.NewString()
	if !c.Register(context.Background(), id, "chat:42", validSeries()) {
		t.Fatalf("register failed")
	}
	if len(r.requests) != 1 {
		t.Fatalf("expected 1 dispatch, got %d", len(r.requests))
	}

	conv, ok := c.Resolve(id)
	if !ok || conv != "chat:42" {
		t.Fatalf("resolve = (%q, %v), want (chat:42, true)", conv, ok)
	}

	// Exactly once: a second resolve has nothing to deliver.
	if _, ok := c.Resolve(id); ok {
		t.Fatalf("second resolve must report absent")
	}
}

func TestRegisterValidation(t *testing.T) {
	r := &fakeRenderer{}
	c := NewCorrelator(r, t.TempDir(), time.Hour)
	ctx := context.Background()

	tests := []struct {
		name         string
		requestID    string
		conversation string
		series       map[string][]float64
	}{
		{"malformed id", "not-a-uuid", "chat:1", validSeries()},
		{"empty conversation", uuid.NewString(), "  ", validSeries()},
		{"empty series", uuid.NewString(), "chat:1", map[string][]float64{}},
		{"series with one dimension", uuid.NewString(), "chat:1", map[string][]float64{"a": {1}}},
		{"series with three dimensions", uuid.NewString(), "chat:1", map[string][]float64{"a": {1, 2, 3}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if c.Register(ctx, tt.requestID, tt.conversation, tt.series) {
				t.Fatalf("expected rejection")
			}
		})
	}

	if len(r.requests) != 0 {
		t.Fatalf("rejected requests must not be dispatched, got %d", len(r.requests))
	}
	if c.PendingCount() != 0 {
		t.Fatalf("rejected requests must leave no side effect, pending=%d", c.PendingCount())
	}
}

func TestRegisterDispatchFailureLeavesNothing(t *testing.T) {
	r := &fakeRenderer{err: errors.New("service unavailable")}
	c := NewCorrelator(r, t.TempDir(), time.Hour)

	if c.Register(context.Background(), uuid.NewString(), "chat:1", validSeries()) {
		t.Fatalf("expected failure when dispatch fails")
	}
	if c.PendingCount() != 0 {
		t.Fatalf("failed dispatch must not register, pending=%d", c.PendingCount())
	}
}

// resolvingRenderer resolves the request from inside the dispatch call, the
// way a fast completion can land before the dispatch response is read.
type resolvingRenderer struct {
	c    *Correlator
	conv string
	ok   bool
}

func (r *resolvingRenderer) Render(_ context.Context, req RenderRequest) error {
	r.conv, r.ok = r.c.Resolve(req.RequestID)
	return nil
}

func TestResolveDuringDispatchFindsConversation(t *testing.T) {
	r := &resolvingRenderer{}
	c := NewCorrelator(r, t.TempDir(), time.Hour)
	r.c = c

	if !c.Register(context.Background(), uuid.NewString(), "chat:7", validSeries()) {
		t.Fatalf("register failed")
	}
	if !r.ok || r.conv != "chat:7" {
		t.Fatalf("mid-dispatch resolve = (%q, %v), want (chat:7, true)", r.conv, r.ok)
	}
	if c.PendingCount() != 0 {
		t.Fatalf("resolved request must not stay pending, pending=%d", c.PendingCount())
	}
}

func TestRegisterTimeoutLeavesNothing(t *testing.T) {
	r := &fakeRenderer{}
	c := NewCorrelator(r, t.TempDir(), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if c.Register(ctx, uuid.NewString(), "chat:1", validSeries()) {
		t.Fatalf("expected failure on expired context")
	}
	if c.PendingCount() != 0 {
		t.Fatalf("timed-out dispatch must not register, pending=%d", c.PendingCount())
	}
}

func TestSweepRemovesQueuedArtifacts(t *testing.T) {
	dir := t.TempDir()
	c := NewCorrelator(&fakeRenderer{}, dir, time.Hour)

	ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	for _, id := range ids[1:] {
		if err := os.WriteFile(filepath.Join(dir, id+".png"), []byte("png"), 0644); err != nil {
			t.Fatalf("write artifact: %v", err)
		}
	}

	// ids[0] has no backing file: its removal fails but must not block the
	// rest of the batch.
	for _, id := range ids {
		c.QueueArtifactRemoval(id)
	}
	c.Sweep(context.Background())

	for _, id := range ids[1:] {
		if _, err := os.Stat(filepath.Join(dir, id+".png")); !os.IsNotExist(err) {
			t.Fatalf("artifact %s should be gone", id)
		}
	}
}

func TestSweepReclaimsAbandonedRequests(t *testing.T) {
	dir := t.TempDir()
	r := &fakeRenderer{}
	c := NewCorrelator(r, dir, time.Hour)

	now := time.Now()
	c.now = func() time.Time { return now }

	id := uuid.NewString()
	if !c.Register(context.Background(), id, "chat:1", validSeries()) {
		t.Fatalf("register failed")
	}
	if err := os.WriteFile(filepath.Join(dir, id+".png"), []byte("png"), 0644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}

	// Within retention: nothing reclaimed.
	c.Sweep(context.Background())
	if c.PendingCount() != 1 {
		t.Fatalf("fresh request must survive sweep")
	}

	// Past retention: entry expires and the artifact is removed.
	c.now = func() time.Time { return now.Add(2 * time.Hour) }
	c.Sweep(context.Background())

	if c.PendingCount() != 0 {
		t.Fatalf("abandoned request must be reclaimed")
	}
	if _, ok := c.Resolve(id); ok {
		t.Fatalf("expired request must resolve as absent")
	}
	if _, err := os.Stat(filepath.Join(dir, id+".png")); !os.IsNotExist(err) {
		t.Fatalf("abandoned artifact should be removed")
	}
}
