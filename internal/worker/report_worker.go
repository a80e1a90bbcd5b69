package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"commonpurse/internal/amqp"
	"commonpurse/internal/report"
)

// Notifier delivers a finished report artifact to its conversation. The
// conversation handle is opaque; the front end owns its meaning.
type Notifier interface {
	DeliverReport(ctx context.Context, conversation, requestID string) error
}

// ReportWorker consumes render-completion signals, matches them back to the
// originating conversation through the correlator, and runs the periodic
// artifact sweep.
type ReportWorker struct {
	correlator *report.Correlator
	notifier   Notifier
}

func NewReportWorker(correlator *report.Correlator, notifier Notifier) *ReportWorker {
	return &ReportWorker{
		correlator: correlator,
		notifier:   notifier,
	}
}

// HandleReportReady processes one completion signal from the rendering
// service. An unknown request id means the request was already resolved,
// expired, or never registered; the artifact has no recipient and is queued
// for removal.
func (w *ReportWorker) HandleReportReady(ctx context.Context, msg *amqp.ReportReadyMessage) error {
	conversation, ok := w.correlator.Resolve(msg.RequestID)
	if !ok {
		slog.InfoContext(ctx, "Completion for unknown report, reclaiming artifact",
			"report_id", msg.RequestID)
		w.correlator.QueueArtifactRemoval(msg.RequestID)
		return nil
	}

	if err := w.notifier.DeliverReport(ctx, conversation, msg.RequestID); err != nil {
		// Resolve consumed the pending entry; put it back so the requeued
		// message can find it.
		w.correlator.Reinstate(msg.RequestID, conversation)
		return fmt.Errorf("deliver report %s: %w", msg.RequestID, err)
	}

	// Delivered; the backing file is now superseded.
	w.correlator.QueueArtifactRemoval(msg.RequestID)

	slog.InfoContext(ctx, "Report delivered",
		"report_id", msg.RequestID)
	return nil
}

// RunSweeper invokes the correlator sweep on a fixed interval until the
// context is cancelled.
func (w *ReportWorker) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.correlator.Sweep(ctx)
		}
	}
}
