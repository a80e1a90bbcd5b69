package worker

import (
	"context"
	"fmt"
	"log/slog"

	"commonpurse/internal/amqp"
	"commonpurse/internal/core"
	"commonpurse/internal/export"
	"commonpurse/internal/storage"
)

// ExportStore is the slice of the repository the export worker needs.
type ExportStore interface {
	GetTransaction(ctx context.Context, group core.GroupID, txID int64) (core.Transaction, error)
	PendingExport(ctx context.Context, limit int) ([]storage.PendingExportTransaction, error)
	MarkExported(ctx context.Context, group core.GroupID, txID int64) error
	MarkExportError(ctx context.Context, group core.GroupID, txID int64) error
}

// ExportWorker copies ledger rows from SQLite to the external spreadsheet.
type ExportWorker struct {
	store     ExportStore
	writer    export.TransactionWriter
	batchSize int
}

func NewExportWorker(store ExportStore, writer export.TransactionWriter, batchSize int) *ExportWorker {
	return &ExportWorker{
		store:     store,
		writer:    writer,
		batchSize: batchSize,
	}
}

// HandleExportMessage processes a single export request from AMQP.
func (w *ExportWorker) HandleExportMessage(ctx context.Context, msg *amqp.ExportMessage) error {
	slog.InfoContext(ctx, "Processing export message",
		"group_id", msg.GroupID,
		"transaction_id", msg.TxID)

	t, err := w.store.GetTransaction(ctx, msg.GroupID, msg.TxID)
	if err != nil {
		return fmt.Errorf("get transaction from storage: %w", err)
	}

	if err := w.exportTransaction(ctx, t); err != nil {
		return fmt.Errorf("export transaction: %w", err)
	}

	return nil
}

// ProcessPending exports any rows that have not been exported yet. This is a
// backup mechanism in case AMQP messages are lost.
func (w *ExportWorker) ProcessPending(ctx context.Context) error {
	pending, err := w.store.PendingExport(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("get pending exports: %w", err)
	}

	if len(pending) == 0 {
		return nil
	}

	slog.InfoContext(ctx, "Processing pending exports", "count", len(pending))

	for _, p := range pending {
		t, err := w.store.GetTransaction(ctx, p.GroupID, p.TxID)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to get transaction",
				"group_id", p.GroupID, "transaction_id", p.TxID, "error", err)
			if err := w.store.MarkExportError(ctx, p.GroupID, p.TxID); err != nil {
				slog.ErrorContext(ctx, "Failed to mark export error",
					"group_id", p.GroupID, "transaction_id", p.TxID, "error", err)
			}
			continue
		}

		if err := w.exportTransaction(ctx, t); err != nil {
			slog.ErrorContext(ctx, "Failed to export transaction",
				"group_id", p.GroupID, "transaction_id", p.TxID, "error", err)
			continue
		}
	}

	return nil
}

// StartupCheck exports pending rows at worker startup, recovering from
// missed AMQP messages or worker downtime.
func (w *ExportWorker) StartupCheck(ctx context.Context) error {
	pending, err := w.store.PendingExport(ctx, w.batchSize*5)
	if err != nil {
		return fmt.Errorf("get pending exports for startup check: %w", err)
	}

	if len(pending) == 0 {
		slog.InfoContext(ctx, "No pending exports found on startup")
		return nil
	}

	slog.InfoContext(ctx, "Found pending exports on startup, processing...",
		"count", len(pending))

	successCount := 0
	errorCount := 0

	for _, p := range pending {
		t, err := w.store.GetTransaction(ctx, p.GroupID, p.TxID)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to get transaction for startup export",
				"group_id", p.GroupID, "transaction_id", p.TxID, "error", err)
			if err := w.store.MarkExportError(ctx, p.GroupID, p.TxID); err != nil {
				slog.ErrorContext(ctx, "Failed to mark export error",
					"group_id", p.GroupID, "transaction_id", p.TxID, "error", err)
			}
			errorCount++
			continue
		}

		if err := w.exportTransaction(ctx, t); err != nil {
			slog.ErrorContext(ctx, "Failed to export transaction during startup",
				"group_id", p.GroupID, "transaction_id", p.TxID, "error", err)
			errorCount++
			continue
		}

		successCount++
	}

	slog.InfoContext(ctx, "Startup export completed",
		"total", len(pending),
		"exported", successCount,
		"errors", errorCount)

	return nil
}

func (w *ExportWorker) exportTransaction(ctx context.Context, t core.Transaction) error {
	ref, err := w.writer.AppendTransaction(ctx, t)
	if err != nil {
		if markErr := w.store.MarkExportError(ctx, t.GroupID, t.ID); markErr != nil {
			slog.ErrorContext(ctx, "Failed to mark export error",
				"group_id", t.GroupID, "transaction_id", t.ID, "error", markErr)
		}
		return fmt.Errorf("append to sheet: %w", err)
	}

	if err := w.store.MarkExported(ctx, t.GroupID, t.ID); err != nil {
		// Don't fail here, the export itself worked.
		slog.ErrorContext(ctx, "Failed to mark as exported",
			"group_id", t.GroupID, "transaction_id", t.ID, "error", err)
	}

	slog.InfoContext(ctx, "Successfully exported transaction",
		"group_id", t.GroupID,
		"transaction_id", t.ID,
		"sheet_ref", ref,
		"amount_cents", t.Amount.Cents)

	return nil
}
