package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"commonpurse/internal/amqp"
	"commonpurse/internal/core"
	"commonpurse/internal/storage"
)

type fakeExportStore struct {
	transactions map[[2]int64]core.Transaction
	status       map[[2]int64]string
}

func newFakeExportStore() *fakeExportStore {
	return &fakeExportStore{
		transactions: make(map[[2]int64]core.Transaction),
		status:       make(map[[2]int64]string),
	}
}

func (s *fakeExportStore) add(t core.Transaction) {
	key := [2]int64{int64(t.GroupID), t.ID}
	s.transactions[key] = t
	s.status[key] = "pending"
}

func (s *fakeExportStore) GetTransaction(_ context.Context, group core.GroupID, txID int64) (core.Transaction, error) {
	t, ok := s.transactions[[2]int64{int64(group), txID}]
	if !ok {
		return core.Transaction{}, storage.ErrNotFound
	}
	return t, nil
}

func (s *fakeExportStore) PendingExport(_ context.Context, limit int) ([]storage.PendingExportTransaction, error) {
	var pending []storage.PendingExportTransaction
	for key, st := range s.status {
		if st != "pending" {
			continue
		}
		pending = append(pending, storage.PendingExportTransaction{
			GroupID: core.GroupID(key[0]),
			TxID:    key[1],
		})
		if len(pending) == limit {
			break
		}
	}
	return pending, nil
}

func (s *fakeExportStore) MarkExported(_ context.Context, group core.GroupID, txID int64) error {
	s.status[[2]int64{int64(group), txID}] = "exported"
	return nil
}

func (s *fakeExportStore) MarkExportError(_ context.Context, group core.GroupID, txID int64) error {
	s.status[[2]int64{int64(group), txID}] = "error"
	return nil
}

type fakeWriter struct {
	appended []core.Transaction
	fail     bool
}

func (w *fakeWriter) AppendTransaction(_ context.Context, t core.Transaction) (string, error) {
	if w.fail {
		return "", errors.New("sheet unavailable")
	}
	w.appended = append(w.appended, t)
	return "Ledger!A2:H2", nil
}

func sampleTransaction(group core.GroupID, id int64) core.Transaction {
	return core.Transaction{
		GroupID:      group,
		ID:           id,
		Amount:       core.Money{Cents: -1250},
		RunningTotal: core.Money{Cents: 8750},
		Category:     "groceries",
		Description:  "weekly shop",
		RecordDate:   time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC),
		RecordedBy:   7,
	}
}

func TestHandleExportMessageMarksExported(t *testing.T) {
	store := newFakeExportStore()
	store.add(sampleTransaction(42, 3))
	writer := &fakeWriter{}
	w := NewExportWorker(store, writer, 10)

	msg := &amqp.ExportMessage{GroupID: 42, TxID: 3}
	if err := w.HandleExportMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleExportMessage() error = %v", err)
	}

	if len(writer.appended) != 1 {
		t.Fatalf("appended %d rows, want 1", len(writer.appended))
	}
	if got := store.status[[2]int64{42, 3}]; got != "exported" {
		t.Errorf("status = %q, want exported", got)
	}
}

func TestHandleExportMessageUnknownTransaction(t *testing.T) {
	store := newFakeExportStore()
	w := NewExportWorker(store, &fakeWriter{}, 10)

	msg := &amqp.ExportMessage{GroupID: 42, TxID: 99}
	if err := w.HandleExportMessage(context.Background(), msg); err == nil {
		t.Fatal("HandleExportMessage() expected error for missing transaction")
	}
}

func TestExportFailureMarksError(t *testing.T) {
	store := newFakeExportStore()
	store.add(sampleTransaction(42, 1))
	w := NewExportWorker(store, &fakeWriter{fail: true}, 10)

	msg := &amqp.ExportMessage{GroupID: 42, TxID: 1}
	if err := w.HandleExportMessage(context.Background(), msg); err == nil {
		t.Fatal("HandleExportMessage() expected error when writer fails")
	}
	if got := store.status[[2]int64{42, 1}]; got != "error" {
		t.Errorf("status = %q, want error", got)
	}
}

func TestProcessPendingExportsAll(t *testing.T) {
	store := newFakeExportStore()
	for i := int64(1); i <= 4; i++ {
		store.add(sampleTransaction(7, i))
	}
	writer := &fakeWriter{}
	w := NewExportWorker(store, writer, 10)

	if err := w.ProcessPending(context.Background()); err != nil {
		t.Fatalf("ProcessPending() error = %v", err)
	}

	if len(writer.appended) != 4 {
		t.Fatalf("appended %d rows, want 4", len(writer.appended))
	}
	for i := int64(1); i <= 4; i++ {
		if got := store.status[[2]int64{7, i}]; got != "exported" {
			t.Errorf("transaction %d status = %q, want exported", i, got)
		}
	}
}

func TestProcessPendingSkipsExported(t *testing.T) {
	store := newFakeExportStore()
	store.add(sampleTransaction(7, 1))
	store.add(sampleTransaction(7, 2))
	store.status[[2]int64{7, 1}] = "exported"

	writer := &fakeWriter{}
	w := NewExportWorker(store, writer, 10)

	if err := w.ProcessPending(context.Background()); err != nil {
		t.Fatalf("ProcessPending() error = %v", err)
	}
	if len(writer.appended) != 1 {
		t.Fatalf("appended %d rows, want 1", len(writer.appended))
	}
}

func TestStartupCheckContinuesPastFailures(t *testing.T) {
	store := newFakeExportStore()
	store.add(sampleTransaction(7, 1))
	// A pending row whose transaction vanished.
	store.status[[2]int64{7, 2}] = "pending"

	writer := &fakeWriter{}
	w := NewExportWorker(store, writer, 10)

	if err := w.StartupCheck(context.Background()); err != nil {
		t.Fatalf("StartupCheck() error = %v", err)
	}

	if got := store.status[[2]int64{7, 1}]; got != "exported" {
		t.Errorf("healthy row status = %q, want exported", got)
	}
	if got := store.status[[2]int64{7, 2}]; got != "error" {
		t.Errorf("orphan row status = %q, want error", got)
	}
}
