package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"commonpurse/internal/core"
	"commonpurse/internal/storage"
)

// memStore is an in-memory Store with the same atomicity guarantees the
// SQLite repository provides.
type memStore struct {
	mu     sync.Mutex
	rows   map[core.GroupID][]core.Transaction
	stamps map[core.GroupID]string

	lastReads int
}

func newMemStore() *memStore {
	return &memStore{
		rows:   make(map[core.GroupID][]core.Transaction),
		stamps: make(map[core.GroupID]string),
	}
}

func (m *memStore) LastTransaction(ctx context.Context, group core.GroupID) (int64, int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastReads++

	rows := m.rows[group]
	if len(rows) == 0 {
		return 0, 0, false, nil
	}
	last := rows[len(rows)-1]
	return last.ID, last.RunningTotal.Cents, true, nil
}

func (m *memStore) InsertTransaction(ctx context.Context, t core.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[t.GroupID] = append(m.rows[t.GroupID], t)
	return nil
}

func (m *memStore) DeleteTransactionCascade(ctx context.Context, group core.GroupID, txID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.rows[group]
	idx := -1
	for i, r := range rows {
		if r.ID == txID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return storage.ErrNotFound
	}

	amount := rows[idx].Amount.Cents
	out := make([]core.Transaction, 0, len(rows)-1)
	for i, r := range rows {
		if i == idx {
			continue
		}
		if r.ID > txID {
			r.RunningTotal.Cents -= amount
		}
		out = append(out, r)
	}
	m.rows[group] = out
	return nil
}

func (m *memStore) ListTransactions(ctx context.Context, group core.GroupID, limit int) ([]core.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > core.MaxListLimit {
		limit = core.MaxListLimit
	}
	rows := append([]core.Transaction(nil), m.rows[group]...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID > rows[j].ID })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (m *memStore) SetGroupStamp(ctx context.Context, group core.GroupID, stamp string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamps[group] = stamp
	return nil
}

func (m *memStore) GroupStamp(ctx context.Context, group core.GroupID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stamps[group], nil
}

func newTestLedger() (*GroupLedger, *memStore) {
	store := newMemStore()
	return New(store, NewVersionStamps(store)), store
}

var testDate = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func mustAppend(t *testing.T, l *GroupLedger, group core.GroupID, cents int64) core.Transaction {
	t.Helper()
	tx, err := l.Append(context.Background(), group, core.Money{Cents: cents}, testDate, "General", "entry", 1)
	if err != nil {
		t.Fatalf("append %d: %v", cents, err)
	}
	return tx
}

// checkInvariant verifies running_total[i] == running_total[i-1] + amount[i]
// for the surviving rows ordered by id.
func checkInvariant(t *testing.T, l *GroupLedger, group core.GroupID) {
	t.Helper()
	txs, err := l.ListRecent(context.Background(), group, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	// ListRecent is descending; walk ascending.
	var prev int64
	for i := len(txs) - 1; i >= 0; i-- {
		tx := txs[i]
		want := prev + tx.Amount.Cents
		if tx.RunningTotal.Cents != want {
			t.Fatalf("transaction %d: running total %d, want %d", tx.ID, tx.RunningTotal.Cents, want)
		}
		prev = tx.RunningTotal.Cents
	}
}

func TestAppendDerivesIDAndTotal(t *testing.T) {
	l, _ := newTestLedger()
	group := core.GroupID(1)

	tx1 := mustAppend(t, l, group, 1000)
	if tx1.ID != 1 || tx1.RunningTotal.Cents != 1000 {
		t.Fatalf("first append: id=%d total=%d, want id=1 total=1000", tx1.ID, tx1.RunningTotal.Cents)
	}

	tx2 := mustAppend(t, l, group, -300)
	if tx2.ID != 2 || tx2.RunningTotal.Cents != 700 {
		t.Fatalf("second append: id=%d total=%d, want id=2 total=700", tx2.ID, tx2.RunningTotal.Cents)
	}

	checkInvariant(t, l, group)
}

func TestDeleteCascadesRunningTotals(t *testing.T) {
	l, _ := newTestLedger()
	group := core.GroupID(1)

	mustAppend(t, l, group, 1000) // id 1, total 1000
	mustAppend(t, l, group, -300) // id 2, total 700
	mustAppend(t, l, group, 500)  // id 3, total 1200

	if err := l.DeleteByID(context.Background(), group, 2); err != nil {
		t.Fatalf("delete: %v", err)
	}

	checkInvariant(t, l, group)

	balance, err := l.Balance(context.Background(), group)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance.Cents != 1500 {
		t.Fatalf("balance after delete = %d, want 1500", balance.Cents)
	}
}

func TestIDsNeverReused(t *testing.T) {
	l, _ := newTestLedger()
	group := core.GroupID(1)

	mustAppend(t, l, group, 100) // id 1
	mustAppend(t, l, group, 100) // id 2
	mustAppend(t, l, group, 100) // id 3

	if err := l.DeleteByID(context.Background(), group, 2); err != nil {
		t.Fatalf("delete: %v", err)
	}

	tx := mustAppend(t, l, group, 100)
	if tx.ID != 4 {
		t.Fatalf("append after mid-delete: id=%d, want 4 (ids are never reused)", tx.ID)
	}
	checkInvariant(t, l, group)
}

func TestDeleteThenReappendFromEmpty(t *testing.T) {
	l, _ := newTestLedger()
	group := core.GroupID(1)

	mustAppend(t, l, group, 800)
	if err := l.DeleteByID(context.Background(), group, 1); err != nil {
		t.Fatalf("delete sole transaction: %v", err)
	}

	txs, err := l.ListRecent(context.Background(), group, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txs) != 0 {
		t.Fatalf("expected empty ledger, got %d rows", len(txs))
	}

	tx := mustAppend(t, l, group, -450)
	if tx.ID != 1 {
		t.Fatalf("fresh sequence id=%d, want 1", tx.ID)
	}
	if tx.RunningTotal.Cents != -450 {
		t.Fatalf("fresh sequence total=%d, want -450", tx.RunningTotal.Cents)
	}
}

func TestDeleteUnknownIDReportsNotFound(t *testing.T) {
	l, _ := newTestLedger()
	group := core.GroupID(1)
	mustAppend(t, l, group, 100)

	err := l.DeleteByID(context.Background(), group, 99)
	if err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestAppendRejectsInvalidTransaction(t *testing.T) {
	l, store := newTestLedger()
	group := core.GroupID(1)

	_, err := l.Append(context.Background(), group, core.Money{Cents: 0}, testDate, "c", "d", 1)
	if err == nil {
		t.Fatalf("expected error for zero amount")
	}
	if len(store.rows[group]) != 0 {
		t.Fatalf("rejected append must not touch the store")
	}
}

func TestStampBumpsOnEveryMutation(t *testing.T) {
	l, _ := newTestLedger()
	group := core.GroupID(1)
	ctx := context.Background()

	s0, err := l.Stamps().Current(ctx, group)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if s0 != "" {
		t.Fatalf("never-mutated group should have empty stamp, got %q", s0)
	}

	mustAppend(t, l, group, 100)
	s1, _ := l.Stamps().Current(ctx, group)
	if s1 == "" {
		t.Fatalf("stamp missing after append")
	}

	mustAppend(t, l, group, 100)
	s2, _ := l.Stamps().Current(ctx, group)
	if s2 == s1 {
		t.Fatalf("stamp must change on every mutation")
	}

	if err := l.DeleteByID(ctx, group, 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	s3, _ := l.Stamps().Current(ctx, group)
	if s3 == s2 {
		t.Fatalf("stamp must change on delete")
	}
}

func TestConcurrentAppendsSameGroup(t *testing.T) {
	l, _ := newTestLedger()
	group := core.GroupID(1)

	const workers = 8
	const perWorker = 25

	errCh := make(chan error, workers*perWorker)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := l.Append(context.Background(), group, core.Money{Cents: 100}, testDate, "General", "entry", 1); err != nil {
					errCh <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent append: %v", err)
	}

	txs, err := l.ListRecent(context.Background(), group, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txs) != workers*perWorker {
		t.Fatalf("expected %d rows, got %d", workers*perWorker, len(txs))
	}

	seen := make(map[int64]bool)
	for _, tx := range txs {
		if seen[tx.ID] {
			t.Fatalf("duplicate transaction id %d", tx.ID)
		}
		seen[tx.ID] = true
	}
	checkInvariant(t, l, group)

	balance, _ := l.Balance(context.Background(), group)
	if balance.Cents != int64(workers*perWorker*100) {
		t.Fatalf("balance = %d, want %d", balance.Cents, workers*perWorker*100)
	}
}

func TestListRecentLimit(t *testing.T) {
	l, _ := newTestLedger()
	group := core.GroupID(1)

	for i := 0; i < 10; i++ {
		mustAppend(t, l, group, 100)
	}

	txs, err := l.ListRecent(context.Background(), group, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(txs) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(txs))
	}
	if txs[0].ID != 10 || txs[1].ID != 9 || txs[2].ID != 8 {
		t.Fatalf("expected descending ids 10,9,8, got %d,%d,%d", txs[0].ID, txs[1].ID, txs[2].ID)
	}
}
