package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"commonpurse/internal/core"
)

// Store is the persistence surface the ledger needs. The store executes the
// cascade delete as one atomic unit; everything else is a single query.
type Store interface {
	LastTransaction(ctx context.Context, group core.GroupID) (id int64, total int64, found bool, err error)
	InsertTransaction(ctx context.Context, t core.Transaction) error
	DeleteTransactionCascade(ctx context.Context, group core.GroupID, txID int64) error
	ListTransactions(ctx context.Context, group core.GroupID, limit int) ([]core.Transaction, error)
}

// GroupLedger maintains each group's append-only transaction sequence and its
// materialized running totals.
//
// Mutations for the same group are serialized through a per-group lock: both
// append and delete read derived values (last id, last total, the set of
// later rows) and then write based on them, so two interleaved mutations on
// one group would corrupt the running-total invariant. Cross-group mutations
// proceed fully in parallel.
type GroupLedger struct {
	store  Store
	stamps *VersionStamps

	muMap map[core.GroupID]*sync.Mutex
	mapMu sync.Mutex // protects muMap itself
}

func New(store Store, stamps *VersionStamps) *GroupLedger {
	return &GroupLedger{
		store:  store,
		stamps: stamps,
		muMap:  make(map[core.GroupID]*sync.Mutex),
	}
}

func (l *GroupLedger) groupLock(group core.GroupID) *sync.Mutex {
	l.mapMu.Lock()
	defer l.mapMu.Unlock()

	if _, exists := l.muMap[group]; !exists {
		l.muMap[group] = &sync.Mutex{}
	}
	return l.muMap[group]
}

// Append derives the next transaction id and running total from the group's
// last row and commits a new transaction under them. An empty ledger starts
// at id 1 with the running total equal to the signed amount.
func (l *GroupLedger) Append(ctx context.Context, group core.GroupID, amount core.Money, recordDate time.Time, category, description string, recordedBy core.UserID) (core.Transaction, error) {
	t := core.Transaction{
		GroupID:     group,
		Amount:      amount,
		Category:    category,
		Description: description,
		RecordDate:  recordDate,
		RecordedBy:  recordedBy,
	}
	if err := t.Validate(); err != nil {
		return core.Transaction{}, fmt.Errorf("validate transaction: %w", err)
	}

	mu := l.groupLock(group)
	mu.Lock()
	defer mu.Unlock()

	lastID, lastTotal, _, err := l.store.LastTransaction(ctx, group)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("read last transaction: %w", err)
	}

	t.ID = lastID + 1
	t.RunningTotal = core.Money{Cents: lastTotal + amount.Cents}

	if err := l.store.InsertTransaction(ctx, t); err != nil {
		return core.Transaction{}, fmt.Errorf("append transaction: %w", err)
	}

	l.bump(ctx, group)
	return t, nil
}

// DeleteByID removes one transaction and rewrites the running total of every
// later row in the group. Returns storage.ErrNotFound (wrapped) when the id
// does not exist; callers treat that as nothing to do.
func (l *GroupLedger) DeleteByID(ctx context.Context, group core.GroupID, txID int64) error {
	mu := l.groupLock(group)
	mu.Lock()
	defer mu.Unlock()

	if err := l.store.DeleteTransactionCascade(ctx, group, txID); err != nil {
		return fmt.Errorf("delete transaction %d: %w", txID, err)
	}

	l.bump(ctx, group)
	return nil
}

// ListRecent returns up to limit most recent transactions by descending id.
// A non-positive limit means all rows, capped at the hard maximum.
func (l *GroupLedger) ListRecent(ctx context.Context, group core.GroupID, limit int) ([]core.Transaction, error) {
	txs, err := l.store.ListTransactions(ctx, group, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return txs, nil
}

// Balance returns the group's current balance in O(1) via the last
// materialized running total. An empty ledger has a zero balance.
func (l *GroupLedger) Balance(ctx context.Context, group core.GroupID) (core.Money, error) {
	_, total, _, err := l.store.LastTransaction(ctx, group)
	if err != nil {
		return core.Money{}, fmt.Errorf("read balance: %w", err)
	}
	return core.Money{Cents: total}, nil
}

// Stamps exposes the version stamps for consumers capturing staleness tokens.
func (l *GroupLedger) Stamps() *VersionStamps {
	return l.stamps
}

// Stamp returns the group's current version stamp, or the empty never-mutated
// sentinel when stamps are unavailable.
func (l *GroupLedger) Stamp(ctx context.Context, group core.GroupID) string {
	if l.stamps == nil {
		return ""
	}
	stamp, err := l.stamps.Current(ctx, group)
	if err != nil {
		slog.WarnContext(ctx, "Failed to read version stamp", "group_id", group, "error", err)
		return ""
	}
	return stamp
}

func (l *GroupLedger) bump(ctx context.Context, group core.GroupID) {
	if l.stamps == nil {
		return
	}
	stamp, err := l.stamps.Bump(ctx, group)
	if err != nil {
		// The mutation itself committed; a stale persisted stamp only delays
		// staleness detection until the next mutation.
		slog.WarnContext(ctx, "Failed to persist version stamp",
			"group_id", group, "version_stamp", stamp, "error", err)
	}
}
