package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"commonpurse/internal/core"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a row does not exist. Callers treat it as a
// "nothing to do" outcome, not a fatal condition.
var ErrNotFound = errors.New("not found")

// ErrGroupFull is returned when a join would push a group past the
// membership limit.
var ErrGroupFull = errors.New("group full")

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Run migrations
	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// --- users ---

// RegisterUser creates or re-activates a user record.
func (r *SQLiteRepository) RegisterUser(ctx context.Context, id core.UserID, language core.LanguageCode) error {
	const query = `INSERT INTO users (id, registered, language) VALUES (?, 1, ?)
		ON CONFLICT(id) DO UPDATE SET registered = 1, language = excluded.language`

	if _, err := r.db.ExecContext(ctx, query, int64(id), string(language)); err != nil {
		return fmt.Errorf("register user: %w", err)
	}

	slog.InfoContext(ctx, "User registered", "user_id", id, "language", language)
	return nil
}

// IsRegistered reports whether the user exists with the registered flag set.
func (r *SQLiteRepository) IsRegistered(ctx context.Context, id core.UserID) (bool, error) {
	const query = `SELECT registered FROM users WHERE id = ?`

	var registered int64
	err := r.db.QueryRowContext(ctx, query, int64(id)).Scan(&registered)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query registration status: %w", err)
	}
	return registered != 0, nil
}

// UserLanguage returns the stored language code for a user.
func (r *SQLiteRepository) UserLanguage(ctx context.Context, id core.UserID) (core.LanguageCode, error) {
	const query = `SELECT language FROM users WHERE id = ?`

	var language string
	err := r.db.QueryRowContext(ctx, query, int64(id)).Scan(&language)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query user language: %w", err)
	}
	return core.LanguageCode(language), nil
}

// SetUserLanguage updates a user's language code.
func (r *SQLiteRepository) SetUserLanguage(ctx context.Context, id core.UserID, language core.LanguageCode) error {
	const query = `UPDATE users SET language = ? WHERE id = ?`

	res, err := r.db.ExecContext(ctx, query, string(language), int64(id))
	if err != nil {
		return fmt.Errorf("set user language: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- groups and membership ---

// CreateGroup inserts a group and its owner's membership in one transaction.
func (r *SQLiteRepository) CreateGroup(ctx context.Context, owner core.UserID, token string) (core.GroupID, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin create group: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_groups (owner_id, token) VALUES (?, ?)`, int64(owner), token)
	if err != nil {
		return 0, fmt.Errorf("insert group: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("group id: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memberships (group_id, user_id) VALUES (?, ?)`, id, int64(owner)); err != nil {
		return 0, fmt.Errorf("insert owner membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit create group: %w", err)
	}

	slog.InfoContext(ctx, "Group created", "group_id", id, "owner", owner)
	return core.GroupID(id), nil
}

// GroupByToken resolves a group by its join token.
func (r *SQLiteRepository) GroupByToken(ctx context.Context, token string) (core.Group, error) {
	const query = `SELECT id, owner_id, token, version_stamp FROM ledger_groups WHERE token = ?`

	var g core.Group
	err := r.db.QueryRowContext(ctx, query, token).Scan(&g.ID, &g.Owner, &g.Token, &g.VersionStamp)
	if err == sql.ErrNoRows {
		return core.Group{}, ErrNotFound
	}
	if err != nil {
		return core.Group{}, fmt.Errorf("query group by token: %w", err)
	}
	return g, nil
}

// AddMember joins a user to a group, enforcing the membership limit.
func (r *SQLiteRepository) AddMember(ctx context.Context, group core.GroupID, user core.UserID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin add member: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memberships WHERE group_id = ?`, int64(group)).Scan(&count); err != nil {
		return fmt.Errorf("count members: %w", err)
	}
	if count >= core.MaxGroupMembers {
		return fmt.Errorf("group %d has %d members: %w", group, count, ErrGroupFull)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO memberships (group_id, user_id) VALUES (?, ?)`,
		int64(group), int64(user)); err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit add member: %w", err)
	}
	return nil
}

// RemoveMember deletes a single membership.
func (r *SQLiteRepository) RemoveMember(ctx context.Context, group core.GroupID, user core.UserID) error {
	const query = `DELETE FROM memberships WHERE group_id = ? AND user_id = ?`

	res, err := r.db.ExecContext(ctx, query, int64(group), int64(user))
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// GroupMembers lists the user ids belonging to a group.
func (r *SQLiteRepository) GroupMembers(ctx context.Context, group core.GroupID) ([]core.UserID, error) {
	const query = `SELECT user_id FROM memberships WHERE group_id = ? ORDER BY user_id`

	rows, err := r.db.QueryContext(ctx, query, int64(group))
	if err != nil {
		return nil, fmt.Errorf("query group members: %w", err)
	}
	defer rows.Close()

	var members []core.UserID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, core.UserID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return members, nil
}

// DeleteGroup removes a group, its memberships, and its ledger in one
// transaction. It returns the ids of the users that were members so the
// caller can invalidate their session cache entries.
func (r *SQLiteRepository) DeleteGroup(ctx context.Context, group core.GroupID) ([]core.UserID, error) {
	members, err := r.GroupMembers(ctx, group)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete group: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE group_id = ?`, int64(group)); err != nil {
		return nil, fmt.Errorf("delete group transactions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memberships WHERE group_id = ?`, int64(group)); err != nil {
		return nil, fmt.Errorf("delete group memberships: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM ledger_groups WHERE id = ?`, int64(group))
	if err != nil {
		return nil, fmt.Errorf("delete group: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete group: %w", err)
	}

	slog.InfoContext(ctx, "Group deleted", "group_id", group, "members_removed", len(members))
	return members, nil
}

// --- ledger rows ---

// LastTransaction returns the highest transaction id in the group and its
// running total. found is false when the group's ledger is empty.
func (r *SQLiteRepository) LastTransaction(ctx context.Context, group core.GroupID) (id int64, total int64, found bool, err error) {
	const query = `SELECT transaction_id, running_total_cents FROM transactions
		WHERE group_id = ? ORDER BY transaction_id DESC LIMIT 1`

	err = r.db.QueryRowContext(ctx, query, int64(group)).Scan(&id, &total)
	if err == sql.ErrNoRows {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("query last transaction: %w", err)
	}
	return id, total, true, nil
}

// InsertTransaction stores a row with its caller-derived id and running total.
func (r *SQLiteRepository) InsertTransaction(ctx context.Context, t core.Transaction) error {
	const query = `INSERT INTO transactions
		(group_id, transaction_id, amount_cents, running_total_cents, category, description, record_date, recorded_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		int64(t.GroupID), t.ID, t.Amount.Cents, t.RunningTotal.Cents,
		t.Category, t.Description, t.RecordDate, int64(t.RecordedBy))
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}

	slog.InfoContext(ctx, "Transaction saved",
		"group_id", t.GroupID,
		"transaction_id", t.ID,
		"amount_cents", t.Amount.Cents,
		"running_total_cents", t.RunningTotal.Cents)
	return nil
}

// DeleteTransactionCascade removes one row and decrements the running total of
// every later row in the group by the removed amount. Both steps commit as one
// unit so a partial state is never durably observable.
func (r *SQLiteRepository) DeleteTransactionCascade(ctx context.Context, group core.GroupID, txID int64) error {
	dbTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin cascade delete: %w", err)
	}
	defer dbTx.Rollback()

	var amount int64
	err = dbTx.QueryRowContext(ctx,
		`SELECT amount_cents FROM transactions WHERE group_id = ? AND transaction_id = ?`,
		int64(group), txID).Scan(&amount)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read deleted amount: %w", err)
	}

	if _, err := dbTx.ExecContext(ctx,
		`UPDATE transactions SET running_total_cents = running_total_cents - ?
			WHERE group_id = ? AND transaction_id > ?`,
		amount, int64(group), txID); err != nil {
		return fmt.Errorf("decrement later totals: %w", err)
	}

	if _, err := dbTx.ExecContext(ctx,
		`DELETE FROM transactions WHERE group_id = ? AND transaction_id = ?`,
		int64(group), txID); err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("commit cascade delete: %w", err)
	}

	slog.InfoContext(ctx, "Transaction deleted",
		"group_id", group,
		"transaction_id", txID,
		"amount_cents", amount)
	return nil
}

// ListTransactions returns up to limit rows ordered by descending id.
func (r *SQLiteRepository) ListTransactions(ctx context.Context, group core.GroupID, limit int) ([]core.Transaction, error) {
	if limit <= 0 || limit > core.MaxListLimit {
		limit = core.MaxListLimit
	}

	const query = `SELECT group_id, transaction_id, amount_cents, running_total_cents,
		category, description, record_date, recorded_by
		FROM transactions WHERE group_id = ? ORDER BY transaction_id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, int64(group), limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txs []core.Transaction
	for rows.Next() {
		var t core.Transaction
		if err := rows.Scan(&t.GroupID, &t.ID, &t.Amount.Cents, &t.RunningTotal.Cents,
			&t.Category, &t.Description, &t.RecordDate, &t.RecordedBy); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return txs, nil
}

// CategorySummary holds the income and expense totals for a single category,
// both as non-negative cent amounts.
type CategorySummary struct {
	Income  int64
	Expense int64
}

// CategoryTotals sums signed amounts per category for a group's ledger,
// used as the report payload series.
func (r *SQLiteRepository) CategoryTotals(ctx context.Context, group core.GroupID) (map[string]CategorySummary, error) {
	const query = `SELECT category,
		COALESCE(SUM(CASE WHEN amount_cents > 0 THEN amount_cents ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN amount_cents < 0 THEN -amount_cents ELSE 0 END), 0)
		FROM transactions WHERE group_id = ? GROUP BY category`

	rows, err := r.db.QueryContext(ctx, query, int64(group))
	if err != nil {
		return nil, fmt.Errorf("query category totals: %w", err)
	}
	defer rows.Close()

	totals := make(map[string]CategorySummary)
	for rows.Next() {
		var category string
		var s CategorySummary
		if err := rows.Scan(&category, &s.Income, &s.Expense); err != nil {
			return nil, fmt.Errorf("scan category total: %w", err)
		}
		totals[category] = s
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate category totals: %w", err)
	}
	return totals, nil
}

// --- version stamps ---

// SetGroupStamp persists the group's version stamp.
func (r *SQLiteRepository) SetGroupStamp(ctx context.Context, group core.GroupID, stamp string) error {
	const query = `UPDATE ledger_groups SET version_stamp = ? WHERE id = ?`

	if _, err := r.db.ExecContext(ctx, query, stamp, int64(group)); err != nil {
		return fmt.Errorf("set group stamp: %w", err)
	}
	return nil
}

// GroupStamp reads the persisted version stamp; empty means never mutated.
func (r *SQLiteRepository) GroupStamp(ctx context.Context, group core.GroupID) (string, error) {
	const query = `SELECT version_stamp FROM ledger_groups WHERE id = ?`

	var stamp string
	err := r.db.QueryRowContext(ctx, query, int64(group)).Scan(&stamp)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query group stamp: %w", err)
	}
	return stamp, nil
}

// --- export queue ---

// PendingExportTransaction identifies a ledger row awaiting sheet export.
type PendingExportTransaction struct {
	GroupID core.GroupID
	TxID    int64
}

// PendingExport returns rows that have not been exported yet.
func (r *SQLiteRepository) PendingExport(ctx context.Context, limit int) ([]PendingExportTransaction, error) {
	const query = `SELECT group_id, transaction_id FROM transactions
		WHERE export_status = 'pending' ORDER BY created_at LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending export: %w", err)
	}
	defer rows.Close()

	var pending []PendingExportTransaction
	for rows.Next() {
		var p PendingExportTransaction
		if err := rows.Scan(&p.GroupID, &p.TxID); err != nil {
			return nil, fmt.Errorf("scan pending export: %w", err)
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending export: %w", err)
	}
	return pending, nil
}

// GetTransaction fetches a single ledger row.
func (r *SQLiteRepository) GetTransaction(ctx context.Context, group core.GroupID, txID int64) (core.Transaction, error) {
	const query = `SELECT group_id, transaction_id, amount_cents, running_total_cents,
		category, description, record_date, recorded_by
		FROM transactions WHERE group_id = ? AND transaction_id = ?`

	var t core.Transaction
	err := r.db.QueryRowContext(ctx, query, int64(group), txID).Scan(
		&t.GroupID, &t.ID, &t.Amount.Cents, &t.RunningTotal.Cents,
		&t.Category, &t.Description, &t.RecordDate, &t.RecordedBy)
	if err == sql.ErrNoRows {
		return core.Transaction{}, ErrNotFound
	}
	if err != nil {
		return core.Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

// MarkExported marks a ledger row as successfully exported.
func (r *SQLiteRepository) MarkExported(ctx context.Context, group core.GroupID, txID int64) error {
	const query = `UPDATE transactions SET export_status = 'exported'
		WHERE group_id = ? AND transaction_id = ?`

	if _, err := r.db.ExecContext(ctx, query, int64(group), txID); err != nil {
		return fmt.Errorf("mark exported: %w", err)
	}
	return nil
}

// MarkExportError marks a ledger row as having export errors.
func (r *SQLiteRepository) MarkExportError(ctx context.Context, group core.GroupID, txID int64) error {
	const query = `UPDATE transactions SET export_status = 'error'
		WHERE group_id = ? AND transaction_id = ?`

	if _, err := r.db.ExecContext(ctx, query, int64(group), txID); err != nil {
		return fmt.Errorf("mark export error: %w", err)
	}

	slog.WarnContext(ctx, "Transaction marked with export error",
		"group_id", group, "transaction_id", txID)
	return nil
}
