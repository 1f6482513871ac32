package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Status is an item's lifecycle state
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusDone       Status = "DONE"
	StatusFailed     Status = "FAILED"
	StatusSkipped    Status = "SKIPPED"
)

// ErrNotFound is returned when an item id does not exist or a transition is
// attempted from the wrong status
var ErrNotFound = errors.New("queue item not found")

// Item is one unit of download work. Attempts count every processing
// attempt in the item's lifetime, including attempts from earlier runs.
type Item struct {
	ID        string
	Title     string
	Author    string
	Locator   string
	Status    Status
	Attempts  int
	LastError string
	Account   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS items (
    id         TEXT PRIMARY KEY,
    title      TEXT NOT NULL,
    author     TEXT NOT NULL,
    locator    TEXT NOT NULL,
    status     TEXT NOT NULL DEFAULT 'PENDING',
    attempts   INTEGER NOT NULL DEFAULT 0,
    last_error TEXT,
    account    TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_items_status ON items(status);
`

// Queue is the durable download queue, backed by SQLite so progress
// survives crashes and restarts.
type Queue struct {
	db *sql.DB
}

// Open opens or creates the queue database and recovers items a crashed
// run left claimed. A recovered item keeps its attempt count.
func Open(ctx context.Context, dbPath string) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	// One connection serializes writers, so concurrent workers cannot lose
	// a transition to SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}

	q := &Queue{db: db}
	if _, err := q.RecoverStale(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

// Close closes the database connection
func (q *Queue) Close() error {
	return q.db.Close()
}

// Add enqueues an item. Adding an id that already exists is a no-op and
// reports false, whatever status the existing item is in.
func (q *Queue) Add(ctx context.Context, id, title, author, locator string) (bool, error) {
	now := time.Now()
	result, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO items (id, title, author, locator, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, title, author, locator, StatusPending, now, now,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Get retrieves an item by id
func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT id, title, author, locator, status, attempts, COALESCE(last_error, ''), COALESCE(account, ''), created_at, updated_at
		 FROM items WHERE id = ?`, id,
	)
	return scanItem(row)
}

// NextPending returns the oldest pending item, or ErrNotFound when the
// queue has no pending work left
func (q *Queue) NextPending(ctx context.Context) (*Item, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT id, title, author, locator, status, attempts, COALESCE(last_error, ''), COALESCE(account, ''), created_at, updated_at
		 FROM items WHERE status = ? ORDER BY created_at ASC, rowid ASC LIMIT 1`,
		StatusPending,
	)
	return scanItem(row)
}

// MarkInProgress claims an item for a processing attempt, incrementing its
// attempt counter. Claiming an already-claimed item is allowed so one
// claim can cover several account rotations.
func (q *Queue) MarkInProgress(ctx context.Context, id string) (*Item, error) {
	result, err := q.db.ExecContext(ctx,
		`UPDATE items SET status = ?, attempts = attempts + 1, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		StatusInProgress, time.Now(), id, StatusPending, StatusInProgress,
	)
	if err != nil {
		return nil, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrNotFound
	}
	return q.Get(ctx, id)
}

// MarkDone records a completed download and the account that performed it
func (q *Queue) MarkDone(ctx context.Context, id, account string) error {
	return q.transition(ctx, id,
		`UPDATE items SET status = ?, account = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
		StatusDone, account, time.Now(), id)
}

// MarkFailed records a permanent failure with its reason
func (q *Queue) MarkFailed(ctx context.Context, id, reason string) error {
	return q.transition(ctx, id,
		`UPDATE items SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		StatusFailed, reason, time.Now(), id)
}

// MarkSkipped records that the item's file already exists on disk
func (q *Queue) MarkSkipped(ctx context.Context, id string) error {
	return q.transition(ctx, id,
		`UPDATE items SET status = ?, updated_at = ? WHERE id = ?`,
		StatusSkipped, time.Now(), id)
}

// Requeue returns an item to pending without touching its attempt counter.
// Used when a run ends with the item unprocessed, and to give failed items
// a fresh chance on an explicit re-run.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	return q.transition(ctx, id,
		`UPDATE items SET status = ?, updated_at = ? WHERE id = ?`,
		StatusPending, time.Now(), id)
}

func (q *Queue) transition(ctx context.Context, id, query string, args ...any) error {
	result, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecoverStale resets items a crashed run left in progress back to pending
func (q *Queue) RecoverStale(ctx context.Context) (int64, error) {
	result, err := q.db.ExecContext(ctx,
		`UPDATE items SET status = ?, updated_at = ? WHERE status = ?`,
		StatusPending, time.Now(), StatusInProgress,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale items: %w", err)
	}
	return result.RowsAffected()
}

// List returns items filtered by status, oldest first. An empty status
// returns everything.
func (q *Queue) List(ctx context.Context, status Status) ([]Item, error) {
	query := `SELECT id, title, author, locator, status, attempts, COALESCE(last_error, ''), COALESCE(account, ''), created_at, updated_at
	          FROM items`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var st string
		if err := rows.Scan(&it.ID, &it.Title, &it.Author, &it.Locator, &st, &it.Attempts, &it.LastError, &it.Account, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, err
		}
		it.Status = Status(st)
		items = append(items, it)
	}
	return items, rows.Err()
}

// Stats returns the item count per status
func (q *Queue) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM items GROUP BY status`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		stats[Status(st)] = n
	}
	return stats, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*Item, error) {
	var it Item
	var st string
	err := row.Scan(&it.ID, &it.Title, &it.Author, &it.Locator, &st, &it.Attempts, &it.LastError, &it.Account, &it.CreatedAt, &it.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	it.Status = Status(st)
	return &it, nil
}
