// Package taskstore is the durable, transactional source of truth for Task
// rows (spec §3, §4.2, §6), backed by github.com/mattn/go-sqlite3. The
// claim-lease model, schema-versioning, and SQLITE_BUSY retry handling are
// adapted from the teacher's internal/persistence.Store.
package taskstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/media-orchestrator/internal/statemachine"
)

// ErrNotFound is returned when a Task id has no row.
var ErrNotFound = errors.New("taskstore: task not found")

// ErrClaimConflict is returned when another replica already claimed the row
// (spec §7 "Claim conflicts").
var ErrClaimConflict = errors.New("taskstore: claim conflict")

const schemaVersion = 1

// Store is the TaskStore collaborator (spec §2.3): the only writer for
// durable task state. All replicas read/write via it with short
// transactions.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates (or attaches to) the sqlite database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return nil, errors.New("taskstore: empty db path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("taskstore: create db directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("taskstore: open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context) error {
	for _, q := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("taskstore: set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("taskstore: begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("taskstore: create schema_migrations: %w", err)
	}

	// spec §6 persisted-state layout: tasks(id PK, user_id, chat_id, msg_id,
	// source_msg_id, file_name, file_size, status, group_id?, claimed_by?,
	// error_msg?, created_at, updated_at).
	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			msg_id INTEGER NOT NULL,
			source_msg_id INTEGER NOT NULL,
			file_name TEXT NOT NULL DEFAULT '',
			file_size INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			group_id TEXT NOT NULL DEFAULT '',
			claimed_by TEXT NOT NULL DEFAULT '',
			error_msg TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_group ON tasks(group_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at);
	`); err != nil {
		return fmt.Errorf("taskstore: create tasks table: %w", err)
	}

	var applied int
	_ = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, schemaVersion).Scan(&applied)
	if applied == 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, ?)`,
			schemaVersion, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("taskstore: record schema version: %w", err)
		}
	}

	return tx.Commit()
}

// retryOnBusy retries f when SQLite reports BUSY/LOCKED, with bounded
// exponential backoff and jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Int63n(int64(delay/2) + 1))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func scanTask(scan func(dest ...any) error) (Task, error) {
	var t Task
	var status, createdAt, updatedAt string
	if err := scan(&t.ID, &t.UserID, &t.ChatID, &t.MsgID, &t.SourceMsgID, &t.FileName, &t.FileSize,
		&status, &t.GroupID, &t.ClaimedBy, &t.ErrorMsg, &createdAt, &updatedAt); err != nil {
		return Task{}, err
	}
	t.Status = statemachine.Status(status)
	t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return t, nil
}

const taskColumns = `id, user_id, chat_id, msg_id, source_msg_id, file_name, file_size, status, group_id, claimed_by, error_msg, created_at, updated_at`

// CreateTask inserts a single queued row (spec §4.1 AddTask).
func (s *Store) CreateTask(ctx context.Context, t Task) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if t.CreatedAt.IsZero() {
		t.CreatedAt, _ = time.Parse(time.RFC3339, now)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, user_id, chat_id, msg_id, source_msg_id, file_name, file_size, status, group_id, claimed_by, error_msg, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, t.UserID, t.ChatID, t.MsgID, t.SourceMsgID, t.FileName, t.FileSize, string(t.Status), t.GroupID, t.ClaimedBy, t.ErrorMsg, now, now)
		return err
	})
}

// CreateBatch inserts all of tasks in a single transaction, sharing one
// group_id, for AddBatchTasks (spec §4.1).
func (s *Store) CreateBatch(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("taskstore: begin batch insert: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		now := time.Now().UTC().Format(time.RFC3339)
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO tasks (id, user_id, chat_id, msg_id, source_msg_id, file_name, file_size, status, group_id, claimed_by, error_msg, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("taskstore: prepare batch insert: %w", err)
		}
		defer stmt.Close()

		for _, t := range tasks {
			if _, err := stmt.ExecContext(ctx, t.ID, t.UserID, t.ChatID, t.MsgID, t.SourceMsgID, t.FileName, t.FileSize,
				string(t.Status), t.GroupID, t.ClaimedBy, t.ErrorMsg, now, now); err != nil {
				return fmt.Errorf("taskstore: insert batch row %s: %w", t.ID, err)
			}
		}
		return tx.Commit()
	})
}

// GetTask fetches one row by id.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}
	return t, nil
}

// ListByGroup fetches all rows sharing group_id, for batch-monitor rendering
// (spec §4.6) — always read live from TaskStore, never cached.
func (s *Store) ListByGroup(ctx context.Context, groupID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE group_id = ? ORDER BY created_at ASC`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimNext atomically claims one queued row for instanceID and transitions
// it to downloading, writing the heartbeat-on-entry update required by §4.2.
// Returns ErrNotFound when no queued row is available.
func (s *Store) ClaimNext(ctx context.Context, instanceID string) (Task, error) {
	var claimed Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at ASC LIMIT 1`, string(statemachine.StatusQueued))
		t, err := scanTask(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC().Format(time.RFC3339)
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, claimed_by = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(statemachine.StatusDownloading), instanceID, now, t.ID, string(statemachine.StatusQueued))
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrClaimConflict
		}
		t.Status = statemachine.StatusDownloading
		t.ClaimedBy = instanceID
		claimed = t
		return tx.Commit()
	})
	if err != nil {
		return Task{}, err
	}
	return claimed, nil
}

// ClaimTask atomically claims a specific queued task for instanceID,
// transitioning it to downloading and stamping claimed_by in the same
// statement ClaimNext uses, but keyed by id instead of "the oldest queued
// row". Used by worker entry, which already knows which task it is about to
// process and must find out atomically whether another replica beat it to
// the row (spec §5 "only one replica holds a task at a time"). Returns
// ErrClaimConflict if the row is no longer queued.
func (s *Store) ClaimTask(ctx context.Context, id, instanceID string) (Task, error) {
	var claimed Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
		t, err := scanTask(row.Scan)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		now := time.Now().UTC().Format(time.RFC3339)
		res, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, claimed_by = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(statemachine.StatusDownloading), instanceID, now, id, string(statemachine.StatusQueued))
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrClaimConflict
		}
		t.Status = statemachine.StatusDownloading
		t.ClaimedBy = instanceID
		claimed = t
		return tx.Commit()
	})
	if err != nil {
		return Task{}, err
	}
	return claimed, nil
}

// Transition moves a task's status, enforcing the state graph and
// terminal-write-once (spec §3 invariant, §4.2). errMsg is recorded only
// when to is a failure-bearing status; callers pass "" otherwise.
func (s *Store) Transition(ctx context.Context, id string, to statemachine.Status, errMsg string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var currentStatus string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&currentStatus); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		from := statemachine.Status(currentStatus)
		if statemachine.IsTerminal(from) {
			// Terminal states are write-once; silently accept repeat writes
			// of the same terminal value (idempotent retry), reject anything
			// else.
			if from == to {
				return tx.Commit()
			}
			return fmt.Errorf("taskstore: task %s is terminal (%s), cannot transition to %s", id, from, to)
		}
		if !statemachine.CanTransition(from, to) {
			return fmt.Errorf("taskstore: illegal transition %s -> %s for task %s", from, to, id)
		}

		now := time.Now().UTC().Format(time.RFC3339)
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, error_msg = ?, updated_at = ? WHERE id = ?`,
			string(to), errMsg, now, id); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// UpdateClaim sets claimed_by without a status transition, used when the
// upload pool takes ownership of an already-downloaded task.
func (s *Store) UpdateClaim(ctx context.Context, id, instanceID string) error {
	return retryOnBusy(ctx, 5, func() error {
		now := time.Now().UTC().Format(time.RFC3339)
		_, err := s.db.ExecContext(ctx, `UPDATE tasks SET claimed_by = ?, updated_at = ? WHERE id = ?`, instanceID, now, id)
		return err
	})
}

// ApplyPendingUpdates flushes the Scheduler's pendingUpdates coalescing
// buffer (spec §3, §4.1) for non-terminal statuses in one transaction.
// Terminal updates must go through Transition instead (they bypass the
// buffer per spec, writing synchronously).
func (s *Store) ApplyPendingUpdates(ctx context.Context, updates map[string]PendingUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		stmt, err := tx.PrepareContext(ctx, `UPDATE tasks SET status = ?, error_msg = ?, updated_at = ? WHERE id = ? AND status NOT IN (?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := time.Now().UTC().Format(time.RFC3339)
		for id, u := range updates {
			if _, err := stmt.ExecContext(ctx, string(u.Status), u.ErrorMsg, now, id,
				string(statemachine.StatusCompleted), string(statemachine.StatusFailed), string(statemachine.StatusCancelled)); err != nil {
				return fmt.Errorf("taskstore: flush pending update for %s: %w", id, err)
			}
		}
		return tx.Commit()
	})
}

// PendingUpdate mirrors spec §3's in-memory coalescing buffer entry.
type PendingUpdate struct {
	Status    statemachine.Status
	ErrorMsg  string
	Timestamp time.Time
}

// RequeueStalled finds non-terminal rows whose updated_at is older than
// staleAfter and resets them to queued, clearing claimed_by, for Init's
// startup recovery (spec §4.1, §8 scenario 5) and the leader sweep.
func (s *Store) RequeueStalled(ctx context.Context, staleAfter time.Duration) ([]Task, error) {
	cutoff := time.Now().UTC().Add(-staleAfter).Format(time.RFC3339)
	var stalled []Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status IN (?, ?, ?) AND updated_at < ?`,
			string(statemachine.StatusDownloading), string(statemachine.StatusDownloaded), string(statemachine.StatusUploading), cutoff)
		if err != nil {
			return err
		}
		var found []Task
		for rows.Next() {
			t, err := scanTask(rows.Scan)
			if err != nil {
				rows.Close()
				return err
			}
			found = append(found, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		now := time.Now().UTC().Format(time.RFC3339)
		for i := range found {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status = ?, claimed_by = '', updated_at = ? WHERE id = ?`,
				string(statemachine.StatusQueued), now, found[i].ID); err != nil {
				return fmt.Errorf("taskstore: requeue stalled %s: %w", found[i].ID, err)
			}
			found[i].Status = statemachine.StatusQueued
			found[i].ClaimedBy = ""
		}
		stalled = found
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return stalled, nil
}
