package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/taskengine/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	status     TEXT NOT NULL,
	priority   INTEGER NOT NULL DEFAULT 0,
	scope_id   TEXT NOT NULL DEFAULT '',
	owner_id   TEXT NOT NULL DEFAULT '',
	claimed_by TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	version    INTEGER NOT NULL,
	data       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_schedule ON tasks(status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_scope ON tasks(scope_id, created_at DESC);
`

// SQLiteStore keeps tasks in an embedded SQLite database. Several processes
// may share the file; every mutation is one IMMEDIATE transaction.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, task *types.Task) (types.TaskID, error) {
	t, err := prepareCreate(task, s.now())
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, type, status, priority, scope_id, owner_id, claimed_by, created_at, version, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		string(t.ID), string(t.Type), string(t.Status), t.Priority, t.ScopeID, t.OwnerID,
		t.ClaimedBy, t.CreatedAt.UnixNano(), t.Version, string(data))
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("%w: task %s already exists", ErrConflict, t.ID)
	}
	return t.ID, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id types.TaskID) (*types.Task, error) {
	return scanTask(s.db.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id = ?`, string(id)), id)
}

func (s *SQLiteStore) List(ctx context.Context, filter types.TaskFilter) ([]*types.Task, error) {
	query, args := buildListQuery(filter, func(int) string { return "?" })
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var t types.Task
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateStatus(ctx context.Context, id types.TaskID, tr types.Transition) (*types.Task, error) {
	return s.mutate(ctx, id, func(t *types.Task, now time.Time) (bool, error) {
		return true, applyTransition(t, tr, now)
	})
}

func (s *SQLiteStore) AppendProgress(ctx context.Context, id types.TaskID, delta types.ProgressDelta) (*types.Task, error) {
	return s.mutate(ctx, id, func(t *types.Task, now time.Time) (bool, error) {
		return applyProgress(t, delta, now)
	})
}

func (s *SQLiteStore) SetControl(ctx context.Context, id types.TaskID, expect types.TaskStatus, sig types.ControlSignal) (*types.Task, error) {
	return s.mutate(ctx, id, func(t *types.Task, now time.Time) (bool, error) {
		return true, applyControl(t, expect, sig, now)
	})
}

func (s *SQLiteStore) Delete(ctx context.Context, id types.TaskID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id = ?`, string(id)), id)
	if err != nil {
		return err
	}
	if err := checkDelete(t); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return tx.Commit()
}

// Stats counts tasks per status.
func (s *SQLiteStore) Stats(ctx context.Context) (map[types.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[types.TaskStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[types.TaskStatus(st)] = n
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) mutate(ctx context.Context, id types.TaskID, fn func(*types.Task, time.Time) (bool, error)) (*types.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id = ?`, string(id)), id)
	if err != nil {
		return nil, err
	}
	version := t.Version
	changed, err := fn(t, s.now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return t, nil
	}

	data, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, claimed_by = ?, version = ?, data = ?
		WHERE id = ? AND version = ?`,
		string(t.Status), t.ClaimedBy, t.Version, string(data), string(id), version)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: task %s changed concurrently", ErrConflict, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner, id types.TaskID) (*types.Task, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil, fmt.Errorf("load task: %w", err)
	}
	var t types.Task
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}

// buildListQuery renders the List query for a filter. placeholder returns
// the bind marker for the n-th argument (1-based).
func buildListQuery(f types.TaskFilter, placeholder func(n int) string) (string, []any) {
	var where []string
	var args []any
	bind := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = bind(string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.ScopeID != "" {
		where = append(where, "scope_id = "+bind(f.ScopeID))
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id = "+bind(f.OwnerID))
	}
	if f.Type != "" {
		where = append(where, "type = "+bind(string(f.Type)))
	}
	if f.ClaimedBy != "" {
		where = append(where, "claimed_by = "+bind(f.ClaimedBy))
	}

	var b strings.Builder
	b.WriteString("SELECT data FROM tasks")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	switch f.Order {
	case types.OrderSchedule:
		b.WriteString(" ORDER BY priority DESC, created_at ASC, id ASC")
	default:
		b.WriteString(" ORDER BY created_at DESC, id DESC")
	}
	if f.Limit > 0 {
		b.WriteString(" LIMIT " + bind(f.Limit))
	}
	return b.String(), args
}
