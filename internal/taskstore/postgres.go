package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ChuLiYu/taskengine/pkg/types"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	status     TEXT NOT NULL,
	priority   INTEGER NOT NULL DEFAULT 0,
	scope_id   TEXT NOT NULL DEFAULT '',
	owner_id   TEXT NOT NULL DEFAULT '',
	claimed_by TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL,
	version    BIGINT NOT NULL,
	data       JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_schedule ON tasks(status, priority DESC, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_scope ON tasks(scope_id, created_at DESC);
`

// PostgresStore keeps tasks in PostgreSQL. Mutations lock the row with
// SELECT ... FOR UPDATE.
type PostgresStore struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// OpenPostgres connects to dsn and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := db.Exec(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return NewPostgresStore(db), nil
}

// NewPostgresStore wraps an existing pool whose schema is in place.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *PostgresStore) Create(ctx context.Context, task *types.Task) (types.TaskID, error) {
	t, err := prepareCreate(task, s.now())
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	tag, err := s.db.Exec(ctx, `insert into tasks(
id, type, status, priority, scope_id, owner_id, claimed_by, created_at, version, data
) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
on conflict (id) do nothing`,
		string(t.ID), string(t.Type), string(t.Status), t.Priority, t.ScopeID, t.OwnerID,
		t.ClaimedBy, t.CreatedAt.UnixNano(), t.Version, data)
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("%w: task %s already exists", ErrConflict, t.ID)
	}
	return t.ID, nil
}

func (s *PostgresStore) Get(ctx context.Context, id types.TaskID) (*types.Task, error) {
	return scanPgTask(s.db.QueryRow(ctx, `select data from tasks where id = $1`, string(id)), id)
}

func (s *PostgresStore) List(ctx context.Context, filter types.TaskFilter) ([]*types.Task, error) {
	query, args := buildListQuery(filter, func(n int) string { return "$" + strconv.Itoa(n) })
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var t types.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id types.TaskID, tr types.Transition) (*types.Task, error) {
	return s.mutate(ctx, id, func(t *types.Task, now time.Time) (bool, error) {
		return true, applyTransition(t, tr, now)
	})
}

func (s *PostgresStore) AppendProgress(ctx context.Context, id types.TaskID, delta types.ProgressDelta) (*types.Task, error) {
	return s.mutate(ctx, id, func(t *types.Task, now time.Time) (bool, error) {
		return applyProgress(t, delta, now)
	})
}

func (s *PostgresStore) SetControl(ctx context.Context, id types.TaskID, expect types.TaskStatus, sig types.ControlSignal) (*types.Task, error) {
	return s.mutate(ctx, id, func(t *types.Task, now time.Time) (bool, error) {
		return true, applyControl(t, expect, sig, now)
	})
}

func (s *PostgresStore) Delete(ctx context.Context, id types.TaskID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := scanPgTask(tx.QueryRow(ctx, `select data from tasks where id = $1 for update`, string(id)), id)
	if err != nil {
		return err
	}
	if err := checkDelete(t); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `delete from tasks where id = $1`, string(id)); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return tx.Commit(ctx)
}

// Stats counts tasks per status.
func (s *PostgresStore) Stats(ctx context.Context) (map[types.TaskStatus]int, error) {
	rows, err := s.db.Query(ctx, `select status, count(*) from tasks group by status`)
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

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func (s *PostgresStore) mutate(ctx context.Context, id types.TaskID, fn func(*types.Task, time.Time) (bool, error)) (*types.Task, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := scanPgTask(tx.QueryRow(ctx, `select data from tasks where id = $1 for update`, string(id)), id)
	if err != nil {
		return nil, err
	}
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
	if _, err := tx.Exec(ctx,
		`update tasks set status = $1, claimed_by = $2, version = $3, data = $4 where id = $5`,
		string(t.Status), t.ClaimedBy, t.Version, data, string(id)); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return t, nil
}

func scanPgTask(row pgx.Row, id types.TaskID) (*types.Task, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil, fmt.Errorf("load task: %w", err)
	}
	var t types.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	return &t, nil
}
