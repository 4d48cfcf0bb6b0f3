package infra

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"report-dispatch/dispatch/domain"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
  id               INTEGER PRIMARY KEY AUTOINCREMENT,
  service          TEXT    NOT NULL,
  payload          BLOB,
  state            TEXT    NOT NULL, -- pending|in_progress|succeeded|failed|expired
  attempts         INTEGER NOT NULL DEFAULT 0,
  last_error       TEXT    NOT NULL DEFAULT '',
  owner            TEXT    NOT NULL DEFAULT '',
  created_at       INTEGER NOT NULL, -- unix nanos
  updated_at       INTEGER NOT NULL,
  next_eligible_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_state_id ON tasks(state, id);
CREATE INDEX IF NOT EXISTS idx_tasks_state_updated ON tasks(state, updated_at);
`

const taskColumns = `id, service, payload, state, attempts, last_error, owner, created_at, updated_at, next_eligible_at`

// SQLiteTaskStore é o TaskStore durável padrão.
//
// Uma única conexão serializa as escritas; o compare-and-set de Update é feito
// no próprio UPDATE (WHERE state = ?).
type SQLiteTaskStore struct {
	db *sql.DB
}

var _ domain.TaskStore = (*SQLiteTaskStore)(nil)

func NewSQLiteTaskStore(path string) (*SQLiteTaskStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", domain.ErrPersistence, err)
	}
	return &SQLiteTaskStore{db: db}, nil
}

func (s *SQLiteTaskStore) Close() error { return s.db.Close() }

func (s *SQLiteTaskStore) Create(ctx context.Context, t *domain.Task) error {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO tasks (service, payload, state, attempts, last_error, owner, created_at, updated_at, next_eligible_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Service, t.Payload, t.State, t.Attempts, t.LastError, t.Owner,
		toNanos(t.CreatedAt), toNanos(t.UpdatedAt), toNanos(t.NextEligibleAt))
	if err != nil {
		return fmt.Errorf("%w: insert task: %v", domain.ErrPersistence, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: insert task: %v", domain.ErrPersistence, err)
	}
	t.ID = domain.TaskID(id)
	return nil
}

func (s *SQLiteTaskStore) Get(ctx context.Context, id domain.TaskID) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", domain.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get task %d: %v", domain.ErrPersistence, id, err)
	}
	return t, nil
}

func (s *SQLiteTaskStore) Update(ctx context.Context, t *domain.Task, expect domain.State) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks
SET state = ?, attempts = ?, last_error = ?, owner = ?, updated_at = ?, next_eligible_at = ?
WHERE id = ? AND state = ?`,
		t.State, t.Attempts, t.LastError, t.Owner, toNanos(t.UpdatedAt), toNanos(t.NextEligibleAt),
		t.ID, expect)
	if err != nil {
		return fmt.Errorf("%w: update task %d: %v", domain.ErrPersistence, t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	// nada foi atualizado: ou a tarefa sumiu ou o estado mudou.
	cur, err := s.Get(ctx, t.ID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: task %d is %s, expected %s", domain.ErrStateConflict, t.ID, cur.State, expect)
}

func (s *SQLiteTaskStore) ListByState(ctx context.Context, states ...domain.State) ([]*domain.Task, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = st
	}
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE state IN (` + placeholders(len(states)) + `) ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list tasks: %v", domain.ErrPersistence, err)
	}
	defer rows.Close()

	var out []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: list tasks: %v", domain.ErrPersistence, err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list tasks: %v", domain.ErrPersistence, err)
	}
	return out, nil
}

func (s *SQLiteTaskStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (map[domain.State]int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: cleanup: %v", domain.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	terminal := []any{domain.StateSucceeded, domain.StateFailed, domain.StateExpired}
	args := append(terminal, toNanos(cutoff))

	rows, err := tx.QueryContext(ctx, `
SELECT state, COUNT(*) FROM tasks
WHERE state IN (?, ?, ?) AND updated_at < ?
GROUP BY state`, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: cleanup: %v", domain.ErrPersistence, err)
	}
	out := make(map[domain.State]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: cleanup: %v", domain.ErrPersistence, err)
		}
		out[domain.State(st)] = n
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE state IN (?, ?, ?) AND updated_at < ?`, args...); err != nil {
		return nil, fmt.Errorf("%w: cleanup: %v", domain.ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: cleanup: %v", domain.ErrPersistence, err)
	}
	return out, nil
}

func (s *SQLiteTaskStore) CountByState(ctx context.Context) (map[domain.State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("%w: count tasks: %v", domain.ErrPersistence, err)
	}
	defer rows.Close()

	out := zeroCounts()
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("%w: count tasks: %v", domain.ErrPersistence, err)
		}
		out[domain.State(st)] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*domain.Task, error) {
	var (
		t                       domain.Task
		service, state          string
		created, updated, nextE int64
	)
	if err := r.Scan(&t.ID, &service, &t.Payload, &state, &t.Attempts, &t.LastError, &t.Owner, &created, &updated, &nextE); err != nil {
		return nil, err
	}
	t.Service = domain.Service(service)
	t.State = domain.State(state)
	t.CreatedAt = fromNanos(created)
	t.UpdatedAt = fromNanos(updated)
	t.NextEligibleAt = fromNanos(nextE)
	return &t, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
