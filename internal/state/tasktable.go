package state

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// TaskRow is the external-query projection of a task. The core writes a row
// on every persisted change of the task (creation, assignment, updates,
// retries and terminal transitions); nothing in the core reads them.
type TaskRow struct {
	ID         string
	Status     string
	Type       string
	Priority   int
	ServerID   string
	Request    []byte
	Result     []byte
	Error      string
	RetryCount int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type TaskTable interface {
	Upsert(ctx context.Context, row TaskRow) error
	Close() error
}

// NoopTaskTable is used when TASKS_TABLE_DSN is unset.
type NoopTaskTable struct{}

func (NoopTaskTable) Upsert(context.Context, TaskRow) error { return nil }
func (NoopTaskTable) Close() error                          { return nil }

type PostgresTaskTable struct {
	db *sql.DB
}

func NewPostgresTaskTable(dsn string) (*PostgresTaskTable, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked; import github.com/jackc/pgx/v5/stdlib")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	t := &PostgresTaskTable{db: db}
	if err := t.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return t, nil
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

func (t *PostgresTaskTable) ensureSchema(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	type        TEXT NOT NULL,
	priority    INT NOT NULL DEFAULT 0,
	server_id   TEXT NOT NULL DEFAULT '',
	request     JSONB,
	result      JSONB,
	error       TEXT NOT NULL DEFAULT '',
	retry_count INT NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status);
CREATE INDEX IF NOT EXISTS tasks_server_idx ON tasks (server_id);
`)
	return err
}

func (t *PostgresTaskTable) Upsert(ctx context.Context, row TaskRow) error {
	_, err := t.db.ExecContext(ctx, `
INSERT INTO tasks (id, status, type, priority, server_id, request, result, error, retry_count, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	server_id = EXCLUDED.server_id,
	result = EXCLUDED.result,
	error = EXCLUDED.error,
	retry_count = EXCLUDED.retry_count,
	updated_at = EXCLUDED.updated_at
`, row.ID, row.Status, row.Type, row.Priority, row.ServerID,
		nullableJSON(row.Request), nullableJSON(row.Result), row.Error,
		row.RetryCount, row.CreatedAt.UTC(), row.UpdatedAt.UTC())
	return err
}

func (t *PostgresTaskTable) Close() error {
	return t.db.Close()
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
