package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements ExecutionStore using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys are a connection-level setting.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded migration files.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateExecution creates a new execution record.
func (s *SQLiteStore) CreateExecution(ctx context.Context, rec *ExecutionRecord) error {
	query := `
		INSERT INTO executions (id, workflow, workflow_version, status, snapshot,
			current_tasks, user_data, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Workflow,
		rec.WorkflowVersion,
		rec.Status,
		rec.Snapshot,
		rec.CurrentTasks,
		rec.UserData,
		rec.StartedAt,
		rec.CompletedAt,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// UpdateExecution persists the mutable fields of an execution record.
func (s *SQLiteStore) UpdateExecution(ctx context.Context, rec *ExecutionRecord) error {
	query := `
		UPDATE executions
		SET status = ?, current_tasks = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	rec.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, query,
		rec.Status, rec.CurrentTasks, rec.CompletedAt, rec.UpdatedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return &NotFoundError{Kind: "execution", ID: rec.ID}
	}
	return nil
}

// GetExecution retrieves an execution by id.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*ExecutionRecord, error) {
	query := `
		SELECT id, workflow, workflow_version, status, snapshot, current_tasks,
			user_data, started_at, completed_at, created_at, updated_at
		FROM executions
		WHERE id = ?
	`

	rec := &ExecutionRecord{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID,
		&rec.Workflow,
		&rec.WorkflowVersion,
		&rec.Status,
		&rec.Snapshot,
		&rec.CurrentTasks,
		&rec.UserData,
		&rec.StartedAt,
		&rec.CompletedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Kind: "execution", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return rec, nil
}

// ListExecutions lists executions, optionally filtered by status.
func (s *SQLiteStore) ListExecutions(ctx context.Context, status string, limit, offset int) ([]*ExecutionRecord, error) {
	query := `
		SELECT id, workflow, workflow_version, status, snapshot, current_tasks,
			user_data, started_at, completed_at, created_at, updated_at
		FROM executions
	`
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	// LIMIT -1 means unlimited in SQLite; callers pass limit <= 0 for "all".
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// DeleteExecution removes an execution and its task results.
func (s *SQLiteStore) DeleteExecution(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM executions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete execution: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return &NotFoundError{Kind: "execution", ID: id}
	}
	return nil
}

// History returns executions of a workflow started within [from, to],
// inclusive on both bounds, ordered by start time ascending.
func (s *SQLiteStore) History(ctx context.Context, workflow string, from, to time.Time) ([]*ExecutionRecord, error) {
	query := `
		SELECT id, workflow, workflow_version, status, snapshot, current_tasks,
			user_data, started_at, completed_at, created_at, updated_at
		FROM executions
		WHERE workflow = ? AND started_at >= ? AND started_at <= ?
		ORDER BY started_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, workflow, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	return scanExecutions(rows)
}

// AppendTaskResult appends one task attempt record.
func (s *SQLiteStore) AppendTaskResult(ctx context.Context, rec *TaskResultRecord) error {
	query := `
		INSERT INTO task_results (execution_id, task_name, attempt, outcome,
			message, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		rec.ExecutionID,
		rec.TaskName,
		rec.Attempt,
		rec.Outcome,
		rec.Message,
		rec.StartedAt,
		rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append task result: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// ListTaskResults returns all task attempts for an execution in commit order.
func (s *SQLiteStore) ListTaskResults(ctx context.Context, executionID string) ([]*TaskResultRecord, error) {
	query := `
		SELECT id, execution_id, task_name, attempt, outcome, message,
			started_at, completed_at
		FROM task_results
		WHERE execution_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list task results: %w", err)
	}
	defer rows.Close()

	results := []*TaskResultRecord{}
	for rows.Next() {
		rec := &TaskResultRecord{}
		if err := rows.Scan(
			&rec.ID,
			&rec.ExecutionID,
			&rec.TaskName,
			&rec.Attempt,
			&rec.Outcome,
			&rec.Message,
			&rec.StartedAt,
			&rec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan task result: %w", err)
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// HealthCheck verifies the database connection.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

func scanExecutions(rows *sql.Rows) ([]*ExecutionRecord, error) {
	records := []*ExecutionRecord{}
	for rows.Next() {
		rec := &ExecutionRecord{}
		if err := rows.Scan(
			&rec.ID,
			&rec.Workflow,
			&rec.WorkflowVersion,
			&rec.Status,
			&rec.Snapshot,
			&rec.CurrentTasks,
			&rec.UserData,
			&rec.StartedAt,
			&rec.CompletedAt,
			&rec.CreatedAt,
			&rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
