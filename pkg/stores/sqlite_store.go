package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// dsn builds the connection string. Pragmas are applied to every pooled
// connection by the driver.
func (s *SQLiteStore) dsn() string {
	pragmas := []string{
		"_pragma=foreign_keys(1)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
		"_txlock=immediate",
		"_time_format=sqlite",
	}
	if s.cfg.Path != MemoryPath {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	return s.cfg.Path + "?" + strings.Join(pragmas, "&")
}

// Init opens the database and verifies the connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
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

// Open creates, initializes and migrates a store in one step.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	query := `
		INSERT INTO runs (id, document, path, orders, status, started_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Document,
		run.Path,
		run.Orders,
		run.Status,
		run.StartedAt,
		run.CompletedAt,
		run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

const runColumns = `id, document, path, orders, status, started_at, completed_at, error`

func scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Document,
		&run.Path,
		&run.Orders,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
	)
	return run, err
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// FinishRun records the final status of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, status RunStatus, errMsg *string) error {
	query := `UPDATE runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`
	return s.finish(ctx, query, "run", id, status, errMsg)
}

func (s *SQLiteStore) finish(ctx context.Context, query, what, id string, status RunStatus, errMsg *string) error {
	var completedAt *time.Time
	if status.Finished() {
		now := time.Now()
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, status, errMsg, completedAt, id)
	if err != nil {
		return fmt.Errorf("failed to update %s status: %w", what, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}

	return nil
}

// ListRuns lists runs, most recent first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run with its executions and events.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	return nil
}

// CreateExecution creates a new execution record
func (s *SQLiteStore) CreateExecution(ctx context.Context, exec *Execution) error {
	query := `
		INSERT INTO executions (
			id, run_id, parent_id, kind, name, idx, target, depth,
			status, started_at, completed_at, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		exec.ID,
		exec.RunID,
		exec.ParentID,
		exec.Kind,
		exec.Name,
		exec.Index,
		exec.Target,
		exec.Depth,
		exec.Status,
		exec.StartedAt,
		exec.CompletedAt,
		exec.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

// FinishExecution records the final status of an execution.
func (s *SQLiteStore) FinishExecution(ctx context.Context, id string, status RunStatus, errMsg *string) error {
	query := `UPDATE executions SET status = ?, error = ?, completed_at = ? WHERE id = ?`
	return s.finish(ctx, query, "execution", id, status, errMsg)
}

// ListExecutions lists the executions of a run in start order.
func (s *SQLiteStore) ListExecutions(ctx context.Context, runID string) ([]*Execution, error) {
	query := `
		SELECT id, run_id, parent_id, kind, name, idx, target, depth,
			   status, started_at, completed_at, error
		FROM executions
		WHERE run_id = ?
		ORDER BY started_at ASC, rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	execs := []*Execution{}
	for rows.Next() {
		exec := &Execution{}
		err := rows.Scan(
			&exec.ID,
			&exec.RunID,
			&exec.ParentID,
			&exec.Kind,
			&exec.Name,
			&exec.Index,
			&exec.Target,
			&exec.Depth,
			&exec.Status,
			&exec.StartedAt,
			&exec.CompletedAt,
			&exec.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return execs, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	query := `
		INSERT INTO events (run_id, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	result, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events with optional filters, oldest first.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, run_id, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, runID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
