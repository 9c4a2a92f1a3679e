// Package history records tool executions and permission decisions in a
// local sqlite database, so past agent activity can be audited after the
// chat transcript is cleared.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite/001_initial_schema.sql
var initialSchema string

// ToolExecution is one recorded tool call.
type ToolExecution struct {
	ID         string     `db:"id"`
	SessionID  string     `db:"session_id"`
	ToolName   string     `db:"tool_name"`
	Input      string     `db:"input"`
	Result     string     `db:"result"`
	IsError    bool       `db:"is_error"`
	StartedAt  time.Time  `db:"started_at"`
	FinishedAt *time.Time `db:"finished_at"`
}

// PermissionRecord is one recorded permission decision.
type PermissionRecord struct {
	ID          string    `db:"id"`
	SessionID   string    `db:"session_id"`
	ToolName    string    `db:"tool_name"`
	Description string    `db:"description"`
	Decision    string    `db:"decision"`
	DecidedAt   time.Time `db:"decided_at"`
}

// Store is the audit database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the audit database at path and applies
// pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) runMigrations() error {
	createMigrationsTable := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := s.db.Exec(createMigrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied := map[int]bool{}
	rows, err := s.db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, extractUpMigration(initialSchema)},
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

// extractUpMigration pulls the UP statements out of a goose-format file.
func extractUpMigration(content string) string {
	lines := strings.Split(content, "\n")
	var up []string
	inUp := false
	inStatement := false

	for _, line := range lines {
		switch {
		case strings.Contains(line, "-- +goose Up"):
			inUp = true
		case strings.Contains(line, "-- +goose Down"):
			return strings.Join(up, "\n")
		case strings.Contains(line, "-- +goose StatementBegin"):
			inStatement = true
		case strings.Contains(line, "-- +goose StatementEnd"):
			inStatement = false
		case inUp && inStatement:
			up = append(up, line)
		}
	}
	return strings.Join(up, "\n")
}

// RecordToolExecution inserts one tool call record, assigning an id and
// start time when missing.
func (s *Store) RecordToolExecution(ctx context.Context, exec *ToolExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}
	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now()
	}

	query := `INSERT INTO tool_executions (id, session_id, tool_name, input, result, is_error, started_at, finished_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		exec.ID, exec.SessionID, exec.ToolName, exec.Input, exec.Result,
		exec.IsError, exec.StartedAt, exec.FinishedAt)
	return err
}

// FinishToolExecution records a tool call's result once it completes.
func (s *Store) FinishToolExecution(ctx context.Context, id, result string, isError bool) error {
	query := `UPDATE tool_executions SET result = ?, is_error = ?, finished_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, result, isError, time.Now(), id)
	return err
}

// ToolExecutionsBySession lists a session's tool calls, oldest first.
func (s *Store) ToolExecutionsBySession(ctx context.Context, sessionID string) ([]ToolExecution, error) {
	query := `SELECT id, session_id, tool_name, input, result, is_error, started_at, finished_at
	FROM tool_executions WHERE session_id = ? ORDER BY started_at`
	var out []ToolExecution
	if err := sqlscan.Select(ctx, s.db, &out, query, sessionID); err != nil {
		return nil, err
	}
	return out, nil
}

// RecordPermission inserts one permission decision.
func (s *Store) RecordPermission(ctx context.Context, rec *PermissionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.DecidedAt.IsZero() {
		rec.DecidedAt = time.Now()
	}

	query := `INSERT INTO permission_decisions (id, session_id, tool_name, description, decision, decided_at)
	VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.SessionID, rec.ToolName, rec.Description, rec.Decision, rec.DecidedAt)
	return err
}

// RecentPermissions lists the newest permission decisions across all
// sessions, up to limit.
func (s *Store) RecentPermissions(ctx context.Context, limit int) ([]PermissionRecord, error) {
	query := `SELECT id, session_id, tool_name, description, decision, decided_at
	FROM permission_decisions ORDER BY decided_at DESC LIMIT ?`
	var out []PermissionRecord
	if err := sqlscan.Select(ctx, s.db, &out, query, limit); err != nil {
		return nil, err
	}
	return out, nil
}

// PermissionsBySession lists a session's permission decisions, oldest
// first.
func (s *Store) PermissionsBySession(ctx context.Context, sessionID string) ([]PermissionRecord, error) {
	query := `SELECT id, session_id, tool_name, description, decision, decided_at
	FROM permission_decisions WHERE session_id = ? ORDER BY decided_at`
	var out []PermissionRecord
	if err := sqlscan.Select(ctx, s.db, &out, query, sessionID); err != nil {
		return nil, err
	}
	return out, nil
}
