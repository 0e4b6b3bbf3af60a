// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides request/session/callback persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS requests (
			id                    TEXT PRIMARY KEY,
			chat_id               TEXT NOT NULL,
			workspace             TEXT NOT NULL,
			state                 TEXT NOT NULL,
			previous_state        TEXT NOT NULL DEFAULT '',
			prompt                TEXT NOT NULL,
			created_at            DATETIME NOT NULL,
			last_updated_at       DATETIME NOT NULL,
			queued_at             DATETIME,
			processing_started_at DATETIME,
			completed_at          DATETIME,
			timeout_at            DATETIME,
			timed_out             INTEGER NOT NULL DEFAULT 0,
			exit_code             INTEGER,
			output                TEXT NOT NULL DEFAULT '',
			error                 TEXT NOT NULL DEFAULT '',
			callback_json         TEXT NOT NULL DEFAULT '{}',

			CHECK (state IN ('created', 'queued', 'processing', 'completed', 'failed', 'timeout'))
		);

		CREATE INDEX IF NOT EXISTS idx_requests_state ON requests(state);
		CREATE INDEX IF NOT EXISTS idx_requests_workspace ON requests(workspace);
		CREATE INDEX IF NOT EXISTS idx_requests_chat ON requests(chat_id);
		CREATE INDEX IF NOT EXISTS idx_requests_timeout ON requests(timeout_at)
			WHERE timeout_at IS NOT NULL;

		CREATE TABLE IF NOT EXISTS sessions (
			workspace        TEXT PRIMARY KEY,
			session_id       TEXT NOT NULL,
			container_id     TEXT NOT NULL,
			status           TEXT NOT NULL,
			created_at       DATETIME NOT NULL,
			last_activity_at DATETIME NOT NULL,
			active_requests  INTEGER NOT NULL DEFAULT 0,
			total_requests   INTEGER NOT NULL DEFAULT 0,

			CHECK (status IN ('active', 'idle', 'terminating')),
			CHECK (active_requests >= 0)
		);

		CREATE TABLE IF NOT EXISTS callbacks (
			request_id      TEXT PRIMARY KEY,
			chat_id         TEXT NOT NULL,
			workspace       TEXT NOT NULL,
			delivered       INTEGER NOT NULL DEFAULT 0,
			attempts        INTEGER NOT NULL DEFAULT 0,
			last_attempt_at DATETIME,
			error           TEXT NOT NULL DEFAULT '',
			created_at      DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_callbacks_delivered ON callbacks(delivered);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRequest inserts a new request record.
// Returns ErrDuplicateRequest if the id already exists.
func (s *SQLiteStore) CreateRequest(ctx context.Context, req *Request) error {
	cbJSON, err := json.Marshal(req.Callback)
	if err != nil {
		return fmt.Errorf("marshaling callback info: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO requests (
			id, chat_id, workspace, state, previous_state, prompt,
			created_at, last_updated_at, queued_at, processing_started_at,
			completed_at, timeout_at, timed_out, exit_code, output, error, callback_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ChatID, req.Workspace, req.State, req.PreviousState, req.Prompt,
		req.CreatedAt, req.LastUpdatedAt, nullTime(req.QueuedAt), nullTime(req.ProcessingStartedAt),
		nullTime(req.CompletedAt), nullTime(req.TimeoutAt), req.TimedOut,
		nullInt(req.ExitCode), req.Output, req.Error, string(cbJSON),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateRequest
		}
		return fmt.Errorf("inserting request: %w", err)
	}
	return nil
}

// GetRequest retrieves a request by id. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, selectRequestSQL+` WHERE id = ?`, id)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying request: %w", err)
	}
	return req, nil
}

// UpdateRequest replaces a stored request record.
// Returns ErrNotFound if the id doesn't exist.
func (s *SQLiteStore) UpdateRequest(ctx context.Context, req *Request) error {
	cbJSON, err := json.Marshal(req.Callback)
	if err != nil {
		return fmt.Errorf("marshaling callback info: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE requests SET
			chat_id = ?, workspace = ?, state = ?, previous_state = ?, prompt = ?,
			last_updated_at = ?, queued_at = ?, processing_started_at = ?,
			completed_at = ?, timeout_at = ?, timed_out = ?, exit_code = ?,
			output = ?, error = ?, callback_json = ?
		WHERE id = ?`,
		req.ChatID, req.Workspace, req.State, req.PreviousState, req.Prompt,
		req.LastUpdatedAt, nullTime(req.QueuedAt), nullTime(req.ProcessingStartedAt),
		nullTime(req.CompletedAt), nullTime(req.TimeoutAt), req.TimedOut,
		nullInt(req.ExitCode), req.Output, req.Error, string(cbJSON), req.ID,
	)
	if err != nil {
		return fmt.Errorf("updating request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRequestsByState returns up to limit requests in the given state,
// most recently updated first.
func (s *SQLiteStore) ListRequestsByState(ctx context.Context, state string, limit int) ([]*Request, error) {
	return s.listRequests(ctx, `WHERE state = ? ORDER BY last_updated_at DESC LIMIT ?`, state, limit)
}

// ListRequestsByWorkspace returns up to limit requests for the given
// workspace, most recently updated first.
func (s *SQLiteStore) ListRequestsByWorkspace(ctx context.Context, workspace string, limit int) ([]*Request, error) {
	return s.listRequests(ctx, `WHERE workspace = ? ORDER BY last_updated_at DESC LIMIT ?`, workspace, limit)
}

// ListRequestsByChat returns up to limit requests for the given chat,
// most recently updated first.
func (s *SQLiteStore) ListRequestsByChat(ctx context.Context, chatID string, limit int) ([]*Request, error) {
	return s.listRequests(ctx, `WHERE chat_id = ? ORDER BY last_updated_at DESC LIMIT ?`, chatID, limit)
}

// ListOverdueRequests returns non-terminal requests whose timeout deadline
// has passed.
func (s *SQLiteStore) ListOverdueRequests(ctx context.Context, now time.Time) ([]*Request, error) {
	return s.listRequests(ctx, `
		WHERE timeout_at IS NOT NULL AND timeout_at < ?
		  AND state NOT IN ('completed', 'failed', 'timeout')
		ORDER BY timeout_at ASC LIMIT -1`, now)
}

const selectRequestSQL = `
	SELECT id, chat_id, workspace, state, previous_state, prompt,
	       created_at, last_updated_at, queued_at, processing_started_at,
	       completed_at, timeout_at, timed_out, exit_code, output, error, callback_json
	FROM requests`

func (s *SQLiteStore) listRequests(ctx context.Context, where string, args ...any) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, selectRequestSQL+" "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("querying requests: %w", err)
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for scanRequest.
type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*Request, error) {
	var (
		req                                      Request
		queuedAt, processingAt, completedAt, toAt sql.NullTime
		exitCode                                 sql.NullInt64
		cbJSON                                   string
	)
	err := row.Scan(
		&req.ID, &req.ChatID, &req.Workspace, &req.State, &req.PreviousState, &req.Prompt,
		&req.CreatedAt, &req.LastUpdatedAt, &queuedAt, &processingAt,
		&completedAt, &toAt, &req.TimedOut, &exitCode, &req.Output, &req.Error, &cbJSON,
	)
	if err != nil {
		return nil, err
	}
	req.QueuedAt = timePtr(queuedAt)
	req.ProcessingStartedAt = timePtr(processingAt)
	req.CompletedAt = timePtr(completedAt)
	req.TimeoutAt = timePtr(toAt)
	if exitCode.Valid {
		ec := int(exitCode.Int64)
		req.ExitCode = &ec
	}
	if cbJSON != "" {
		if err := json.Unmarshal([]byte(cbJSON), &req.Callback); err != nil {
			return nil, fmt.Errorf("unmarshaling callback info: %w", err)
		}
	}
	return &req, nil
}

// CreateSession inserts a new session record.
// Returns ErrDuplicateSession if the workspace already has one.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			workspace, session_id, container_id, status,
			created_at, last_activity_at, active_requests, total_requests
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.Workspace, sess.SessionID, sess.ContainerID, sess.Status,
		sess.CreatedAt, sess.LastActivityAt, sess.ActiveRequests, sess.TotalRequests,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by workspace. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, workspace string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx, `
		SELECT workspace, session_id, container_id, status,
		       created_at, last_activity_at, active_requests, total_requests
		FROM sessions WHERE workspace = ?`, workspace,
	).Scan(
		&sess.Workspace, &sess.SessionID, &sess.ContainerID, &sess.Status,
		&sess.CreatedAt, &sess.LastActivityAt, &sess.ActiveRequests, &sess.TotalRequests,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return &sess, nil
}

// UpdateSession replaces a stored session record.
func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *Session) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			session_id = ?, container_id = ?, status = ?,
			last_activity_at = ?, active_requests = ?, total_requests = ?
		WHERE workspace = ?`,
		sess.SessionID, sess.ContainerID, sess.Status,
		sess.LastActivityAt, sess.ActiveRequests, sess.TotalRequests, sess.Workspace,
	)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session record. Returns ErrNotFound if absent.
func (s *SQLiteStore) DeleteSession(ctx context.Context, workspace string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE workspace = ?`, workspace)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns all session records ordered by workspace.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workspace, session_id, container_id, status,
		       created_at, last_activity_at, active_requests, total_requests
		FROM sessions ORDER BY workspace`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(
			&sess.Workspace, &sess.SessionID, &sess.ContainerID, &sess.Status,
			&sess.CreatedAt, &sess.LastActivityAt, &sess.ActiveRequests, &sess.TotalRequests,
		); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// UpsertCallback inserts or replaces a callback delivery record.
func (s *SQLiteStore) UpsertCallback(ctx context.Context, cb *CallbackRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO callbacks (
			request_id, chat_id, workspace, delivered, attempts,
			last_attempt_at, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			delivered = excluded.delivered,
			attempts = excluded.attempts,
			last_attempt_at = excluded.last_attempt_at,
			error = excluded.error`,
		cb.RequestID, cb.ChatID, cb.Workspace, cb.Delivered, cb.Attempts,
		nullTime(cb.LastAttemptAt), cb.Error, cb.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting callback: %w", err)
	}
	return nil
}

// GetCallback retrieves a callback record by request id.
func (s *SQLiteStore) GetCallback(ctx context.Context, requestID string) (*CallbackRecord, error) {
	var (
		cb     CallbackRecord
		lastAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT request_id, chat_id, workspace, delivered, attempts,
		       last_attempt_at, error, created_at
		FROM callbacks WHERE request_id = ?`, requestID,
	).Scan(
		&cb.RequestID, &cb.ChatID, &cb.Workspace, &cb.Delivered, &cb.Attempts,
		&lastAt, &cb.Error, &cb.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying callback: %w", err)
	}
	cb.LastAttemptAt = timePtr(lastAt)
	return &cb, nil
}

// ListUndeliveredCallbacks returns up to limit callback records not yet delivered.
func (s *SQLiteStore) ListUndeliveredCallbacks(ctx context.Context, limit int) ([]*CallbackRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, chat_id, workspace, delivered, attempts,
		       last_attempt_at, error, created_at
		FROM callbacks WHERE delivered = 0
		ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying callbacks: %w", err)
	}
	defer rows.Close()

	var out []*CallbackRecord
	for rows.Next() {
		var (
			cb     CallbackRecord
			lastAt sql.NullTime
		)
		if err := rows.Scan(
			&cb.RequestID, &cb.ChatID, &cb.Workspace, &cb.Delivered, &cb.Attempts,
			&lastAt, &cb.Error, &cb.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning callback: %w", err)
		}
		cb.LastAttemptAt = timePtr(lastAt)
		out = append(out, &cb)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// isUniqueViolation reports whether err is a SQLite unique/primary key
// constraint failure. modernc.org/sqlite surfaces these as string-coded errors.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
