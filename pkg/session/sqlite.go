package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/harun/turnloop/internal/observability"
	"github.com/harun/turnloop/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SQLiteStoreConfig configures a SQLiteStore.
type SQLiteStoreConfig struct {
	// Path is the database file. ":memory:" keeps everything in process.
	Path   string
	Logger *zerolog.Logger
}

// SQLiteStore keeps sessions as JSON documents in a single table.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (or creates) the database and its schema.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	s := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "session").Logger(),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Debug().Str("path", cfg.Path).Msg("SQLite session store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
	`)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save upserts the session inside a transaction.
func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	if sess == nil {
		return fmt.Errorf("session cannot be nil")
	}
	if err := ValidateID(sess.ID); err != nil {
		return err
	}
	ctx, span := startSpan(ctx, "save", sess.ID)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	data, err := json.Marshal(sess)
	if err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to encode session: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, agent_id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			data = excluded.data,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`, sess.ID, sess.AgentID, string(data), sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano())
	if err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}

	if err := tx.Commit(); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to commit session %s: %w", sess.ID, err)
	}
	return nil
}

// Load reads a session. Corrupt rows are logged and reported as absent.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	ctx, span := startSpan(ctx, "load", id)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionLoad(time.Since(start)) }()

	logger := tracing.LoggerFromContext(ctx, s.logger).With().Str("session_id", id).Logger()

	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logger.Warn().Err(err).Msg("Session row unreadable")
		}
		return nil, notFound(id)
	}

	sess, err := decode([]byte(data), id)
	if err != nil {
		logger.Warn().Err(err).Msg("Session row corrupt")
		return nil, notFound(id)
	}
	return sess, nil
}

// Delete removes the row.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	ctx, span := startSpan(ctx, "delete", id)
	defer span.End()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// List returns ids, optionally filtered by agent.
func (s *SQLiteStore) List(ctx context.Context, agentID string) ([]string, error) {
	query := `SELECT id, data FROM sessions ORDER BY id`
	args := []any{}
	if agentID != "" {
		query = `SELECT id, data FROM sessions WHERE agent_id = ? ORDER BY id`
		args = append(args, agentID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		// Rows Load would report as absent are not listed.
		if _, err := decode([]byte(data), id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListUpdatedBefore returns ids whose last update is older than before.
func (s *SQLiteStore) ListUpdatedBefore(ctx context.Context, before time.Time) ([]string, error) {
	return s.queryIDs(ctx, `SELECT id FROM sessions WHERE updated_at < ? ORDER BY id`, before.UnixNano())
}

func (s *SQLiteStore) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
