package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/turnloop/internal/observability"
	"github.com/harun/turnloop/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	fileExt    = ".json"
	tempMarker = ".tmp-"
)

// FileStoreConfig configures a FileStore.
type FileStoreConfig struct {
	Dir    string
	Logger *zerolog.Logger
}

// FileStore keeps one JSON document per session in a directory.
type FileStore struct {
	dir    string
	logger zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*idLock
}

type idLock struct {
	mu   sync.Mutex
	refs int
}

// NewFileStore creates the directory if needed and removes temp files
// left behind by interrupted writes.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	observability.EnsureRegistered()

	dir := cfg.Dir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".turnloop", "sessions")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	fs := &FileStore{
		dir:    dir,
		logger: logger.With().Str("component", "session").Logger(),
		locks:  make(map[string]*idLock),
	}
	fs.removeStaleTemps()

	fs.logger.Debug().Str("dir", dir).Msg("File session store initialized")
	return fs, nil
}

// Dir returns the storage directory.
func (fs *FileStore) Dir() string {
	return fs.dir
}

// Path returns the file that holds the session id.
func (fs *FileStore) Path(id string) string {
	return filepath.Join(fs.dir, id+fileExt)
}

func (fs *FileStore) lock(id string) func() {
	fs.locksMu.Lock()
	l, ok := fs.locks[id]
	if !ok {
		l = &idLock{}
		fs.locks[id] = l
	}
	l.refs++
	fs.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		fs.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(fs.locks, id)
		}
		fs.locksMu.Unlock()
	}
}

// Save writes the session atomically.
func (fs *FileStore) Save(ctx context.Context, s *Session) error {
	if s == nil {
		return fmt.Errorf("session cannot be nil")
	}
	if err := ValidateID(s.ID); err != nil {
		return err
	}
	ctx, span := startSpan(ctx, "save", s.ID)
	defer span.End()
	start := time.Now()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to encode session: %w", err)
	}

	unlock := fs.lock(s.ID)
	err = fs.writeAtomic(s.ID, data)
	unlock()
	observability.RecordSessionSave(time.Since(start))

	if err != nil {
		tracing.RecordError(span, err)
		logger := tracing.LoggerFromContext(ctx, fs.logger)
		logger.Error().Err(err).Str("session_id", s.ID).Msg("Failed to save session")
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	return nil
}

func (fs *FileStore) writeAtomic(id string, data []byte) error {
	tmp, err := os.CreateTemp(fs.dir, "."+id+tempMarker+"*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, fs.Path(id)); err != nil {
		cleanup()
		return err
	}
	return nil
}

// Load reads a session. Corrupt records are logged and reported as absent.
func (fs *FileStore) Load(ctx context.Context, id string) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	ctx, span := startSpan(ctx, "load", id)
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionLoad(time.Since(start)) }()

	logger := tracing.LoggerFromContext(ctx, fs.logger).With().Str("session_id", id).Logger()

	data, err := os.ReadFile(fs.Path(id))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn().Err(err).Msg("Session file unreadable")
		}
		return nil, notFound(id)
	}

	s, err := decode(data, id)
	if err != nil {
		logger.Warn().Err(err).Msg("Session file corrupt")
		return nil, notFound(id)
	}
	return s, nil
}

// decode parses a stored record and checks it belongs to id.
func decode(data []byte, id string) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.ID != id {
		return nil, fmt.Errorf("record id %q does not match %q", s.ID, id)
	}
	if s.Messages == nil {
		s.Messages = []Message{}
	}
	return &s, nil
}

// Delete removes the session file.
func (fs *FileStore) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	_, span := startSpan(ctx, "delete", id)
	defer span.End()

	unlock := fs.lock(id)
	defer unlock()

	if err := os.Remove(fs.Path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

// List returns the ids of records Load can open. Each candidate is decoded,
// so corrupt files are left out.
func (fs *FileStore) List(ctx context.Context, agentID string) ([]string, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		id := strings.TrimSuffix(name, fileExt)
		s, err := fs.Load(ctx, id)
		if err != nil || (agentID != "" && s.AgentID != agentID) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (fs *FileStore) removeStaleTemps() {
	matches, err := filepath.Glob(filepath.Join(fs.dir, ".*"+tempMarker+"*"))
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err == nil {
			fs.logger.Warn().Str("file", filepath.Base(m)).Msg("Removed leftover session temp file")
		}
	}
}
