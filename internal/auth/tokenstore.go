// Package auth keeps the client's credentials and talks to the backend's
// auth endpoints.
package auth

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// TokenKey is the single key credentials are stored under.
const TokenKey = "sql_assistant_auth_token"

// TokenStore persists the auth token. An empty token means logged out.
type TokenStore interface {
	Get() (string, error)
	Set(token string) error
	Clear() error
}

// MemoryTokenStore keeps the token for the lifetime of the process.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{values: make(map[string]string)}
}

func (s *MemoryTokenStore) Get() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[TokenKey], nil
}

func (s *MemoryTokenStore) Set(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[TokenKey] = token
	return nil
}

func (s *MemoryTokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, TokenKey)
	return nil
}

// Token makes the store usable as the gateway's token source.
func (s *MemoryTokenStore) Token() (string, error) { return s.Get() }

// SQLiteTokenStore keeps the token in a small key/value table so it survives
// restarts of the CLI.
type SQLiteTokenStore struct {
	db *sql.DB
}

// NewSQLiteTokenStore opens (and creates, if needed) the database at path.
func NewSQLiteTokenStore(ctx context.Context, path string) (*SQLiteTokenStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, errors.Wrap(err, "cannot create credential directory")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open credential store")
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "cannot reach credential store")
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS kv (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "cannot migrate credential store")
	}
	return &SQLiteTokenStore{db: db}, nil
}

func (s *SQLiteTokenStore) Get() (string, error) {
	var token string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, TokenKey).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "cannot read token")
	}
	return token, nil
}

func (s *SQLiteTokenStore) Set(token string) error {
	_, err := s.db.Exec(`INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, TokenKey, token)
	return errors.Wrap(err, "cannot store token")
}

func (s *SQLiteTokenStore) Clear() error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, TokenKey)
	return errors.Wrap(err, "cannot clear token")
}

func (s *SQLiteTokenStore) Token() (string, error) { return s.Get() }

func (s *SQLiteTokenStore) Close() error {
	return s.db.Close()
}
