// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides the production-default KV backend: a single
// table of namespaced keys backed by modernc.org/sqlite, used whenever no
// external KV endpoint is configured.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tombee/deploygraph/internal/kv"
	"github.com/tombee/deploygraph/pkg/security"
	_ "modernc.org/sqlite"
)

var (
	_ kv.Store    = (*Store)(nil)
	_ kv.SetAdder = (*Store)(nil)
)

// Store is a SQLite-backed kv.Store.
type Store struct {
	db *sql.DB
}

// Config configures the SQLite KV backend.
type Config struct {
	// Path is the database file path.
	Path string
}

const schema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	ns_key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	expires_at INTEGER
);
CREATE TABLE IF NOT EXISTS kv_sets (
	set_key TEXT NOT NULL,
	member TEXT NOT NULL,
	PRIMARY KEY (set_key, member)
);
`

// New opens (creating if necessary) the SQLite database at cfg.Path and
// ensures its schema exists. The database and its parent directory are
// created with the restrictive permissions pkg/security.DeterminePermissions
// assigns to secret-shaped paths, since this store may hold session and
// checkpoint records for the cache/checkpoint packages (spec.md 6.2, 6.3).
func New(cfg Config) (*Store, error) {
	fileMode, dirMode := security.DeterminePermissions(cfg.Path)
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, dirMode); err != nil {
			return nil, fmt.Errorf("kv/sqlite: creating data directory: %w", err)
		}
	}
	if _, err := os.Stat(cfg.Path); os.IsNotExist(err) {
		f, createErr := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY, fileMode)
		if createErr != nil {
			return nil, fmt.Errorf("kv/sqlite: creating database file: %w", createErr)
		}
		f.Close()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("kv/sqlite: opening database: %w", err)
	}
	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// under concurrent access from multiple goroutines in this process.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("kv/sqlite: connecting: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("kv/sqlite: creating schema: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("kv/sqlite: enabling WAL: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get implements kv.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM kv_entries WHERE ns_key = ?`, key)
	if err := row.Scan(&value, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("kv/sqlite: get %q: %w", key, err)
	}
	if expiresAt.Valid && time.Now().Unix() > expiresAt.Int64 {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE ns_key = ?`, key)
		return nil, kv.ErrNotFound
	}
	return value, nil
}

// Set implements kv.Store.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt sql.NullInt64
	if ttl > 0 {
		expiresAt = sql.NullInt64{Int64: time.Now().Add(ttl).Unix(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_entries (ns_key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(ns_key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("kv/sqlite: set %q: %w", key, err)
	}
	return nil
}

// Delete implements kv.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE ns_key = ?`, key)
	if err != nil {
		return fmt.Errorf("kv/sqlite: delete %q: %w", key, err)
	}
	return nil
}

// Keys implements kv.Store.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ns_key, expires_at FROM kv_entries WHERE ns_key LIKE ? ESCAPE '\'
	`, escapeLikePrefix(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("kv/sqlite: scan %q: %w", prefix, err)
	}
	defer rows.Close()

	now := time.Now().Unix()
	var keys []string
	for rows.Next() {
		var key string
		var expiresAt sql.NullInt64
		if err := rows.Scan(&key, &expiresAt); err != nil {
			return nil, fmt.Errorf("kv/sqlite: scanning row: %w", err)
		}
		if expiresAt.Valid && now > expiresAt.Int64 {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, rows.Err()
}

// SetAdd implements kv.SetAdder.
func (s *Store) SetAdd(ctx context.Context, key, member string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_sets (set_key, member) VALUES (?, ?)
		ON CONFLICT(set_key, member) DO NOTHING
	`, key, member)
	if err != nil {
		return fmt.Errorf("kv/sqlite: set-add %q/%q: %w", key, member, err)
	}
	return nil
}

// SetRemove implements kv.SetAdder.
func (s *Store) SetRemove(ctx context.Context, key, member string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_sets WHERE set_key = ? AND member = ?`, key, member)
	if err != nil {
		return fmt.Errorf("kv/sqlite: set-remove %q/%q: %w", key, member, err)
	}
	return nil
}

// SetMembers implements kv.SetAdder.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT member FROM kv_sets WHERE set_key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("kv/sqlite: set-members %q: %w", key, err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("kv/sqlite: scanning set member: %w", err)
		}
		members = append(members, m)
	}
	sort.Strings(members)
	return members, rows.Err()
}

// escapeLikePrefix escapes SQL LIKE wildcards in a literal prefix.
func escapeLikePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix)
}
