// Package store persists per-user settings in sqlite. Calls block; protocol
// code reaches the store through a Worker so the event loop never waits on
// disk.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// Wallpaper roles and kinds, shared with the wallpaper protocols.
const (
	RoleDesktop    = 1
	RoleLockscreen = 2

	KindImage = 0
	KindVideo = 1
)

// Wallpaper is one persisted wallpaper choice.
type Wallpaper struct {
	UID    int
	Output string
	Role   int
	Kind   int
	Source string
	IsDark bool
}

type Store struct {
	db  *sql.DB
	seq atomic.Int64
}

// Open opens or creates the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}

	s := &Store{db: db}
	var last int64
	err = db.QueryRowContext(ctx, `
SELECT MAX(seq) FROM (
	SELECT COALESCE(MAX(seq), 0) AS seq FROM settings
	UNION ALL
	SELECT COALESCE(MAX(seq), 0) FROM wallpapers
)`).Scan(&last)
	if err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("read last sequence: %w", err)
	}
	s.seq.Store(last)
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// NextSeq orders writes. A write carrying a lower sequence than the stored
// row is ignored, so writes racing through the worker pool still land in
// submission order.
func (s *Store) NextSeq() int64 {
	return s.seq.Add(1)
}

func (s *Store) Get(ctx context.Context, uid int, scope, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE uid = ? AND scope = ? AND key = ?`,
		uid, scope, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get setting %s/%s: %w", scope, key, err)
	}
	return v, nil
}

// Scope returns every setting of a user in one scope.
func (s *Store) Scope(ctx context.Context, uid int, scope string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings WHERE uid = ? AND scope = ?`, uid, scope)
	if err != nil {
		return nil, fmt.Errorf("list scope %s: %w", scope, err)
	}
	defer rows.Close() //nolint:errcheck
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Put stores a setting written with sequence seq.
func (s *Store) Put(ctx context.Context, seq int64, uid int, scope, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settings(uid, scope, key, value, seq, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(uid, scope, key) DO UPDATE SET
	value=excluded.value,
	seq=excluded.seq,
	updated_at=excluded.updated_at
WHERE excluded.seq > settings.seq
`, uid, scope, key, value, seq, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("put setting %s/%s: %w", scope, key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, uid int, scope, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE uid = ? AND scope = ? AND key = ?`, uid, scope, key); err != nil {
		return fmt.Errorf("delete setting %s/%s: %w", scope, key, err)
	}
	return nil
}

// PutWallpaper records w for its user, output and role.
func (s *Store) PutWallpaper(ctx context.Context, seq int64, w Wallpaper) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO wallpapers(uid, output, role, kind, source, is_dark, seq, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(uid, output, role) DO UPDATE SET
	kind=excluded.kind,
	source=excluded.source,
	is_dark=excluded.is_dark,
	seq=excluded.seq,
	updated_at=excluded.updated_at
WHERE excluded.seq > wallpapers.seq
`, w.UID, w.Output, w.Role, w.Kind, w.Source, boolToInt(w.IsDark), seq, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("put wallpaper %s: %w", w.Output, err)
	}
	return nil
}

// Wallpapers lists a user's wallpapers; uid < 0 lists every user's.
func (s *Store) Wallpapers(ctx context.Context, uid int) ([]Wallpaper, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT uid, output, role, kind, source, is_dark FROM wallpapers
WHERE ? < 0 OR uid = ?
ORDER BY uid, output, role`, uid, uid)
	if err != nil {
		return nil, fmt.Errorf("list wallpapers: %w", err)
	}
	defer rows.Close() //nolint:errcheck
	var out []Wallpaper
	for rows.Next() {
		var w Wallpaper
		var dark int
		if err := rows.Scan(&w.UID, &w.Output, &w.Role, &w.Kind, &w.Source, &dark); err != nil {
			return nil, fmt.Errorf("scan wallpaper: %w", err)
		}
		w.IsDark = dark != 0
		out = append(out, w)
	}
	return out, rows.Err()
}

// SourceInUse reports whether any wallpaper still points at source.
func (s *Store) SourceInUse(ctx context.Context, source string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM wallpapers WHERE source = ?`, source).Scan(&n); err != nil {
		return false, fmt.Errorf("count wallpaper source: %w", err)
	}
	return n > 0, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
