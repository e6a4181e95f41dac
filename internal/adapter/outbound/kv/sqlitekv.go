package kv

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sentinelsca/sca/internal/domain/kv"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a durable kv.Store backed by a single SQLite database in
// WAL mode, grounded on original_source/sentinel_core/replay_db.py's
// ensure_schema/check_and_set pattern, generalized from a single
// nonces(nonce, expires_at) table to a small generic schema covering
// strings, lists, and sorted sets so the replay store, reaper requeue
// counters, budget windows, and queues can all share one durable backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) the database at path and
// ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("kv: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; modernc.org/sqlite does not multiplex writes well

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: enable WAL: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv_strings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS kv_lists (
			key TEXT NOT NULL,
			seq INTEGER NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (key, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS kv_zsets (
			key TEXT NOT NULL,
			member TEXT NOT NULL,
			score REAL NOT NULL,
			PRIMARY KEY (key, member)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("kv: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) cleanupExpired(ctx context.Context) {
	_, _ = s.db.ExecContext(ctx, `DELETE FROM kv_strings WHERE expires_at != 0 AND expires_at < ?`, time.Now().Unix())
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	s.cleanupExpired(ctx)
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_strings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", kv.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv: get: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	expires := expiresAtUnix(ttl)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_strings (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, expires)
	if err != nil {
		return fmt.Errorf("kv: set: %w", err)
	}
	return nil
}

// SetNX mirrors original_source/sentinel_core/replay_db.py check_and_set:
// delete expired rows first, then attempt an INSERT and treat a primary-key
// conflict as "already set" rather than an error.
func (s *SQLiteStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("kv: setnx begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_strings WHERE key = ? AND expires_at != 0 AND expires_at < ?`, key, now); err != nil {
		return false, fmt.Errorf("kv: setnx cleanup: %w", err)
	}

	expires := expiresAtUnix(ttl)
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO kv_strings (key, value, expires_at) VALUES (?, ?, ?)`, key, value, expires)
	if err != nil {
		return false, fmt.Errorf("kv: setnx insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("kv: setnx rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("kv: setnx commit: %w", err)
	}
	return n == 1, nil
}

func expiresAtUnix(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).Unix()
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_strings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv: delete string: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_lists WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv: delete list: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_zsets WHERE key = ?`, key); err != nil {
		return fmt.Errorf("kv: delete zset: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RPush(ctx context.Context, key, value string) error {
	var maxSeq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM kv_lists WHERE key = ?`, key).Scan(&maxSeq); err != nil {
		return fmt.Errorf("kv: rpush max seq: %w", err)
	}
	next := int64(1)
	if maxSeq.Valid {
		next = maxSeq.Int64 + 1
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO kv_lists (key, seq, value) VALUES (?, ?, ?)`, key, next, value); err != nil {
		return fmt.Errorf("kv: rpush: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LLen(ctx context.Context, key string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_lists WHERE key = ?`, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("kv: llen: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) BRPopLPush(ctx context.Context, src, dst string, pollInterval time.Duration) (string, error) {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	for {
		v, ok, err := s.tryRPopLPush(ctx, src, dst)
		if err != nil {
			return "", err
		}
		if ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (s *SQLiteStore) tryRPopLPush(ctx context.Context, src, dst string) (string, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("kv: rpoplpush begin: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	var value string
	err = tx.QueryRowContext(ctx, `SELECT seq, value FROM kv_lists WHERE key = ? ORDER BY seq DESC LIMIT 1`, src).Scan(&seq, &value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: rpoplpush select: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM kv_lists WHERE key = ? AND seq = ?`, src, seq); err != nil {
		return "", false, fmt.Errorf("kv: rpoplpush delete: %w", err)
	}

	var minSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MIN(seq) FROM kv_lists WHERE key = ?`, dst).Scan(&minSeq); err != nil {
		return "", false, fmt.Errorf("kv: rpoplpush min seq: %w", err)
	}
	next := int64(-1)
	if minSeq.Valid {
		next = minSeq.Int64 - 1
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO kv_lists (key, seq, value) VALUES (?, ?, ?)`, dst, next, value); err != nil {
		return "", false, fmt.Errorf("kv: rpoplpush insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("kv: rpoplpush commit: %w", err)
	}
	return value, true, nil
}

func (s *SQLiteStore) LRem(ctx context.Context, key, value string) error {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM kv_lists WHERE key = ? AND value = ? ORDER BY seq ASC LIMIT 1`, key, value).Scan(&seq)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("kv: lrem select: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_lists WHERE key = ? AND seq = ?`, key, seq); err != nil {
		return fmt.Errorf("kv: lrem delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LRange(ctx context.Context, key string, offset, count int) ([]string, error) {
	query := `SELECT value FROM kv_lists WHERE key = ? ORDER BY seq ASC LIMIT -1 OFFSET ?`
	args := []any{key, offset}
	if count > 0 {
		query = `SELECT value FROM kv_lists WHERE key = ? ORDER BY seq ASC LIMIT ? OFFSET ?`
		args = []any{key, count, offset}
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("kv: lrange: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("kv: lrange scan: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_zsets (key, member, score) VALUES (?, ?, ?)
		ON CONFLICT(key, member) DO UPDATE SET score = excluded.score
	`, key, member, score)
	if err != nil {
		return fmt.Errorf("kv: zadd: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ZCard(ctx context.Context, key string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_zsets WHERE key = ?`, key).Scan(&n); err != nil {
		return 0, fmt.Errorf("kv: zcard: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_zsets WHERE key = ? AND score BETWEEN ? AND ?`, key, min, max); err != nil {
		return fmt.Errorf("kv: zremrangebyscore: %w", err)
	}
	return nil
}

var _ kv.Store = (*SQLiteStore)(nil)
