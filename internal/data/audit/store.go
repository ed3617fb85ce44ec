// Package audit persists every grammar load attempt to SQLite.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	driverName  = "sqlite"
	maxAttempts = 5

	// Fixed-width so ts_utc sorts lexically.
	timestampLayout = "2006-01-02T15:04:05.000000000Z"
)

type Store struct {
	path string
	db   *sql.DB
	mu   sync.Mutex
}

func Open(path string, busyTimeout time.Duration) (*Store, error) {
	cleanPath := strings.TrimSpace(path)
	if cleanPath == "" {
		return nil, fmt.Errorf("audit path must not be empty")
	}
	if info, err := os.Stat(cleanPath); err == nil && info.IsDir() {
		return nil, fmt.Errorf("audit path %q is a directory, expected file", cleanPath)
	}

	dir := filepath.Dir(cleanPath)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit directory %q: %w", dir, err)
		}
	}
	if busyTimeout <= 0 {
		busyTimeout = 2 * time.Second
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", cleanPath, busyTimeout.Milliseconds())
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite audit %q: %w", cleanPath, err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite audit %q: %w", cleanPath, err)
	}
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize sqlite schema %q: %w", cleanPath, err)
	}

	return &Store{path: cleanPath, db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Record stores rec, filling in ID and At when empty, and returns the stored copy.
func (s *Store) Record(ctx context.Context, rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.At.IsZero() {
		rec.At = time.Now().UTC()
	}
	if strings.TrimSpace(rec.Outcome) == "" {
		return Record{}, fmt.Errorf("audit record outcome must not be empty")
	}

	err := s.withRetry("record load attempt", func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO load_attempts (id, language, origin, format, outcome, kind, message, abi_version, digest, ts_utc)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.Language, rec.Origin, rec.Format, rec.Outcome, rec.Kind, rec.Message,
			rec.Version, rec.Digest, rec.At.UTC().Format(timestampLayout),
		)
		return err
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Recent returns the newest records first, optionally filtered by language.
func (s *Store) Recent(ctx context.Context, language string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT id, language, origin, format, outcome, kind, message, abi_version, digest, ts_utc
FROM load_attempts`
	args := []any{}
	if language = strings.TrimSpace(language); language != "" {
		query += ` WHERE language = ?`
		args = append(args, language)
	}
	query += ` ORDER BY ts_utc DESC, id LIMIT ?`
	args = append(args, limit)

	var out []Record
	err := s.withRetry("query load attempts", func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var rec Record
			var ts string
			if err := rows.Scan(&rec.ID, &rec.Language, &rec.Origin, &rec.Format, &rec.Outcome,
				&rec.Kind, &rec.Message, &rec.Version, &rec.Digest, &ts); err != nil {
				return err
			}
			at, err := time.Parse(timestampLayout, ts)
			if err != nil {
				return fmt.Errorf("parse timestamp %q: %w", ts, err)
			}
			rec.At = at
			out = append(out, rec)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Counts returns the number of attempts per outcome.
func (s *Store) Counts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	err := s.withRetry("count load attempts", func() error {
		clear(counts)
		rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM load_attempts GROUP BY outcome`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var outcome string
			var n int
			if err := rows.Scan(&outcome, &n); err != nil {
				return err
			}
			counts[outcome] = n
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *Store) withRetry(op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isLockError(err) || attempt == maxAttempts {
			break
		}
		time.Sleep(time.Duration(attempt*25) * time.Millisecond)
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}

func isLockError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}
