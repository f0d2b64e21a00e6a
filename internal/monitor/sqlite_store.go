package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// DefaultPersistInterval is used by RunPersistLoop for a non-positive interval.
const DefaultPersistInterval = time.Minute

// SQLiteStore persists host stats snapshots so a restarted process can warm-start.
type SQLiteStore struct {
	db       *sql.DB
	logger   *slog.Logger
	isMemory bool

	// persistMu orders snapshot writes against clears.
	persistMu sync.Mutex
}

// NewSQLiteStore opens (or creates) a stats database at dbPath.
// Use ":memory:" for an in-process database.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var connStr string
	isMemory := dbPath == ":memory:"

	if isMemory {
		connStr = "file::memory:?cache=shared&_timeout=5000&_busy_timeout=5000"
	} else {
		dir := filepath.Dir(dbPath)
		if dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory: %w", err)
			}
		}
		connStr = dbPath + "?_journal=WAL&_timeout=5000&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SQLiteStore{db: db, logger: logger, isMemory: isMemory}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info("SQLite stats store initialized", "path", dbPath, "in_memory", isMemory)
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS host_stats (
		host TEXT PRIMARY KEY,
		success_count INTEGER NOT NULL DEFAULT 0,
		failure_count INTEGER NOT NULL DEFAULT 0,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		last_user_agent TEXT NOT NULL DEFAULT '',
		last_cookies_json TEXT NOT NULL DEFAULT '{}',
		durations_json TEXT NOT NULL DEFAULT '[]',
		last_challenge_type TEXT NOT NULL DEFAULT '',
		first_seen TEXT NOT NULL DEFAULT '',
		last_success_at TEXT NOT NULL DEFAULT '',
		last_failure_at TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveAll upserts every snapshot in a single transaction.
func (s *SQLiteStore) SaveAll(ctx context.Context, stats []HostStats) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO host_stats (host, success_count, failure_count, consecutive_failures,
		last_user_agent, last_cookies_json, durations_json, last_challenge_type,
		first_seen, last_success_at, last_failure_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(host) DO UPDATE SET
		success_count = excluded.success_count,
		failure_count = excluded.failure_count,
		consecutive_failures = excluded.consecutive_failures,
		last_user_agent = excluded.last_user_agent,
		last_cookies_json = excluded.last_cookies_json,
		durations_json = excluded.durations_json,
		last_challenge_type = excluded.last_challenge_type,
		first_seen = excluded.first_seen,
		last_success_at = excluded.last_success_at,
		last_failure_at = excluded.last_failure_at,
		updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, h := range stats {
		cookiesJSON, err := json.Marshal(h.LastCookies)
		if err != nil {
			return fmt.Errorf("failed to marshal cookies: %w", err)
		}
		millis := make([]int64, len(h.Durations))
		for i, d := range h.Durations {
			millis[i] = d.Milliseconds()
		}
		durationsJSON, err := json.Marshal(millis)
		if err != nil {
			return fmt.Errorf("failed to marshal durations: %w", err)
		}

		if _, err := stmt.ExecContext(ctx,
			h.Host,
			h.SuccessCount,
			h.FailureCount,
			h.ConsecutiveFailures,
			h.LastUserAgent,
			string(cookiesJSON),
			string(durationsJSON),
			h.LastChallengeType,
			formatTime(h.FirstSeen),
			formatTime(h.LastSuccessAt),
			formatTime(h.LastFailureAt),
			now,
		); err != nil {
			return fmt.Errorf("failed to save stats for %s: %w", h.Host, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit stats: %w", err)
	}

	s.logger.Debug("host stats persisted", "hosts", len(stats))
	return nil
}

// LoadAll returns every persisted snapshot.
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]HostStats, error) {
	rows, err := s.db.QueryContext(ctx, `
	SELECT host, success_count, failure_count, consecutive_failures, last_user_agent,
		last_cookies_json, durations_json, last_challenge_type, first_seen,
		last_success_at, last_failure_at
	FROM host_stats ORDER BY host
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	var out []HostStats
	for rows.Next() {
		var (
			h                                   HostStats
			cookiesJSON, durationsJSON          string
			firstSeen, lastSuccess, lastFailure string
		)
		if err := rows.Scan(&h.Host, &h.SuccessCount, &h.FailureCount, &h.ConsecutiveFailures,
			&h.LastUserAgent, &cookiesJSON, &durationsJSON, &h.LastChallengeType,
			&firstSeen, &lastSuccess, &lastFailure); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}

		if err := json.Unmarshal([]byte(cookiesJSON), &h.LastCookies); err != nil {
			s.logger.Warn("failed to unmarshal cookies", "host", h.Host, "error", err)
		}
		var millis []int64
		if err := json.Unmarshal([]byte(durationsJSON), &millis); err != nil {
			s.logger.Warn("failed to unmarshal durations", "host", h.Host, "error", err)
		}
		for _, ms := range millis {
			h.Durations = append(h.Durations, time.Duration(ms)*time.Millisecond)
		}
		h.FirstSeen = parseTime(firstSeen)
		h.LastSuccessAt = parseTime(lastSuccess)
		h.LastFailureAt = parseTime(lastFailure)

		out = append(out, h)
	}
	return out, rows.Err()
}

// Clear deletes every persisted snapshot.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM host_stats`); err != nil {
		return fmt.Errorf("failed to clear stats: %w", err)
	}
	return nil
}

// ClearWith runs reset and then deletes every persisted snapshot. A concurrent
// Persist either completes before reset or writes a snapshot taken after it,
// so cleared hosts never reappear in the database.
func (s *SQLiteStore) ClearWith(ctx context.Context, reset func()) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if reset != nil {
		reset()
	}
	return s.Clear(ctx)
}

// Persist saves a snapshot of m.
func (s *SQLiteStore) Persist(ctx context.Context, m *Monitor) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return s.SaveAll(ctx, m.Snapshot())
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RunPersistLoop saves a snapshot of m every interval and once more when ctx ends.
// A non-positive interval means DefaultPersistInterval.
func RunPersistLoop(ctx context.Context, m *Monitor, store *SQLiteStore, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultPersistInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	save := func(ctx context.Context) {
		if err := store.Persist(ctx, m); err != nil {
			logger.Error("failed to persist host stats", "error", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			save(flushCtx)
			cancel()
			return
		case <-ticker.C:
			save(ctx)
		}
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
