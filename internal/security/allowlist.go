package security

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gltchgate/internal/domain"

	_ "modernc.org/sqlite"
)

// AllowlistStore persists admitted senders per channel account.
type AllowlistStore interface {
	Add(ctx context.Context, channel, accountID string, entry domain.AllowlistEntry) error
	Remove(ctx context.Context, channel, accountID, senderID string) (bool, error)
	Contains(ctx context.Context, channel, accountID, senderID string) (bool, error)
	List(ctx context.Context, channel, accountID string) ([]domain.AllowlistEntry, error)
	Close() error
}

func allowKey(channel, accountID string) string {
	return channel + ":" + accountID
}

// MemoryAllowlist is an in-process AllowlistStore.
type MemoryAllowlist struct {
	mu      sync.RWMutex
	entries map[string]map[string]domain.AllowlistEntry
}

func NewMemoryAllowlist() *MemoryAllowlist {
	return &MemoryAllowlist{entries: make(map[string]map[string]domain.AllowlistEntry)}
}

func (m *MemoryAllowlist) Add(_ context.Context, channel, accountID string, entry domain.AllowlistEntry) error {
	if entry.SenderID == "" {
		return fmt.Errorf("allowlist: sender id is required")
	}
	if entry.AddedAt.IsZero() {
		entry.AddedAt = time.Now()
	}
	key := allowKey(channel, accountID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries[key] == nil {
		m.entries[key] = make(map[string]domain.AllowlistEntry)
	}
	m.entries[key][entry.SenderID] = entry
	return nil
}

func (m *MemoryAllowlist) Remove(_ context.Context, channel, accountID, senderID string) (bool, error) {
	key := allowKey(channel, accountID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key][senderID]; !ok {
		return false, nil
	}
	delete(m.entries[key], senderID)
	return true, nil
}

func (m *MemoryAllowlist) Contains(_ context.Context, channel, accountID, senderID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[allowKey(channel, accountID)][senderID]
	return ok, nil
}

func (m *MemoryAllowlist) List(_ context.Context, channel, accountID string) ([]domain.AllowlistEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.entries[allowKey(channel, accountID)]
	out := make([]domain.AllowlistEntry, 0, len(set))
	for _, e := range set {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.Before(out[j].AddedAt) })
	return out, nil
}

func (m *MemoryAllowlist) Close() error { return nil }

// SQLiteAllowlist is an AllowlistStore backed by SQLite.
type SQLiteAllowlist struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteAllowlist opens (and migrates) the allowlist database at dbPath.
func NewSQLiteAllowlist(dbPath string, logger *slog.Logger) (*SQLiteAllowlist, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open allowlist database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLiteAllowlist{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("allowlist migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLiteAllowlist) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS allowlist (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		channel    TEXT NOT NULL,
		account_id TEXT NOT NULL,
		sender_id  TEXT NOT NULL,
		added_at   DATETIME NOT NULL,
		added_by   TEXT,
		note       TEXT,
		UNIQUE(channel, account_id, sender_id)
	);
	CREATE INDEX IF NOT EXISTS idx_allowlist_account ON allowlist(channel, account_id);
	`)
	return err
}

func (s *SQLiteAllowlist) Add(ctx context.Context, channel, accountID string, entry domain.AllowlistEntry) error {
	if entry.SenderID == "" {
		return fmt.Errorf("allowlist: sender id is required")
	}
	if entry.AddedAt.IsZero() {
		entry.AddedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO allowlist (channel, account_id, sender_id, added_at, added_by, note)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		channel, accountID, entry.SenderID, entry.AddedAt.UTC(), entry.AddedBy, entry.Note,
	)
	if err != nil {
		return fmt.Errorf("add allowlist entry: %w", err)
	}
	s.logger.Info("allowlist entry added", "channel", channel, "account", accountID, "sender", entry.SenderID)
	return nil
}

func (s *SQLiteAllowlist) Remove(ctx context.Context, channel, accountID, senderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM allowlist WHERE channel = ? AND account_id = ? AND sender_id = ?",
		channel, accountID, senderID,
	)
	if err != nil {
		return false, fmt.Errorf("remove allowlist entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteAllowlist) Contains(ctx context.Context, channel, accountID, senderID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM allowlist WHERE channel = ? AND account_id = ? AND sender_id = ?",
		channel, accountID, senderID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check allowlist: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteAllowlist) List(ctx context.Context, channel, accountID string) ([]domain.AllowlistEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sender_id, added_at, COALESCE(added_by, ''), COALESCE(note, '')
		 FROM allowlist WHERE channel = ? AND account_id = ? ORDER BY added_at`,
		channel, accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("list allowlist: %w", err)
	}
	defer rows.Close()

	var out []domain.AllowlistEntry
	for rows.Next() {
		var e domain.AllowlistEntry
		if err := rows.Scan(&e.SenderID, &e.AddedAt, &e.AddedBy, &e.Note); err != nil {
			return nil, fmt.Errorf("scan allowlist: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteAllowlist) Close() error {
	return s.db.Close()
}
