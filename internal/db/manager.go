package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Manager manages database connections for the shared database and the
// per-user sharded databases. Each user's mailboxes and messages live in
// their own database file; cross-user state (accounts, storage usage,
// lock leases, attachment references) lives in the shared database.
type Manager struct {
	basePath    string
	sharedDB    *sql.DB
	userDBCache map[int64]*sql.DB
	cacheMutex  sync.RWMutex
}

// NewManager creates a new database manager rooted at basePath.
func NewManager(basePath string) (*Manager, error) {
	if err := os.MkdirAll(basePath, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	m := &Manager{
		basePath:    basePath,
		userDBCache: make(map[int64]*sql.DB),
	}

	if err := m.initSharedDB(); err != nil {
		return nil, fmt.Errorf("failed to initialize shared database: %w", err)
	}

	return m, nil
}

// GetSharedDB returns the shared database connection.
func (m *Manager) GetSharedDB() *sql.DB {
	return m.sharedDB
}

// GetUserDB returns a database connection for a specific user, creating
// and initializing the database file on first use.
func (m *Manager) GetUserDB(userID int64) (*sql.DB, error) {
	// Check cache first
	m.cacheMutex.RLock()
	if db, exists := m.userDBCache[userID]; exists {
		m.cacheMutex.RUnlock()
		return db, nil
	}
	m.cacheMutex.RUnlock()

	m.cacheMutex.Lock()
	defer m.cacheMutex.Unlock()

	// Double-check after acquiring write lock
	if db, exists := m.userDBCache[userID]; exists {
		return db, nil
	}

	dbPath := m.userDBPath(userID)

	exists := false
	if _, err := os.Stat(dbPath); err == nil {
		exists = true
	}

	db, err := openSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open user database: %w", err)
	}

	if !exists {
		if err := m.initUserDB(db, userID); err != nil {
			_ = db.Close()
			_ = os.Remove(dbPath)
			return nil, fmt.Errorf("failed to initialize user database: %w", err)
		}
	}

	m.userDBCache[userID] = db
	return db, nil
}

// GetOrCreateUser resolves a username to its user id in the shared
// database, creating the account on first sight.
func (m *Manager) GetOrCreateUser(ctx context.Context, username string) (int64, error) {
	var id int64
	err := m.sharedDB.QueryRowContext(ctx,
		"SELECT id FROM users WHERE username = ?", username).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}

	res, err := m.sharedDB.ExecContext(ctx,
		"INSERT INTO users (username) VALUES (?)", username)
	if err != nil {
		return 0, fmt.Errorf("failed to create user %s: %w", username, err)
	}
	return res.LastInsertId()
}

// ListUserIDs returns the ids of all known users.
func (m *Manager) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := m.sharedDB.QueryContext(ctx, "SELECT id FROM users ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (m *Manager) initSharedDB() error {
	db, err := openSQLite(filepath.Join(m.basePath, "shared.db"))
	if err != nil {
		return err
	}

	if err := createSharedSchema(db); err != nil {
		_ = db.Close()
		return err
	}

	m.sharedDB = db
	return nil
}

func (m *Manager) initUserDB(db *sql.DB, userID int64) error {
	if err := createUserSchema(db); err != nil {
		return err
	}

	// Default retention for new mailboxes comes from the account record.
	var retention int64
	err := m.sharedDB.QueryRow(
		"SELECT default_retention_ms FROM users WHERE id = ?", userID).Scan(&retention)
	if err != nil && err != sql.ErrNoRows {
		return err
	}

	return createDefaultMailboxes(db, userID, retention)
}

func (m *Manager) userDBPath(userID int64) string {
	return filepath.Join(m.basePath, fmt.Sprintf("user_db_%d.db", userID))
}

// openSQLite opens a database file with WAL journaling so message scans
// and per-document writes can interleave within one process.
func openSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// Close closes all database connections.
func (m *Manager) Close() error {
	var lastErr error

	if m.sharedDB != nil {
		if err := m.sharedDB.Close(); err != nil {
			lastErr = err
		}
	}

	m.cacheMutex.Lock()
	defer m.cacheMutex.Unlock()

	for userID, db := range m.userDBCache {
		if err := db.Close(); err != nil {
			lastErr = err
		}
		delete(m.userDBCache, userID)
	}

	return lastErr
}

// createDefaultMailboxes provisions the standard special-use mailboxes for
// a new user database.
func createDefaultMailboxes(db *sql.DB, userID int64, retentionMS int64) error {
	defaults := []struct {
		path       string
		specialUse string
	}{
		{"INBOX", ""},
		{"Sent", SpecialUseSent},
		{"Drafts", SpecialUseDrafts},
		{"Trash", SpecialUseTrash},
		{"Junk", SpecialUseJunk},
	}

	for _, d := range defaults {
		if _, err := insertMailbox(db, userID, d.path, d.specialUse, retentionMS); err != nil {
			return fmt.Errorf("failed to create mailbox %s: %w", d.path, err)
		}
	}

	return nil
}
