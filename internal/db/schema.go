package db

import (
	"database/sql"
	"fmt"
)

// Shared database schema. The users row is the serialization point for a
// user's storage usage; lock_leases backs the advisory lock manager;
// attachments holds deduplicated attachment bodies and reference counts.
func createSharedSchema(db *sql.DB) error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			storage_used INTEGER NOT NULL DEFAULT 0,
			default_retention_ms INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS lock_leases (
			key TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS attachments (
			id TEXT PRIMARY KEY,
			size INTEGER NOT NULL DEFAULT 0,
			refcount INTEGER NOT NULL DEFAULT 0,
			storage TEXT NOT NULL DEFAULT 'local',
			content BLOB,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, schema := range schemas {
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("failed to create shared table: %w", err)
		}
	}

	return nil
}

// Per-user database schema.
//
// The messages row carries boolean projections (unseen, undeleted, flagged,
// draft) of the canonical flags so indexed queries never have to parse the
// flags column. Projections are written in the same statement as flags on
// every mutation path.
func createUserSchema(db *sql.DB) error {
	schemas := []string{
		`CREATE TABLE IF NOT EXISTS mailboxes (
			id INTEGER PRIMARY KEY,
			user_id INTEGER NOT NULL,
			path TEXT NOT NULL,
			uid_validity INTEGER NOT NULL,
			uid_next INTEGER NOT NULL DEFAULT 1,
			modify_index INTEGER NOT NULL DEFAULT 0,
			flags TEXT NOT NULL DEFAULT '',
			special_use TEXT NOT NULL DEFAULT '',
			subscribed BOOLEAN NOT NULL DEFAULT TRUE,
			hidden BOOLEAN NOT NULL DEFAULT FALSE,
			retention_ms INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, path)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			mailbox_id INTEGER NOT NULL,
			uid INTEGER NOT NULL,
			flags TEXT NOT NULL DEFAULT '',
			unseen BOOLEAN NOT NULL DEFAULT TRUE,
			undeleted BOOLEAN NOT NULL DEFAULT TRUE,
			flagged BOOLEAN NOT NULL DEFAULT FALSE,
			draft BOOLEAN NOT NULL DEFAULT FALSE,
			searchable BOOLEAN NOT NULL DEFAULT TRUE,
			modseq INTEGER NOT NULL DEFAULT 0,
			size INTEGER NOT NULL DEFAULT 0,
			exp BOOLEAN NOT NULL DEFAULT FALSE,
			rdate INTEGER NOT NULL DEFAULT 0,
			copied BOOLEAN NOT NULL DEFAULT FALSE,
			junk BOOLEAN NOT NULL DEFAULT FALSE,
			internal_date TIMESTAMP NOT NULL,
			header_date TIMESTAMP,
			body_text TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (mailbox_id) REFERENCES mailboxes(id),
			UNIQUE(mailbox_id, uid)
		)`,
		`CREATE TABLE IF NOT EXISTS message_headers (
			message_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_attachments (
			message_id TEXT NOT NULL,
			attachment_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS archived (
			id TEXT PRIMARY KEY,
			mailbox_id INTEGER NOT NULL,
			uid INTEGER NOT NULL,
			flags TEXT NOT NULL DEFAULT '',
			size INTEGER NOT NULL DEFAULT 0,
			internal_date TIMESTAMP NOT NULL,
			body_text TEXT NOT NULL DEFAULT '',
			archived_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS notifier_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			mailbox_id INTEGER NOT NULL,
			uid INTEGER NOT NULL DEFAULT 0,
			command TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, schema := range schemas {
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("failed to create user table: %w", err)
		}
	}

	return createUserIndexes(db)
}

func createUserIndexes(db *sql.DB) error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_mailboxes_user_path ON mailboxes(user_id, path)",
		"CREATE INDEX IF NOT EXISTS idx_messages_mailbox_uid ON messages(mailbox_id, uid)",
		"CREATE INDEX IF NOT EXISTS idx_messages_mailbox_modseq ON messages(mailbox_id, modseq)",
		"CREATE INDEX IF NOT EXISTS idx_messages_mailbox_unseen ON messages(mailbox_id, unseen)",
		"CREATE INDEX IF NOT EXISTS idx_messages_mailbox_undeleted ON messages(mailbox_id, undeleted)",
		"CREATE INDEX IF NOT EXISTS idx_headers_message ON message_headers(message_id)",
		"CREATE INDEX IF NOT EXISTS idx_headers_key ON message_headers(key)",
		"CREATE INDEX IF NOT EXISTS idx_msg_attachments_message ON message_attachments(message_id)",
		"CREATE INDEX IF NOT EXISTS idx_notifier_mailbox ON notifier_entries(mailbox_id, id)",
	}

	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	return nil
}
