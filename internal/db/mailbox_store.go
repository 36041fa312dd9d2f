package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// MailboxStore is CRUD over mailbox records and the single source of UID
// and MODSEQ allocation. All statements run under the configured timeouts:
// the metadata timeout for single-row reads and writes, the scan timeout
// for collection scans.
type MailboxStore struct {
	mgr         *Manager
	metaTimeout time.Duration
	scanTimeout time.Duration
}

func NewMailboxStore(mgr *Manager, metaTimeout, scanTimeout time.Duration) *MailboxStore {
	return &MailboxStore{mgr: mgr, metaTimeout: metaTimeout, scanTimeout: scanTimeout}
}

// Status is the STATUS view of a mailbox.
type Status struct {
	Messages      int
	UIDNext       int64
	UIDValidity   int64
	Unseen        int
	HighestModseq int64
}

// LifecycleHandler performs the structural work of mailbox deletion and
// renaming (message archival cascades, hierarchy moves). The store only
// resolves the mailbox and delegates.
type LifecycleHandler interface {
	DeleteMailbox(ctx context.Context, userDB *sql.DB, mbox *Mailbox) error
	RenameMailbox(ctx context.Context, userDB *sql.DB, mbox *Mailbox, newPath string) error
}

func (s *MailboxStore) UserDB(userID int64) (*sql.DB, error) {
	return s.mgr.GetUserDB(userID)
}

func (s *MailboxStore) meta(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.metaTimeout)
}

func (s *MailboxStore) scan(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.scanTimeout)
}

const mailboxColumns = `id, user_id, path, uid_validity, uid_next, modify_index,
	flags, special_use, subscribed, hidden, retention_ms`

func scanMailbox(row *sql.Row) (*Mailbox, error) {
	var m Mailbox
	var flags string
	err := row.Scan(&m.ID, &m.UserID, &m.Path, &m.UIDValidity, &m.UIDNext,
		&m.ModifyIndex, &flags, &m.SpecialUse, &m.Subscribed, &m.Hidden, &m.RetentionMS)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Flags = splitFlags(flags)
	return &m, nil
}

// GetByPath resolves a mailbox by its hierarchical path.
func (s *MailboxStore) GetByPath(ctx context.Context, userID int64, path string) (*Mailbox, error) {
	userDB, err := s.UserDB(userID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.meta(ctx)
	defer cancel()

	row := userDB.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT %s FROM mailboxes WHERE user_id = ? AND path = ?", mailboxColumns),
		userID, path)
	return scanMailbox(row)
}

// GetByID resolves a mailbox by id.
func (s *MailboxStore) GetByID(ctx context.Context, userID, mailboxID int64) (*Mailbox, error) {
	userDB, err := s.UserDB(userID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.meta(ctx)
	defer cancel()

	row := userDB.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT %s FROM mailboxes WHERE id = ?", mailboxColumns), mailboxID)
	return scanMailbox(row)
}

// insertMailbox inserts a mailbox record with a fresh uid_validity. Shared
// with the manager's default-mailbox provisioning.
func insertMailbox(db *sql.DB, userID int64, path, specialUse string, retentionMS int64) (int64, error) {
	if path == "" {
		return 0, fmt.Errorf("mailbox path cannot be empty")
	}

	res, err := db.Exec(`
		INSERT INTO mailboxes (user_id, path, uid_validity, uid_next, modify_index, special_use, retention_ms)
		VALUES (?, ?, ?, 1, 0, ?, ?)
	`, userID, path, time.Now().Unix(), specialUse, retentionMS)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, ErrExists
		}
		return 0, err
	}
	return res.LastInsertId()
}

// Create inserts a new mailbox at path. Returns ErrExists when a mailbox
// already exists there.
func (s *MailboxStore) Create(ctx context.Context, userID int64, path, specialUse string, retentionMS int64) (*Mailbox, error) {
	userDB, err := s.UserDB(userID)
	if err != nil {
		return nil, err
	}

	id, err := insertMailbox(userDB, userID, path, specialUse, retentionMS)
	if err != nil {
		return nil, err
	}
	return s.GetByID(ctx, userID, id)
}

// Delete resolves the mailbox at path and delegates the structural work to
// the lifecycle handler. Returns ErrNotFound when there is no mailbox.
func (s *MailboxStore) Delete(ctx context.Context, userID int64, path string, handler LifecycleHandler) error {
	mbox, err := s.GetByPath(ctx, userID, path)
	if err != nil {
		return err
	}
	userDB, err := s.UserDB(userID)
	if err != nil {
		return err
	}
	return handler.DeleteMailbox(ctx, userDB, mbox)
}

// Rename resolves the mailbox at oldPath and delegates the structural work
// to the lifecycle handler. The mailbox id stays stable across renames.
func (s *MailboxStore) Rename(ctx context.Context, userID int64, oldPath, newPath string, handler LifecycleHandler) error {
	mbox, err := s.GetByPath(ctx, userID, oldPath)
	if err != nil {
		return err
	}
	userDB, err := s.UserDB(userID)
	if err != nil {
		return err
	}
	return handler.RenameMailbox(ctx, userDB, mbox, newPath)
}

// AllocateNextUID atomically increments the mailbox's uid_next and returns
// the pre-increment value together with the mailbox's current modify_index,
// in one read-modify-write. This is the only UID source: computing UIDs by
// counting existing messages races with concurrent appends.
func (s *MailboxStore) AllocateNextUID(ctx context.Context, userID, mailboxID int64) (uid, priorModseq int64, err error) {
	userDB, err := s.UserDB(userID)
	if err != nil {
		return 0, 0, err
	}
	ctx, cancel := s.meta(ctx)
	defer cancel()

	err = userDB.QueryRowContext(ctx, `
		UPDATE mailboxes SET uid_next = uid_next + 1
		WHERE id = ?
		RETURNING uid_next - 1, modify_index
	`, mailboxID).Scan(&uid, &priorModseq)
	if err == sql.ErrNoRows {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to allocate UID: %w", err)
	}
	return uid, priorModseq, nil
}

// BumpModseq atomically increments the mailbox's modify_index and returns
// the new value. Called once per logical mutation batch.
func (s *MailboxStore) BumpModseq(ctx context.Context, userID, mailboxID int64) (int64, error) {
	userDB, err := s.UserDB(userID)
	if err != nil {
		return 0, err
	}
	ctx, cancel := s.meta(ctx)
	defer cancel()

	var modseq int64
	err = userDB.QueryRowContext(ctx, `
		UPDATE mailboxes SET modify_index = modify_index + 1
		WHERE id = ?
		RETURNING modify_index
	`, mailboxID).Scan(&modseq)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to bump modify index: %w", err)
	}
	return modseq, nil
}

// RegisterFlag adds a previously-unseen custom flag to the mailbox's flag
// vocabulary. Past the vocabulary cap this is a no-op: the flag still
// applies to messages, it is just not advertised.
func (s *MailboxStore) RegisterFlag(ctx context.Context, userID, mailboxID int64, flag string) error {
	userDB, err := s.UserDB(userID)
	if err != nil {
		return err
	}
	ctx, cancel := s.meta(ctx)
	defer cancel()

	tx, err := userDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var stored string
	err = tx.QueryRowContext(ctx,
		"SELECT flags FROM mailboxes WHERE id = ?", mailboxID).Scan(&stored)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	flags := splitFlags(stored)
	if HasFlag(flags, flag) || len(flags) >= MaxMailboxFlags {
		return nil
	}
	flags = append(flags, flag)

	_, err = tx.ExecContext(ctx,
		"UPDATE mailboxes SET flags = ? WHERE id = ?", joinFlags(flags), mailboxID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// Open returns the mailbox at path together with the de-duplicated,
// ascending set of all UIDs currently present. The sorted set becomes the
// session's authoritative UID index.
func (s *MailboxStore) Open(ctx context.Context, userID int64, path string) (*Mailbox, []int64, error) {
	mbox, err := s.GetByPath(ctx, userID, path)
	if err != nil {
		return nil, nil, err
	}

	userDB, err := s.UserDB(userID)
	if err != nil {
		return nil, nil, err
	}
	sctx, cancel := s.scan(ctx)
	defer cancel()

	rows, err := userDB.QueryContext(sctx, `
		SELECT DISTINCT uid FROM messages
		WHERE mailbox_id = ?
		ORDER BY uid ASC
	`, mbox.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list UIDs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var uids []int64
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, nil, err
		}
		uids = append(uids, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	return mbox, uids, nil
}

// GetStatus returns the STATUS view: message count, uid_next, uid_validity,
// unseen count and modify_index as the highest MODSEQ.
func (s *MailboxStore) GetStatus(ctx context.Context, userID int64, path string) (*Status, error) {
	mbox, err := s.GetByPath(ctx, userID, path)
	if err != nil {
		return nil, err
	}

	userDB, err := s.UserDB(userID)
	if err != nil {
		return nil, err
	}
	sctx, cancel := s.scan(ctx)
	defer cancel()

	st := &Status{
		UIDNext:       mbox.UIDNext,
		UIDValidity:   mbox.UIDValidity,
		HighestModseq: mbox.ModifyIndex,
	}
	err = userDB.QueryRowContext(sctx, `
		SELECT COUNT(*), COALESCE(SUM(unseen), 0) FROM messages WHERE mailbox_id = ?
	`, mbox.ID).Scan(&st.Messages, &st.Unseen)
	if err != nil {
		return nil, fmt.Errorf("failed to compute status: %w", err)
	}
	return st, nil
}

// SetSubscribed updates the mailbox's subscription marker.
func (s *MailboxStore) SetSubscribed(ctx context.Context, userID int64, path string, subscribed bool) error {
	mbox, err := s.GetByPath(ctx, userID, path)
	if err != nil {
		return err
	}
	userDB, err := s.UserDB(userID)
	if err != nil {
		return err
	}
	ctx, cancel := s.meta(ctx)
	defer cancel()

	_, err = userDB.ExecContext(ctx,
		"UPDATE mailboxes SET subscribed = ? WHERE id = ?", subscribed, mbox.ID)
	return err
}
