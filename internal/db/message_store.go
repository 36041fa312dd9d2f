package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"kestrel/internal/uidset"
)

// ErrStopIteration stops a ForEach scan early without reporting an error.
var ErrStopIteration = errors.New("stop iteration")

// MessageStore is document-level access to message records. Mutations that
// touch flags always write the boolean projections in the same statement.
type MessageStore struct {
	mgr         *Manager
	metaTimeout time.Duration
	scanTimeout time.Duration
}

func NewMessageStore(mgr *Manager, metaTimeout, scanTimeout time.Duration) *MessageStore {
	return &MessageStore{mgr: mgr, metaTimeout: metaTimeout, scanTimeout: scanTimeout}
}

// MessageQuery restricts a message scan. Scans always run in ascending UID
// order.
type MessageQuery struct {
	MailboxID int64
	// UIDs restricts to a UID set. Nil means no restriction.
	UIDs uidset.Set
	// MaxUID resolves "*" ranges in UIDs.
	MaxUID int64
	// OnlyDeleted restricts to messages flagged \Deleted.
	OnlyDeleted bool
	// MaxModseq, when non-zero, restricts to modseq <= MaxModseq
	// (the CONDSTORE unchangedSince floor).
	MaxModseq int64
	// Where is an extra predicate over the messages table (alias m),
	// with Args as its placeholders.
	Where string
	Args  []any
}

func (q *MessageQuery) sql() (string, []any) {
	conds := []string{"m.mailbox_id = ?"}
	args := []any{q.MailboxID}

	if q.UIDs != nil {
		c, a := q.UIDs.SQL("m.uid", q.MaxUID)
		conds = append(conds, c)
		args = append(args, a...)
	}
	if q.OnlyDeleted {
		conds = append(conds, "m.undeleted = 0")
	}
	if q.MaxModseq > 0 {
		conds = append(conds, "m.modseq <= ?")
		args = append(args, q.MaxModseq)
	}
	if q.Where != "" {
		conds = append(conds, "("+q.Where+")")
		args = append(args, q.Args...)
	}

	return strings.Join(conds, " AND "), args
}

const messageColumns = `m.id, m.mailbox_id, m.uid, m.flags, m.unseen, m.undeleted,
	m.flagged, m.draft, m.searchable, m.modseq, m.size, m.exp, m.rdate,
	m.copied, m.junk, m.internal_date, m.header_date, m.body_text`

func scanMessage(rows *sql.Rows) (*Message, error) {
	var m Message
	var flags string
	var rdate int64
	var headerDate sql.NullTime
	err := rows.Scan(&m.ID, &m.MailboxID, &m.UID, &flags, &m.Unseen, &m.Undeleted,
		&m.Flagged, &m.Draft, &m.Searchable, &m.Modseq, &m.Size, &m.Exp, &rdate,
		&m.Copied, &m.Junk, &m.InternalDate, &headerDate, &m.BodyText)
	if err != nil {
		return nil, err
	}
	m.Flags = splitFlags(flags)
	if rdate > 0 {
		m.RetentionDate = time.UnixMilli(rdate)
	}
	if headerDate.Valid {
		m.HeaderDate = headerDate.Time
	}
	return &m, nil
}

// ForEach streams messages matching q in ascending UID order and calls fn
// for each. fn may return ErrStopIteration to end the scan early.
func (s *MessageStore) ForEach(ctx context.Context, userID int64, q MessageQuery, fn func(*Message) error) error {
	userDB, err := s.mgr.GetUserDB(userID)
	if err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, s.scanTimeout)
	defer cancel()

	where, args := q.sql()
	rows, err := userDB.QueryContext(sctx, fmt.Sprintf(
		"SELECT %s FROM messages m WHERE %s ORDER BY m.uid ASC", messageColumns, where), args...)
	if err != nil {
		return fmt.Errorf("message scan failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			if err == ErrStopIteration {
				return nil
			}
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("message scan failed: %w", err)
	}
	return nil
}

// UIDsMatching returns the UIDs of messages matching q, ascending. alive is
// polled between rows; a dead peer aborts the scan.
func (s *MessageStore) UIDsMatching(ctx context.Context, userID int64, q MessageQuery, alive func() bool) ([]int64, error) {
	userDB, err := s.mgr.GetUserDB(userID)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithTimeout(ctx, s.scanTimeout)
	defer cancel()

	where, args := q.sql()
	rows, err := userDB.QueryContext(sctx, fmt.Sprintf(
		"SELECT m.uid FROM messages m WHERE %s ORDER BY m.uid ASC", where), args...)
	if err != nil {
		return nil, fmt.Errorf("message scan failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var uids []int64
	for rows.Next() {
		if alive != nil && !alive() {
			return nil, fmt.Errorf("client connection lost during scan")
		}
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		uids = append(uids, uid)
	}
	return uids, rows.Err()
}

// Insert writes a message record together with its materialized headers
// and attachment links. Projections are derived from msg.Flags here, not
// taken from the struct, so they cannot be inserted out of sync.
func (s *MessageStore) Insert(ctx context.Context, userID int64, msg *Message, headers []Header, attachmentIDs []string) error {
	userDB, err := s.mgr.GetUserDB(userID)
	if err != nil {
		return err
	}
	mctx, cancel := context.WithTimeout(ctx, s.metaTimeout)
	defer cancel()

	tx, err := userDB.BeginTx(mctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	unseen, undeleted, flagged, draft, searchable := flagProjections(msg.Flags)
	var rdate int64
	if !msg.RetentionDate.IsZero() {
		rdate = msg.RetentionDate.UnixMilli()
	}
	var headerDate any
	if !msg.HeaderDate.IsZero() {
		headerDate = msg.HeaderDate
	}

	_, err = tx.ExecContext(mctx, `
		INSERT INTO messages (id, mailbox_id, uid, flags, unseen, undeleted,
			flagged, draft, searchable, modseq, size, exp, rdate, copied, junk,
			internal_date, header_date, body_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.MailboxID, msg.UID, joinFlags(msg.Flags), unseen, undeleted,
		flagged, draft, searchable, msg.Modseq, msg.Size, msg.Exp, rdate,
		msg.Copied, msg.Junk, msg.InternalDate, headerDate, msg.BodyText)
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}

	for _, h := range headers {
		_, err = tx.ExecContext(mctx,
			"INSERT INTO message_headers (message_id, key, value) VALUES (?, ?, ?)",
			msg.ID, h.Key, h.Value)
		if err != nil {
			return fmt.Errorf("failed to insert header: %w", err)
		}
	}
	for _, id := range attachmentIDs {
		_, err = tx.ExecContext(mctx,
			"INSERT INTO message_attachments (message_id, attachment_id) VALUES (?, ?)",
			msg.ID, id)
		if err != nil {
			return fmt.Errorf("failed to link attachment: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	msg.Unseen, msg.Undeleted, msg.Flagged, msg.Draft, msg.Searchable =
		unseen, undeleted, flagged, draft, searchable
	return nil
}

// UpdateFlags replaces the message's flags, rewriting projections and
// modseq in the same statement. This is the only flag write path.
func (s *MessageStore) UpdateFlags(ctx context.Context, userID int64, messageID string, flags []string, modseq int64) error {
	userDB, err := s.mgr.GetUserDB(userID)
	if err != nil {
		return err
	}
	mctx, cancel := context.WithTimeout(ctx, s.metaTimeout)
	defer cancel()

	unseen, undeleted, flagged, draft, searchable := flagProjections(flags)
	_, err = userDB.ExecContext(mctx, `
		UPDATE messages
		SET flags = ?, unseen = ?, undeleted = ?, flagged = ?, draft = ?,
			searchable = ?, modseq = ?
		WHERE id = ?
	`, joinFlags(flags), unseen, undeleted, flagged, draft, searchable, modseq, messageID)
	if err != nil {
		return fmt.Errorf("failed to update flags for %s: %w", messageID, err)
	}
	return nil
}

// MarkCopied sets the sticky copied marker on a message so a later delete
// does not archive it: the archive copy now lives at the clone.
func (s *MessageStore) MarkCopied(ctx context.Context, userID int64, messageID string) error {
	userDB, err := s.mgr.GetUserDB(userID)
	if err != nil {
		return err
	}
	mctx, cancel := context.WithTimeout(ctx, s.metaTimeout)
	defer cancel()

	_, err = userDB.ExecContext(mctx,
		"UPDATE messages SET copied = 1 WHERE id = ?", messageID)
	return err
}

// Headers returns the materialized header list of a message.
func (s *MessageStore) Headers(ctx context.Context, userID int64, messageID string) ([]Header, error) {
	userDB, err := s.mgr.GetUserDB(userID)
	if err != nil {
		return nil, err
	}
	mctx, cancel := context.WithTimeout(ctx, s.metaTimeout)
	defer cancel()

	rows, err := userDB.QueryContext(mctx,
		"SELECT key, value FROM message_headers WHERE message_id = ?", messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var headers []Header
	for rows.Next() {
		var h Header
		if err := rows.Scan(&h.Key, &h.Value); err != nil {
			return nil, err
		}
		headers = append(headers, h)
	}
	return headers, rows.Err()
}

// AttachmentIDs returns the attachment ids linked to a message.
func (s *MessageStore) AttachmentIDs(ctx context.Context, userID int64, messageID string) ([]string, error) {
	userDB, err := s.mgr.GetUserDB(userID)
	if err != nil {
		return nil, err
	}
	mctx, cancel := context.WithTimeout(ctx, s.metaTimeout)
	defer cancel()

	rows, err := userDB.QueryContext(mctx,
		"SELECT attachment_id FROM message_attachments WHERE message_id = ?", messageID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a message record, optionally mirroring it into the
// archived collection first. Returns the attachment ids that were linked
// to the message so the caller can release their references.
func (s *MessageStore) Delete(ctx context.Context, userID int64, msg *Message, archive bool) ([]string, error) {
	attachmentIDs, err := s.AttachmentIDs(ctx, userID, msg.ID)
	if err != nil {
		return nil, err
	}

	userDB, err := s.mgr.GetUserDB(userID)
	if err != nil {
		return nil, err
	}
	mctx, cancel := context.WithTimeout(ctx, s.metaTimeout)
	defer cancel()

	tx, err := userDB.BeginTx(mctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if archive {
		_, err = tx.ExecContext(mctx, `
			INSERT INTO archived (id, mailbox_id, uid, flags, size, internal_date, body_text)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, msg.ID, msg.MailboxID, msg.UID, joinFlags(msg.Flags), msg.Size,
			msg.InternalDate, msg.BodyText)
		if err != nil {
			return nil, fmt.Errorf("failed to archive message %s: %w", msg.ID, err)
		}
	}

	if _, err = tx.ExecContext(mctx, "DELETE FROM messages WHERE id = ?", msg.ID); err != nil {
		return nil, fmt.Errorf("failed to delete message %s: %w", msg.ID, err)
	}
	if _, err = tx.ExecContext(mctx, "DELETE FROM message_headers WHERE message_id = ?", msg.ID); err != nil {
		return nil, err
	}
	if _, err = tx.ExecContext(mctx, "DELETE FROM message_attachments WHERE message_id = ?", msg.ID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return attachmentIDs, nil
}
