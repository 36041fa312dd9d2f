package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
)

// AttachmentReleaser drops one reference to each of the given
// attachments, deleting stored bodies once nothing references them.
type AttachmentReleaser interface {
	Release(ctx context.Context, ids []string) error
}

// Deleter removes message records and settles their side effects:
// archival where retention demands it, attachment reference release.
type Deleter struct {
	messages *MessageStore
	releaser AttachmentReleaser
}

func NewDeleter(messages *MessageStore, releaser AttachmentReleaser) *Deleter {
	return &Deleter{messages: messages, releaser: releaser}
}

// Del removes msg from its mailbox. Messages in a drafts mailbox and
// messages whose content was already cloned elsewhere (copied marker) skip
// archival; everything else is mirrored into the archived collection
// first. Attachment references are released after the record is gone; a
// failed release only logs, the refcount reconciles on the next sweep.
func (d *Deleter) Del(ctx context.Context, userID int64, msg *Message, inDrafts bool) error {
	archive := !inDrafts && !msg.Copied
	attachmentIDs, err := d.messages.Delete(ctx, userID, msg, archive)
	if err != nil {
		return err
	}

	if d.releaser != nil && len(attachmentIDs) > 0 {
		if err := d.releaser.Release(ctx, attachmentIDs); err != nil {
			log.Printf("failed to release attachments for message %s: %v", msg.ID, err)
		}
	}
	return nil
}

// BasicLifecycle is the standard LifecycleHandler: deleting a mailbox
// deletes all of its messages through the Deleter (with the usual archival
// rules), renaming moves the mailbox and every descendant path with it.
type BasicLifecycle struct {
	messages *MessageStore
	deleter  *Deleter
}

func NewBasicLifecycle(messages *MessageStore, deleter *Deleter) *BasicLifecycle {
	return &BasicLifecycle{messages: messages, deleter: deleter}
}

// DeleteMailbox removes every message in the mailbox, then the mailbox
// record itself and its durable notifier backlog.
func (l *BasicLifecycle) DeleteMailbox(ctx context.Context, userDB *sql.DB, mbox *Mailbox) error {
	inDrafts := strings.EqualFold(mbox.SpecialUse, SpecialUseDrafts)

	var msgs []*Message
	err := l.messages.ForEach(ctx, mbox.UserID, MessageQuery{MailboxID: mbox.ID}, func(m *Message) error {
		msgs = append(msgs, m)
		return nil
	})
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if err := l.deleter.Del(ctx, mbox.UserID, m, inDrafts); err != nil {
			return fmt.Errorf("failed to delete message %s: %w", m.ID, err)
		}
	}

	if _, err := userDB.ExecContext(ctx,
		"DELETE FROM notifier_entries WHERE mailbox_id = ?", mbox.ID); err != nil {
		return err
	}
	if _, err := userDB.ExecContext(ctx,
		"DELETE FROM mailboxes WHERE id = ?", mbox.ID); err != nil {
		return fmt.Errorf("failed to delete mailbox %s: %w", mbox.Path, err)
	}
	return nil
}

// RenameMailbox moves the mailbox to newPath, carrying every descendant
// path along. The mailbox id, uid_validity and UIDs are untouched.
func (l *BasicLifecycle) RenameMailbox(ctx context.Context, userDB *sql.DB, mbox *Mailbox, newPath string) error {
	if newPath == "" {
		return fmt.Errorf("mailbox path cannot be empty")
	}

	var clash int
	err := userDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM mailboxes WHERE user_id = ? AND path = ?",
		mbox.UserID, newPath).Scan(&clash)
	if err != nil {
		return err
	}
	if clash > 0 {
		return ErrExists
	}

	tx, err := userDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"UPDATE mailboxes SET path = ? WHERE id = ?", newPath, mbox.ID); err != nil {
		return fmt.Errorf("failed to rename mailbox %s: %w", mbox.Path, err)
	}

	// Children keep their suffix under the new prefix.
	_, err = tx.ExecContext(ctx, `
		UPDATE mailboxes SET path = ? || substr(path, ?)
		WHERE user_id = ? AND path LIKE ? || '/%'
	`, newPath, len(mbox.Path)+1, mbox.UserID, mbox.Path)
	if err != nil {
		return fmt.Errorf("failed to move child mailboxes: %w", err)
	}

	return tx.Commit()
}
