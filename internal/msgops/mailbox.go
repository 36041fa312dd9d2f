package msgops

import (
	"context"

	"kestrel/internal/db"
	"kestrel/internal/models"
	"kestrel/internal/notify"
)

// OpenResult reports a SELECT/EXAMINE.
type OpenResult struct {
	Result  Result
	Mailbox *db.Mailbox
	// UIDs is the ascending, de-duplicated UID set captured at open time.
	UIDs []int64
}

// Open selects the mailbox at path into the session. The captured UID set
// becomes the session's authoritative index for sequence-number commands.
// Hidden mailboxes refuse with CANNOT.
func (e *Engine) Open(ctx context.Context, sess *models.SessionState, path string, readOnly bool) (*OpenResult, error) {
	mbox, uids, err := e.mailboxes.Open(ctx, sess.UserID, path)
	if err == db.ErrNotFound {
		return &OpenResult{Result: ResultNonExistent}, nil
	}
	if err != nil {
		return nil, err
	}
	if mbox.Hidden {
		return &OpenResult{Result: ResultCannot}, nil
	}

	sess.SelectedMailboxID = mbox.ID
	sess.SelectedPath = mbox.Path
	sess.ReadOnly = readOnly
	sess.UIDIndex = uids
	sess.HighestModseq = mbox.ModifyIndex

	return &OpenResult{Result: ResultOK, Mailbox: mbox, UIDs: uids}, nil
}

// StatusResult reports a STATUS.
type StatusResult struct {
	Result Result
	Status *db.Status
}

func (e *Engine) Status(ctx context.Context, sess *models.SessionState, path string) (*StatusResult, error) {
	st, err := e.mailboxes.GetStatus(ctx, sess.UserID, path)
	if err == db.ErrNotFound {
		return &StatusResult{Result: ResultNonExistent}, nil
	}
	if err != nil {
		return nil, err
	}
	return &StatusResult{Result: ResultOK, Status: st}, nil
}

// CreateMailbox creates a mailbox at path, inheriting retentionMS as its
// retention policy, and records a CREATE event for it.
func (e *Engine) CreateMailbox(ctx context.Context, sess *models.SessionState, path string, retentionMS int64) (Result, error) {
	mbox, err := e.mailboxes.Create(ctx, sess.UserID, path, "", retentionMS)
	if err == db.ErrExists {
		return ResultAlreadyExists, nil
	}
	if err != nil {
		return "", err
	}

	err = e.notifier.AddEntries(ctx, sess.UserID, []notify.Entry{{
		MailboxID: mbox.ID,
		Command:   notify.CommandCreate,
		Payload:   mbox.Path,
	}})
	if err != nil {
		return "", err
	}
	e.notifier.Fire(sess.UserID, mbox.ID)
	return ResultOK, nil
}

// DeleteMailbox removes the mailbox at path and everything in it.
func (e *Engine) DeleteMailbox(ctx context.Context, sess *models.SessionState, path string) (Result, error) {
	err := e.mailboxes.Delete(ctx, sess.UserID, path, e.lifecycle)
	if err == db.ErrNotFound {
		return ResultNonExistent, nil
	}
	if err != nil {
		return "", err
	}
	if sess.SelectedPath == path {
		sess.SelectedMailboxID = 0
		sess.SelectedPath = ""
		sess.UIDIndex = nil
	}
	return ResultOK, nil
}

// RenameMailbox moves the mailbox at oldPath (and its children) to
// newPath.
func (e *Engine) RenameMailbox(ctx context.Context, sess *models.SessionState, oldPath, newPath string) (Result, error) {
	err := e.mailboxes.Rename(ctx, sess.UserID, oldPath, newPath, e.lifecycle)
	if err == db.ErrNotFound {
		return ResultNonExistent, nil
	}
	if err == db.ErrExists {
		return ResultAlreadyExists, nil
	}
	if err != nil {
		return "", err
	}
	if sess.SelectedPath == oldPath {
		sess.SelectedPath = newPath
	}
	return ResultOK, nil
}

// Subscribe updates the subscription marker on the mailbox at path.
func (e *Engine) Subscribe(ctx context.Context, sess *models.SessionState, path string, subscribed bool) (Result, error) {
	err := e.mailboxes.SetSubscribed(ctx, sess.UserID, path, subscribed)
	if err == db.ErrNotFound {
		return ResultNonExistent, nil
	}
	if err != nil {
		return "", err
	}
	return ResultOK, nil
}
