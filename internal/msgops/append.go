package msgops

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"kestrel/internal/db"
	"kestrel/internal/models"
	"kestrel/internal/notify"
)

// AppendMessage is the already-parsed content of an APPEND.
type AppendMessage struct {
	Flags        []string
	InternalDate time.Time
	HeaderDate   time.Time
	BodyText     string
	Size         int64
	Headers      []db.Header
	// AttachmentIDs reference attachments the caller has already stored
	// (with their initial reference).
	AttachmentIDs []string
}

// AppendResult reports a completed APPEND.
type AppendResult struct {
	Result Result
	UID    int64
	Modseq int64
}

// Append delivers a new message into the mailbox at path. The UID comes
// from the mailbox's atomic allocator and the modify index is bumped once
// per append.
func (e *Engine) Append(ctx context.Context, sess *models.SessionState, path string, am *AppendMessage) (*AppendResult, error) {
	mbox, err := e.mailboxes.GetByPath(ctx, sess.UserID, path)
	if err == db.ErrNotFound {
		return &AppendResult{Result: ResultTryCreate}, nil
	}
	if err != nil {
		return nil, err
	}

	over, err := e.quota.WouldExceed(ctx, sess.UserID, am.Size)
	if err != nil {
		return nil, err
	}
	if over {
		return &AppendResult{Result: ResultOverQuota}, nil
	}

	uid, _, err := e.mailboxes.AllocateNextUID(ctx, sess.UserID, mbox.ID)
	if err != nil {
		return nil, err
	}
	modseq, err := e.mailboxes.BumpModseq(ctx, sess.UserID, mbox.ID)
	if err != nil {
		return nil, err
	}

	msg := &db.Message{
		ID:           uuid.NewString(),
		MailboxID:    mbox.ID,
		UID:          uid,
		Flags:        append([]string(nil), am.Flags...),
		Modseq:       modseq,
		Size:         am.Size,
		Junk:         strings.EqualFold(mbox.SpecialUse, db.SpecialUseJunk),
		InternalDate: am.InternalDate,
		HeaderDate:   am.HeaderDate,
		BodyText:     am.BodyText,
	}
	if msg.InternalDate.IsZero() {
		msg.InternalDate = time.Now()
	}
	if mbox.RetentionMS > 0 {
		msg.Exp = true
		msg.RetentionDate = time.Now().Add(time.Duration(mbox.RetentionMS) * time.Millisecond)
	}

	if err := e.messages.Insert(ctx, sess.UserID, msg, am.Headers, am.AttachmentIDs); err != nil {
		return nil, err
	}

	if am.Size > 0 {
		if _, qerr := e.quota.Adjust(ctx, sess.UserID, am.Size); qerr != nil {
			log.Printf("append: failed to adjust quota for user %d: %v", sess.UserID, qerr)
		}
	}

	for _, f := range am.Flags {
		if !db.IsCanonicalFlag(f) {
			if err := e.mailboxes.RegisterFlag(ctx, sess.UserID, mbox.ID, f); err != nil {
				return nil, err
			}
		}
	}

	err = e.notifier.AddEntries(ctx, sess.UserID, []notify.Entry{{
		MailboxID: mbox.ID,
		UID:       uid,
		Command:   notify.CommandExists,
	}})
	if err != nil {
		return nil, err
	}
	e.notifier.Fire(sess.UserID, mbox.ID)

	if sess.SelectedMailboxID == mbox.ID {
		sess.AddUID(uid)
	}
	return &AppendResult{Result: ResultOK, UID: uid, Modseq: modseq}, nil
}
