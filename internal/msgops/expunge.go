package msgops

import (
	"context"
	"fmt"
	"log"
	"strings"

	"kestrel/internal/db"
	"kestrel/internal/models"
	"kestrel/internal/notify"
	"kestrel/internal/uidset"
)

// ExpungeResult reports a completed (or aborted-partway) EXPUNGE.
type ExpungeResult struct {
	Result Result
	// UIDs of the messages actually removed, ascending.
	UIDs []int64
	// Remaining is the message count left in the mailbox.
	Remaining int
}

// Expunge removes the selected mailbox's \Deleted messages matching uids
// (nil means all of them). This is the one structural verb: it holds a
// lock lease on the mailbox for the duration, since message identities
// disappear. A lease timeout is transient; the caller retries.
//
// A per-message delete failure aborts the operation; whatever was removed
// before the failure stands, and its bytes are still deducted from quota.
func (e *Engine) Expunge(ctx context.Context, sess *models.SessionState, uids uidset.Set, silent bool) (*ExpungeResult, error) {
	mbox, err := e.mailboxes.GetByID(ctx, sess.UserID, sess.SelectedMailboxID)
	if err == db.ErrNotFound {
		return &ExpungeResult{Result: ResultNonExistent}, nil
	}
	if err != nil {
		return nil, err
	}

	lease, err := e.locks.Acquire(ctx,
		fmt.Sprintf("mailbox:%d:%d", sess.UserID, mbox.ID), e.lockTTL, e.lockWait)
	if err != nil {
		return nil, fmt.Errorf("expunge of %s: %w", mbox.Path, err)
	}
	leaseHeld := true
	defer func() {
		if leaseHeld {
			_ = lease.Release(ctx)
		}
	}()

	var msgs []*db.Message
	err = e.messages.ForEach(ctx, sess.UserID, db.MessageQuery{
		MailboxID:   mbox.ID,
		UIDs:        uids,
		MaxUID:      maxUID(sess.UIDIndex),
		OnlyDeleted: true,
	}, func(m *db.Message) error {
		msgs = append(msgs, m)
		return nil
	})
	if err != nil {
		return nil, err
	}

	inDrafts := strings.EqualFold(mbox.SpecialUse, db.SpecialUseDrafts)
	res := &ExpungeResult{Result: ResultOK}
	var entries []notify.Entry
	var removedBytes int64

	var loopErr error
	for _, m := range msgs {
		if !sess.Live() {
			loopErr = fmt.Errorf("client connection lost during expunge")
			break
		}

		seq := sess.SeqOf(m.UID)
		if err := e.deleter.Del(ctx, sess.UserID, m, inDrafts); err != nil {
			log.Printf("expunge: failed to delete message %s (uid %d): %v", m.ID, m.UID, err)
			loopErr = err
			break
		}

		sess.RemoveUID(m.UID)
		if !silent && seq > 0 {
			sess.Send(fmt.Sprintf("* %d EXPUNGE", seq))
		}
		entries = append(entries, notify.Entry{
			MailboxID: mbox.ID,
			UID:       m.UID,
			Command:   notify.CommandExpunge,
		})
		removedBytes += m.Size
		res.UIDs = append(res.UIDs, m.UID)
	}
	res.Remaining = len(sess.UIDIndex)

	if len(entries) > 0 {
		if err := e.notifier.AddEntries(ctx, sess.UserID, entries); err != nil && loopErr == nil {
			loopErr = err
		}
		if _, err := e.mailboxes.BumpModseq(ctx, sess.UserID, mbox.ID); err != nil && loopErr == nil {
			loopErr = err
		}
	}
	if !silent {
		sess.Send(fmt.Sprintf("* %d EXISTS", res.Remaining))
	}

	_ = lease.Release(ctx)
	leaseHeld = false

	// One aggregate decrement for whatever was removed, even on abort.
	if removedBytes > 0 {
		if _, qerr := e.quota.Adjust(ctx, sess.UserID, -removedBytes); qerr != nil {
			log.Printf("expunge: failed to adjust quota for user %d: %v", sess.UserID, qerr)
		}
	}
	if len(entries) > 0 {
		e.notifier.Fire(sess.UserID, mbox.ID)
	}

	if loopErr != nil {
		return nil, loopErr
	}
	return res, nil
}
