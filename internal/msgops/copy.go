package msgops

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"kestrel/internal/db"
	"kestrel/internal/models"
	"kestrel/internal/notify"
	"kestrel/internal/uidset"
)

// CopyResult reports a completed (or partially completed) COPY. SourceUIDs
// and DestUIDs are parallel: DestUIDs[i] is where SourceUIDs[i] landed.
type CopyResult struct {
	Result     Result
	SourceUIDs []int64
	DestUIDs   []int64
}

// Copy clones the selected mailbox's messages matching uids into the
// mailbox at destPath, in strict ascending UID order. Per-message insert
// failures are soft: logged and skipped. The destination user's quota is
// adjusted exactly once, for the bytes actually copied, even when the
// operation aborts partway.
func (e *Engine) Copy(ctx context.Context, sess *models.SessionState, destPath string, uids uidset.Set, addFlags []string) (*CopyResult, error) {
	dest, err := e.mailboxes.GetByPath(ctx, sess.UserID, destPath)
	if err == db.ErrNotFound {
		return &CopyResult{Result: ResultTryCreate}, nil
	}
	if err != nil {
		return nil, err
	}

	over, err := e.quota.WouldExceed(ctx, sess.UserID, 0)
	if err != nil {
		return nil, err
	}
	if over {
		return &CopyResult{Result: ResultOverQuota}, nil
	}

	var msgs []*db.Message
	err = e.messages.ForEach(ctx, sess.UserID, db.MessageQuery{
		MailboxID: sess.SelectedMailboxID,
		UIDs:      uids,
		MaxUID:    maxUID(sess.UIDIndex),
	}, func(m *db.Message) error {
		msgs = append(msgs, m)
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &CopyResult{Result: ResultOK}
	var entries []notify.Entry
	var copiedBytes int64
	destJunk := strings.EqualFold(dest.SpecialUse, db.SpecialUseJunk)
	lastKeepAlive := time.Now()

	// One message at a time, never batched: interleaving UID allocation
	// with deferred inserts would let two copies race on ordering.
	var loopErr error
	for _, src := range msgs {
		if !sess.Live() {
			loopErr = fmt.Errorf("client connection lost during copy")
			break
		}
		if e.notifyInterval > 0 && time.Since(lastKeepAlive) > e.notifyInterval {
			sess.Send("* OK still processing")
			lastKeepAlive = time.Now()
		}

		uid, destModseq, err := e.mailboxes.AllocateNextUID(ctx, sess.UserID, dest.ID)
		if err != nil {
			loopErr = err
			break
		}

		clone := cloneMessage(src, dest, uid, destModseq, destJunk, addFlags)

		headers, err := e.messages.Headers(ctx, sess.UserID, src.ID)
		if err != nil {
			log.Printf("copy: failed to load headers for %s: %v", src.ID, err)
			continue
		}
		attachmentIDs, err := e.messages.AttachmentIDs(ctx, sess.UserID, src.ID)
		if err != nil {
			log.Printf("copy: failed to load attachments for %s: %v", src.ID, err)
			continue
		}

		if err := e.messages.Insert(ctx, sess.UserID, clone, headers, attachmentIDs); err != nil {
			log.Printf("copy: failed to insert clone of %s: %v", src.ID, err)
			continue
		}

		// The archive copy now lives at the destination.
		if err := e.messages.MarkCopied(ctx, sess.UserID, src.ID); err != nil {
			log.Printf("copy: failed to mark %s copied: %v", src.ID, err)
		}
		if len(attachmentIDs) > 0 {
			if err := e.attachments.UpdateMany(ctx, attachmentIDs, 1, 0); err != nil {
				log.Printf("copy: failed to bump attachment refs for %s: %v", clone.ID, err)
			}
		}

		entries = append(entries, notify.Entry{
			MailboxID: dest.ID,
			UID:       uid,
			Command:   notify.CommandExists,
		})
		copiedBytes += src.Size
		res.SourceUIDs = append(res.SourceUIDs, src.UID)
		res.DestUIDs = append(res.DestUIDs, uid)
	}

	// Exactly one quota increment for the whole copy, applied even when
	// the loop aborted partway.
	if copiedBytes > 0 {
		if _, qerr := e.quota.Adjust(ctx, sess.UserID, copiedBytes); qerr != nil {
			log.Printf("copy: failed to adjust quota for user %d: %v", sess.UserID, qerr)
		}
	}
	if loopErr != nil {
		return nil, loopErr
	}

	if len(entries) > 0 {
		if err := e.notifier.AddEntries(ctx, sess.UserID, entries); err != nil {
			return nil, err
		}
		if _, err := e.mailboxes.BumpModseq(ctx, sess.UserID, dest.ID); err != nil {
			return nil, err
		}
		e.notifier.Fire(sess.UserID, dest.ID)
	}
	return res, nil
}

// cloneMessage builds the destination copy of src: fresh identity, new
// (mailbox, uid), modseq from the destination, retention and junk marker
// recomputed from the destination mailbox.
func cloneMessage(src *db.Message, dest *db.Mailbox, uid, destModseq int64, destJunk bool, addFlags []string) *db.Message {
	flags := append([]string(nil), src.Flags...)
	for _, f := range addFlags {
		if !db.HasFlag(flags, f) {
			flags = append(flags, f)
		}
	}

	clone := &db.Message{
		ID:           uuid.NewString(),
		MailboxID:    dest.ID,
		UID:          uid,
		Flags:        flags,
		Modseq:       destModseq,
		Size:         src.Size,
		Junk:         destJunk,
		InternalDate: src.InternalDate,
		HeaderDate:   src.HeaderDate,
		BodyText:     src.BodyText,
	}
	if dest.RetentionMS > 0 {
		clone.Exp = true
		clone.RetentionDate = time.Now().Add(time.Duration(dest.RetentionMS) * time.Millisecond)
	}
	return clone
}

func maxUID(uids []int64) int64 {
	if len(uids) == 0 {
		return 0
	}
	return uids[len(uids)-1]
}
