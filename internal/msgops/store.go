package msgops

import (
	"context"
	"fmt"
	"strings"

	"kestrel/internal/db"
	"kestrel/internal/models"
	"kestrel/internal/notify"
	"kestrel/internal/uidset"
)

// StoreAction selects how StoreFlags combines the given flags with a
// message's current set.
type StoreAction int

const (
	// ActionSet replaces the flag set wholesale.
	ActionSet StoreAction = iota
	// ActionAdd unions the given flags in.
	ActionAdd
	// ActionRemove removes the given flags, matching case-insensitively
	// but preserving the stored case of everything else.
	ActionRemove
)

// StoreResult reports a completed STORE.
type StoreResult struct {
	Result Result
	// Updated is the number of messages actually mutated. Messages whose
	// flags already matched, and messages skipped by UnchangedSince, do
	// not count.
	Updated int
}

// StoreFlags mutates flags on the selected mailbox's messages matching
// uids (nil selects the whole mailbox). unchangedSince, when non-zero,
// skips messages mutated after that MODSEQ. Unless silent, each mutation
// is reported to the session as an unsolicited FETCH line.
//
// Updates are queued and flushed in batches; every flush bumps the
// mailbox's modify index once, stamps the batch with the new value,
// records the notifier entries, and only then fires the wake signal.
func (e *Engine) StoreFlags(ctx context.Context, sess *models.SessionState, uids uidset.Set, action StoreAction, flags []string, unchangedSince int64, silent bool) (*StoreResult, error) {
	mbox, err := e.mailboxes.GetByID(ctx, sess.UserID, sess.SelectedMailboxID)
	if err == db.ErrNotFound {
		return &StoreResult{Result: ResultNonExistent}, nil
	}
	if err != nil {
		return nil, err
	}

	var msgs []*db.Message
	err = e.messages.ForEach(ctx, sess.UserID, db.MessageQuery{
		MailboxID: mbox.ID,
		UIDs:      uids,
		MaxUID:    maxUID(sess.UIDIndex),
		MaxModseq: unchangedSince,
	}, func(m *db.Message) error {
		msgs = append(msgs, m)
		return nil
	})
	if err != nil {
		return nil, err
	}

	res := &StoreResult{Result: ResultOK}
	var pending []pendingStore
	newFlags := map[string]string{}

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		modseq, err := e.mailboxes.BumpModseq(ctx, sess.UserID, mbox.ID)
		if err != nil {
			return err
		}
		entries := make([]notify.Entry, 0, len(pending))
		for _, p := range pending {
			if err := e.messages.UpdateFlags(ctx, sess.UserID, p.id, p.flags, modseq); err != nil {
				return err
			}
			entries = append(entries, notify.Entry{
				MailboxID: mbox.ID,
				UID:       p.uid,
				Command:   notify.CommandFetch,
				Payload:   strings.Join(p.flags, " "),
			})
		}
		if err := e.notifier.AddEntries(ctx, sess.UserID, entries); err != nil {
			return err
		}
		e.notifier.Fire(sess.UserID, mbox.ID)
		pending = pending[:0]
		return nil
	}

	for _, m := range msgs {
		updated, next := applyAction(m.Flags, action, flags)
		if !updated {
			continue
		}

		if !silent {
			if seq := sess.SeqOf(m.UID); seq > 0 {
				sess.Send(fmt.Sprintf("* %d FETCH (UID %d FLAGS (%s))",
					seq, m.UID, strings.Join(next, " ")))
			}
		}

		for _, f := range next {
			if !db.IsCanonicalFlag(f) && !db.HasFlag(m.Flags, f) {
				newFlags[strings.ToLower(f)] = f
			}
		}

		pending = append(pending, pendingStore{id: m.ID, uid: m.UID, flags: next})
		res.Updated++
		if len(pending) >= storeBatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	for _, f := range newFlags {
		if err := e.mailboxes.RegisterFlag(ctx, sess.UserID, mbox.ID, f); err != nil {
			return nil, err
		}
	}
	return res, nil
}

type pendingStore struct {
	id    string
	uid   int64
	flags []string
}

// applyAction computes the post-action flag set. updated is false when
// the action is a no-op against the current set, which callers must treat
// as "skip: no write, no notification".
func applyAction(current []string, action StoreAction, flags []string) (updated bool, next []string) {
	switch action {
	case ActionSet:
		if len(current) == len(flags) {
			same := true
			for _, f := range flags {
				if !db.HasFlag(current, f) {
					same = false
					break
				}
			}
			if same {
				return false, current
			}
		}
		return true, append([]string(nil), flags...)

	case ActionAdd:
		next = append([]string(nil), current...)
		for _, f := range flags {
			if !db.HasFlag(next, f) {
				next = append(next, f)
				updated = true
			}
		}
		return updated, next

	case ActionRemove:
		for _, cur := range current {
			if db.HasFlag(flags, cur) {
				updated = true
				continue
			}
			next = append(next, cur)
		}
		return updated, next
	}
	return false, current
}
