// Package notify records mailbox change events durably and wakes
// in-process subscribers. The ordering contract is durable-write-first:
// an event is inserted into the per-user notifier backlog before any
// subscriber is woken, so a reader that drains the backlog after a wakeup
// always sees the event that caused it. Backlog ids are assigned by the
// database, which gives a strict FIFO per mailbox.
package notify

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Event commands.
const (
	CommandExists  = "EXISTS"
	CommandExpunge = "EXPUNGE"
	CommandCreate  = "CREATE"
	CommandFetch   = "FETCH"
)

// Entry is one durable change event.
type Entry struct {
	ID        int64
	MailboxID int64
	UID       int64
	Command   string
	Payload   string
}

// UserDBs resolves per-user databases.
type UserDBs interface {
	GetUserDB(userID int64) (*sql.DB, error)
}

type subKey struct {
	userID    int64
	mailboxID int64
}

// Subscription is a registered interest in one mailbox's events. C
// receives at most one pending signal; drain the backlog after each
// receive.
type Subscription struct {
	C chan struct{}

	notifier *Notifier
	key      subKey
}

// Close unregisters the subscription.
func (s *Subscription) Close() {
	s.notifier.unsubscribe(s)
}

// Notifier is the durable event log plus the wakeup registry.
type Notifier struct {
	dbs UserDBs

	mu   sync.Mutex
	subs map[subKey][]*Subscription
}

func NewNotifier(dbs UserDBs) *Notifier {
	return &Notifier{
		dbs:  dbs,
		subs: make(map[subKey][]*Subscription),
	}
}

// AddEntries inserts events into the user's backlog in the given order.
// It does not wake subscribers; call Fire after the mutation is settled.
func (n *Notifier) AddEntries(ctx context.Context, userID int64, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	userDB, err := n.dbs.GetUserDB(userID)
	if err != nil {
		return err
	}

	tx, err := userDB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO notifier_entries (mailbox_id, uid, command, payload)
			VALUES (?, ?, ?, ?)
		`, e.MailboxID, e.UID, e.Command, e.Payload)
		if err != nil {
			return fmt.Errorf("failed to record %s event: %w", e.Command, err)
		}
	}
	return tx.Commit()
}

// Fire wakes every subscriber of (userID, mailboxID). Non-blocking: a
// subscriber that already has a pending signal is not queued a second one.
func (n *Notifier) Fire(userID, mailboxID int64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, s := range n.subs[subKey{userID, mailboxID}] {
		select {
		case s.C <- struct{}{}:
		default:
		}
	}
}

// Subscribe registers interest in one mailbox's events.
func (n *Notifier) Subscribe(userID, mailboxID int64) *Subscription {
	key := subKey{userID, mailboxID}
	s := &Subscription{
		C:        make(chan struct{}, 1),
		notifier: n,
		key:      key,
	}

	n.mu.Lock()
	n.subs[key] = append(n.subs[key], s)
	n.mu.Unlock()
	return s
}

func (n *Notifier) unsubscribe(s *Subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()

	list := n.subs[s.key]
	for i, cur := range list {
		if cur == s {
			n.subs[s.key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(n.subs[s.key]) == 0 {
		delete(n.subs, s.key)
	}
}

// PendingSince returns the mailbox's backlog entries with id > afterID,
// oldest first.
func (n *Notifier) PendingSince(ctx context.Context, userID, mailboxID, afterID int64) ([]Entry, error) {
	userDB, err := n.dbs.GetUserDB(userID)
	if err != nil {
		return nil, err
	}

	rows, err := userDB.QueryContext(ctx, `
		SELECT id, mailbox_id, uid, command, payload
		FROM notifier_entries
		WHERE mailbox_id = ? AND id > ?
		ORDER BY id ASC
	`, mailboxID, afterID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.MailboxID, &e.UID, &e.Command, &e.Payload); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
