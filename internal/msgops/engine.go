// Package msgops implements the message-level verbs: COPY, STORE,
// EXPUNGE, APPEND, SEARCH, and the supporting mailbox operations. Each
// verb returns a protocol result atom plus a payload; infrastructure
// failures come back as errors. Every path preserves the ordering
// "durable write, then notify".
package msgops

import (
	"context"
	"time"

	"kestrel/internal/db"
	"kestrel/internal/lock"
	"kestrel/internal/notify"
	"kestrel/internal/quota"
)

// Result is a protocol-level outcome atom. These are expected conditions,
// returned as values and mapped to response codes by the dispatcher.
type Result string

const (
	ResultOK            Result = "OK"
	ResultNonExistent   Result = "NONEXISTENT"
	ResultTryCreate     Result = "TRYCREATE"
	ResultOverQuota     Result = "OVERQUOTA"
	ResultCannot        Result = "CANNOT"
	ResultAlreadyExists Result = "ALREADYEXISTS"
)

// storeBatchSize bounds how many queued flag updates a STORE accumulates
// before flushing them (and bumping MODSEQ) in one go.
const storeBatchSize = 128

// AttachmentRefs adjusts reference counts on shared attachments.
type AttachmentRefs interface {
	UpdateMany(ctx context.Context, ids []string, refDelta, sizeDelta int64) error
}

// Engine wires the verbs to their dependencies.
type Engine struct {
	mailboxes   *db.MailboxStore
	messages    *db.MessageStore
	deleter     *db.Deleter
	lifecycle   db.LifecycleHandler
	attachments AttachmentRefs
	locks       lock.Manager
	quota       *quota.Tracker
	notifier    *notify.Notifier

	lockTTL        time.Duration
	lockWait       time.Duration
	notifyInterval time.Duration
}

// Options carries the tunables for an Engine.
type Options struct {
	LockTTL        time.Duration
	LockWait       time.Duration
	NotifyInterval time.Duration
}

func NewEngine(
	mailboxes *db.MailboxStore,
	messages *db.MessageStore,
	deleter *db.Deleter,
	lifecycle db.LifecycleHandler,
	attachments AttachmentRefs,
	locks lock.Manager,
	tracker *quota.Tracker,
	notifier *notify.Notifier,
	opts Options,
) *Engine {
	return &Engine{
		mailboxes:      mailboxes,
		messages:       messages,
		deleter:        deleter,
		lifecycle:      lifecycle,
		attachments:    attachments,
		locks:          locks,
		quota:          tracker,
		notifier:       notifier,
		lockTTL:        opts.LockTTL,
		lockWait:       opts.LockWait,
		notifyInterval: opts.NotifyInterval,
	}
}
