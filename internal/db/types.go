package db

import (
	"errors"
	"strings"
	"time"
)

// Special-use mailbox roles (RFC 6154).
const (
	SpecialUseDrafts = "\\Drafts"
	SpecialUseSent   = "\\Sent"
	SpecialUseTrash  = "\\Trash"
	SpecialUseJunk   = "\\Junk"
)

// Canonical flags mirrored into boolean projections.
const (
	FlagSeen    = "\\Seen"
	FlagDeleted = "\\Deleted"
	FlagFlagged = "\\Flagged"
	FlagDraft   = "\\Draft"
)

// MaxMailboxFlags caps the number of distinct custom flags a mailbox
// advertises. Flags past the cap still apply to messages, they are just
// not added to the mailbox vocabulary.
const MaxMailboxFlags = 100

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// Mailbox is the persisted mailbox record. The id never changes across
// renames and is never reused after a delete.
type Mailbox struct {
	ID     int64
	UserID int64
	Path   string

	// UIDValidity is stamped at creation and immutable.
	UIDValidity int64
	// UIDNext is the next UID to assign. Monotonically increasing, never
	// reused even across deletes.
	UIDNext int64
	// ModifyIndex increases by one for every mutating event applied to
	// any message in the mailbox.
	ModifyIndex int64

	// Flags is the custom flag vocabulary known to this mailbox.
	Flags       []string
	SpecialUse  string
	Subscribed  bool
	Hidden      bool
	RetentionMS int64
}

// Message is the persisted message record. The (MailboxID, UID) pair is
// unique within a mailbox and immutable once assigned.
type Message struct {
	ID        string
	MailboxID int64
	UID       int64

	Flags []string
	// Boolean projections of the canonical flags, kept in lockstep with
	// Flags by the single write path.
	Unseen     bool
	Undeleted  bool
	Flagged    bool
	Draft      bool
	Searchable bool

	// Modseq is the mailbox's ModifyIndex at the time of this message's
	// last mutation.
	Modseq int64

	Size int64

	// Retention-expiry flag and absolute expiry time, derived from the
	// containing mailbox's retention policy.
	Exp           bool
	RetentionDate time.Time

	// Copied marks a message whose content was cloned elsewhere; such
	// messages are not archived when deleted.
	Copied bool
	// Junk is set while the message lives in a \Junk mailbox.
	Junk bool

	InternalDate time.Time
	HeaderDate   time.Time
	BodyText     string
}

// Header is one materialized (key, value) header pair of a message.
type Header struct {
	Key   string
	Value string
}

// HasFlag reports whether flags contains flag, case-insensitively.
func HasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// IsCanonicalFlag reports whether the flag has a boolean projection.
func IsCanonicalFlag(flag string) bool {
	switch {
	case strings.EqualFold(flag, FlagSeen),
		strings.EqualFold(flag, FlagDeleted),
		strings.EqualFold(flag, FlagFlagged),
		strings.EqualFold(flag, FlagDraft):
		return true
	}
	return false
}

// flagProjections derives the indexed boolean columns from a flag list.
// Every statement that writes flags writes these in the same statement,
// so the projections can never diverge from the flags column.
func flagProjections(flags []string) (unseen, undeleted, flagged, draft, searchable bool) {
	seen := HasFlag(flags, FlagSeen)
	deleted := HasFlag(flags, FlagDeleted)
	return !seen, !deleted, HasFlag(flags, FlagFlagged), HasFlag(flags, FlagDraft), !deleted
}

// joinFlags serializes a flag list for storage.
func joinFlags(flags []string) string {
	return strings.Join(flags, " ")
}

// splitFlags parses a stored flag list.
func splitFlags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
