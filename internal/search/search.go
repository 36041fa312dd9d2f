// Package search models IMAP SEARCH criteria as a tagged-union term tree
// and compiles it into a SQL predicate over the message records. The
// compiler is pure: it never touches the database, it only emits the
// WHERE fragment (and its arguments) the message scan will run.
package search

import (
	"time"

	"kestrel/internal/uidset"
)

// Term is one node of the search criteria tree. Sibling terms combine
// with AND.
type Term interface {
	isTerm()
}

// AllTerm matches every message. Under negation it matches nothing:
// there is nothing to negate against "everything".
type AllTerm struct{}

// NotTerm negates its child.
type NotTerm struct {
	Term Term
}

// OrTerm is a disjunction of branches; the terms inside one branch
// combine with AND. Nested ORs should be flattened into Branches by the
// criteria parser, not nested as OrTerm children.
type OrTerm struct {
	Branches [][]Term
}

// TextTerm is a full-text match against the message body, or body plus
// headers when BodyOnly is false. Only legal at the top level of the
// criteria: the text index cannot be combined with arbitrary boolean
// composition, so a TextTerm under NOT or inside an OR branch compiles
// to an always-false predicate rather than an error.
type TextTerm struct {
	Value    string
	BodyOnly bool
}

// UIDTerm restricts to a UID set.
type UIDTerm struct {
	Set uidset.Set
}

// FlagTerm tests for the presence (Exists) or absence of a flag.
type FlagTerm struct {
	Flag   string
	Exists bool
}

// HeaderTerm is a case-insensitive substring match against the message's
// materialized headers. Its negation is approximated as "has a header
// with this key whose value is not exactly this string" — a substring
// match cannot be cleanly negated, and that approximation is the
// long-standing observable behavior.
type HeaderTerm struct {
	Key   string
	Value string
}

// DateTerm compares the internal date (or the header date, when Header
// is set) using Op ("<", "<=", ">", ">="). An empty Op means "that whole
// day": [Value, Value+24h).
type DateTerm struct {
	Header bool
	Op     string
	Value  time.Time
}

// SizeTerm compares message size. With Exact set it is an equality test;
// otherwise a negative Bytes means "smaller than |Bytes|" and a positive
// Bytes means "larger than Bytes".
type SizeTerm struct {
	Bytes int64
	Exact bool
}

// ModseqTerm restricts to messages whose MODSEQ is at least Value;
// negated, to messages whose MODSEQ is below it.
type ModseqTerm struct {
	Value int64
}

func (AllTerm) isTerm()    {}
func (NotTerm) isTerm()    {}
func (OrTerm) isTerm()     {}
func (TextTerm) isTerm()   {}
func (UIDTerm) isTerm()    {}
func (FlagTerm) isTerm()   {}
func (HeaderTerm) isTerm() {}
func (DateTerm) isTerm()   {}
func (SizeTerm) isTerm()   {}
func (ModseqTerm) isTerm() {}
