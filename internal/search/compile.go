package search

import (
	"fmt"
	"strings"
	"time"

	"kestrel/internal/db"
)

// Query is a compiled search: a WHERE fragment over the messages table
// (alias m) plus its arguments. NoResults means the criteria are known
// unsatisfiable without ever running the scan.
type Query struct {
	Where     string
	Args      []any
	NoResults bool
}

// predicates that compile statically.
const (
	alwaysTrue  = "1 = 1"
	alwaysFalse = "0 = 1"
)

// emptySetError short-circuits compilation when an explicit UID set is
// empty: the answer is "no results", no scan needed.
type emptySetError struct{}

func (emptySetError) Error() string { return "empty uid set" }

// Compile translates a criteria tree into a Query. knownUIDs is the
// session's ascending UID index of the mailbox, used to resolve "*"
// ranges and to recognize full-set UID terms.
func Compile(terms []Term, knownUIDs []int64) (Query, error) {
	c := &compiler{knownUIDs: knownUIDs}

	where, err := c.conjunction(terms, false, false)
	if err != nil {
		if _, ok := err.(emptySetError); ok {
			return Query{NoResults: true}, nil
		}
		return Query{}, err
	}
	if where == "" {
		where = alwaysTrue
	}
	return Query{Where: where, Args: c.args}, nil
}

type compiler struct {
	knownUIDs []int64
	args      []any
}

func (c *compiler) maxUID() int64 {
	if len(c.knownUIDs) == 0 {
		return 0
	}
	return c.knownUIDs[len(c.knownUIDs)-1]
}

// conjunction compiles sibling terms, AND-joined.
func (c *compiler) conjunction(terms []Term, negated, inOr bool) (string, error) {
	var conds []string
	for _, t := range terms {
		cond, err := c.term(t, negated, inOr)
		if err != nil {
			return "", err
		}
		if cond == alwaysTrue {
			continue
		}
		conds = append(conds, cond)
	}
	return strings.Join(conds, " AND "), nil
}

func (c *compiler) term(t Term, negated, inOr bool) (string, error) {
	switch t := t.(type) {
	case AllTerm:
		if negated {
			return alwaysFalse, nil
		}
		return alwaysTrue, nil

	case NotTerm:
		return c.term(t.Term, !negated, inOr)

	case OrTerm:
		var branches []string
		for _, branch := range t.Branches {
			cond, err := c.conjunction(branch, negated, true)
			if err != nil {
				return "", err
			}
			if cond == "" {
				cond = alwaysTrue
			}
			branches = append(branches, "("+cond+")")
		}
		if len(branches) == 0 {
			return alwaysTrue, nil
		}
		return "(" + strings.Join(branches, " OR ") + ")", nil

	case TextTerm:
		// Text predicates are top-level only.
		if negated || inOr {
			return alwaysFalse, nil
		}
		return c.text(t), nil

	case UIDTerm:
		return c.uid(t, negated)

	case FlagTerm:
		return c.flag(t, negated), nil

	case HeaderTerm:
		return c.header(t, negated), nil

	case DateTerm:
		return c.date(t, negated)

	case SizeTerm:
		return c.size(t, negated), nil

	case ModseqTerm:
		if negated {
			c.args = append(c.args, t.Value)
			return "m.modseq < ?", nil
		}
		c.args = append(c.args, t.Value)
		return "m.modseq >= ?", nil

	default:
		return "", fmt.Errorf("unknown search term %T", t)
	}
}

func (c *compiler) text(t TextTerm) string {
	pattern := "%" + escapeLike(t.Value) + "%"
	c.args = append(c.args, pattern)
	body := "m.body_text LIKE ? ESCAPE '\\'"
	if t.BodyOnly {
		return "(m.searchable = 1 AND " + body + ")"
	}
	c.args = append(c.args, pattern)
	headers := "EXISTS (SELECT 1 FROM message_headers h WHERE h.message_id = m.id AND h.value LIKE ? ESCAPE '\\')"
	return "(m.searchable = 1 AND (" + body + " OR " + headers + "))"
}

func (c *compiler) uid(t UIDTerm, negated bool) (string, error) {
	if t.Set != nil && t.Set.Empty() {
		return "", emptySetError{}
	}
	// A set covering every known UID is just "all messages"; and, negated,
	// it is dropped rather than compiled to always-false.
	if t.Set == nil || t.Set.Covers(c.knownUIDs) {
		return alwaysTrue, nil
	}

	cond, args := t.Set.SQL("m.uid", c.maxUID())
	c.args = append(c.args, args...)
	if negated {
		return "NOT (" + cond + ")", nil
	}
	return "(" + cond + ")", nil
}

// flag compiles a flag presence test. The canonical flags test their
// boolean projection columns; custom flags test membership in the flags
// list. The wanted presence combines the term's Exists with negation.
func (c *compiler) flag(t FlagTerm, negated bool) string {
	present := t.Exists != negated

	bit := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}

	switch {
	case strings.EqualFold(t.Flag, db.FlagSeen):
		return fmt.Sprintf("m.unseen = %d", bit(!present))
	case strings.EqualFold(t.Flag, db.FlagDeleted):
		return fmt.Sprintf("m.undeleted = %d", bit(!present))
	case strings.EqualFold(t.Flag, db.FlagFlagged):
		return fmt.Sprintf("m.flagged = %d", bit(present))
	case strings.EqualFold(t.Flag, db.FlagDraft):
		return fmt.Sprintf("m.draft = %d", bit(present))
	}

	// Flags are stored space-joined; pad both sides so the match cannot
	// hit a substring of a longer flag.
	c.args = append(c.args, "% "+escapeLike(t.Flag)+" %")
	member := "(' ' || m.flags || ' ') LIKE ? ESCAPE '\\'"
	if !present {
		return "NOT (" + member + ")"
	}
	return member
}

func (c *compiler) header(t HeaderTerm, negated bool) string {
	if negated {
		// Exact-string inequality stands in for negating the substring
		// match. See HeaderTerm.
		c.args = append(c.args, t.Key, t.Value)
		return "EXISTS (SELECT 1 FROM message_headers h WHERE h.message_id = m.id AND h.key = ? COLLATE NOCASE AND h.value <> ?)"
	}
	c.args = append(c.args, t.Key, "%"+escapeLike(t.Value)+"%")
	return "EXISTS (SELECT 1 FROM message_headers h WHERE h.message_id = m.id AND h.key = ? COLLATE NOCASE AND h.value LIKE ? ESCAPE '\\')"
}

func (c *compiler) date(t DateTerm, negated bool) (string, error) {
	col := "m.internal_date"
	if t.Header {
		col = "m.header_date"
	}

	var cond string
	switch t.Op {
	case "<", "<=", ">", ">=":
		cond = fmt.Sprintf("%s %s ?", col, t.Op)
		c.args = append(c.args, t.Value)
	case "":
		// No operator means that whole day.
		day := t.Value.Truncate(24 * time.Hour)
		cond = fmt.Sprintf("(%s >= ? AND %s < ?)", col, col)
		c.args = append(c.args, day, day.Add(24*time.Hour))
	default:
		return "", fmt.Errorf("unknown date operator %q", t.Op)
	}

	if negated {
		return "NOT " + cond, nil
	}
	return cond, nil
}

func (c *compiler) size(t SizeTerm, negated bool) string {
	var cond string
	switch {
	case t.Exact:
		cond = "m.size = ?"
		c.args = append(c.args, t.Bytes)
	case t.Bytes < 0:
		cond = "m.size < ?"
		c.args = append(c.args, -t.Bytes)
	default:
		cond = "m.size > ?"
		c.args = append(c.args, t.Bytes)
	}

	if negated {
		return "NOT " + cond
	}
	return cond
}

// escapeLike escapes LIKE metacharacters so the search value matches
// literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}
