package server

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"kestrel/internal/db"
	"kestrel/internal/search"
	"kestrel/internal/uidset"
)

// searchDateLayout is the IMAP date form, e.g. "2-Jan-2006".
const searchDateLayout = "2-Jan-2006"

// parseCriteria turns SEARCH command tokens into a term tree. Sibling
// terms combine with AND; OR takes exactly two operands and nested ORs
// flatten into one branch list.
func parseCriteria(tokens []string) ([]search.Term, error) {
	p := &criteriaParser{tokens: tokens}
	var terms []search.Term
	for !p.done() {
		t, err := p.term()
		if err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	if len(terms) == 0 {
		return []search.Term{search.AllTerm{}}, nil
	}
	return terms, nil
}

type criteriaParser struct {
	tokens []string
	pos    int
}

func (p *criteriaParser) done() bool {
	return p.pos >= len(p.tokens)
}

func (p *criteriaParser) next() (string, error) {
	if p.done() {
		return "", fmt.Errorf("unexpected end of search criteria")
	}
	tok := p.tokens[p.pos]
	p.pos++
	return tok, nil
}

func (p *criteriaParser) term() (search.Term, error) {
	tok, err := p.next()
	if err != nil {
		return nil, err
	}

	switch strings.ToUpper(tok) {
	case "ALL":
		return search.AllTerm{}, nil

	case "NOT":
		sub, err := p.term()
		if err != nil {
			return nil, err
		}
		return search.NotTerm{Term: sub}, nil

	case "OR":
		left, err := p.term()
		if err != nil {
			return nil, err
		}
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		var branches [][]search.Term
		for _, t := range []search.Term{left, right} {
			if or, ok := t.(search.OrTerm); ok {
				branches = append(branches, or.Branches...)
				continue
			}
			branches = append(branches, []search.Term{t})
		}
		return search.OrTerm{Branches: branches}, nil

	case "UID":
		arg, err := p.next()
		if err != nil {
			return nil, err
		}
		set, err := uidset.Parse(arg)
		if err != nil {
			return nil, err
		}
		return search.UIDTerm{Set: set}, nil

	case "SEEN":
		return search.FlagTerm{Flag: db.FlagSeen, Exists: true}, nil
	case "UNSEEN":
		return search.FlagTerm{Flag: db.FlagSeen, Exists: false}, nil
	case "DELETED":
		return search.FlagTerm{Flag: db.FlagDeleted, Exists: true}, nil
	case "UNDELETED":
		return search.FlagTerm{Flag: db.FlagDeleted, Exists: false}, nil
	case "FLAGGED":
		return search.FlagTerm{Flag: db.FlagFlagged, Exists: true}, nil
	case "UNFLAGGED":
		return search.FlagTerm{Flag: db.FlagFlagged, Exists: false}, nil
	case "DRAFT":
		return search.FlagTerm{Flag: db.FlagDraft, Exists: true}, nil
	case "UNDRAFT":
		return search.FlagTerm{Flag: db.FlagDraft, Exists: false}, nil

	case "KEYWORD", "UNKEYWORD":
		arg, err := p.next()
		if err != nil {
			return nil, err
		}
		return search.FlagTerm{Flag: arg, Exists: strings.EqualFold(tok, "KEYWORD")}, nil

	case "HEADER":
		key, err := p.next()
		if err != nil {
			return nil, err
		}
		value, err := p.next()
		if err != nil {
			return nil, err
		}
		return search.HeaderTerm{Key: key, Value: value}, nil

	case "SUBJECT", "FROM", "TO", "CC":
		value, err := p.next()
		if err != nil {
			return nil, err
		}
		return search.HeaderTerm{Key: titleCase(tok), Value: value}, nil

	case "TEXT", "BODY":
		value, err := p.next()
		if err != nil {
			return nil, err
		}
		return search.TextTerm{Value: value, BodyOnly: strings.EqualFold(tok, "BODY")}, nil

	case "LARGER", "SMALLER":
		arg, err := p.next()
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid size %q", arg)
		}
		if strings.EqualFold(tok, "SMALLER") {
			n = -n
		}
		return search.SizeTerm{Bytes: n}, nil

	case "MODSEQ":
		arg, err := p.next()
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid modseq %q", arg)
		}
		return search.ModseqTerm{Value: n}, nil

	case "BEFORE", "SINCE", "ON", "SENTBEFORE", "SENTSINCE", "SENTON":
		arg, err := p.next()
		if err != nil {
			return nil, err
		}
		d, err := time.Parse(searchDateLayout, arg)
		if err != nil {
			return nil, fmt.Errorf("invalid date %q", arg)
		}
		upper := strings.ToUpper(tok)
		dt := search.DateTerm{Value: d, Header: strings.HasPrefix(upper, "SENT")}
		switch strings.TrimPrefix(upper, "SENT") {
		case "BEFORE":
			dt.Op = "<"
		case "SINCE":
			dt.Op = ">="
		}
		return dt, nil
	}

	return nil, fmt.Errorf("unknown search key %q", tok)
}

func titleCase(key string) string {
	if key == "" {
		return key
	}
	return strings.ToUpper(key[:1]) + strings.ToLower(key[1:])
}
