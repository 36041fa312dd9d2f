package server

import (
	"reflect"
	"testing"
	"time"

	"kestrel/internal/db"
	"kestrel/internal/search"
	"kestrel/internal/uidset"
)

func parse(t *testing.T, tokens ...string) []search.Term {
	t.Helper()
	terms, err := parseCriteria(tokens)
	if err != nil {
		t.Fatalf("parseCriteria(%v): %v", tokens, err)
	}
	return terms
}

func TestParseCriteriaEmpty(t *testing.T) {
	terms := parse(t)
	if len(terms) != 1 {
		t.Fatalf("terms = %v", terms)
	}
	if _, ok := terms[0].(search.AllTerm); !ok {
		t.Errorf("empty criteria = %T, want AllTerm", terms[0])
	}
}

func TestParseCriteriaFlags(t *testing.T) {
	tests := []struct {
		key  string
		want search.FlagTerm
	}{
		{"SEEN", search.FlagTerm{Flag: db.FlagSeen, Exists: true}},
		{"UNSEEN", search.FlagTerm{Flag: db.FlagSeen, Exists: false}},
		{"DELETED", search.FlagTerm{Flag: db.FlagDeleted, Exists: true}},
		{"FLAGGED", search.FlagTerm{Flag: db.FlagFlagged, Exists: true}},
		{"UNDRAFT", search.FlagTerm{Flag: db.FlagDraft, Exists: false}},
	}
	for _, tt := range tests {
		terms := parse(t, tt.key)
		if !reflect.DeepEqual(terms[0], tt.want) {
			t.Errorf("%s = %+v, want %+v", tt.key, terms[0], tt.want)
		}
	}

	terms := parse(t, "KEYWORD", "urgent")
	if !reflect.DeepEqual(terms[0], search.FlagTerm{Flag: "urgent", Exists: true}) {
		t.Errorf("KEYWORD = %+v", terms[0])
	}
}

func TestParseCriteriaNotAndOr(t *testing.T) {
	terms := parse(t, "NOT", "SEEN")
	not, ok := terms[0].(search.NotTerm)
	if !ok {
		t.Fatalf("terms[0] = %T", terms[0])
	}
	if !reflect.DeepEqual(not.Term, search.FlagTerm{Flag: db.FlagSeen, Exists: true}) {
		t.Errorf("NOT child = %+v", not.Term)
	}

	terms = parse(t, "OR", "FLAGGED", "DRAFT")
	or, ok := terms[0].(search.OrTerm)
	if !ok {
		t.Fatalf("terms[0] = %T", terms[0])
	}
	if len(or.Branches) != 2 {
		t.Errorf("branches = %v", or.Branches)
	}
}

func TestParseCriteriaNestedOrFlattens(t *testing.T) {
	terms := parse(t, "OR", "OR", "SEEN", "DRAFT", "FLAGGED")
	or := terms[0].(search.OrTerm)
	if len(or.Branches) != 3 {
		t.Errorf("nested OR produced %d branches, want 3", len(or.Branches))
	}
}

func TestParseCriteriaUID(t *testing.T) {
	terms := parse(t, "UID", "1:5,9")
	uid := terms[0].(search.UIDTerm)
	want := uidset.Set{{Low: 1, High: 5}, {Low: 9, High: 9}}
	if !reflect.DeepEqual(uid.Set, want) {
		t.Errorf("set = %v, want %v", uid.Set, want)
	}
}

func TestParseCriteriaHeaderShorthand(t *testing.T) {
	terms := parse(t, "SUBJECT", "invoice", "HEADER", "X-Spam", "yes", "FROM", "alice")
	if !reflect.DeepEqual(terms[0], search.HeaderTerm{Key: "Subject", Value: "invoice"}) {
		t.Errorf("SUBJECT = %+v", terms[0])
	}
	if !reflect.DeepEqual(terms[1], search.HeaderTerm{Key: "X-Spam", Value: "yes"}) {
		t.Errorf("HEADER = %+v", terms[1])
	}
	if !reflect.DeepEqual(terms[2], search.HeaderTerm{Key: "From", Value: "alice"}) {
		t.Errorf("FROM = %+v", terms[2])
	}
}

func TestParseCriteriaTextAndSize(t *testing.T) {
	terms := parse(t, "TEXT", "needle", "BODY", "hay", "LARGER", "100", "SMALLER", "50")
	if !reflect.DeepEqual(terms[0], search.TextTerm{Value: "needle"}) {
		t.Errorf("TEXT = %+v", terms[0])
	}
	if !reflect.DeepEqual(terms[1], search.TextTerm{Value: "hay", BodyOnly: true}) {
		t.Errorf("BODY = %+v", terms[1])
	}
	if !reflect.DeepEqual(terms[2], search.SizeTerm{Bytes: 100}) {
		t.Errorf("LARGER = %+v", terms[2])
	}
	if !reflect.DeepEqual(terms[3], search.SizeTerm{Bytes: -50}) {
		t.Errorf("SMALLER = %+v", terms[3])
	}
}

func TestParseCriteriaDates(t *testing.T) {
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	terms := parse(t, "SINCE", "10-Mar-2025", "SENTBEFORE", "10-Mar-2025", "ON", "10-Mar-2025")
	if !reflect.DeepEqual(terms[0], search.DateTerm{Op: ">=", Value: day}) {
		t.Errorf("SINCE = %+v", terms[0])
	}
	if !reflect.DeepEqual(terms[1], search.DateTerm{Op: "<", Value: day, Header: true}) {
		t.Errorf("SENTBEFORE = %+v", terms[1])
	}
	if !reflect.DeepEqual(terms[2], search.DateTerm{Value: day}) {
		t.Errorf("ON = %+v", terms[2])
	}
}

func TestParseCriteriaErrors(t *testing.T) {
	bad := [][]string{
		{"NOT"},
		{"OR", "SEEN"},
		{"UID", "bogus"},
		{"LARGER", "-5"},
		{"SINCE", "2025-03-10"},
		{"WIBBLE"},
	}
	for _, tokens := range bad {
		if _, err := parseCriteria(tokens); err == nil {
			t.Errorf("parseCriteria(%v) should fail", tokens)
		}
	}
}

func TestTokenize(t *testing.T) {
	got := tokenize(`STORE 1:3 +FLAGS (\Flagged \Seen) UNCHANGEDSINCE 4`)
	want := []string{"STORE", "1:3", "+FLAGS", `(\Flagged \Seen)`, "UNCHANGEDSINCE", "4"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("tokenize = %v, want %v", got, want)
	}

	got = tokenize(`SEARCH SUBJECT "two words" SEEN`)
	want = []string{"SEARCH", "SUBJECT", "two words", "SEEN"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("tokenize quoted = %v, want %v", got, want)
	}
}

func TestParseList(t *testing.T) {
	got := parseList(`(\Seen \Flagged custom)`)
	want := []string{`\Seen`, `\Flagged`, "custom"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseList = %v, want %v", got, want)
	}
	if items := parseList("()"); len(items) != 0 {
		t.Errorf("empty list = %v", items)
	}
}
