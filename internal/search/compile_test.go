package search

import (
	"strings"
	"testing"
	"time"

	"kestrel/internal/db"
	"kestrel/internal/uidset"
)

func compile(t *testing.T, terms []Term, knownUIDs []int64) Query {
	t.Helper()
	q, err := Compile(terms, knownUIDs)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return q
}

func TestCompileEmptyCriteriaMatchesAll(t *testing.T) {
	q := compile(t, nil, nil)
	if q.Where != "1 = 1" || q.NoResults {
		t.Errorf("Where = %q, NoResults = %v", q.Where, q.NoResults)
	}
}

func TestCompileNegatedAllMatchesNothing(t *testing.T) {
	q := compile(t, []Term{NotTerm{Term: AllTerm{}}}, nil)
	if q.Where != "0 = 1" {
		t.Errorf("Where = %q, want 0 = 1", q.Where)
	}
}

func TestTextUnderNegationMatchesNothing(t *testing.T) {
	q := compile(t, []Term{NotTerm{Term: TextTerm{Value: "x"}}}, nil)
	if q.Where != "0 = 1" {
		t.Errorf("NOT TEXT compiled to %q, want 0 = 1", q.Where)
	}
	if len(q.Args) != 0 {
		t.Errorf("args = %v, want none", q.Args)
	}
}

func TestTextInsideOrMatchesNothing(t *testing.T) {
	q := compile(t, []Term{OrTerm{Branches: [][]Term{
		{TextTerm{Value: "x"}},
		{FlagTerm{Flag: db.FlagFlagged, Exists: true}},
	}}}, nil)

	if !strings.Contains(q.Where, "(0 = 1)") {
		t.Errorf("text branch not disabled: %q", q.Where)
	}
	if !strings.Contains(q.Where, "m.flagged = 1") {
		t.Errorf("flag branch missing: %q", q.Where)
	}
}

func TestTextAtTopLevelTargetsSearchable(t *testing.T) {
	q := compile(t, []Term{TextTerm{Value: "needle", BodyOnly: true}}, nil)
	if !strings.Contains(q.Where, "m.searchable = 1") {
		t.Errorf("Where = %q", q.Where)
	}
	if len(q.Args) != 1 || q.Args[0] != "%needle%" {
		t.Errorf("args = %v", q.Args)
	}

	// TEXT (not BODY) also searches header values.
	q = compile(t, []Term{TextTerm{Value: "needle"}}, nil)
	if !strings.Contains(q.Where, "message_headers") {
		t.Errorf("Where = %q", q.Where)
	}
}

func TestLikeValuesAreEscaped(t *testing.T) {
	q := compile(t, []Term{TextTerm{Value: "50%_off", BodyOnly: true}}, nil)
	if q.Args[0] != `%50\%\_off%` {
		t.Errorf("escaped pattern = %v", q.Args[0])
	}
}

func TestEmptyUIDSetShortCircuits(t *testing.T) {
	q := compile(t, []Term{UIDTerm{Set: uidset.Set{}}}, []int64{1, 2, 3})
	if !q.NoResults {
		t.Error("empty uid set should compile to NoResults")
	}
}

func TestFullUIDSetDegeneratesToTrue(t *testing.T) {
	known := []int64{1, 2, 3}

	q := compile(t, []Term{UIDTerm{Set: uidset.All()}}, known)
	if q.Where != "1 = 1" {
		t.Errorf("full set compiled to %q", q.Where)
	}

	// Negated full set is dropped, not turned into always-false.
	q = compile(t, []Term{NotTerm{Term: UIDTerm{Set: uidset.All()}}}, known)
	if q.Where != "1 = 1" {
		t.Errorf("negated full set compiled to %q", q.Where)
	}
}

func TestPartialUIDSet(t *testing.T) {
	known := []int64{1, 2, 3, 7}

	q := compile(t, []Term{UIDTerm{Set: uidset.Set{{Low: 2, High: 3}}}}, known)
	if !strings.Contains(q.Where, "m.uid BETWEEN ? AND ?") {
		t.Errorf("Where = %q", q.Where)
	}

	q = compile(t, []Term{NotTerm{Term: UIDTerm{Set: uidset.Set{{Low: 2, High: 3}}}}}, known)
	if !strings.HasPrefix(q.Where, "NOT (") {
		t.Errorf("negated set Where = %q", q.Where)
	}
}

func TestCanonicalFlagTruthTable(t *testing.T) {
	tests := []struct {
		name string
		term Term
		want string
	}{
		{"seen", FlagTerm{Flag: db.FlagSeen, Exists: true}, "m.unseen = 0"},
		{"unseen", FlagTerm{Flag: db.FlagSeen, Exists: false}, "m.unseen = 1"},
		{"not seen", NotTerm{Term: FlagTerm{Flag: db.FlagSeen, Exists: true}}, "m.unseen = 1"},
		{"not unseen", NotTerm{Term: FlagTerm{Flag: db.FlagSeen, Exists: false}}, "m.unseen = 0"},
		{"deleted", FlagTerm{Flag: db.FlagDeleted, Exists: true}, "m.undeleted = 0"},
		{"flagged", FlagTerm{Flag: db.FlagFlagged, Exists: true}, "m.flagged = 1"},
		{"undraft", FlagTerm{Flag: db.FlagDraft, Exists: false}, "m.draft = 0"},
	}
	for _, tt := range tests {
		q := compile(t, []Term{tt.term}, nil)
		if q.Where != tt.want {
			t.Errorf("%s: Where = %q, want %q", tt.name, q.Where, tt.want)
		}
	}
}

func TestCustomFlagMembership(t *testing.T) {
	q := compile(t, []Term{FlagTerm{Flag: "urgent", Exists: true}}, nil)
	if !strings.Contains(q.Where, "m.flags") || !strings.Contains(q.Where, "LIKE") {
		t.Errorf("Where = %q", q.Where)
	}
	if q.Args[0] != "% urgent %" {
		t.Errorf("args = %v", q.Args)
	}

	q = compile(t, []Term{NotTerm{Term: FlagTerm{Flag: "urgent", Exists: true}}}, nil)
	if !strings.HasPrefix(q.Where, "NOT (") {
		t.Errorf("negated membership Where = %q", q.Where)
	}
}

func TestHeaderNegationIsExactInequality(t *testing.T) {
	q := compile(t, []Term{HeaderTerm{Key: "Subject", Value: "hello"}}, nil)
	if !strings.Contains(q.Where, "h.value LIKE ?") {
		t.Errorf("positive header Where = %q", q.Where)
	}
	if q.Args[1] != "%hello%" {
		t.Errorf("positive header args = %v", q.Args)
	}

	q = compile(t, []Term{NotTerm{Term: HeaderTerm{Key: "Subject", Value: "hello"}}}, nil)
	if !strings.Contains(q.Where, "h.value <> ?") {
		t.Errorf("negated header Where = %q", q.Where)
	}
	if q.Args[1] != "hello" {
		t.Errorf("negated header keeps the literal value: %v", q.Args)
	}
}

func TestDateWithoutOperatorIsWholeDay(t *testing.T) {
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	q := compile(t, []Term{DateTerm{Value: day}}, nil)
	if !strings.Contains(q.Where, ">= ?") || !strings.Contains(q.Where, "< ?") {
		t.Errorf("Where = %q", q.Where)
	}
	if len(q.Args) != 2 {
		t.Fatalf("args = %v", q.Args)
	}
	if q.Args[1].(time.Time).Sub(q.Args[0].(time.Time)) != 24*time.Hour {
		t.Errorf("window = %v .. %v", q.Args[0], q.Args[1])
	}
}

func TestSizeSign(t *testing.T) {
	q := compile(t, []Term{SizeTerm{Bytes: 1024}}, nil)
	if q.Where != "m.size > ?" || q.Args[0] != int64(1024) {
		t.Errorf("larger: %q %v", q.Where, q.Args)
	}

	q = compile(t, []Term{SizeTerm{Bytes: -1024}}, nil)
	if q.Where != "m.size < ?" || q.Args[0] != int64(1024) {
		t.Errorf("smaller: %q %v", q.Where, q.Args)
	}

	q = compile(t, []Term{SizeTerm{Bytes: 512, Exact: true}}, nil)
	if q.Where != "m.size = ?" {
		t.Errorf("exact: %q", q.Where)
	}
}

func TestModseq(t *testing.T) {
	q := compile(t, []Term{ModseqTerm{Value: 7}}, nil)
	if q.Where != "m.modseq >= ?" {
		t.Errorf("Where = %q", q.Where)
	}
	q = compile(t, []Term{NotTerm{Term: ModseqTerm{Value: 7}}}, nil)
	if q.Where != "m.modseq < ?" {
		t.Errorf("negated Where = %q", q.Where)
	}
}

func TestSiblingsCombineWithAnd(t *testing.T) {
	q := compile(t, []Term{
		FlagTerm{Flag: db.FlagSeen, Exists: false},
		SizeTerm{Bytes: 100},
	}, nil)
	if q.Where != "m.unseen = 1 AND m.size > ?" {
		t.Errorf("Where = %q", q.Where)
	}
}
