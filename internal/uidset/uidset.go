package uidset

import (
	"fmt"
	"strconv"
	"strings"
)

// Range is a closed UID interval. A zero bound stands for the IMAP "*"
// form and resolves to the mailbox's highest known UID at evaluation
// time (UIDs themselves start at 1, so zero is never a real bound).
type Range struct {
	Low  int64
	High int64
}

// Set is an ordered list of UID ranges as received from the dispatcher.
// A nil Set means "no restriction"; an empty non-nil Set matches nothing.
type Set []Range

// Single returns a set containing exactly one UID.
func Single(uid int64) Set {
	return Set{{Low: uid, High: uid}}
}

// All returns the "1:*" set.
func All() Set {
	return Set{{Low: 1, High: 0}}
}

// Parse parses an IMAP sequence-set, e.g. "1:5,8,10:*". The empty string
// is rejected; use a nil Set for "no restriction".
func Parse(spec string) (Set, error) {
	set := Set{}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lowStr, highStr, isRange := strings.Cut(part, ":")
		low, err := parseBound(lowStr)
		if err != nil {
			return nil, err
		}
		if !isRange {
			set = append(set, Range{Low: low, High: low})
			continue
		}
		high, err := parseBound(highStr)
		if err != nil {
			return nil, err
		}
		set = append(set, Range{Low: low, High: high})
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("empty uid set %q", spec)
	}
	return set, nil
}

func parseBound(s string) (int64, error) {
	if s == "*" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid uid %q", s)
	}
	return n, nil
}

// resolve maps "*" bounds to maxUID and normalizes inverted ranges.
func (r Range) resolve(maxUID int64) (low, high int64) {
	low, high = r.Low, r.High
	if low == 0 {
		low = maxUID
	}
	if high == 0 {
		high = maxUID
	}
	if low > high {
		low, high = high, low
	}
	return low, high
}

// Empty reports whether the set is non-nil but matches nothing.
func (s Set) Empty() bool {
	return s != nil && len(s) == 0
}

// Contains reports whether uid falls in the set. maxUID resolves "*" ranges.
func (s Set) Contains(uid, maxUID int64) bool {
	if s == nil {
		return true
	}
	for _, r := range s {
		low, high := r.resolve(maxUID)
		if uid >= low && uid <= high {
			return true
		}
	}
	return false
}

// Covers reports whether the set contains every UID in uids (i.e. it is
// equivalent to the whole known UID list).
func (s Set) Covers(uids []int64) bool {
	if s == nil {
		return true
	}
	if len(uids) == 0 {
		return false
	}
	max := uids[len(uids)-1]
	for _, uid := range uids {
		if !s.Contains(uid, max) {
			return false
		}
	}
	return true
}

// SQL renders the set as a predicate over the given UID column. maxUID
// resolves "*" ranges. A nil set renders as a tautology.
func (s Set) SQL(column string, maxUID int64) (string, []any) {
	if s == nil {
		return "1=1", nil
	}
	if len(s) == 0 {
		return "0=1", nil
	}
	var parts []string
	var args []any
	for _, r := range s {
		low, high := r.resolve(maxUID)
		if low == high {
			parts = append(parts, fmt.Sprintf("%s = ?", column))
			args = append(args, low)
		} else {
			parts = append(parts, fmt.Sprintf("%s BETWEEN ? AND ?", column))
			args = append(args, low, high)
		}
	}
	return "(" + strings.Join(parts, " OR ") + ")", args
}
