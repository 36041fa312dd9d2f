package models

import (
	"reflect"
	"testing"
)

func TestSeqOf(t *testing.T) {
	s := &SessionState{UIDIndex: []int64{2, 5, 9}}

	if got := s.SeqOf(2); got != 1 {
		t.Errorf("SeqOf(2) = %d, want 1", got)
	}
	if got := s.SeqOf(9); got != 3 {
		t.Errorf("SeqOf(9) = %d, want 3", got)
	}
	if got := s.SeqOf(4); got != 0 {
		t.Errorf("SeqOf(4) = %d, want 0", got)
	}
}

func TestRemoveUIDShiftsSequenceNumbers(t *testing.T) {
	s := &SessionState{UIDIndex: []int64{2, 5, 9}}

	s.RemoveUID(5)
	if !reflect.DeepEqual(s.UIDIndex, []int64{2, 9}) {
		t.Fatalf("UIDIndex = %v", s.UIDIndex)
	}
	if got := s.SeqOf(9); got != 2 {
		t.Errorf("after removal SeqOf(9) = %d, want 2", got)
	}

	// Removing an unknown UID is a no-op.
	s.RemoveUID(100)
	if len(s.UIDIndex) != 2 {
		t.Errorf("UIDIndex = %v", s.UIDIndex)
	}
}

func TestAddUIDKeepsOrder(t *testing.T) {
	s := &SessionState{UIDIndex: []int64{2, 9}}

	s.AddUID(5)
	s.AddUID(1)
	s.AddUID(12)
	s.AddUID(5) // duplicate

	want := []int64{1, 2, 5, 9, 12}
	if !reflect.DeepEqual(s.UIDIndex, want) {
		t.Errorf("UIDIndex = %v, want %v", s.UIDIndex, want)
	}
}

func TestLiveDefaultsTrue(t *testing.T) {
	s := &SessionState{}
	if !s.Live() {
		t.Error("session without a probe should report live")
	}

	s.Alive = func() bool { return false }
	if s.Live() {
		t.Error("session with a dead probe should not report live")
	}
}
