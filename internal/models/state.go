package models

import "sort"

// SessionState tracks one authenticated client session. The wire-protocol
// dispatcher owns the network connection and the parsing; the engine only
// sees this view of the session.
type SessionState struct {
	UserID   int64
	Username string

	// Selected mailbox, zero when no mailbox is selected
	SelectedMailboxID int64
	SelectedPath      string
	ReadOnly          bool

	// UIDIndex is the ascending, de-duplicated set of UIDs captured when the
	// mailbox was selected. It is the session's authoritative index for
	// sequence-number based commands until the next select.
	UIDIndex      []int64
	HighestModseq int64

	// Alive reports whether the client connection is still up. Multi-step
	// scans poll it between units of work and abort early when the peer is
	// gone. A nil Alive means always alive.
	Alive func() bool

	// Respond writes one unsolicited response line to the client. A nil
	// Respond discards the line.
	Respond func(line string)
}

// Live reports client liveness, defaulting to true when no probe is set.
func (s *SessionState) Live() bool {
	if s.Alive == nil {
		return true
	}
	return s.Alive()
}

// Send writes an unsolicited line to the session, if a writer is attached.
func (s *SessionState) Send(line string) {
	if s.Respond != nil {
		s.Respond(line)
	}
}

// SeqOf returns the 1-based sequence number of uid in the session's UID
// index, or 0 if the UID is not known to this session.
func (s *SessionState) SeqOf(uid int64) int {
	i := sort.Search(len(s.UIDIndex), func(i int) bool { return s.UIDIndex[i] >= uid })
	if i < len(s.UIDIndex) && s.UIDIndex[i] == uid {
		return i + 1
	}
	return 0
}

// RemoveUID drops uid from the session's UID index. Later sequence numbers
// shift down by one, matching what the client sees after an EXPUNGE.
func (s *SessionState) RemoveUID(uid int64) {
	i := sort.Search(len(s.UIDIndex), func(i int) bool { return s.UIDIndex[i] >= uid })
	if i < len(s.UIDIndex) && s.UIDIndex[i] == uid {
		s.UIDIndex = append(s.UIDIndex[:i], s.UIDIndex[i+1:]...)
	}
}

// AddUID inserts uid into the session's UID index, keeping it sorted.
func (s *SessionState) AddUID(uid int64) {
	i := sort.Search(len(s.UIDIndex), func(i int) bool { return s.UIDIndex[i] >= uid })
	if i < len(s.UIDIndex) && s.UIDIndex[i] == uid {
		return
	}
	s.UIDIndex = append(s.UIDIndex, 0)
	copy(s.UIDIndex[i+1:], s.UIDIndex[i:])
	s.UIDIndex[i] = uid
}
