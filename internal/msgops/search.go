package msgops

import (
	"context"

	"kestrel/internal/db"
	"kestrel/internal/models"
	"kestrel/internal/search"
)

// Search compiles the criteria against the session's UID index and runs
// the scan, returning matching UIDs ascending. Criteria known to be
// unsatisfiable (an empty UID set, text under negation) return an empty
// result without touching the store.
func (e *Engine) Search(ctx context.Context, sess *models.SessionState, terms []search.Term) ([]int64, error) {
	q, err := search.Compile(terms, sess.UIDIndex)
	if err != nil {
		return nil, err
	}
	if q.NoResults {
		return nil, nil
	}

	return e.messages.UIDsMatching(ctx, sess.UserID, db.MessageQuery{
		MailboxID: sess.SelectedMailboxID,
		Where:     q.Where,
		Args:      q.Args,
	}, sess.Live)
}
