// Package quota tracks per-user storage usage. The running counter in the
// shared database is adjusted by signed deltas as messages come and go;
// it is eventually consistent, with a periodic reconciler recomputing the
// true sum from the message records.
package quota

import (
	"context"
	"database/sql"
	"fmt"
)

// Tracker reads and adjusts the per-user storage counter.
type Tracker struct {
	sharedDB *sql.DB
	// LimitBytes is the per-user storage ceiling. Zero means unlimited.
	LimitBytes int64
}

func NewTracker(sharedDB *sql.DB, limitBytes int64) *Tracker {
	return &Tracker{sharedDB: sharedDB, LimitBytes: limitBytes}
}

// Usage returns the user's current storage counter.
func (t *Tracker) Usage(ctx context.Context, userID int64) (int64, error) {
	var used int64
	err := t.sharedDB.QueryRowContext(ctx,
		"SELECT storage_used FROM users WHERE id = ?", userID).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to read storage usage: %w", err)
	}
	return used, nil
}

// Adjust applies a signed delta to the user's storage counter in one
// atomic statement, clamping at zero so delete/reconcile races cannot
// drive the counter negative. Returns the new value.
func (t *Tracker) Adjust(ctx context.Context, userID, delta int64) (int64, error) {
	var used int64
	err := t.sharedDB.QueryRowContext(ctx, `
		UPDATE users SET storage_used = MAX(0, storage_used + ?)
		WHERE id = ?
		RETURNING storage_used
	`, delta, userID).Scan(&used)
	if err != nil {
		return 0, fmt.Errorf("failed to adjust storage usage: %w", err)
	}
	return used, nil
}

// WouldExceed reports whether adding extra bytes would push the user past
// the limit. With no limit configured it always reports false. This is a
// pre-check, not a reservation: concurrent writers can still overshoot
// briefly, which the reconciler later corrects.
func (t *Tracker) WouldExceed(ctx context.Context, userID, extra int64) (bool, error) {
	if t.LimitBytes <= 0 {
		return false, nil
	}
	used, err := t.Usage(ctx, userID)
	if err != nil {
		return false, err
	}
	return used+extra > t.LimitBytes, nil
}

// SetUsage overwrites the counter with a recomputed value.
func (t *Tracker) SetUsage(ctx context.Context, userID, used int64) error {
	_, err := t.sharedDB.ExecContext(ctx,
		"UPDATE users SET storage_used = ? WHERE id = ?", used, userID)
	return err
}
