package lock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLManager stores leases in the shared database's lock_leases table, so
// every process sharing the database observes the same locks.
type SQLManager struct {
	db *sql.DB
}

func NewSQLManager(db *sql.DB) *SQLManager {
	return &SQLManager{db: db}
}

func (m *SQLManager) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*Lease, error) {
	holder := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := m.tryAcquire(ctx, key, holder, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lease{
				Key:    key,
				Holder: holder,
				release: func(rctx context.Context) error {
					return m.release(rctx, key, holder)
				},
			}, nil
		}

		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// tryAcquire inserts a fresh lease, or steals an existing one whose expiry
// has passed. Both paths run in one transaction so two acquirers cannot
// both win the same key.
func (m *SQLManager) tryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	expiry := now + ttl.Milliseconds()

	var curHolder string
	var curExpiry int64
	err = tx.QueryRowContext(ctx,
		"SELECT holder, expires_at FROM lock_leases WHERE key = ?", key).
		Scan(&curHolder, &curExpiry)
	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx,
			"INSERT INTO lock_leases (key, holder, expires_at) VALUES (?, ?, ?)",
			key, holder, expiry)
		if err != nil {
			return false, fmt.Errorf("failed to insert lease: %w", err)
		}
	case err != nil:
		return false, err
	case curExpiry <= now:
		// Expired lease, steal it.
		_, err = tx.ExecContext(ctx,
			"UPDATE lock_leases SET holder = ?, expires_at = ? WHERE key = ?",
			holder, expiry, key)
		if err != nil {
			return false, fmt.Errorf("failed to steal lease: %w", err)
		}
	default:
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// release deletes the lease only while we still hold it.
func (m *SQLManager) release(ctx context.Context, key, holder string) error {
	_, err := m.db.ExecContext(ctx,
		"DELETE FROM lock_leases WHERE key = ? AND holder = ?", key, holder)
	return err
}
