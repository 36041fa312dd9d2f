package quota

import (
	"context"
	"database/sql"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentScans bounds how many user databases a reconcile pass
// touches at once.
const maxConcurrentScans = 4

// UserDBs resolves user databases for the reconciler.
type UserDBs interface {
	ListUserIDs(ctx context.Context) ([]int64, error)
	GetUserDB(userID int64) (*sql.DB, error)
}

// Reconciler periodically recomputes each user's true storage usage from
// their message records and overwrites the running counter, healing any
// drift the delta-based accounting accumulated.
type Reconciler struct {
	tracker  *Tracker
	dbs      UserDBs
	interval time.Duration
}

func NewReconciler(tracker *Tracker, dbs UserDBs, interval time.Duration) *Reconciler {
	return &Reconciler{tracker: tracker, dbs: dbs, interval: interval}
}

// Run reconciles on the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.ReconcileAll(ctx); err != nil {
				log.Printf("quota reconcile pass failed: %v", err)
			}
		}
	}
}

// ReconcileAll recomputes usage for every known user.
func (r *Reconciler) ReconcileAll(ctx context.Context) error {
	userIDs, err := r.dbs.ListUserIDs(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentScans)
	for _, userID := range userIDs {
		userID := userID
		g.Go(func() error {
			return r.ReconcileUser(gctx, userID)
		})
	}
	return g.Wait()
}

// ReconcileUser recomputes one user's usage from the sum of their message
// sizes and overwrites the counter.
func (r *Reconciler) ReconcileUser(ctx context.Context, userID int64) error {
	userDB, err := r.dbs.GetUserDB(userID)
	if err != nil {
		return err
	}

	var total int64
	err = userDB.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(size), 0) FROM messages").Scan(&total)
	if err != nil {
		return err
	}

	return r.tracker.SetUsage(ctx, userID, total)
}
