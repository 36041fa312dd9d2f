package lock

import (
	"context"
	"testing"
	"time"

	"kestrel/internal/db"
)

func managers(t *testing.T) map[string]Manager {
	t.Helper()
	mgr, err := db.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mgr.Close() })

	return map[string]Manager{
		"sql":    NewSQLManager(mgr.GetSharedDB()),
		"memory": NewMemoryManager(),
	}
}

func TestAcquireRelease(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			lease, err := m.Acquire(ctx, "mailbox:1:2", time.Minute, 100*time.Millisecond)
			if err != nil {
				t.Fatalf("Acquire: %v", err)
			}
			if lease.Holder == "" {
				t.Error("lease has no holder token")
			}

			// A second acquirer times out while the lease is held.
			if _, err := m.Acquire(ctx, "mailbox:1:2", time.Minute, 80*time.Millisecond); err != ErrTimeout {
				t.Errorf("second acquire returned %v, want ErrTimeout", err)
			}

			if err := lease.Release(ctx); err != nil {
				t.Fatalf("Release: %v", err)
			}

			// Released key is immediately acquirable.
			again, err := m.Acquire(ctx, "mailbox:1:2", time.Minute, 100*time.Millisecond)
			if err != nil {
				t.Fatalf("re-acquire after release: %v", err)
			}
			_ = again.Release(ctx)
		})
	}
}

func TestIndependentKeysDoNotBlock(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			a, err := m.Acquire(ctx, "mailbox:1:1", time.Minute, 50*time.Millisecond)
			if err != nil {
				t.Fatal(err)
			}
			defer func() { _ = a.Release(ctx) }()

			b, err := m.Acquire(ctx, "mailbox:1:2", time.Minute, 50*time.Millisecond)
			if err != nil {
				t.Fatalf("different key blocked: %v", err)
			}
			_ = b.Release(ctx)
		})
	}
}

func TestExpiredLeaseIsStolen(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			stale, err := m.Acquire(ctx, "mailbox:1:3", 30*time.Millisecond, 50*time.Millisecond)
			if err != nil {
				t.Fatal(err)
			}
			time.Sleep(60 * time.Millisecond)

			// TTL has passed without a release; the next acquirer steals.
			thief, err := m.Acquire(ctx, "mailbox:1:3", time.Minute, 200*time.Millisecond)
			if err != nil {
				t.Fatalf("steal failed: %v", err)
			}

			// Releasing the stolen lease is a no-op for the old holder.
			if err := stale.Release(ctx); err != nil {
				t.Fatalf("stale release: %v", err)
			}
			if _, err := m.Acquire(ctx, "mailbox:1:3", time.Minute, 80*time.Millisecond); err != ErrTimeout {
				t.Errorf("thief's lease was lost: %v", err)
			}
			_ = thief.Release(ctx)
		})
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	for name, m := range managers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			held, err := m.Acquire(ctx, "mailbox:1:4", time.Minute, 50*time.Millisecond)
			if err != nil {
				t.Fatal(err)
			}
			defer func() { _ = held.Release(ctx) }()

			cctx, cancel := context.WithCancel(ctx)
			go func() {
				time.Sleep(30 * time.Millisecond)
				cancel()
			}()
			if _, err := m.Acquire(cctx, "mailbox:1:4", time.Minute, 10*time.Second); err != context.Canceled {
				t.Errorf("got %v, want context.Canceled", err)
			}
		})
	}
}
