package db

import (
	"context"
	"testing"
	"time"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func testUser(t *testing.T, m *Manager, username string) int64 {
	t.Helper()
	id, err := m.GetOrCreateUser(context.Background(), username)
	if err != nil {
		t.Fatalf("GetOrCreateUser(%s): %v", username, err)
	}
	if _, err := m.GetUserDB(id); err != nil {
		t.Fatalf("GetUserDB(%d): %v", id, err)
	}
	return id
}

func testStores(t *testing.T) (*Manager, *MailboxStore, *MessageStore, int64) {
	t.Helper()
	m := testManager(t)
	userID := testUser(t, m, "alice")
	mailboxes := NewMailboxStore(m, 2*time.Second, 10*time.Second)
	messages := NewMessageStore(m, 2*time.Second, 10*time.Second)
	return m, mailboxes, messages, userID
}

func TestGetOrCreateUserIsIdempotent(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	id1, err := m.GetOrCreateUser(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	id2, err := m.GetOrCreateUser(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if id1 != id2 {
		t.Errorf("same username resolved to different ids: %d vs %d", id1, id2)
	}

	other, err := m.GetOrCreateUser(ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if other == id1 {
		t.Error("different usernames resolved to the same id")
	}
}

func TestNewUserGetsDefaultMailboxes(t *testing.T) {
	m, mailboxes, _, userID := testStores(t)
	_ = m
	ctx := context.Background()

	for _, path := range []string{"INBOX", "Sent", "Drafts", "Trash", "Junk"} {
		mbox, err := mailboxes.GetByPath(ctx, userID, path)
		if err != nil {
			t.Fatalf("default mailbox %s missing: %v", path, err)
		}
		if mbox.UIDNext != 1 {
			t.Errorf("%s uid_next = %d, want 1", path, mbox.UIDNext)
		}
		if mbox.ModifyIndex != 0 {
			t.Errorf("%s modify_index = %d, want 0", path, mbox.ModifyIndex)
		}
	}

	trash, err := mailboxes.GetByPath(ctx, userID, "Trash")
	if err != nil {
		t.Fatal(err)
	}
	if trash.SpecialUse != SpecialUseTrash {
		t.Errorf("Trash special_use = %q", trash.SpecialUse)
	}
}

func TestUsersAreSharded(t *testing.T) {
	m := testManager(t)
	alice := testUser(t, m, "alice")
	bob := testUser(t, m, "bob")

	aliceDB, err := m.GetUserDB(alice)
	if err != nil {
		t.Fatal(err)
	}
	bobDB, err := m.GetUserDB(bob)
	if err != nil {
		t.Fatal(err)
	}
	if aliceDB == bobDB {
		t.Error("expected distinct database handles per user")
	}

	// The cache must hand back the same handle on repeat lookups.
	again, err := m.GetUserDB(alice)
	if err != nil {
		t.Fatal(err)
	}
	if again != aliceDB {
		t.Error("expected cached handle for repeat lookup")
	}
}

func TestListUserIDs(t *testing.T) {
	m := testManager(t)
	alice := testUser(t, m, "alice")
	bob := testUser(t, m, "bob")

	ids, err := m.ListUserIDs(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[0] != alice || ids[1] != bob {
		t.Errorf("ListUserIDs = %v, want [%d %d]", ids, alice, bob)
	}
}
