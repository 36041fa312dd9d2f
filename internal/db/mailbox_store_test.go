package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestCreateMailbox(t *testing.T) {
	_, mailboxes, _, userID := testStores(t)
	ctx := context.Background()

	mbox, err := mailboxes.Create(ctx, userID, "Projects/Go", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if mbox.UIDNext != 1 || mbox.ModifyIndex != 0 {
		t.Errorf("fresh mailbox uid_next=%d modify_index=%d", mbox.UIDNext, mbox.ModifyIndex)
	}
	if mbox.UIDValidity == 0 {
		t.Error("uid_validity not stamped")
	}

	if _, err := mailboxes.Create(ctx, userID, "Projects/Go", "", 0); err != ErrExists {
		t.Errorf("duplicate create returned %v, want ErrExists", err)
	}
}

func TestGetByPathNotFound(t *testing.T) {
	_, mailboxes, _, userID := testStores(t)

	if _, err := mailboxes.GetByPath(context.Background(), userID, "NoSuch"); err != ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestAllocateNextUIDIsAtomic(t *testing.T) {
	_, mailboxes, _, userID := testStores(t)
	ctx := context.Background()

	mbox, err := mailboxes.GetByPath(ctx, userID, "INBOX")
	if err != nil {
		t.Fatal(err)
	}

	const n = 40
	uids := make(chan int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			uid, _, err := mailboxes.AllocateNextUID(ctx, userID, mbox.ID)
			if err != nil {
				t.Errorf("AllocateNextUID: %v", err)
				return
			}
			uids <- uid
		}()
	}
	wg.Wait()
	close(uids)

	seen := make(map[int64]bool)
	for uid := range uids {
		if seen[uid] {
			t.Fatalf("uid %d allocated twice", uid)
		}
		seen[uid] = true
	}
	if len(seen) != n {
		t.Fatalf("allocated %d distinct uids, want %d", len(seen), n)
	}

	after, err := mailboxes.GetByID(ctx, userID, mbox.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.UIDNext != int64(n+1) {
		t.Errorf("uid_next = %d, want %d", after.UIDNext, n+1)
	}
}

func TestBumpModseqIsMonotonic(t *testing.T) {
	_, mailboxes, _, userID := testStores(t)
	ctx := context.Background()

	mbox, err := mailboxes.GetByPath(ctx, userID, "INBOX")
	if err != nil {
		t.Fatal(err)
	}

	var prev int64
	for i := 0; i < 5; i++ {
		modseq, err := mailboxes.BumpModseq(ctx, userID, mbox.ID)
		if err != nil {
			t.Fatal(err)
		}
		if modseq <= prev {
			t.Fatalf("modseq %d not greater than previous %d", modseq, prev)
		}
		prev = modseq
	}
}

func TestRegisterFlagCapsVocabulary(t *testing.T) {
	_, mailboxes, _, userID := testStores(t)
	ctx := context.Background()

	mbox, err := mailboxes.GetByPath(ctx, userID, "INBOX")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < MaxMailboxFlags+10; i++ {
		if err := mailboxes.RegisterFlag(ctx, userID, mbox.ID, "kw-"+uuid.NewString()[:8]); err != nil {
			t.Fatal(err)
		}
	}

	after, err := mailboxes.GetByID(ctx, userID, mbox.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(after.Flags) != MaxMailboxFlags {
		t.Errorf("vocabulary size = %d, want %d", len(after.Flags), MaxMailboxFlags)
	}

	// Re-registering an existing flag must not duplicate it.
	if err := mailboxes.RegisterFlag(ctx, userID, mbox.ID, after.Flags[0]); err != nil {
		t.Fatal(err)
	}
	again, _ := mailboxes.GetByID(ctx, userID, mbox.ID)
	if len(again.Flags) != MaxMailboxFlags {
		t.Errorf("vocabulary size after re-register = %d", len(again.Flags))
	}
}

func TestOpenReturnsAscendingUIDs(t *testing.T) {
	_, mailboxes, messages, userID := testStores(t)
	ctx := context.Background()

	mbox, err := mailboxes.GetByPath(ctx, userID, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	for _, uid := range []int64{3, 1, 2} {
		insertTestMessage(t, messages, userID, mbox.ID, uid, nil)
	}

	_, uids, err := mailboxes.Open(ctx, userID, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{1, 2, 3}
	for i, uid := range uids {
		if uid != want[i] {
			t.Fatalf("Open uids = %v, want %v", uids, want)
		}
	}
}

func TestGetStatus(t *testing.T) {
	_, mailboxes, messages, userID := testStores(t)
	ctx := context.Background()

	mbox, err := mailboxes.GetByPath(ctx, userID, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	insertTestMessage(t, messages, userID, mbox.ID, 1, []string{FlagSeen})
	insertTestMessage(t, messages, userID, mbox.ID, 2, nil)
	insertTestMessage(t, messages, userID, mbox.ID, 3, nil)

	st, err := mailboxes.GetStatus(ctx, userID, "INBOX")
	if err != nil {
		t.Fatal(err)
	}
	if st.Messages != 3 {
		t.Errorf("Messages = %d, want 3", st.Messages)
	}
	if st.Unseen != 2 {
		t.Errorf("Unseen = %d, want 2", st.Unseen)
	}
	if st.UIDValidity != mbox.UIDValidity {
		t.Errorf("UIDValidity = %d, want %d", st.UIDValidity, mbox.UIDValidity)
	}
}

func TestRenameMovesChildren(t *testing.T) {
	m, mailboxes, messages, userID := testStores(t)
	_ = m
	ctx := context.Background()

	for _, path := range []string{"Work", "Work/2025", "Work/2025/Q1", "Workother"} {
		if _, err := mailboxes.Create(ctx, userID, path, "", 0); err != nil {
			t.Fatal(err)
		}
	}

	deleter := NewDeleter(messages, nil)
	lifecycle := NewBasicLifecycle(messages, deleter)
	if err := mailboxes.Rename(ctx, userID, "Work", "Archive", lifecycle); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{"Archive", "Archive/2025", "Archive/2025/Q1", "Workother"} {
		if _, err := mailboxes.GetByPath(ctx, userID, path); err != nil {
			t.Errorf("expected mailbox %s after rename: %v", path, err)
		}
	}
	if _, err := mailboxes.GetByPath(ctx, userID, "Work/2025"); err != ErrNotFound {
		t.Error("old child path still resolves")
	}
}

func TestRenameRejectsExistingTarget(t *testing.T) {
	_, mailboxes, messages, userID := testStores(t)
	ctx := context.Background()

	if _, err := mailboxes.Create(ctx, userID, "A", "", 0); err != nil {
		t.Fatal(err)
	}

	deleter := NewDeleter(messages, nil)
	lifecycle := NewBasicLifecycle(messages, deleter)
	if err := mailboxes.Rename(ctx, userID, "A", "INBOX", lifecycle); err != ErrExists {
		t.Errorf("got %v, want ErrExists", err)
	}
	if err := mailboxes.Rename(ctx, userID, "NoSuch", "B", lifecycle); err != ErrNotFound {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestDeleteMailboxRemovesMessages(t *testing.T) {
	_, mailboxes, messages, userID := testStores(t)
	ctx := context.Background()

	mbox, err := mailboxes.Create(ctx, userID, "Doomed", "", 0)
	if err != nil {
		t.Fatal(err)
	}
	insertTestMessage(t, messages, userID, mbox.ID, 1, nil)
	insertTestMessage(t, messages, userID, mbox.ID, 2, nil)

	deleter := NewDeleter(messages, nil)
	lifecycle := NewBasicLifecycle(messages, deleter)
	if err := mailboxes.Delete(ctx, userID, "Doomed", lifecycle); err != nil {
		t.Fatal(err)
	}

	if _, err := mailboxes.GetByPath(ctx, userID, "Doomed"); err != ErrNotFound {
		t.Error("deleted mailbox still resolves")
	}
	count := 0
	err = messages.ForEach(ctx, userID, MessageQuery{MailboxID: mbox.ID}, func(*Message) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("%d messages survived mailbox deletion", count)
	}
}

func insertTestMessage(t *testing.T, messages *MessageStore, userID, mailboxID, uid int64, flags []string) *Message {
	t.Helper()
	msg := &Message{
		ID:           uuid.NewString(),
		MailboxID:    mailboxID,
		UID:          uid,
		Flags:        flags,
		Size:         100,
		InternalDate: time.Now(),
		BodyText:     "hello world",
	}
	if err := messages.Insert(context.Background(), userID, msg, nil, nil); err != nil {
		t.Fatalf("insert message uid %d: %v", uid, err)
	}
	return msg
}
