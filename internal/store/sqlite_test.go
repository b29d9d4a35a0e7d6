package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestThread is a helper that inserts an active thread and returns it.
func createTestThread(t *testing.T, s *SQLiteStore, ownerID, title string) *Thread {
	t.Helper()
	th := &Thread{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Title:     title,
		Status:    "active",
		CreatedAt: time.Now(),
	}
	if err := s.CreateThread(context.Background(), th); err != nil {
		t.Fatalf("createTestThread(%s): %v", title, err)
	}
	return th
}

// appendTestMessage is a helper that appends one message and returns it with
// its assigned seq.
func appendTestMessage(t *testing.T, s *SQLiteStore, threadID, role, content string) *Message {
	t.Helper()
	m := &Message{
		ID:          uuid.New().String(),
		ThreadID:    threadID,
		Role:        role,
		Content:     content,
		ContentType: "text",
		CreatedAt:   time.Now(),
	}
	seq, err := s.AppendMessage(context.Background(), m)
	if err != nil {
		t.Fatalf("appendTestMessage: %v", err)
	}
	m.Seq = seq
	return m
}

func TestCreateAndGetThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	th := &Thread{
		ID:          uuid.New().String(),
		OwnerID:     "user-1",
		Title:       "Project planning",
		Description: "Roadmap questions",
		Status:      "active",
		CreatedAt:   time.Now(),
	}
	if err := s.CreateThread(ctx, th); err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	got, err := s.GetThread(ctx, th.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.OwnerID != "user-1" {
		t.Errorf("OwnerID: got %q, want %q", got.OwnerID, "user-1")
	}
	if got.Title != "Project planning" {
		t.Errorf("Title: got %q, want %q", got.Title, "Project planning")
	}
	if got.Status != "active" {
		t.Errorf("Status: got %q, want %q", got.Status, "active")
	}
	if got.MessageCount != 0 {
		t.Errorf("MessageCount: got %d, want 0", got.MessageCount)
	}
	if got.LastMessageAt != nil {
		t.Errorf("LastMessageAt: got %v, want nil", got.LastMessageAt)
	}
}

func TestGetThreadNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetThread(context.Background(), "no-such-thread")
	if err == nil {
		t.Fatal("expected error for missing thread, got nil")
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListThreadsOrderAndScope(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := createTestThread(t, s, "user-1", "older")
	newer := createTestThread(t, s, "user-1", "newer")
	pinned := createTestThread(t, s, "user-1", "pinned")
	createTestThread(t, s, "user-2", "other user")

	base := time.Now()
	if err := s.BumpThreadActivity(ctx, older.ID, base.Add(-time.Hour)); err != nil {
		t.Fatalf("BumpThreadActivity: %v", err)
	}
	if err := s.BumpThreadActivity(ctx, newer.ID, base); err != nil {
		t.Fatalf("BumpThreadActivity: %v", err)
	}
	if err := s.SetPinned(ctx, pinned.ID, "user-1", true); err != nil {
		t.Fatalf("SetPinned: %v", err)
	}

	threads, err := s.ListThreads(ctx, "user-1", 50)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(threads) != 3 {
		t.Fatalf("expected 3 threads for user-1, got %d", len(threads))
	}
	if threads[0].ID != pinned.ID {
		t.Errorf("first thread: got %q, want pinned %q", threads[0].Title, "pinned")
	}
	if threads[1].ID != newer.ID {
		t.Errorf("second thread: got %q, want %q", threads[1].Title, "newer")
	}
	if threads[2].ID != older.ID {
		t.Errorf("third thread: got %q, want %q", threads[2].Title, "older")
	}

	// Limit applies after ordering.
	limited, err := s.ListThreads(ctx, "user-1", 1)
	if err != nil {
		t.Fatalf("ListThreads(limit 1): %v", err)
	}
	if len(limited) != 1 || limited[0].ID != pinned.ID {
		t.Errorf("limited list: got %d threads", len(limited))
	}
}

func TestSetPinnedOwnership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	th := createTestThread(t, s, "user-1", "mine")

	if err := s.SetPinned(ctx, th.ID, "user-1", true); err != nil {
		t.Fatalf("SetPinned: %v", err)
	}
	got, err := s.GetThread(ctx, th.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if !got.Pinned {
		t.Error("Pinned: got false, want true")
	}

	// A different owner cannot touch the thread.
	err = s.SetPinned(ctx, th.ID, "user-2", false)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign SetPinned: got %v, want ErrNotFound", err)
	}

	err = s.SetPinned(ctx, "no-such-thread", "user-1", true)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing SetPinned: got %v, want ErrNotFound", err)
	}
}

func TestArchiveThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	th := createTestThread(t, s, "user-1", "to archive")
	keep := createTestThread(t, s, "user-1", "to keep")

	if err := s.ArchiveThread(ctx, th.ID, "user-1"); err != nil {
		t.Fatalf("ArchiveThread: %v", err)
	}

	got, err := s.GetThread(ctx, th.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.Status != "archived" {
		t.Errorf("Status: got %q, want %q", got.Status, "archived")
	}

	// Archived threads disappear from listings.
	threads, err := s.ListThreads(ctx, "user-1", 50)
	if err != nil {
		t.Fatalf("ListThreads: %v", err)
	}
	if len(threads) != 1 || threads[0].ID != keep.ID {
		t.Errorf("expected only %q listed, got %d threads", "to keep", len(threads))
	}

	err = s.ArchiveThread(ctx, th.ID, "user-2")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign ArchiveThread: got %v, want ErrNotFound", err)
	}
}

func TestAppendMessageSeqDense(t *testing.T) {
	s := newTestStore(t)

	th := createTestThread(t, s, "user-1", "seq check")

	for want := int64(1); want <= 10; want++ {
		m := appendTestMessage(t, s, th.ID, "user", "message")
		if m.Seq != want {
			t.Fatalf("seq: got %d, want %d", m.Seq, want)
		}
	}
}

func TestAppendMessageSeqPerThread(t *testing.T) {
	s := newTestStore(t)

	a := createTestThread(t, s, "user-1", "thread a")
	b := createTestThread(t, s, "user-1", "thread b")

	appendTestMessage(t, s, a.ID, "user", "a1")
	appendTestMessage(t, s, a.ID, "assistant", "a2")
	first := appendTestMessage(t, s, b.ID, "user", "b1")

	if first.Seq != 1 {
		t.Errorf("seq in fresh thread: got %d, want 1", first.Seq)
	}
}

func TestGetRecentMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	th := createTestThread(t, s, "user-1", "history")
	for i := 0; i < 5; i++ {
		appendTestMessage(t, s, th.ID, "user", "msg")
	}

	// Last 3 of 5, in ascending seq order.
	msgs, err := s.GetRecentMessages(ctx, th.ID, 3)
	if err != nil {
		t.Fatalf("GetRecentMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []int64{3, 4, 5} {
		if msgs[i].Seq != want {
			t.Errorf("msgs[%d].Seq: got %d, want %d", i, msgs[i].Seq, want)
		}
	}

	// Empty thread yields an empty slice, not an error.
	empty := createTestThread(t, s, "user-1", "empty")
	msgs, err = s.GetRecentMessages(ctx, empty.ID, 10)
	if err != nil {
		t.Fatalf("GetRecentMessages(empty): %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected no messages, got %d", len(msgs))
	}
}

func TestMessageRoundtrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	th := createTestThread(t, s, "user-1", "roundtrip")
	m := &Message{
		ID:            uuid.New().String(),
		ThreadID:      th.ID,
		Role:          "assistant",
		Content:       "Here is the answer.",
		ContentType:   "markdown",
		TokenEstimate: 6,
		CreatedAt:     time.Now(),
	}
	if _, err := s.AppendMessage(ctx, m); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msgs, err := s.GetRecentMessages(ctx, th.ID, 1)
	if err != nil {
		t.Fatalf("GetRecentMessages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[0]
	if got.Role != "assistant" {
		t.Errorf("Role: got %q, want %q", got.Role, "assistant")
	}
	if got.Content != "Here is the answer." {
		t.Errorf("Content: got %q", got.Content)
	}
	if got.ContentType != "markdown" {
		t.Errorf("ContentType: got %q, want %q", got.ContentType, "markdown")
	}
	if got.TokenEstimate != 6 {
		t.Errorf("TokenEstimate: got %d, want 6", got.TokenEstimate)
	}
}

func TestAttachMessageMeta(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	th := createTestThread(t, s, "user-1", "meta")
	m := appendTestMessage(t, s, th.ID, "assistant", "answer")

	meta := `{"model":"gpt-helper","confidence":0.92,"processing_time_ms":840}`
	if err := s.AttachMessageMeta(ctx, m.ID, meta); err != nil {
		t.Fatalf("AttachMessageMeta: %v", err)
	}

	msgs, err := s.GetRecentMessages(ctx, th.ID, 1)
	if err != nil {
		t.Fatalf("GetRecentMessages: %v", err)
	}
	if msgs[0].AIMeta != meta {
		t.Errorf("AIMeta: got %q, want %q", msgs[0].AIMeta, meta)
	}

	err = s.AttachMessageMeta(ctx, "no-such-message", meta)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing AttachMessageMeta: got %v, want ErrNotFound", err)
	}
}

func TestBumpThreadActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	th := createTestThread(t, s, "user-1", "activity")
	at := time.Now().Truncate(time.Second)

	if err := s.BumpThreadActivity(ctx, th.ID, at); err != nil {
		t.Fatalf("BumpThreadActivity: %v", err)
	}
	if err := s.BumpThreadActivity(ctx, th.ID, at.Add(time.Minute)); err != nil {
		t.Fatalf("BumpThreadActivity: %v", err)
	}

	got, err := s.GetThread(ctx, th.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if got.MessageCount != 2 {
		t.Errorf("MessageCount: got %d, want 2", got.MessageCount)
	}
	if got.LastMessageAt == nil {
		t.Fatal("LastMessageAt still nil after bump")
	}

	// Bumping a missing thread is a silent no-op at this layer.
	if err := s.BumpThreadActivity(ctx, "no-such-thread", at); err != nil {
		t.Errorf("BumpThreadActivity(missing): %v", err)
	}
}

func TestPurgeArchivedBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	active := createTestThread(t, s, "user-1", "active")
	oldArchived := createTestThread(t, s, "user-1", "old archived")
	newArchived := createTestThread(t, s, "user-1", "new archived")

	appendTestMessage(t, s, oldArchived.ID, "user", "stale")
	appendTestMessage(t, s, active.ID, "user", "live")

	base := time.Now()
	if err := s.BumpThreadActivity(ctx, oldArchived.ID, base.Add(-100*24*time.Hour)); err != nil {
		t.Fatalf("BumpThreadActivity: %v", err)
	}
	if err := s.BumpThreadActivity(ctx, newArchived.ID, base.Add(-time.Hour)); err != nil {
		t.Fatalf("BumpThreadActivity: %v", err)
	}
	if err := s.ArchiveThread(ctx, oldArchived.ID, "user-1"); err != nil {
		t.Fatalf("ArchiveThread: %v", err)
	}
	if err := s.ArchiveThread(ctx, newArchived.ID, "user-1"); err != nil {
		t.Fatalf("ArchiveThread: %v", err)
	}

	purged, err := s.PurgeArchivedBefore(ctx, base.Add(-90*24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeArchivedBefore: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged: got %d, want 1", purged)
	}

	// The stale archived thread and its messages are gone.
	if _, err := s.GetThread(ctx, oldArchived.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("purged thread still present: %v", err)
	}
	msgs, err := s.GetRecentMessages(ctx, oldArchived.ID, 10)
	if err != nil {
		t.Fatalf("GetRecentMessages: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("purged thread still has %d messages", len(msgs))
	}

	// Recent archive and active thread survive.
	if _, err := s.GetThread(ctx, newArchived.ID); err != nil {
		t.Errorf("recent archived thread purged: %v", err)
	}
	if _, err := s.GetThread(ctx, active.ID); err != nil {
		t.Errorf("active thread purged: %v", err)
	}
}
