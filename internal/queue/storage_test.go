package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func setupStorage(t *testing.T) *BoltStorage {
	t.Helper()
	storage, err := NewBoltStorage(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewBoltStorage() error = %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func newMessage(id string) *Message {
	return &Message{
		ID:      id,
		Email:   "dude@example.com",
		Token:   "token-" + id,
		Lang:    "en-US",
		Variant: "moz",
	}
}

func TestBoltStorage(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()

	msg := newMessage("test-id-1")
	if err := storage.Enqueue(ctx, msg); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	got, err := storage.Get(ctx, "test-id-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil {
		t.Fatal("Get() returned nil")
	}
	if got.Email != msg.Email || got.Token != msg.Token || got.Variant != "moz" {
		t.Errorf("Get() = %+v", got)
	}
	if got.Status != StatusPending {
		t.Errorf("Get().Status = %v, want %v", got.Status, StatusPending)
	}
	if got.CreatedAt.IsZero() {
		t.Error("Enqueue() should set CreatedAt")
	}

	notFound, err := storage.Get(ctx, "nonexistent")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if notFound != nil {
		t.Error("Get() expected nil for nonexistent message")
	}

	dequeued, err := storage.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if dequeued == nil || dequeued.ID != msg.ID {
		t.Fatalf("Dequeue() = %+v, want %s", dequeued, msg.ID)
	}
	if dequeued.Status != StatusSending {
		t.Errorf("Dequeue().Status = %v, want %v", dequeued.Status, StatusSending)
	}

	empty, err := storage.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if empty != nil {
		t.Error("Dequeue() expected nil for empty queue")
	}

	dequeued.Status = StatusDelivered
	if err := storage.Update(ctx, dequeued); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	stats, err := storage.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.Total != 1 || stats.Delivered != 1 {
		t.Errorf("Stats() = %+v, want 1 delivered", stats)
	}

	if err := storage.Delete(ctx, msg.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if deleted, _ := storage.Get(ctx, msg.ID); deleted != nil {
		t.Error("Delete() message still exists")
	}
}

func TestBoltStorageFIFO(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"c", "a", "b"} {
		msg := newMessage(id)
		msg.CreatedAt = base.Add(time.Duration(i) * time.Millisecond)
		if err := storage.Enqueue(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	for _, want := range []string{"c", "a", "b"} {
		msg, err := storage.Dequeue(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if msg == nil || msg.ID != want {
			t.Fatalf("Dequeue() = %v, want %s", msg, want)
		}
	}
}

func TestBoltStorageDeferred(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()

	storage.Enqueue(ctx, newMessage("later"))
	storage.Enqueue(ctx, newMessage("ready"))

	later, _ := storage.Dequeue(ctx)
	later.Status = StatusDeferred
	later.NextRetryAt = time.Now().Add(time.Hour)
	storage.Update(ctx, later)

	ready, _ := storage.Dequeue(ctx)
	ready.Status = StatusDeferred
	ready.NextRetryAt = time.Now().Add(-time.Second)
	storage.Update(ctx, ready)

	retried, err := storage.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error = %v", err)
	}
	if retried == nil || retried.ID != "ready" {
		t.Fatalf("Dequeue() = %v, want ready", retried)
	}

	none, _ := storage.Dequeue(ctx)
	if none != nil {
		t.Errorf("Dequeue() = %s, deferred message is not due yet", none.ID)
	}
}

func TestBoltStorageList(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		msg := newMessage(fmt.Sprintf("msg-%d", i))
		if i == 4 {
			msg.Email = "other@example.com"
		}
		storage.Enqueue(ctx, msg)
	}

	all, err := storage.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 5 {
		t.Errorf("List() returned %d messages, want 5", len(all))
	}

	limited, _ := storage.List(ctx, ListFilter{Limit: 2, Offset: 1})
	if len(limited) != 2 || limited[0].ID != "msg-1" {
		t.Errorf("List(limit=2, offset=1) = %d messages", len(limited))
	}

	byEmail, _ := storage.List(ctx, ListFilter{Email: "other@example.com"})
	if len(byEmail) != 1 {
		t.Errorf("List(email) returned %d messages, want 1", len(byEmail))
	}

	storage.Dequeue(ctx)

	pending, _ := storage.List(ctx, ListFilter{Status: StatusPending})
	if len(pending) != 4 {
		t.Errorf("List(status=pending) returned %d messages, want 4", len(pending))
	}
}

func TestBoltStorageRequeueSending(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()

	storage.Enqueue(ctx, newMessage("stuck"))
	if msg, _ := storage.Dequeue(ctx); msg == nil {
		t.Fatal("Dequeue() returned nil")
	}

	n, err := storage.RequeueSending(ctx)
	if err != nil {
		t.Fatalf("RequeueSending() error = %v", err)
	}
	if n != 1 {
		t.Errorf("RequeueSending() = %d, want 1", n)
	}

	msg, _ := storage.Dequeue(ctx)
	if msg == nil || msg.ID != "stuck" {
		t.Errorf("Dequeue() after requeue = %v, want stuck", msg)
	}
}

func TestBoltStorageDLQ(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()

	for _, id := range []string{"f1", "f2"} {
		storage.Enqueue(ctx, newMessage(id))
		msg, _ := storage.Dequeue(ctx)
		msg.Status = StatusFailed
		msg.RetryCount = 5
		msg.LastError = "550 no such user"
		if err := storage.Update(ctx, msg); err != nil {
			t.Fatal(err)
		}
	}

	failed, err := storage.ListDLQ(ctx, 0, 0)
	if err != nil {
		t.Fatalf("ListDLQ() error = %v", err)
	}
	if len(failed) != 2 || failed[0].ID != "f1" {
		t.Fatalf("ListDLQ() = %d messages", len(failed))
	}

	stats, _ := storage.DLQStats(ctx)
	if stats.Total != 2 || stats.OldestAt.IsZero() {
		t.Errorf("DLQStats() = %+v", stats)
	}

	if err := storage.Retry(ctx, "f1"); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if err := storage.Retry(ctx, "f1"); err == nil {
		t.Error("Retry() of a pending message should fail")
	}
	if err := storage.Retry(ctx, "missing"); err == nil {
		t.Error("Retry() of a missing message should fail")
	}

	retried, _ := storage.Dequeue(ctx)
	if retried == nil || retried.ID != "f1" {
		t.Fatalf("Dequeue() after Retry = %v, want f1", retried)
	}
	if retried.RetryCount != 0 || retried.LastError != "" {
		t.Errorf("Retry() should reset retries, got %+v", retried)
	}

	if err := storage.Delete(ctx, "f2"); err != nil {
		t.Fatal(err)
	}
	stats, _ = storage.DLQStats(ctx)
	if stats.Total != 0 {
		t.Errorf("DLQStats().Total = %d after delete, want 0", stats.Total)
	}
}

func TestBoltStorageCleanup(t *testing.T) {
	storage := setupStorage(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		storage.Enqueue(ctx, newMessage(fmt.Sprintf("d%d", i)))
		msg, _ := storage.Dequeue(ctx)
		msg.Status = StatusDelivered
		storage.Update(ctx, msg)
	}
	for i := 0; i < 4; i++ {
		storage.Enqueue(ctx, newMessage(fmt.Sprintf("f%d", i)))
		msg, _ := storage.Dequeue(ctx)
		msg.Status = StatusFailed
		storage.Update(ctx, msg)
	}

	n, err := storage.CleanupDelivered(ctx, 0)
	if err != nil || n != 0 {
		t.Errorf("CleanupDelivered(0) = %d, %v; want no-op", n, err)
	}

	time.Sleep(5 * time.Millisecond)
	n, err = storage.CleanupDelivered(ctx, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("CleanupDelivered() = %d, want 3", n)
	}

	n, err = storage.CleanupDLQ(ctx, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("CleanupDLQ(maxCount=1) = %d, want 3", n)
	}

	remaining, _ := storage.ListDLQ(ctx, 0, 0)
	if len(remaining) != 1 || remaining[0].ID != "f3" {
		t.Errorf("CleanupDLQ() should keep the newest failure, got %v", remaining)
	}

	stats, _ := storage.Stats(ctx)
	if stats.Total != 1 {
		t.Errorf("Stats().Total = %d, want 1", stats.Total)
	}
}

func TestIndexKeyOrdering(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	earlier := makeIndexKey(base, "z")
	later := makeIndexKey(base.Add(time.Nanosecond*100), "a")
	if string(earlier) >= string(later) {
		t.Errorf("index keys out of order: %s >= %s", earlier, later)
	}

	if ts := parseTimestampFromKey(later); !ts.Equal(base.Add(100)) {
		t.Errorf("parseTimestampFromKey() = %v", ts)
	}
}

func TestNewBoltStorageCreateDir(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	storage, err := NewBoltStorage(dbPath)
	if err != nil {
		t.Fatalf("NewBoltStorage() should create directories, error = %v", err)
	}
	if err := storage.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	storage.Close()
}
