package chat_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"estatechat/internal/app/chat"
	"estatechat/internal/infra/realtime"
	"estatechat/internal/infra/storage/memory"
)

// stepClock advances one second per reading so every message gets a distinct timestamp.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	svc   *chat.Service
	hub   *realtime.Hub
	store *memory.Store
	dir   *memory.Directory
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := realtime.NewHub(256, logger)
	store := memory.NewStore()
	dir := memory.NewDirectory()
	dir.PutProfile(chat.Profile{ID: "alice", Name: "Alice"})
	dir.PutProfile(chat.Profile{ID: "bob", Name: "Bob"})
	dir.PutProperty("p-loft", "alice")
	clock := &stepClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	svc := &chat.Service{
		Store:       store,
		Profiles:    dir,
		Properties:  dir,
		Publisher:   hub,
		Feed:        hub,
		Logger:      logger,
		Idempotency: memory.NewIdempotencyStore(time.Hour),
		Clock:       clock.Now,
	}
	return fixture{svc: svc, hub: hub, store: store, dir: dir}
}

func (f fixture) conversation(t *testing.T, a, b string) string {
	t.Helper()
	id, err := f.svc.GetOrCreateConversation(context.Background(), a, b, "")
	if err != nil {
		t.Fatalf("get or create conversation: %v", err)
	}
	return id
}

func (f fixture) send(t *testing.T, conversationID, sender, content string) {
	t.Helper()
	if _, err := f.svc.AppendMessage(context.Background(), conversationID, sender, content, nil); err != nil {
		t.Fatalf("append message: %v", err)
	}
}

func (f fixture) unread(t *testing.T, userID string) int {
	t.Helper()
	n, err := f.svc.GetUnreadCount(context.Background(), userID)
	if err != nil {
		t.Fatalf("unread count: %v", err)
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// recorder collects callback values across goroutines.
type recorder[T any] struct {
	mu    sync.Mutex
	items []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, v)
}

func (r *recorder[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.items...)
}

func (r *recorder[T]) len() int {
	return len(r.snapshot())
}
