package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"estatechat/internal/app/chat"
	"estatechat/internal/domain/messaging"
)

var testEpoch = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newConversation(t *testing.T, id, a, b string) messaging.Conversation {
	t.Helper()
	conv, err := messaging.NewConversation(messaging.NewConversationParams{ID: id, InitiatorID: a, OtherID: b, Now: testEpoch})
	if err != nil {
		t.Fatalf("new conversation: %v", err)
	}
	return conv
}

func TestStoreGetOrCreateIsUniquePerPair(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ids     = make(map[string]struct{})
		created int
	)
	candidates := make([]messaging.Conversation, 32)
	for i := range candidates {
		a, b := "alice", "bob"
		if i%2 == 1 {
			a, b = b, a
		}
		candidates[i] = newConversation(t, fmt.Sprintf("c-%d", i), a, b)
	}
	for _, candidate := range candidates {
		wg.Add(1)
		go func(candidate messaging.Conversation) {
			defer wg.Done()
			conv, isNew, err := store.GetOrCreateConversation(ctx, candidate)
			if err != nil {
				t.Errorf("get or create: %v", err)
				return
			}
			mu.Lock()
			ids[conv.ID] = struct{}{}
			if isNew {
				created++
			}
			mu.Unlock()
		}(candidate)
	}
	wg.Wait()
	if len(ids) != 1 || created != 1 {
		t.Fatalf("expected one conversation created once, got ids=%v created=%d", ids, created)
	}
}

func TestStoreCountersFollowInsertAndRead(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	conv, _, err := store.GetOrCreateConversation(ctx, newConversation(t, "c1", "alice", "bob"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		msg := messaging.Message{ID: fmt.Sprintf("m%d", i), ConversationID: conv.ID, SenderID: "alice", Content: "hi", CreatedAt: testEpoch.Add(time.Duration(i) * time.Second)}
		if _, err := store.InsertMessage(ctx, msg, "bob"); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	system := messaging.Message{ID: "sys", ConversationID: conv.ID, SenderID: messaging.SystemSenderID, Content: "notice", Read: true, SystemMessage: true, CreatedAt: testEpoch.Add(5 * time.Second)}
	if _, err := store.InsertMessage(ctx, system, ""); err != nil {
		t.Fatalf("insert system: %v", err)
	}

	if n, _ := store.UnreadCount(ctx, "bob"); n != 3 {
		t.Fatalf("expected 3 unread for bob, got %d", n)
	}
	if n, _ := store.UnreadCount(ctx, "nobody"); n != 0 {
		t.Fatalf("absent counter should read 0, got %d", n)
	}

	changed, err := store.MarkConversationRead(ctx, conv.ID, "bob", testEpoch.Add(time.Minute))
	if err != nil || changed != 3 {
		t.Fatalf("expected 3 transitions, got %d (%v)", changed, err)
	}
	again, _ := store.MarkConversationRead(ctx, conv.ID, "bob", testEpoch.Add(2*time.Minute))
	if again != 0 {
		t.Fatalf("second mark should change nothing, got %d", again)
	}
	if n, _ := store.UnreadCount(ctx, "bob"); n != 0 {
		t.Fatalf("expected 0 unread after read, got %d", n)
	}
}

func TestStoreResetThenReadClampsAtZero(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	conv, _, _ := store.GetOrCreateConversation(ctx, newConversation(t, "c1", "alice", "bob"))
	msg := messaging.Message{ID: "m1", ConversationID: conv.ID, SenderID: "alice", Content: "hi", CreatedAt: testEpoch}
	if _, err := store.InsertMessage(ctx, msg, "bob"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.ResetUnreadCount(ctx, "bob", testEpoch); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := store.MarkConversationRead(ctx, conv.ID, "bob", testEpoch.Add(time.Second)); err != nil {
		t.Fatalf("mark: %v", err)
	}
	if n, _ := store.UnreadCount(ctx, "bob"); n != 0 {
		t.Fatalf("counter went negative or stayed positive: %d", n)
	}
}

func TestStoreListMessagesNewestFirst(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	conv, _, _ := store.GetOrCreateConversation(ctx, newConversation(t, "c1", "alice", "bob"))
	for i := 0; i < 5; i++ {
		msg := messaging.Message{ID: fmt.Sprintf("m%d", i), ConversationID: conv.ID, SenderID: "alice", Content: "x", CreatedAt: testEpoch.Add(time.Duration(i) * time.Second)}
		if _, err := store.InsertMessage(ctx, msg, "bob"); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	page, _ := store.ListMessages(ctx, conv.ID, 2, 1)
	if len(page) != 2 || page[0].ID != "m3" || page[1].ID != "m2" {
		t.Fatalf("unexpected page: %+v", page)
	}
	latest, _ := store.LatestMessages(ctx, []string{conv.ID, "missing"})
	if latest[conv.ID].ID != "m4" {
		t.Fatalf("expected m4 as latest, got %q", latest[conv.ID].ID)
	}
	if _, ok := latest["missing"]; ok {
		t.Fatalf("conversation without messages must be absent")
	}
}

func TestStoreArchiveAndTouch(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	first, _, _ := store.GetOrCreateConversation(ctx, newConversation(t, "c1", "alice", "bob"))
	second, _, _ := store.GetOrCreateConversation(ctx, newConversation(t, "c2", "alice", "carol"))

	if err := store.TouchConversation(ctx, first.ID, testEpoch.Add(time.Hour)); err != nil {
		t.Fatalf("touch: %v", err)
	}
	list, _ := store.ListConversations(ctx, "alice", false)
	if len(list) != 2 || list[0].ID != first.ID {
		t.Fatalf("touched conversation should come first: %+v", list)
	}

	if err := store.SetArchived(ctx, second.ID, true); err != nil {
		t.Fatalf("archive: %v", err)
	}
	list, _ = store.ListConversations(ctx, "alice", false)
	if len(list) != 1 {
		t.Fatalf("archived conversation should be hidden, got %d", len(list))
	}
	list, _ = store.ListConversations(ctx, "alice", true)
	if len(list) != 2 {
		t.Fatalf("include archived should list both, got %d", len(list))
	}
	if err := store.SetArchived(ctx, "missing", true); !errors.Is(err, messaging.ErrConversationNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestIdempotencyStoreExpires(t *testing.T) {
	store := NewIdempotencyStore(time.Minute)
	now := testEpoch
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if err := store.Save(ctx, chat.IdempotencyRecord{Key: "k", Payload: []byte(`{}`), OccurredAt: now}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "k"); !ok {
		t.Fatalf("fresh record should be found")
	}
	now = now.Add(2 * time.Minute)
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Fatalf("expired record should be ignored")
	}
	if err := store.Save(ctx, chat.IdempotencyRecord{Key: "other", OccurredAt: now}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, present := store.items["k"]; present {
		t.Fatalf("expired record should be evicted on write")
	}
}

func TestIdempotencyStoreReserveAndRelease(t *testing.T) {
	store := NewIdempotencyStore(time.Minute)
	now := testEpoch
	store.now = func() time.Time { return now }
	ctx := context.Background()

	if won, err := store.Reserve(ctx, "k"); err != nil || !won {
		t.Fatalf("first reserve: won=%v err=%v", won, err)
	}
	if won, _ := store.Reserve(ctx, "k"); won {
		t.Fatalf("second reserve must lose while the key is held")
	}
	rec, ok, _ := store.Get(ctx, "k")
	if !ok || len(rec.Payload) != 0 || !rec.OccurredAt.Equal(testEpoch) {
		t.Fatalf("pending record: %+v ok=%v", rec, ok)
	}
	if err := store.Release(ctx, "k"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if won, _ := store.Reserve(ctx, "k"); !won {
		t.Fatalf("released key should be reservable")
	}

	// a held key expires with the TTL, and sweeps run at most once per TTL
	now = now.Add(30 * time.Second)
	if err := store.Save(ctx, chat.IdempotencyRecord{Key: "fresh", Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("save: %v", err)
	}
	now = now.Add(45 * time.Second)
	if won, _ := store.Reserve(ctx, "k"); !won {
		t.Fatalf("expired reservation should be reservable")
	}
	if _, present := store.items["fresh"]; !present {
		t.Fatalf("live record evicted")
	}
}

func TestDirectoryLoadFixtures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.json")
	data := `{"users":[{"id":"u1","name":"Ana"},{"id":""}],"properties":[{"id":"p1","user_id":"u1"},{"id":"p2"}]}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write fixtures: %v", err)
	}
	dir := NewDirectory()
	n, err := dir.LoadFixtures(path)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 records, got %d (%v)", n, err)
	}
	owner, err := dir.Owner(context.Background(), "p1")
	if err != nil || owner != "u1" {
		t.Fatalf("owner lookup: %q %v", owner, err)
	}
	if _, err := dir.Owner(context.Background(), "p2"); !errors.Is(err, messaging.ErrPropertyNotFound) {
		t.Fatalf("expected property not found, got %v", err)
	}
	profiles, _ := dir.Lookup(context.Background(), []string{"u1", "ghost"})
	if len(profiles) != 1 || profiles["u1"].Name != "Ana" {
		t.Fatalf("unexpected profiles: %+v", profiles)
	}

	missing, err := dir.LoadFixtures(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil || missing != 0 {
		t.Fatalf("missing file should import nothing, got %d (%v)", missing, err)
	}
}

func TestStoreMovesLaggingCreatedAtForward(t *testing.T) {
	store := NewStore()
	ctx := context.Background()
	conv, _, _ := store.GetOrCreateConversation(ctx, newConversation(t, "c1", "alice", "bob"))
	first := messaging.Message{ID: "m-first", ConversationID: conv.ID, SenderID: "alice", Content: "a", CreatedAt: testEpoch.Add(10 * time.Second)}
	second := messaging.Message{ID: "m-second", ConversationID: conv.ID, SenderID: "bob", Content: "b", CreatedAt: testEpoch.Add(5 * time.Second)}
	if _, err := store.InsertMessage(ctx, first, "bob"); err != nil {
		t.Fatalf("insert first: %v", err)
	}
	stored, err := store.InsertMessage(ctx, second, "alice")
	if err != nil {
		t.Fatalf("insert second: %v", err)
	}
	if !stored.CreatedAt.After(first.CreatedAt) {
		t.Fatalf("created_at %v does not follow %v", stored.CreatedAt, first.CreatedAt)
	}
	page, _ := store.ListMessages(ctx, conv.ID, 1, 0)
	if len(page) != 1 || page[0].ID != "m-second" {
		t.Fatalf("newest page: %+v", page)
	}
}
