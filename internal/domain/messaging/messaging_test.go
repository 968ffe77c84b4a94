package messaging

import (
	"errors"
	"testing"
	"time"
)

func TestPairKeyIgnoresOrder(t *testing.T) {
	ab, err := PairKey("alice", "bob")
	if err != nil {
		t.Fatalf("pair key: %v", err)
	}
	ba, err := PairKey(" bob ", "alice")
	if err != nil {
		t.Fatalf("pair key: %v", err)
	}
	if ab != ba {
		t.Fatalf("expected same key, got %q and %q", ab, ba)
	}
	if _, err := PairKey("alice", "alice"); !errors.Is(err, ErrSameParticipant) {
		t.Fatalf("expected ErrSameParticipant, got %v", err)
	}
	if _, err := PairKey("", "bob"); !errors.Is(err, ErrMissingParticipant) {
		t.Fatalf("expected ErrMissingParticipant, got %v", err)
	}
}

func TestNewMessageValidation(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name   string
		params NewMessageParams
		want   error
	}{
		{"empty", NewMessageParams{SenderID: "u1", Content: "   ", At: at}, ErrEmptyMessage},
		{"no sender", NewMessageParams{Content: "hi", At: at}, ErrMissingSender},
		{"bad attachment type", NewMessageParams{SenderID: "u1", Attachment: &Attachment{URL: "https://x/y", Type: "video"}, At: at}, ErrInvalidAttachment},
		{"attachment without url", NewMessageParams{SenderID: "u1", Attachment: &Attachment{Type: AttachmentImage}, At: at}, ErrInvalidAttachment},
		{"attachment only", NewMessageParams{SenderID: "u1", Attachment: &Attachment{URL: "https://x/y.png", Type: AttachmentImage}, At: at}, nil},
		{"text", NewMessageParams{SenderID: "u1", Content: " hello ", At: at}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := NewMessage(tc.params)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if err == nil && msg.Read {
				t.Fatalf("user message must start unread")
			}
		})
	}
}

func TestSystemMessageDefaults(t *testing.T) {
	msg, err := NewMessage(NewMessageParams{ConversationID: "c1", Content: "Booking confirmed", System: true})
	if err != nil {
		t.Fatalf("system message: %v", err)
	}
	if msg.SenderID != SystemSenderID {
		t.Fatalf("expected reserved sender, got %q", msg.SenderID)
	}
	if !msg.Read || !msg.SystemMessage {
		t.Fatalf("system message must be read and flagged: %+v", msg)
	}
	if msg.CountsAsUnreadFor("anyone") {
		t.Fatalf("system message must never count as unread")
	}
}

func TestMarkReadOnlyOnce(t *testing.T) {
	msg := Message{ID: "m1", SenderID: "u1"}
	first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if !msg.MarkRead(first) {
		t.Fatalf("expected transition")
	}
	if msg.MarkRead(first.Add(time.Hour)) {
		t.Fatalf("second mark must be a no-op")
	}
	if !msg.ReadAt.Equal(first) {
		t.Fatalf("read_at moved: %v", msg.ReadAt)
	}
}

func TestOrderingHelpers(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msgs := []Message{
		{ID: "b", CreatedAt: base},
		{ID: "c", CreatedAt: base.Add(time.Second)},
		{ID: "a", CreatedAt: base},
	}
	SortChronological(msgs)
	if msgs[0].ID != "a" || msgs[1].ID != "b" || msgs[2].ID != "c" {
		t.Fatalf("unexpected order: %s %s %s", msgs[0].ID, msgs[1].ID, msgs[2].ID)
	}
	Reverse(msgs)
	if msgs[0].ID != "c" || msgs[2].ID != "a" {
		t.Fatalf("reverse failed: %s %s %s", msgs[0].ID, msgs[1].ID, msgs[2].ID)
	}

	older := Conversation{ID: "x", UpdatedAt: base}
	newer := Conversation{ID: "y", UpdatedAt: base.Add(time.Minute)}
	if !MoreRecent(newer, older) || MoreRecent(older, newer) {
		t.Fatalf("MoreRecent should prefer the later update")
	}
	newer.Touch(base)
	if !newer.UpdatedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("Touch moved updated_at backwards")
	}
}

func TestNextCreatedAtNeverSortsBeforeLast(t *testing.T) {
	last := time.Date(2024, 5, 1, 9, 0, 10, 0, time.UTC)
	cases := []struct {
		name string
		at   time.Time
		last time.Time
		tick time.Duration
		want time.Time
	}{
		{"first message", last.Add(123 * time.Nanosecond), time.Time{}, time.Microsecond, last},
		{"later clock", last.Add(time.Second), last, time.Millisecond, last.Add(time.Second)},
		{"earlier clock", last.Add(-5 * time.Second), last, time.Millisecond, last.Add(time.Millisecond)},
		{"same instant", last, last, time.Microsecond, last.Add(time.Microsecond)},
		{"inside one tick", last.Add(400 * time.Microsecond), last, time.Millisecond, last.Add(time.Millisecond)},
	}
	for _, tc := range cases {
		if got := NextCreatedAt(tc.at, tc.last, tc.tick); !got.Equal(tc.want) {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNormalizePage(t *testing.T) {
	cases := []struct{ limit, offset, wantLimit, wantOffset int }{
		{0, 0, DefaultPageSize, 0},
		{-3, -1, DefaultPageSize, 0},
		{500, 10, MaxPageSize, 10},
		{20, 40, 20, 40},
	}
	for _, tc := range cases {
		limit, offset := NormalizePage(tc.limit, tc.offset)
		if limit != tc.wantLimit || offset != tc.wantOffset {
			t.Fatalf("NormalizePage(%d, %d) = %d, %d", tc.limit, tc.offset, limit, offset)
		}
	}
}

func TestApplyDeltaFloorsAtZero(t *testing.T) {
	if got := ApplyDelta(2, -5); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	if got := ApplyDelta(2, 3); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
}

func TestAttachmentTypeFor(t *testing.T) {
	if AttachmentTypeFor("image/png") != AttachmentImage {
		t.Fatalf("image/png should be an image")
	}
	if AttachmentTypeFor("application/pdf") != AttachmentDocument {
		t.Fatalf("pdf should be a document")
	}
}
