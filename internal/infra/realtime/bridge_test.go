package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"estatechat/internal/domain/messaging"
)

type recordingTransport struct {
	mu     sync.Mutex
	topics []string
	sent   [][]byte
	err    error
}

func (r *recordingTransport) Send(_ context.Context, topic string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.sent = append(r.sent, payload)
	return r.err
}

func TestEnvelopeRoundTrip(t *testing.T) {
	at := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	events := []messaging.RealtimeEvent{
		messaging.MessageCreated{
			Message: messaging.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "hi", CreatedAt: at},
			At:      at,
		},
		messaging.MessagesRead{ConversationID: "c1", ReaderID: "bob", Count: 3, At: at},
		messaging.UnreadChanged{UserID: "bob", Count: 7, At: at},
	}
	for _, ev := range events {
		t.Run(ev.EventName(), func(t *testing.T) {
			data, err := Encode(ev, "node-a")
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			env, decoded, err := Decode(data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if env.Origin != "node-a" || env.Topic != ev.Topic() || env.Name != ev.EventName() {
				t.Fatalf("unexpected envelope: %+v", env)
			}
			if decoded.Topic() != ev.Topic() || !decoded.OccurredAt().Equal(ev.OccurredAt()) {
				t.Fatalf("decoded %+v, want %+v", decoded, ev)
			}
		})
	}
}

func TestDecodeRejectsUnknownAndMalformed(t *testing.T) {
	if _, _, err := Decode([]byte(`{"name":"listing.updated","topic":"x","payload":{}}`)); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
	if _, _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatalf("expected an error for malformed input")
	}
}

func TestBridgePublishesLocallyThenToTransport(t *testing.T) {
	hub := NewHub(8, nil)
	transport := &recordingTransport{err: errors.New("broker down")}
	bridge := &Bridge{Hub: hub, Transport: transport, Origin: "node-a"}

	var calls atomic.Int32
	sub := hub.Subscribe(messaging.UnreadTopic("bob"), func(messaging.RealtimeEvent) { calls.Add(1) })
	defer sub.Cancel()

	err := bridge.Publish(context.Background(), unreadEvent("bob", 2))
	if err == nil {
		t.Fatalf("transport error should be returned")
	}
	waitFor(t, "local delivery despite transport failure", func() bool { return calls.Load() == 1 })

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.sent) != 1 || transport.topics[0] != messaging.UnreadTopic("bob") {
		t.Fatalf("unexpected transport traffic: %v", transport.topics)
	}
}

func TestBridgeReceiveSkipsOwnEvents(t *testing.T) {
	hub := NewHub(8, nil)
	bridge := &Bridge{Hub: hub, Origin: "node-a"}

	var calls atomic.Int32
	sub := hub.Subscribe(messaging.UnreadTopic("bob"), func(messaging.RealtimeEvent) { calls.Add(1) })
	defer sub.Cancel()

	own, _ := Encode(unreadEvent("bob", 1), "node-a")
	if err := bridge.Receive(own); err != nil {
		t.Fatalf("receive own: %v", err)
	}
	remote, _ := Encode(unreadEvent("bob", 2), "node-b")
	if err := bridge.Receive(remote); err != nil {
		t.Fatalf("receive remote: %v", err)
	}
	waitFor(t, "remote delivery", func() bool { return calls.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("own event was dispatched twice")
	}

	if err := bridge.Receive([]byte(`{"name":"nope","payload":{}}`)); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}
