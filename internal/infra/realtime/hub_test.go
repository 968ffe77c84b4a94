package realtime

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"estatechat/internal/domain/messaging"
)

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

func unreadEvent(userID string, count int) messaging.UnreadChanged {
	return messaging.UnreadChanged{UserID: userID, Count: count, At: time.Now().UTC()}
}

func TestHubRoutesByTopicInOrder(t *testing.T) {
	hub := NewHub(16, nil)

	var (
		mu    sync.Mutex
		alice []int
	)
	var bobCalls atomic.Int32
	subA := hub.Subscribe(messaging.UnreadTopic("alice"), func(ev messaging.RealtimeEvent) {
		mu.Lock()
		alice = append(alice, ev.(messaging.UnreadChanged).Count)
		mu.Unlock()
	})
	defer subA.Cancel()
	subB := hub.Subscribe(messaging.UnreadTopic("bob"), func(messaging.RealtimeEvent) { bobCalls.Add(1) })
	defer subB.Cancel()

	for i := 1; i <= 5; i++ {
		if err := hub.Publish(context.Background(), unreadEvent("alice", i)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	waitFor(t, "alice deliveries", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(alice) == 5
	})
	mu.Lock()
	for i, n := range alice {
		if n != i+1 {
			t.Fatalf("out of order delivery: %v", alice)
		}
	}
	mu.Unlock()
	if bobCalls.Load() != 0 {
		t.Fatalf("bob received alice's events")
	}
}

func TestHubCancelRemovesSubscriber(t *testing.T) {
	hub := NewHub(4, nil)
	topic := messaging.UnreadTopic("alice")
	var calls atomic.Int32
	sub := hub.Subscribe(topic, func(messaging.RealtimeEvent) { calls.Add(1) })
	other := hub.Subscribe(topic, func(messaging.RealtimeEvent) {})
	if n := hub.Subscribers(topic); n != 2 {
		t.Fatalf("subscribers = %d, want 2", n)
	}

	sub.Cancel()
	sub.Cancel()
	if n := hub.Subscribers(topic); n != 1 {
		t.Fatalf("subscribers after cancel = %d, want 1", n)
	}
	hub.Dispatch(unreadEvent("alice", 1))
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("cancelled subscriber was called")
	}
	other.Cancel()
	if n := hub.Subscribers(topic); n != 0 {
		t.Fatalf("subscribers after all cancelled = %d", n)
	}
}

func TestHubCancelFromInsideCallback(t *testing.T) {
	hub := NewHub(4, nil)
	topic := messaging.UnreadTopic("alice")
	var (
		calls atomic.Int32
		sub   interface{ Cancel() }
		ready = make(chan struct{})
	)
	sub = hub.Subscribe(topic, func(messaging.RealtimeEvent) {
		<-ready
		calls.Add(1)
		sub.Cancel()
	})
	close(ready)
	hub.Dispatch(unreadEvent("alice", 1))
	waitFor(t, "self cancel", func() bool { return hub.Subscribers(topic) == 0 })
	hub.Dispatch(unreadEvent("alice", 2))
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}
}

func TestHubDropsWhenSubscriberQueueIsFull(t *testing.T) {
	hub := NewHub(1, nil)
	topic := messaging.UnreadTopic("alice")
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	var calls atomic.Int32
	sub := hub.Subscribe(topic, func(messaging.RealtimeEvent) {
		entered <- struct{}{}
		<-release
		calls.Add(1)
	})
	defer sub.Cancel()
	fast := hub.Subscribe(topic, func(messaging.RealtimeEvent) {})
	defer fast.Cancel()

	hub.Dispatch(unreadEvent("alice", 1))
	<-entered
	hub.Dispatch(unreadEvent("alice", 2))
	hub.Dispatch(unreadEvent("alice", 3))
	close(release)

	waitFor(t, "queued delivery", func() bool { return calls.Load() == 2 })
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 2 {
		t.Fatalf("calls = %d, the third event should have been dropped", calls.Load())
	}
}
