package realtime

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"estatechat/internal/app/chat"
	"estatechat/internal/domain/messaging"
)

const defaultBuffer = 64

// Hub fans realtime events out to in-process subscribers by topic. Each
// subscriber has its own ordered queue drained by a dedicated goroutine, so a
// slow callback never blocks publishers or other subscribers. When a queue is
// full the event is dropped for that subscriber.
type Hub struct {
	Buffer int
	Logger *slog.Logger

	mu     sync.RWMutex
	topics map[string]map[uint64]*subscriber
	nextID uint64
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	return &Hub{Buffer: buffer, Logger: logger}
}

type subscriber struct {
	id     uint64
	topic  string
	fn     func(messaging.RealtimeEvent)
	queue  chan messaging.RealtimeEvent
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
}

// Publish dispatches ev to local subscribers. It never blocks.
func (h *Hub) Publish(_ context.Context, ev messaging.RealtimeEvent) error {
	h.Dispatch(ev)
	return nil
}

// Dispatch delivers ev to every subscriber of ev.Topic().
func (h *Hub) Dispatch(ev messaging.RealtimeEvent) {
	if ev == nil {
		return
	}
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.topics[ev.Topic()]))
	for _, sub := range h.topics[ev.Topic()] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if sub.closed.Load() {
			continue
		}
		select {
		case sub.queue <- ev:
		default:
			if h.Logger != nil {
				h.Logger.Warn("realtime subscriber queue full, event dropped", "topic", sub.topic, "event", ev.EventName())
			}
		}
	}
}

// Subscribe registers fn for topic until the returned subscription is cancelled.
func (h *Hub) Subscribe(topic string, fn func(messaging.RealtimeEvent)) chat.Subscription {
	buffer := h.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	h.mu.Lock()
	if h.topics == nil {
		h.topics = make(map[string]map[uint64]*subscriber)
	}
	h.nextID++
	sub := &subscriber{
		id:    h.nextID,
		topic: topic,
		fn:    fn,
		queue: make(chan messaging.RealtimeEvent, buffer),
		done:  make(chan struct{}),
	}
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[uint64]*subscriber)
	}
	h.topics[topic][sub.id] = sub
	h.mu.Unlock()

	go sub.run()
	return &handle{hub: h, sub: sub}
}

// Subscribers returns the number of live subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.topics[sub.topic]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(h.topics, sub.topic)
		}
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			if s.closed.Load() {
				return
			}
			s.fn(ev)
		}
	}
}

type handle struct {
	hub *Hub
	sub *subscriber
}

// Cancel stops delivery. It is safe to call more than once and from inside the callback.
func (c *handle) Cancel() {
	c.sub.once.Do(func() {
		c.sub.closed.Store(true)
		close(c.sub.done)
		c.hub.remove(c.sub)
	})
}

var (
	_ chat.Publisher = (*Hub)(nil)
	_ chat.Feed      = (*Hub)(nil)
)
