package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"estatechat/internal/domain/messaging"
	"estatechat/internal/domain/shared/events"
)

// ErrServiceNotConfigured is returned when the service has no store.
var ErrServiceNotConfigured = errors.New("chat: service missing store")

// Service implements the conversation directory, the message log and the
// read/unread tracker on top of a Store and a realtime Feed.
type Service struct {
	Store      Store
	Profiles   ProfileDirectory
	Properties PropertyDirectory
	Publisher  Publisher
	Feed       Feed
	Logger     *slog.Logger

	// Idempotency is optional; without it AppendMessageOnce never replays.
	Idempotency IdempotencyStore
	Objects     ObjectStore

	Clock       func() time.Time
	IDGenerator func() string
}

func (s *Service) now() time.Time {
	if s.Clock != nil {
		return s.Clock().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) newID() string {
	if s.IDGenerator != nil {
		return s.IDGenerator()
	}
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (s *Service) ready() error {
	if s == nil || s.Store == nil {
		return ErrServiceNotConfigured
	}
	return nil
}

// publish fans recorded events out. Realtime delivery is best-effort, so
// failures are logged and never returned to the caller.
func (s *Service) publish(ctx context.Context, rec *events.EventRecorder) {
	if rec.Len() == 0 {
		return
	}
	pending := rec.Drain()
	if s.Publisher == nil {
		return
	}
	for _, ev := range pending {
		rt, ok := ev.(messaging.RealtimeEvent)
		if !ok {
			continue
		}
		if err := s.Publisher.Publish(ctx, rt); err != nil && s.Logger != nil {
			s.Logger.Warn("realtime publish failed", "event", rt.EventName(), "topic", rt.Topic(), "error", err)
		}
	}
}

// recordUnread reads the current counter of userID and records an
// UnreadChanged event for it.
func (s *Service) recordUnread(ctx context.Context, rec *events.EventRecorder, userID string, at time.Time) {
	if s.Publisher == nil || userID == "" {
		return
	}
	count, err := s.Store.UnreadCount(ctx, userID)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Warn("unread count refresh failed", "user_id", userID, "error", err)
		}
		return
	}
	rec.Record(messaging.UnreadChanged{UserID: userID, Count: count, At: at})
}
