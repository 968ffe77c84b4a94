package chat

import (
	"errors"
	"strings"
	"sync"

	"estatechat/internal/domain/messaging"
)

// ErrFeedNotConfigured is returned by the subscribe calls when no realtime feed is wired.
var ErrFeedNotConfigured = errors.New("chat: realtime feed not configured")

// SubscribeToConversation delivers every message inserted into the
// conversation for as long as the subscription is held. Redelivered messages
// are dropped by id. A dropped transport stops delivery silently; callers
// reload the latest page after reconnecting.
func (s *Service) SubscribeToConversation(conversationID string, onMessage func(messaging.Message)) (Subscription, error) {
	if s == nil || s.Feed == nil {
		return nil, ErrFeedNotConfigured
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, messaging.ErrConversationNotFound
	}
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)
	return s.Feed.Subscribe(messaging.ConversationTopic(conversationID), func(ev messaging.RealtimeEvent) {
		created, ok := ev.(messaging.MessageCreated)
		if !ok || created.Message.ConversationID != conversationID {
			return
		}
		mu.Lock()
		if _, dup := seen[created.Message.ID]; dup {
			mu.Unlock()
			return
		}
		seen[created.Message.ID] = struct{}{}
		mu.Unlock()
		onMessage(created.Message)
	}), nil
}

// SubscribeToReadReceipts delivers read transitions made in the conversation.
func (s *Service) SubscribeToReadReceipts(conversationID string, onRead func(messaging.MessagesRead)) (Subscription, error) {
	if s == nil || s.Feed == nil {
		return nil, ErrFeedNotConfigured
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, messaging.ErrConversationNotFound
	}
	return s.Feed.Subscribe(messaging.ConversationTopic(conversationID), func(ev messaging.RealtimeEvent) {
		if receipt, ok := ev.(messaging.MessagesRead); ok && receipt.ConversationID == conversationID {
			onRead(receipt)
		}
	}), nil
}

// SubscribeToUnread delivers the user's unread count whenever it changes.
func (s *Service) SubscribeToUnread(userID string, onCountChange func(int)) (Subscription, error) {
	if s == nil || s.Feed == nil {
		return nil, ErrFeedNotConfigured
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, messaging.ErrMissingParticipant
	}
	return s.Feed.Subscribe(messaging.UnreadTopic(userID), func(ev messaging.RealtimeEvent) {
		changed, ok := ev.(messaging.UnreadChanged)
		if !ok || changed.UserID != userID {
			return
		}
		count := changed.Count
		if count < 0 {
			count = 0
		}
		onCountChange(count)
	}), nil
}
