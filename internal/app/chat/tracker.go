package chat

import (
	"context"
	"fmt"
	"strings"

	"estatechat/internal/domain/messaging"
	"estatechat/internal/domain/shared/events"
)

// MarkConversationRead marks every unread message in the conversation that
// readerID did not send as read and returns how many changed. Only a
// participant may read. Calling it again with nothing unread is a no-op.
func (s *Service) MarkConversationRead(ctx context.Context, conversationID, readerID string) (int, error) {
	readerID = strings.TrimSpace(readerID)
	if readerID == "" {
		return 0, messaging.ErrMissingParticipant
	}
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	if !conv.HasParticipant(readerID) {
		return 0, messaging.ErrNotParticipant
	}
	conversationID = conv.ID
	at := s.now()
	n, err := s.Store.MarkConversationRead(ctx, conversationID, readerID, at)
	if err != nil {
		return 0, fmt.Errorf("mark conversation read: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	var rec events.EventRecorder
	rec.Record(messaging.MessagesRead{ConversationID: conversationID, ReaderID: readerID, Count: n, At: at})
	s.recordUnread(ctx, &rec, readerID, at)
	s.publish(ctx, &rec)
	return n, nil
}

// GetUnreadCount returns the user's aggregate; a user without a counter has zero.
func (s *Service) GetUnreadCount(ctx context.Context, userID string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, messaging.ErrMissingParticipant
	}
	count, err := s.Store.UnreadCount(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	if count < 0 {
		count = 0
	}
	return count, nil
}

// ResetUnreadCount sets the user's counter to zero, independently of per-conversation read state.
func (s *Service) ResetUnreadCount(ctx context.Context, userID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return messaging.ErrMissingParticipant
	}
	at := s.now()
	if err := s.Store.ResetUnreadCount(ctx, userID, at); err != nil {
		return fmt.Errorf("reset unread count: %w", err)
	}
	var rec events.EventRecorder
	rec.Record(messaging.UnreadChanged{UserID: userID, Count: 0, At: at})
	s.publish(ctx, &rec)
	return nil
}
