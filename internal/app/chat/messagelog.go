package chat

import (
	"context"
	"fmt"
	"strings"

	"estatechat/internal/domain/messaging"
	"estatechat/internal/domain/shared/events"
)

// AppendMessage stores a message from senderID and bumps the conversation.
// The bump runs after the insert; if it fails the message is still returned
// and only directory ranking lags behind.
func (s *Service) AppendMessage(ctx context.Context, conversationID, senderID, content string, attachment *messaging.Attachment) (messaging.Message, error) {
	if err := s.ready(); err != nil {
		return messaging.Message{}, err
	}
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return messaging.Message{}, err
	}
	senderID = strings.TrimSpace(senderID)
	if senderID == "" {
		return messaging.Message{}, messaging.ErrMissingSender
	}
	if !conv.HasParticipant(senderID) {
		return messaging.Message{}, messaging.ErrNotParticipant
	}
	msg, err := messaging.NewMessage(messaging.NewMessageParams{
		ID:             s.newID(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        content,
		Attachment:     attachment,
		At:             s.now(),
	})
	if err != nil {
		return messaging.Message{}, err
	}
	return s.append(ctx, conv, msg, conv.OtherParticipant(senderID))
}

// AppendSystemMessage stores an application notice. It is created read and
// never counts towards unread totals. An empty senderID means SystemSenderID.
func (s *Service) AppendSystemMessage(ctx context.Context, conversationID, content, senderID string) (messaging.Message, error) {
	if err := s.ready(); err != nil {
		return messaging.Message{}, err
	}
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return messaging.Message{}, err
	}
	msg, err := messaging.NewMessage(messaging.NewMessageParams{
		ID:             s.newID(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Content:        content,
		System:         true,
		At:             s.now(),
	})
	if err != nil {
		return messaging.Message{}, err
	}
	return s.append(ctx, conv, msg, "")
}

func (s *Service) append(ctx context.Context, conv messaging.Conversation, msg messaging.Message, recipientID string) (messaging.Message, error) {
	stored, err := s.Store.InsertMessage(ctx, msg, recipientID)
	if err != nil {
		return messaging.Message{}, fmt.Errorf("insert message: %w", err)
	}
	// best-effort bump of conversation activity
	if err := s.Store.TouchConversation(ctx, conv.ID, stored.CreatedAt); err != nil && s.Logger != nil {
		s.Logger.Warn("failed to bump conversation activity", "conversation_id", conv.ID, "message_id", stored.ID, "error", err)
	}

	var rec events.EventRecorder
	rec.Record(messaging.MessageCreated{Message: stored, At: stored.CreatedAt})
	if recipientID != "" {
		s.recordUnread(ctx, &rec, recipientID, stored.CreatedAt)
	}
	s.publish(ctx, &rec)
	return stored, nil
}

// GetMessages returns one page of the log in chronological order. offset 0 is
// the most recent page; larger offsets walk back in time.
func (s *Service) GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]messaging.Message, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, messaging.ErrConversationNotFound
	}
	limit, offset = messaging.NormalizePage(limit, offset)
	page, err := s.Store.ListMessages(ctx, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	messaging.Reverse(page)
	return page, nil
}
