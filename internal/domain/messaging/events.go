package messaging

import (
	"time"

	"estatechat/internal/domain/shared/events"
)

const (
	EventMessageCreated = "message.created"
	EventMessagesRead   = "messages.read"
	EventUnreadChanged  = "unread.changed"
)

// RealtimeEvent is a domain event that is fanned out to live subscribers of Topic.
type RealtimeEvent interface {
	events.DomainEvent
	Topic() string
}

func ConversationTopic(conversationID string) string { return "conversation:" + conversationID }

func UnreadTopic(userID string) string { return "notifications:" + userID }

type MessageCreated struct {
	Message Message   `json:"message"`
	At      time.Time `json:"at"`
}

func (e MessageCreated) EventName() string     { return EventMessageCreated }
func (e MessageCreated) AggregateID() string   { return e.Message.ConversationID }
func (e MessageCreated) OccurredAt() time.Time { return e.At }
func (e MessageCreated) Topic() string         { return ConversationTopic(e.Message.ConversationID) }

// MessagesRead is the read receipt published when a reader transitions messages to read.
type MessagesRead struct {
	ConversationID string    `json:"conversation_id"`
	ReaderID       string    `json:"reader_id"`
	Count          int       `json:"count"`
	At             time.Time `json:"at"`
}

func (e MessagesRead) EventName() string     { return EventMessagesRead }
func (e MessagesRead) AggregateID() string   { return e.ConversationID }
func (e MessagesRead) OccurredAt() time.Time { return e.At }
func (e MessagesRead) Topic() string         { return ConversationTopic(e.ConversationID) }

type UnreadChanged struct {
	UserID string    `json:"user_id"`
	Count  int       `json:"count"`
	At     time.Time `json:"at"`
}

func (e UnreadChanged) EventName() string     { return EventUnreadChanged }
func (e UnreadChanged) AggregateID() string   { return e.UserID }
func (e UnreadChanged) OccurredAt() time.Time { return e.At }
func (e UnreadChanged) Topic() string         { return UnreadTopic(e.UserID) }
