package chat

import (
	"context"
	"time"

	"estatechat/internal/domain/messaging"
)

// ConversationStore persists conversations. GetOrCreateConversation must be
// atomic on the unordered participant pair: concurrent calls for the same pair
// return the same row and exactly one of them reports created=true.
type ConversationStore interface {
	GetOrCreateConversation(ctx context.Context, candidate messaging.Conversation) (messaging.Conversation, bool, error)
	GetConversation(ctx context.Context, id string) (messaging.Conversation, error)
	ListConversations(ctx context.Context, userID string, includeArchived bool) ([]messaging.Conversation, error)
	SetArchived(ctx context.Context, id string, archived bool) error
	TouchConversation(ctx context.Context, id string, at time.Time) error
}

// MessageStore persists the message log. InsertMessage increments the
// recipient's unread counter in the same operation when recipientID is set,
// and returns the message with created_at moved past the conversation's
// latest message when needed. ListMessages returns newest-first.
type MessageStore interface {
	InsertMessage(ctx context.Context, msg messaging.Message, recipientID string) (messaging.Message, error)
	ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]messaging.Message, error)
	LatestMessages(ctx context.Context, conversationIDs []string) (map[string]messaging.Message, error)
}

// ReadStore tracks read state. MarkConversationRead flips every unread message
// not sent by readerID, who the caller has checked is a participant, and decrements the reader's counter by the number of
// rows it changed, atomically.
type ReadStore interface {
	MarkConversationRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	ResetUnreadCount(ctx context.Context, userID string, at time.Time) error
}

type Store interface {
	ConversationStore
	MessageStore
	ReadStore
}

// Profile is the public identity of a user as shown next to a conversation.
type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// ProfileDirectory resolves user ids to public profiles. Unknown ids are omitted from the result.
type ProfileDirectory interface {
	Lookup(ctx context.Context, ids []string) (map[string]Profile, error)
}

// PropertyDirectory resolves a listing to the user who owns it.
type PropertyDirectory interface {
	Owner(ctx context.Context, propertyID string) (string, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev messaging.RealtimeEvent) error
}

type Feed interface {
	Subscribe(topic string, fn func(messaging.RealtimeEvent)) Subscription
}

// Subscription is a live registration on a Feed. After Cancel returns no new
// callback is started.
type Subscription interface {
	Cancel()
}
