package dto

import (
	"time"

	"estatechat/internal/domain/messaging"
)

type Profile struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type Attachment struct {
	URL  string `json:"url"`
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// ChatMessage contains a single message payload.
type ChatMessage struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	Read           bool        `json:"read"`
	ReadAt         *time.Time  `json:"read_at,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	SystemMessage  bool        `json:"system_message"`
	CreatedAt      time.Time   `json:"created_at"`
}

// ChatMessageList is one page of messages in chronological order.
type ChatMessageList struct {
	Items  []ChatMessage `json:"items"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// Conversation describes chat metadata as seen by one participant.
type Conversation struct {
	ID             string       `json:"id"`
	Participant1ID string       `json:"participant1_id"`
	Participant2ID string       `json:"participant2_id"`
	PropertyID     string       `json:"property_id,omitempty"`
	Archived       bool         `json:"archived"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	OtherUser      *Profile     `json:"other_user"`
	LastMessage    *ChatMessage `json:"last_message"`
}

type ConversationList struct {
	Items []Conversation `json:"items"`
}

type UnreadCount struct {
	Count int `json:"count"`
}

func NewChatMessage(m messaging.Message) ChatMessage {
	out := ChatMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Read:           m.Read,
		ReadAt:         m.ReadAt,
		SystemMessage:  m.SystemMessage,
		CreatedAt:      m.CreatedAt,
	}
	if m.Attachment != nil {
		att := NewAttachment(*m.Attachment)
		out.Attachment = &att
	}
	return out
}

func NewChatMessages(msgs []messaging.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, NewChatMessage(m))
	}
	return out
}

func NewAttachment(a messaging.Attachment) Attachment {
	return Attachment{URL: a.URL, Type: string(a.Type), Name: a.Name}
}

func (a *Attachment) ToDomain() *messaging.Attachment {
	if a == nil {
		return nil
	}
	return &messaging.Attachment{URL: a.URL, Type: messaging.AttachmentType(a.Type), Name: a.Name}
}

func NewConversation(c messaging.Conversation) Conversation {
	return Conversation{
		ID:             c.ID,
		Participant1ID: c.Participant1ID,
		Participant2ID: c.Participant2ID,
		PropertyID:     c.PropertyID,
		Archived:       c.Archived,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}
