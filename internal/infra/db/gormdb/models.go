package gormdb

import (
	"time"

	"estatechat/internal/domain/messaging"
)

type conversationRow struct {
	ID             string    `gorm:"primaryKey;size:64"`
	PairKey        string    `gorm:"size:160;not null;uniqueIndex"`
	Participant1ID string    `gorm:"size:64;not null;index"`
	Participant2ID string    `gorm:"size:64;not null;index"`
	PropertyID     string    `gorm:"size:64"`
	Archived       bool      `gorm:"not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime:false;index"`
}

func (conversationRow) TableName() string { return "conversations" }

func newConversationRow(c messaging.Conversation) conversationRow {
	return conversationRow{
		ID:             c.ID,
		PairKey:        c.PairKey(),
		Participant1ID: c.Participant1ID,
		Participant2ID: c.Participant2ID,
		PropertyID:     c.PropertyID,
		Archived:       c.Archived,
		CreatedAt:      c.CreatedAt.UTC(),
		UpdatedAt:      c.UpdatedAt.UTC(),
	}
}

func (r conversationRow) toDomain() messaging.Conversation {
	return messaging.Conversation{
		ID:             r.ID,
		Participant1ID: r.Participant1ID,
		Participant2ID: r.Participant2ID,
		PropertyID:     r.PropertyID,
		Archived:       r.Archived,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
	}
}

type messageRow struct {
	ID             string `gorm:"primaryKey;size:64"`
	ConversationID string `gorm:"size:64;not null;index:idx_messages_conversation_created,priority:1"`
	SenderID       string `gorm:"size:64;not null"`
	Content        string `gorm:"type:text"`
	IsRead         bool   `gorm:"not null"`
	ReadAt         *time.Time
	AttachmentURL  string    `gorm:"size:1024"`
	AttachmentType string    `gorm:"size:16"`
	AttachmentName string    `gorm:"size:256"`
	SystemMessage  bool      `gorm:"not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime:false;index:idx_messages_conversation_created,priority:2"`
}

func (messageRow) TableName() string { return "messages" }

func newMessageRow(m messaging.Message) messageRow {
	row := messageRow{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		IsRead:         m.Read,
		SystemMessage:  m.SystemMessage,
		CreatedAt:      m.CreatedAt.UTC(),
	}
	if m.ReadAt != nil {
		at := m.ReadAt.UTC()
		row.ReadAt = &at
	}
	if m.Attachment != nil {
		row.AttachmentURL = m.Attachment.URL
		row.AttachmentType = string(m.Attachment.Type)
		row.AttachmentName = m.Attachment.Name
	}
	return row
}

func (r messageRow) toDomain() messaging.Message {
	msg := messaging.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Content:        r.Content,
		Read:           r.IsRead,
		SystemMessage:  r.SystemMessage,
		CreatedAt:      r.CreatedAt.UTC(),
	}
	if r.ReadAt != nil {
		at := r.ReadAt.UTC()
		msg.ReadAt = &at
	}
	if r.AttachmentURL != "" {
		msg.Attachment = &messaging.Attachment{
			URL:  r.AttachmentURL,
			Type: messaging.AttachmentType(r.AttachmentType),
			Name: r.AttachmentName,
		}
	}
	return msg
}

type unreadCounterRow struct {
	UserID    string    `gorm:"primaryKey;size:64"`
	Count     int       `gorm:"column:unread_count;not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime:false"`
}

func (unreadCounterRow) TableName() string { return "unread_counters" }

type idempotencyRow struct {
	IdemKey    string    `gorm:"primaryKey;size:255"`
	Payload    []byte    `gorm:"not null"`
	OccurredAt time.Time `gorm:"not null;index"`
}

func (idempotencyRow) TableName() string { return "chat_idempotency" }

// userRow and propertyRow mirror tables owned by the account and listing services.
type userRow struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:256"`
	AvatarURL string `gorm:"size:1024"`
}

func (userRow) TableName() string { return "users" }

type propertyRow struct {
	ID     string `gorm:"primaryKey;size:64"`
	UserID string `gorm:"size:64;not null;index"`
}

func (propertyRow) TableName() string { return "properties" }
