package messaging

import (
	"sort"
	"strings"
	"time"
)

// SystemSenderID is the reserved sender of messages posted by the application itself.
const SystemSenderID = "00000000-0000-0000-0000-000000000000"

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

type AttachmentType string

const (
	AttachmentImage    AttachmentType = "image"
	AttachmentDocument AttachmentType = "document"
)

type Attachment struct {
	URL  string         `json:"url"`
	Type AttachmentType `json:"type"`
	Name string         `json:"name,omitempty"`
}

func (a Attachment) Valid() bool {
	if strings.TrimSpace(a.URL) == "" {
		return false
	}
	return a.Type == AttachmentImage || a.Type == AttachmentDocument
}

// AttachmentTypeFor classifies an uploaded file by its MIME type.
func AttachmentTypeFor(contentType string) AttachmentType {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/") {
		return AttachmentImage
	}
	return AttachmentDocument
}

type Message struct {
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

type NewMessageParams struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	Attachment     *Attachment
	System         bool
	At             time.Time
}

// NewMessage validates input and builds an unsaved message. System messages
// are created already read and default to SystemSenderID.
func NewMessage(params NewMessageParams) (Message, error) {
	content := strings.TrimSpace(params.Content)
	sender := strings.TrimSpace(params.SenderID)
	if params.System && sender == "" {
		sender = SystemSenderID
	}
	if sender == "" {
		return Message{}, ErrMissingSender
	}
	var attachment *Attachment
	if params.Attachment != nil {
		att := *params.Attachment
		att.URL = strings.TrimSpace(att.URL)
		att.Name = strings.TrimSpace(att.Name)
		if !att.Valid() {
			return Message{}, ErrInvalidAttachment
		}
		attachment = &att
	}
	if content == "" && attachment == nil && !params.System {
		return Message{}, ErrEmptyMessage
	}
	at := params.At
	if at.IsZero() {
		at = time.Now()
	}
	msg := Message{
		ID:             params.ID,
		ConversationID: params.ConversationID,
		SenderID:       sender,
		Content:        content,
		Attachment:     attachment,
		SystemMessage:  params.System,
		CreatedAt:      at.UTC(),
	}
	if params.System {
		msg.Read = true
	}
	return msg, nil
}

// CountsAsUnreadFor reports whether the message contributes to userID's unread counter.
func (m Message) CountsAsUnreadFor(userID string) bool {
	return !m.Read && !m.SystemMessage && m.SenderID != userID
}

// MarkRead performs the unread -> read transition and reports whether it happened.
func (m *Message) MarkRead(at time.Time) bool {
	if m.Read {
		return false
	}
	at = at.UTC()
	m.Read = true
	m.ReadAt = &at
	return true
}

// Before is the log order: created_at ascending, then id ascending.
func Before(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// NextCreatedAt returns at truncated to the store's precision, moved to one
// tick after last when it would not sort after it. A zero last means the
// conversation has no messages yet.
func NextCreatedAt(at, last time.Time, tick time.Duration) time.Time {
	at = at.UTC().Truncate(tick)
	if last.IsZero() {
		return at
	}
	if floor := last.UTC().Truncate(tick).Add(tick); at.Before(floor) {
		return floor
	}
	return at
}

func SortChronological(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return Before(msgs[i], msgs[j]) })
}

// Reverse flips a newest-first page into display order in place.
func Reverse(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// NormalizePage clamps limit/offset to the supported window.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
