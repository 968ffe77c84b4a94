package messaging

import (
	"strings"
	"time"
)

// Conversation is a durable two-party thread, optionally tagged with the
// property that prompted it. Participant order records who initiated it and
// carries no meaning for uniqueness.
type Conversation struct {
	ID             string
	Participant1ID string
	Participant2ID string
	PropertyID     string
	Archived       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type NewConversationParams struct {
	ID          string
	InitiatorID string
	OtherID     string
	PropertyID  string
	Now         time.Time
}

func NewConversation(params NewConversationParams) (Conversation, error) {
	initiator := strings.TrimSpace(params.InitiatorID)
	other := strings.TrimSpace(params.OtherID)
	if _, err := PairKey(initiator, other); err != nil {
		return Conversation{}, err
	}
	now := params.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	return Conversation{
		ID:             params.ID,
		Participant1ID: initiator,
		Participant2ID: other,
		PropertyID:     strings.TrimSpace(params.PropertyID),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// PairKey returns the canonical key of the unordered participant pair.
func PairKey(a, b string) (string, error) {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == "" || b == "" {
		return "", ErrMissingParticipant
	}
	if a == b {
		return "", ErrSameParticipant
	}
	if b < a {
		a, b = b, a
	}
	return a + "|" + b, nil
}

func (c Conversation) PairKey() string {
	key, _ := PairKey(c.Participant1ID, c.Participant2ID)
	return key
}

func (c Conversation) HasParticipant(userID string) bool {
	return userID != "" && (c.Participant1ID == userID || c.Participant2ID == userID)
}

// OtherParticipant returns the counterpart of userID, or "" when userID is not a participant.
func (c Conversation) OtherParticipant(userID string) string {
	switch userID {
	case c.Participant1ID:
		return c.Participant2ID
	case c.Participant2ID:
		return c.Participant1ID
	}
	return ""
}

// Touch advances UpdatedAt; it never moves it backwards.
func (c *Conversation) Touch(at time.Time) {
	at = at.UTC()
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
	}
}

// MoreRecent orders conversations by UpdatedAt descending, then id descending.
func MoreRecent(a, b Conversation) bool {
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID > b.ID
}
