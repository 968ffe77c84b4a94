package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"estatechat/internal/app/chat"
	"estatechat/internal/domain/messaging"
)

// Store is an in-memory chat store. A single lock makes every operation
// atomic, which gives pair uniqueness and transactional counter updates.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*messaging.Conversation
	pairs         map[string]string
	// messages holds each conversation's log in insertion order.
	messages map[string][]messaging.Message
	counters map[string]messaging.UnreadCounter
}

// NewStore builds an empty store.
func NewStore() *Store {
	return &Store{
		conversations: make(map[string]*messaging.Conversation),
		pairs:         make(map[string]string),
		messages:      make(map[string][]messaging.Message),
		counters:      make(map[string]messaging.UnreadCounter),
	}
}

// GetOrCreateConversation returns the existing conversation for the pair or stores candidate.
func (s *Store) GetOrCreateConversation(ctx context.Context, candidate messaging.Conversation) (messaging.Conversation, bool, error) {
	key, err := messaging.PairKey(candidate.Participant1ID, candidate.Participant2ID)
	if err != nil {
		return messaging.Conversation{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.pairs[key]; ok {
		return *s.conversations[id], false, nil
	}
	conv := candidate
	s.conversations[conv.ID] = &conv
	s.pairs[key] = conv.ID
	return conv, true, nil
}

// GetConversation returns a conversation or messaging.ErrConversationNotFound.
func (s *Store) GetConversation(ctx context.Context, id string) (messaging.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return messaging.Conversation{}, messaging.ErrConversationNotFound
	}
	return *conv, nil
}

// ListConversations returns userID's conversations, most recent first.
func (s *Store) ListConversations(ctx context.Context, userID string, includeArchived bool) ([]messaging.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]messaging.Conversation, 0)
	for _, conv := range s.conversations {
		if !conv.HasParticipant(userID) {
			continue
		}
		if conv.Archived && !includeArchived {
			continue
		}
		out = append(out, *conv)
	}
	sort.Slice(out, func(i, j int) bool { return messaging.MoreRecent(out[i], out[j]) })
	return out, nil
}

func (s *Store) SetArchived(ctx context.Context, id string, archived bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return messaging.ErrConversationNotFound
	}
	conv.Archived = archived
	return nil
}

func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return messaging.ErrConversationNotFound
	}
	conv.Touch(at)
	return nil
}

// InsertMessage appends msg to its conversation. created_at is moved past
// the previous message of the conversation when the caller's clock lags.
func (s *Store) InsertMessage(ctx context.Context, msg messaging.Message, recipientID string) (messaging.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return messaging.Message{}, messaging.ErrConversationNotFound
	}
	log := s.messages[msg.ConversationID]
	var last time.Time
	if n := len(log); n > 0 {
		last = log[n-1].CreatedAt
	}
	msg.CreatedAt = messaging.NextCreatedAt(msg.CreatedAt, last, time.Nanosecond)
	s.messages[msg.ConversationID] = append(log, msg)
	if recipientID != "" && msg.CountsAsUnreadFor(recipientID) {
		s.adjustLocked(recipientID, 1, msg.CreatedAt)
	}
	return msg, nil
}

// ListMessages returns a newest-first page.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]messaging.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.messages[conversationID]
	out := make([]messaging.Message, 0, limit)
	for i := len(log) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, log[i])
	}
	return out, nil
}

func (s *Store) LatestMessages(ctx context.Context, conversationIDs []string) (map[string]messaging.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]messaging.Message, len(conversationIDs))
	for _, id := range conversationIDs {
		if log := s.messages[id]; len(log) > 0 {
			out[id] = log[len(log)-1]
		}
	}
	return out, nil
}

func (s *Store) MarkConversationRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.messages[conversationID]
	changed := 0
	for i := range log {
		if log[i].SenderID == readerID {
			continue
		}
		if log[i].MarkRead(at) {
			changed++
		}
	}
	if changed > 0 {
		s.adjustLocked(readerID, -changed, at)
	}
	return changed, nil
}

func (s *Store) UnreadCount(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters[userID].Count, nil
}

func (s *Store) ResetUnreadCount(ctx context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[userID] = messaging.UnreadCounter{UserID: userID, Count: 0, UpdatedAt: at.UTC()}
	return nil
}

func (s *Store) adjustLocked(userID string, delta int, at time.Time) {
	counter := s.counters[userID]
	counter.UserID = userID
	counter.Count = messaging.ApplyDelta(counter.Count, delta)
	counter.UpdatedAt = at.UTC()
	s.counters[userID] = counter
}

var _ chat.Store = (*Store)(nil)
