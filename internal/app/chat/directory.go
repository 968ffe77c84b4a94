package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"estatechat/internal/domain/messaging"
)

// ConversationView is a directory entry as seen by one participant.
type ConversationView struct {
	messaging.Conversation
	OtherUser   Profile
	LastMessage *messaging.Message
}

// GetOrCreateConversation returns the id of the conversation between userA and
// userB, creating it with propertyID when none exists. propertyID is ignored
// for an existing pair.
func (s *Service) GetOrCreateConversation(ctx context.Context, userA, userB, propertyID string) (string, error) {
	conv, _, err := s.OpenConversation(ctx, userA, userB, propertyID)
	if err != nil {
		return "", err
	}
	return conv.ID, nil
}

// OpenConversation is GetOrCreateConversation returning the full row and
// whether it was created by this call.
func (s *Service) OpenConversation(ctx context.Context, initiatorID, otherID, propertyID string) (messaging.Conversation, bool, error) {
	if err := s.ready(); err != nil {
		return messaging.Conversation{}, false, err
	}
	candidate, err := messaging.NewConversation(messaging.NewConversationParams{
		ID:          s.newID(),
		InitiatorID: initiatorID,
		OtherID:     otherID,
		PropertyID:  propertyID,
		Now:         s.now(),
	})
	if err != nil {
		return messaging.Conversation{}, false, err
	}
	conv, created, err := s.Store.GetOrCreateConversation(ctx, candidate)
	if err != nil {
		return messaging.Conversation{}, false, fmt.Errorf("get or create conversation: %w", err)
	}
	if created && s.Logger != nil {
		s.Logger.Info("conversation created", "conversation_id", conv.ID, "property_id", conv.PropertyID)
	}
	return conv, created, nil
}

// StartPropertyConversation opens the conversation between an inquirer and
// the owner of propertyID.
func (s *Service) StartPropertyConversation(ctx context.Context, propertyID, inquirerID string) (messaging.Conversation, bool, error) {
	if err := s.ready(); err != nil {
		return messaging.Conversation{}, false, err
	}
	if s.Properties == nil {
		return messaging.Conversation{}, false, messaging.ErrPropertyNotFound
	}
	propertyID = strings.TrimSpace(propertyID)
	ownerID, err := s.Properties.Owner(ctx, propertyID)
	if err != nil {
		return messaging.Conversation{}, false, err
	}
	return s.OpenConversation(ctx, inquirerID, ownerID, propertyID)
}

func (s *Service) GetConversation(ctx context.Context, id string) (messaging.Conversation, error) {
	if err := s.ready(); err != nil {
		return messaging.Conversation{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return messaging.Conversation{}, messaging.ErrConversationNotFound
	}
	return s.Store.GetConversation(ctx, id)
}

// ListConversations returns userID's conversations, most recently active
// first, each with the counterpart profile and the latest message.
func (s *Service) ListConversations(ctx context.Context, userID string, includeArchived bool) ([]ConversationView, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, messaging.ErrMissingParticipant
	}
	conversations, err := s.Store.ListConversations(ctx, userID, includeArchived)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	sort.SliceStable(conversations, func(i, j int) bool {
		return messaging.MoreRecent(conversations[i], conversations[j])
	})

	ids := make([]string, 0, len(conversations))
	others := make([]string, 0, len(conversations))
	for _, conv := range conversations {
		ids = append(ids, conv.ID)
		others = append(others, conv.OtherParticipant(userID))
	}

	latest := map[string]messaging.Message{}
	if len(ids) > 0 {
		latest, err = s.Store.LatestMessages(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("latest messages: %w", err)
		}
	}
	profiles := map[string]Profile{}
	if s.Profiles != nil && len(others) > 0 {
		profiles, err = s.Profiles.Lookup(ctx, dedupe(others))
		if err != nil {
			return nil, fmt.Errorf("lookup profiles: %w", err)
		}
	}

	views := make([]ConversationView, 0, len(conversations))
	for i, conv := range conversations {
		view := ConversationView{Conversation: conv}
		other := others[i]
		if profile, ok := profiles[other]; ok {
			view.OtherUser = profile
		} else {
			view.OtherUser = Profile{ID: other}
		}
		if msg, ok := latest[conv.ID]; ok {
			m := msg
			view.LastMessage = &m
		}
		views = append(views, view)
	}
	return views, nil
}

func (s *Service) ArchiveConversation(ctx context.Context, conversationID, userID string) error {
	return s.setArchived(ctx, conversationID, userID, true)
}

func (s *Service) UnarchiveConversation(ctx context.Context, conversationID, userID string) error {
	return s.setArchived(ctx, conversationID, userID, false)
}

func (s *Service) setArchived(ctx context.Context, conversationID, userID string, archived bool) error {
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(userID) {
		return messaging.ErrNotParticipant
	}
	if err := s.Store.SetArchived(ctx, conv.ID, archived); err != nil {
		if errors.Is(err, messaging.ErrConversationNotFound) {
			return err
		}
		return fmt.Errorf("set archived: %w", err)
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
