package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"estatechat/internal/domain/messaging"
)

// ErrSendInProgress is returned when another send under the same key has
// been claimed and has not finished yet.
var ErrSendInProgress = errors.New("chat: send with this key is in progress")

// staleReservation bounds how long an unfinished claim blocks its key.
const staleReservation = time.Minute

// IdempotencyRecord remembers the outcome of a send performed under a client
// key. A record with an empty payload is a claim whose send has not finished.
type IdempotencyRecord struct {
	Key        string
	Payload    []byte
	OccurredAt time.Time
}

// IdempotencyStore stamps records with its own wall clock when OccurredAt is zero.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (IdempotencyRecord, bool, error)
	// Reserve claims key and reports false if it is already held.
	Reserve(ctx context.Context, key string) (bool, error)
	Save(ctx context.Context, rec IdempotencyRecord) error
	Release(ctx context.Context, key string) error
}

// AppendMessageOnce behaves like AppendMessage but replays the stored message
// when the sender retries with the same key. Keys are scoped per sender and
// claimed before the insert, so concurrent retries insert once. Only
// successful sends are remembered.
func (s *Service) AppendMessageOnce(ctx context.Context, key, conversationID, senderID, content string, attachment *messaging.Attachment) (messaging.Message, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" || s.Idempotency == nil {
		msg, err := s.AppendMessage(ctx, conversationID, senderID, content, attachment)
		return msg, false, err
	}
	scoped := "send:" + strings.TrimSpace(senderID) + ":" + strings.TrimSpace(conversationID) + ":" + key
	if msg, ok, err := s.replay(ctx, scoped); err != nil || ok {
		return msg, ok, err
	}
	won, err := s.Idempotency.Reserve(ctx, scoped)
	if err != nil {
		return messaging.Message{}, false, err
	}
	if !won {
		msg, ok, err := s.replay(ctx, scoped)
		if err != nil || ok {
			return msg, ok, err
		}
		return messaging.Message{}, false, ErrSendInProgress
	}

	msg, err := s.AppendMessage(ctx, conversationID, senderID, content, attachment)
	if err != nil {
		if rerr := s.Idempotency.Release(ctx, scoped); rerr != nil && s.Logger != nil {
			s.Logger.Warn("idempotency claim not released", "key", scoped, "error", rerr)
		}
		return messaging.Message{}, false, err
	}
	payload, err := json.Marshal(msg)
	if err == nil {
		err = s.Idempotency.Save(ctx, IdempotencyRecord{Key: scoped, Payload: payload})
	}
	if err != nil && s.Logger != nil {
		s.Logger.Warn("idempotency record not saved", "key", scoped, "error", err)
	}
	return msg, false, nil
}

// replay returns the message stored under key. A claim younger than
// staleReservation yields ErrSendInProgress; an older claim or an unreadable
// record is released so the key can be claimed again.
func (s *Service) replay(ctx context.Context, key string) (messaging.Message, bool, error) {
	rec, ok, err := s.Idempotency.Get(ctx, key)
	if err != nil || !ok {
		return messaging.Message{}, false, err
	}
	if len(rec.Payload) == 0 {
		if time.Since(rec.OccurredAt) < staleReservation {
			return messaging.Message{}, false, ErrSendInProgress
		}
		return messaging.Message{}, false, s.Idempotency.Release(ctx, key)
	}
	var msg messaging.Message
	if err := json.Unmarshal(rec.Payload, &msg); err == nil {
		return msg, true, nil
	}
	if s.Logger != nil {
		s.Logger.Warn("discarding unreadable idempotency record", "key", key)
	}
	return messaging.Message{}, false, s.Idempotency.Release(ctx, key)
}
