package scylla

import (
	"context"
	"errors"
	"time"

	"github.com/gocql/gocql"

	"estatechat/internal/app/chat"
)

// IdempotencyStore keeps send results in a table whose default TTL expires them.
type IdempotencyStore struct {
	session *gocql.Session
}

func NewIdempotencyStore(session *gocql.Session) *IdempotencyStore {
	return &IdempotencyStore{session: session}
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (chat.IdempotencyRecord, bool, error) {
	rec := chat.IdempotencyRecord{Key: key}
	err := s.session.
		Query(`SELECT payload, occurred_at FROM chat_idempotency WHERE key = ?`, key).
		WithContext(ctx).
		Scan(&rec.Payload, &rec.OccurredAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return chat.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return chat.IdempotencyRecord{}, false, err
	}
	return rec, true, nil
}

// Reserve claims key with a lightweight transaction.
func (s *IdempotencyStore) Reserve(ctx context.Context, key string) (bool, error) {
	return s.session.
		Query(`INSERT INTO chat_idempotency (key, occurred_at) VALUES (?, ?) IF NOT EXISTS`, key, time.Now().UTC()).
		WithContext(ctx).
		MapScanCAS(map[string]interface{}{})
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	return s.session.
		Query(`DELETE FROM chat_idempotency WHERE key = ? IF EXISTS`, key).
		WithContext(ctx).
		Exec()
}

func (s *IdempotencyStore) Save(ctx context.Context, rec chat.IdempotencyRecord) error {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now()
	}
	return s.session.
		Query(`UPDATE chat_idempotency SET payload = ?, occurred_at = ? WHERE key = ? IF EXISTS`, rec.Payload, rec.OccurredAt.UTC(), rec.Key).
		WithContext(ctx).
		Exec()
}

var _ chat.IdempotencyStore = (*IdempotencyStore)(nil)
