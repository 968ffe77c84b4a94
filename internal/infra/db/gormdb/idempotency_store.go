package gormdb

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"estatechat/internal/app/chat"
)

// IdempotencyStore keeps send results in chat_idempotency. Rows older than
// TTL are ignored on read and pruned on write.
type IdempotencyStore struct {
	db  *gorm.DB
	ttl time.Duration
}

func NewIdempotencyStore(db *gorm.DB, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{db: db, ttl: ttl}
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (chat.IdempotencyRecord, bool, error) {
	q := s.db.WithContext(ctx).Where("idem_key = ?", key)
	if s.ttl > 0 {
		q = q.Where("occurred_at > ?", time.Now().UTC().Add(-s.ttl))
	}
	var row idempotencyRow
	if err := q.Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return chat.IdempotencyRecord{}, false, nil
		}
		return chat.IdempotencyRecord{}, false, err
	}
	return chat.IdempotencyRecord{Key: row.IdemKey, Payload: row.Payload, OccurredAt: row.OccurredAt.UTC()}, true, nil
}

// Reserve inserts an empty row for key. An expired row is cleared first so a
// stale claim never blocks the key past its TTL.
func (s *IdempotencyStore) Reserve(ctx context.Context, key string) (bool, error) {
	db := s.db.WithContext(ctx)
	if s.ttl > 0 {
		if err := db.Where("idem_key = ? AND occurred_at <= ?", key, time.Now().UTC().Add(-s.ttl)).Delete(&idempotencyRow{}).Error; err != nil {
			return false, err
		}
	}
	row := idempotencyRow{IdemKey: key, Payload: []byte{}, OccurredAt: time.Now().UTC()}
	res := db.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idem_key"}}, DoNothing: true}).Create(&row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Where("idem_key = ?", key).Delete(&idempotencyRow{}).Error
}

func (s *IdempotencyStore) Save(ctx context.Context, rec chat.IdempotencyRecord) error {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now()
	}
	db := s.db.WithContext(ctx)
	if s.ttl > 0 {
		if err := db.Where("occurred_at <= ?", time.Now().UTC().Add(-s.ttl)).Delete(&idempotencyRow{}).Error; err != nil {
			return err
		}
	}
	row := idempotencyRow{IdemKey: rec.Key, Payload: rec.Payload, OccurredAt: rec.OccurredAt.UTC()}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idem_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "occurred_at"}),
	}).Create(&row).Error
}

var _ chat.IdempotencyStore = (*IdempotencyStore)(nil)
