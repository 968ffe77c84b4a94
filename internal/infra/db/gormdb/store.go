package gormdb

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"estatechat/internal/app/chat"
	"estatechat/internal/domain/messaging"
)

// Store persists the chat log in a SQL database through GORM. Message inserts
// and read marks share a transaction with the counter update.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) GetOrCreateConversation(ctx context.Context, candidate messaging.Conversation) (messaging.Conversation, bool, error) {
	key, err := messaging.PairKey(candidate.Participant1ID, candidate.Participant2ID)
	if err != nil {
		return messaging.Conversation{}, false, err
	}
	row := newConversationRow(candidate)
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "pair_key"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return messaging.Conversation{}, false, res.Error
	}
	var stored conversationRow
	if err := s.db.WithContext(ctx).Where("pair_key = ?", key).Take(&stored).Error; err != nil {
		return messaging.Conversation{}, false, err
	}
	return stored.toDomain(), res.RowsAffected == 1 && stored.ID == row.ID, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (messaging.Conversation, error) {
	var row conversationRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return messaging.Conversation{}, messaging.ErrConversationNotFound
		}
		return messaging.Conversation{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) ListConversations(ctx context.Context, userID string, includeArchived bool) ([]messaging.Conversation, error) {
	q := s.db.WithContext(ctx).Where("(participant1_id = ? OR participant2_id = ?)", userID, userID)
	if !includeArchived {
		q = q.Where("archived = ?", false)
	}
	var rows []conversationRow
	if err := q.Order("updated_at DESC").Order("id DESC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]messaging.Conversation, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (s *Store) SetArchived(ctx context.Context, id string, archived bool) error {
	res := s.db.WithContext(ctx).Model(&conversationRow{}).Where("id = ?", id).UpdateColumn("archived", archived)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.exists(ctx, id)
	}
	return nil
}

// TouchConversation moves updated_at forward only.
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&conversationRow{}).
		Where("id = ? AND updated_at < ?", id, at.UTC()).
		UpdateColumn("updated_at", at.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.exists(ctx, id)
	}
	return nil
}

func (s *Store) exists(ctx context.Context, id string) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&conversationRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return messaging.ErrConversationNotFound
	}
	return nil
}

// timestampTick is the finest precision every supported SQL dialect keeps.
const timestampTick = time.Microsecond

// InsertMessage locks the conversation row so inserts into one conversation
// are serialized, and moves created_at past the current latest message.
func (s *Store) InsertMessage(ctx context.Context, msg messaging.Message, recipientID string) (messaging.Message, error) {
	row := newMessageRow(msg)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv conversationRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").
			Where("id = ?", msg.ConversationID).
			Take(&conv).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return messaging.ErrConversationNotFound
		}
		if err != nil {
			return err
		}
		var last messageRow
		err = tx.Select("created_at").
			Where("conversation_id = ?", msg.ConversationID).
			Order("created_at DESC").
			Take(&last).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		row.CreatedAt = messaging.NextCreatedAt(row.CreatedAt, last.CreatedAt, timestampTick)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if recipientID == "" || !msg.CountsAsUnreadFor(recipientID) {
			return nil
		}
		return upsertCounter(tx, recipientID, 1, row.CreatedAt, gorm.Expr("unread_counters.unread_count + 1"))
	})
	if err != nil {
		return messaging.Message{}, err
	}
	return row.toDomain(), nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]messaging.Message, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).Offset(offset).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]messaging.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// LatestMessages selects, for each conversation, the message no other message
// of the same conversation sorts after.
func (s *Store) LatestMessages(ctx context.Context, conversationIDs []string) (map[string]messaging.Message, error) {
	out := make(map[string]messaging.Message, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Table("messages AS m").
		Select("m.*").
		Where("m.conversation_id IN ?", conversationIDs).
		Where(`NOT EXISTS (SELECT 1 FROM messages n WHERE n.conversation_id = m.conversation_id
			AND (n.created_at > m.created_at OR (n.created_at = m.created_at AND n.id > m.id)))`).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ConversationID] = row.toDomain()
	}
	return out, nil
}

func (s *Store) MarkConversationRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error) {
	at = at.UTC()
	var changed int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&messageRow{}).
			Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", conversationID, readerID, false).
			Updates(map[string]interface{}{"is_read": true, "read_at": at})
		if res.Error != nil {
			return res.Error
		}
		changed = int(res.RowsAffected)
		if changed == 0 {
			return nil
		}
		decrement := gorm.Expr("CASE WHEN unread_counters.unread_count > ? THEN unread_counters.unread_count - ? ELSE 0 END", changed, changed)
		return upsertCounter(tx, readerID, 0, at, decrement)
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

func (s *Store) UnreadCount(ctx context.Context, userID string) (int, error) {
	var row unreadCounterRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return messaging.ApplyDelta(row.Count, 0), nil
}

func (s *Store) ResetUnreadCount(ctx context.Context, userID string, at time.Time) error {
	return upsertCounter(s.db.WithContext(ctx), userID, 0, at.UTC(), 0)
}

// upsertCounter inserts initial for a missing counter row, or sets the
// existing row's count to update.
func upsertCounter(tx *gorm.DB, userID string, initial int, at time.Time, update interface{}) error {
	row := unreadCounterRow{UserID: userID, Count: initial, UpdatedAt: at}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"unread_count": update,
			"updated_at":   at,
		}),
	}).Create(&row).Error
}

var _ chat.Store = (*Store)(nil)
