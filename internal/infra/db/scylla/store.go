package scylla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/gocql/gocql"

	"estatechat/internal/app/chat"
	"estatechat/internal/domain/messaging"
)

const (
	maxCASAttempts = 16
	pairWaitTries  = 5
	pairWaitDelay  = 20 * time.Millisecond
)

var (
	errNoSession = errors.New("scylla session not initialized")
	// ErrCounterContention is returned when a counter update keeps losing its compare-and-set.
	ErrCounterContention = errors.New("scylla: unread counter contention")
	// ErrMessageContention is returned when concurrent senders keep winning the message timestamp reservation.
	ErrMessageContention = errors.New("scylla: message timestamp contention")
)

// Store keeps the chat log in Scylla. Pair uniqueness rides on a lightweight
// transaction on conversation_pairs and unread counters are updated with a
// compare-and-set loop. Scylla has no multi-partition transactions, so a
// counter update that fails after the message was written is logged and the
// message is kept.
type Store struct {
	session *gocql.Session
	logger  *slog.Logger
}

func NewStore(session *gocql.Session, logger *slog.Logger) *Store {
	return &Store{session: session, logger: logger}
}

func (s *Store) GetOrCreateConversation(ctx context.Context, candidate messaging.Conversation) (messaging.Conversation, bool, error) {
	if s.session == nil {
		return messaging.Conversation{}, false, errNoSession
	}
	key, err := messaging.PairKey(candidate.Participant1ID, candidate.Participant2ID)
	if err != nil {
		return messaging.Conversation{}, false, err
	}
	existing := map[string]interface{}{}
	applied, err := s.session.
		Query(`INSERT INTO conversation_pairs (pair_key, conversation_id) VALUES (?, ?) IF NOT EXISTS`, key, candidate.ID).
		WithContext(ctx).
		MapScanCAS(existing)
	if err != nil {
		return messaging.Conversation{}, false, fmt.Errorf("claim pair: %w", err)
	}
	if applied {
		if err := s.writeConversation(ctx, candidate); err != nil {
			return messaging.Conversation{}, false, err
		}
		return candidate, true, nil
	}

	winnerID, _ := existing["conversation_id"].(string)
	if winnerID == "" {
		return messaging.Conversation{}, false, fmt.Errorf("claim pair %s: no conversation id", key)
	}
	for attempt := 0; attempt < pairWaitTries; attempt++ {
		conv, err := s.GetConversation(ctx, winnerID)
		if err == nil {
			return conv, false, nil
		}
		if !errors.Is(err, messaging.ErrConversationNotFound) {
			return messaging.Conversation{}, false, err
		}
		select {
		case <-ctx.Done():
			return messaging.Conversation{}, false, ctx.Err()
		case <-time.After(pairWaitDelay):
		}
	}
	// the claimant never wrote its row; finish it with our candidate data
	healed := candidate
	healed.ID = winnerID
	if err := s.writeConversation(ctx, healed); err != nil {
		return messaging.Conversation{}, false, err
	}
	if s.logger != nil {
		s.logger.Warn("restored conversation row for claimed pair", "conversation_id", winnerID)
	}
	return healed, false, nil
}

func (s *Store) writeConversation(ctx context.Context, c messaging.Conversation) error {
	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`INSERT INTO conversations (id, participant1_id, participant2_id, property_id, archived, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Participant1ID, c.Participant2ID, c.PropertyID, c.Archived, c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	batch.Query(`INSERT INTO user_conversations (user_id, conversation_id) VALUES (?, ?)`, c.Participant1ID, c.ID)
	batch.Query(`INSERT INTO user_conversations (user_id, conversation_id) VALUES (?, ?)`, c.Participant2ID, c.ID)
	if err := s.session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("write conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (messaging.Conversation, error) {
	if s.session == nil {
		return messaging.Conversation{}, errNoSession
	}
	var (
		conv       messaging.Conversation
		propertyID *string
		archived   *bool
	)
	err := s.session.
		Query(`SELECT id, participant1_id, participant2_id, property_id, archived, created_at, updated_at FROM conversations WHERE id = ? LIMIT 1`, id).
		WithContext(ctx).
		Scan(&conv.ID, &conv.Participant1ID, &conv.Participant2ID, &propertyID, &archived, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return messaging.Conversation{}, messaging.ErrConversationNotFound
		}
		return messaging.Conversation{}, err
	}
	if propertyID != nil {
		conv.PropertyID = *propertyID
	}
	if archived != nil {
		conv.Archived = *archived
	}
	conv.CreatedAt = conv.CreatedAt.UTC()
	conv.UpdatedAt = conv.UpdatedAt.UTC()
	return conv, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string, includeArchived bool) ([]messaging.Conversation, error) {
	if s.session == nil {
		return nil, errNoSession
	}
	iter := s.session.
		Query(`SELECT conversation_id FROM user_conversations WHERE user_id = ?`, userID).
		WithContext(ctx).
		Iter()
	var (
		id  string
		ids []string
	)
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}

	out := make([]messaging.Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.GetConversation(ctx, id)
		if errors.Is(err, messaging.ErrConversationNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if conv.Archived && !includeArchived {
			continue
		}
		out = append(out, conv)
	}
	sort.Slice(out, func(i, j int) bool { return messaging.MoreRecent(out[i], out[j]) })
	return out, nil
}

func (s *Store) SetArchived(ctx context.Context, id string, archived bool) error {
	if _, err := s.GetConversation(ctx, id); err != nil {
		return err
	}
	return s.session.
		Query(`UPDATE conversations SET archived = ? WHERE id = ?`, archived, id).
		WithContext(ctx).
		Exec()
}

// TouchConversation moves updated_at forward with a conditional update so a
// late bump never rewinds activity.
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	if _, err := s.GetConversation(ctx, id); err != nil {
		return err
	}
	_, err := s.session.
		Query(`UPDATE conversations SET updated_at = ? WHERE id = ? IF updated_at < ?`, at.UTC(), id, at.UTC()).
		WithContext(ctx).
		MapScanCAS(map[string]interface{}{})
	return err
}

func (s *Store) InsertMessage(ctx context.Context, msg messaging.Message, recipientID string) (messaging.Message, error) {
	if s.session == nil {
		return messaging.Message{}, errNoSession
	}
	createdAt, err := s.reserveCreatedAt(ctx, msg.ConversationID, msg.CreatedAt)
	if err != nil {
		return messaging.Message{}, err
	}
	msg.CreatedAt = createdAt
	var readAt *time.Time
	if msg.ReadAt != nil {
		at := msg.ReadAt.UTC().Truncate(time.Millisecond)
		msg.ReadAt = &at
		readAt = &at
	}
	var attURL, attType, attName string
	if msg.Attachment != nil {
		attURL, attType, attName = msg.Attachment.URL, string(msg.Attachment.Type), msg.Attachment.Name
	}
	if err := s.session.
		Query(`INSERT INTO messages (conversation_id, created_at, message_id, sender_id, content, is_read, read_at, attachment_url, attachment_type, attachment_name, system_message) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ConversationID, msg.CreatedAt, msg.ID, msg.SenderID, msg.Content, msg.Read, readAt, attURL, attType, attName, msg.SystemMessage).
		WithContext(ctx).
		Exec(); err != nil {
		return messaging.Message{}, err
	}
	if recipientID != "" && msg.CountsAsUnreadFor(recipientID) {
		if err := s.adjust(ctx, recipientID, msg.CreatedAt, func(n int) int { return messaging.ApplyDelta(n, 1) }); err != nil && s.logger != nil {
			s.logger.Warn("unread counter increment failed", "user_id", recipientID, "message_id", msg.ID, "error", err)
		}
	}
	return msg, nil
}

// reserveCreatedAt moves the conversation's last_message_at past its current
// value with compare-and-set and returns the reserved timestamp. Timestamp
// columns hold milliseconds.
func (s *Store) reserveCreatedAt(ctx context.Context, conversationID string, at time.Time) (time.Time, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		var last *time.Time
		err := s.session.
			Query(`SELECT last_message_at FROM conversations WHERE id = ?`, conversationID).
			WithContext(ctx).
			Scan(&last)
		if errors.Is(err, gocql.ErrNotFound) {
			return time.Time{}, messaging.ErrConversationNotFound
		}
		if err != nil {
			return time.Time{}, err
		}
		var (
			q    *gocql.Query
			next time.Time
		)
		if last == nil || last.IsZero() {
			next = messaging.NextCreatedAt(at, time.Time{}, time.Millisecond)
			q = s.session.Query(`UPDATE conversations SET last_message_at = ? WHERE id = ? IF last_message_at = null`, next, conversationID)
		} else {
			next = messaging.NextCreatedAt(at, *last, time.Millisecond)
			q = s.session.Query(`UPDATE conversations SET last_message_at = ? WHERE id = ? IF last_message_at = ?`, next, conversationID, *last)
		}
		applied, err := q.WithContext(ctx).MapScanCAS(map[string]interface{}{})
		if err != nil {
			return time.Time{}, err
		}
		if applied {
			return next, nil
		}
	}
	return time.Time{}, ErrMessageContention
}

const messageColumns = `conversation_id, created_at, message_id, sender_id, content, is_read, read_at, attachment_url, attachment_type, attachment_name, system_message`

// ListMessages walks the partition newest-first and skips offset rows client side.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]messaging.Message, error) {
	if s.session == nil {
		return nil, errNoSession
	}
	iter := s.session.
		Query(`SELECT `+messageColumns+` FROM messages WHERE conversation_id = ? LIMIT ?`, conversationID, offset+limit).
		WithContext(ctx).
		PageSize(limit).
		Iter()
	out := make([]messaging.Message, 0, limit)
	skipped := 0
	for {
		msg, ok := scanMessage(iter)
		if !ok {
			break
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, msg)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) LatestMessages(ctx context.Context, conversationIDs []string) (map[string]messaging.Message, error) {
	out := make(map[string]messaging.Message, len(conversationIDs))
	for _, id := range conversationIDs {
		page, err := s.ListMessages(ctx, id, 1, 0)
		if err != nil {
			return nil, err
		}
		if len(page) == 1 {
			out[id] = page[0]
		}
	}
	return out, nil
}

// MarkConversationRead flips each unread row with a conditional update and
// counts only the rows this call changed, so concurrent readers never
// decrement twice.
func (s *Store) MarkConversationRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error) {
	if s.session == nil {
		return 0, errNoSession
	}
	at = at.UTC().Truncate(time.Millisecond)
	type rowKey struct {
		createdAt time.Time
		id        string
	}
	iter := s.session.
		Query(`SELECT created_at, message_id, sender_id, is_read FROM messages WHERE conversation_id = ?`, conversationID).
		WithContext(ctx).
		Iter()
	var (
		pending   []rowKey
		createdAt time.Time
		id        string
		sender    string
		read      bool
	)
	for iter.Scan(&createdAt, &id, &sender, &read) {
		if !read && sender != readerID {
			pending = append(pending, rowKey{createdAt: createdAt, id: id})
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	changed := 0
	for _, row := range pending {
		applied, err := s.session.
			Query(`UPDATE messages SET is_read = true, read_at = ? WHERE conversation_id = ? AND created_at = ? AND message_id = ? IF is_read = false`,
				at, conversationID, row.createdAt, row.id).
			WithContext(ctx).
			MapScanCAS(map[string]interface{}{})
		if err != nil {
			return changed, err
		}
		if applied {
			changed++
		}
	}
	if changed > 0 {
		if err := s.adjust(ctx, readerID, at, func(n int) int { return messaging.ApplyDelta(n, -changed) }); err != nil {
			return changed, fmt.Errorf("decrement unread counter: %w", err)
		}
	}
	return changed, nil
}

func (s *Store) UnreadCount(ctx context.Context, userID string) (int, error) {
	if s.session == nil {
		return 0, errNoSession
	}
	count, _, err := s.readCounter(ctx, userID)
	if err != nil {
		return 0, err
	}
	return messaging.ApplyDelta(count, 0), nil
}

func (s *Store) ResetUnreadCount(ctx context.Context, userID string, at time.Time) error {
	if s.session == nil {
		return errNoSession
	}
	return s.adjust(ctx, userID, at, func(int) int { return 0 })
}

func (s *Store) readCounter(ctx context.Context, userID string) (int, bool, error) {
	var count int
	err := s.session.
		Query(`SELECT unread_count FROM unread_counters WHERE user_id = ?`, userID).
		WithContext(ctx).
		Scan(&count)
	if errors.Is(err, gocql.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return count, true, nil
}

// adjust replaces the user's counter with next(current) using compare-and-set.
func (s *Store) adjust(ctx context.Context, userID string, at time.Time, next func(int) int) error {
	at = at.UTC()
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, found, err := s.readCounter(ctx, userID)
		if err != nil {
			return err
		}
		var q *gocql.Query
		if found {
			q = s.session.Query(`UPDATE unread_counters SET unread_count = ?, updated_at = ? WHERE user_id = ? IF unread_count = ?`,
				next(current), at, userID, current)
		} else {
			q = s.session.Query(`INSERT INTO unread_counters (user_id, unread_count, updated_at) VALUES (?, ?, ?) IF NOT EXISTS`,
				userID, next(0), at)
		}
		applied, err := q.WithContext(ctx).MapScanCAS(map[string]interface{}{})
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
	}
	return ErrCounterContention
}

func scanMessage(iter *gocql.Iter) (messaging.Message, bool) {
	var (
		msg                      messaging.Message
		read, system             *bool
		readAt                   *time.Time
		content                  *string
		attURL, attType, attName *string
	)
	if !iter.Scan(&msg.ConversationID, &msg.CreatedAt, &msg.ID, &msg.SenderID, &content, &read, &readAt, &attURL, &attType, &attName, &system) {
		return messaging.Message{}, false
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	if content != nil {
		msg.Content = *content
	}
	if read != nil {
		msg.Read = *read
	}
	if system != nil {
		msg.SystemMessage = *system
	}
	if readAt != nil && !readAt.IsZero() {
		at := readAt.UTC()
		msg.ReadAt = &at
	}
	if attURL != nil && *attURL != "" {
		att := &messaging.Attachment{URL: *attURL}
		if attType != nil {
			att.Type = messaging.AttachmentType(*attType)
		}
		if attName != nil {
			att.Name = *attName
		}
		msg.Attachment = att
	}
	return msg, true
}

var _ chat.Store = (*Store)(nil)
