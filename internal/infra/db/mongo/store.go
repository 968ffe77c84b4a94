package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"estatechat/internal/app/chat"
	"estatechat/internal/domain/messaging"
)

// Store persists conversations, messages and unread counters in MongoDB.
// With Transactions set, message inserts and read marks run in a session
// transaction together with the counter update; this requires a replica set.
type Store struct {
	db            *mongo.Database
	conversations *mongo.Collection
	messages      *mongo.Collection
	counters      *mongo.Collection
	transactions  bool
}

func NewStore(db *mongo.Database, transactions bool) *Store {
	return &Store{
		db:            db,
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
		counters:      db.Collection("unread_counters"),
		transactions:  transactions,
	}
}

// EnsureIndexes creates the unique pair index and the listing indexes.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "pair_key", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "participants", Value: 1}, {Key: "updated_at", Value: -1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}},
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "read", Value: 1}}},
	})
	return err
}

func (s *Store) GetOrCreateConversation(ctx context.Context, candidate messaging.Conversation) (messaging.Conversation, bool, error) {
	key, err := messaging.PairKey(candidate.Participant1ID, candidate.Participant2ID)
	if err != nil {
		return messaging.Conversation{}, false, err
	}
	doc := newConversationDocument(candidate)
	insert := bson.M{
		"_id":             doc.ID,
		"participant1_id": doc.Participant1ID,
		"participant2_id": doc.Participant2ID,
		"participants":    doc.Participants,
		"property_id":     doc.PropertyID,
		"archived":        false,
		"created_at":      doc.CreatedAt,
		"updated_at":      doc.UpdatedAt,
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var stored conversationDocument
	err = s.conversations.FindOneAndUpdate(ctx, bson.M{"pair_key": key}, bson.M{"$setOnInsert": insert}, opts).Decode(&stored)
	if mongo.IsDuplicateKeyError(err) {
		// a concurrent upsert won the unique index
		err = s.conversations.FindOne(ctx, bson.M{"pair_key": key}).Decode(&stored)
	}
	if err != nil {
		return messaging.Conversation{}, false, err
	}
	return stored.toDomain(), stored.ID == doc.ID, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (messaging.Conversation, error) {
	var doc conversationDocument
	if err := s.conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return messaging.Conversation{}, messaging.ErrConversationNotFound
		}
		return messaging.Conversation{}, err
	}
	return doc.toDomain(), nil
}

func (s *Store) ListConversations(ctx context.Context, userID string, includeArchived bool) ([]messaging.Conversation, error) {
	filter := bson.M{"participants": userID}
	if !includeArchived {
		filter["archived"] = bson.M{"$ne": true}
	}
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: -1}})
	cur, err := s.conversations.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := make([]messaging.Conversation, 0)
	for cur.Next(ctx) {
		var doc conversationDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toDomain())
	}
	return out, cur.Err()
}

func (s *Store) SetArchived(ctx context.Context, id string, archived bool) error {
	res, err := s.conversations.UpdateByID(ctx, id, bson.M{"$set": bson.M{"archived": archived}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return messaging.ErrConversationNotFound
	}
	return nil
}

// TouchConversation moves updated_at forward only.
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	res, err := s.conversations.UpdateByID(ctx, id, bson.M{"$max": bson.M{"updated_at": at.UTC().UnixMilli()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return messaging.ErrConversationNotFound
	}
	return nil
}

// InsertMessage takes created_at from reserveCreatedAt, so timestamps within a
// conversation strictly increase in the order the reservations were made.
func (s *Store) InsertMessage(ctx context.Context, msg messaging.Message, recipientID string) (messaging.Message, error) {
	doc := newMessageDocument(msg)
	err := s.withTransaction(ctx, func(ctx context.Context) error {
		createdAt, err := s.reserveCreatedAt(ctx, msg.ConversationID, doc.CreatedAt)
		if err != nil {
			return err
		}
		doc.CreatedAt = createdAt
		msg.CreatedAt = timestampToTime(createdAt)
		if _, err := s.messages.InsertOne(ctx, doc); err != nil {
			return err
		}
		if recipientID == "" || !msg.CountsAsUnreadFor(recipientID) {
			return nil
		}
		return s.adjust(ctx, recipientID, 1, msg.CreatedAt)
	})
	if err != nil {
		return messaging.Message{}, err
	}
	return doc.toDomain(), nil
}

// reserveCreatedAt advances the conversation's last_message_at to
// max(candidate, last_message_at+1ms) in a single document update and returns it.
func (s *Store) reserveCreatedAt(ctx context.Context, conversationID string, candidate int64) (int64, error) {
	next := bson.M{"$max": bson.A{candidate, bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$last_message_at", int64(-1)}}, int64(1)}}}}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{"last_message_at": next}}},
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"last_message_at": 1})
	var reserved struct {
		LastMessageAt int64 `bson:"last_message_at"`
	}
	err := s.conversations.FindOneAndUpdate(ctx, bson.M{"_id": conversationID}, update, opts).Decode(&reserved)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, messaging.ErrConversationNotFound
	}
	if err != nil {
		return 0, err
	}
	return reserved.LastMessageAt, nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID string, limit, offset int) ([]messaging.Message, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cur, err := s.messages.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := make([]messaging.Message, 0, limit)
	for cur.Next(ctx) {
		var doc messageDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toDomain())
	}
	return out, cur.Err()
}

// LatestMessages fetches the newest message of every conversation in one aggregate.
func (s *Store) LatestMessages(ctx context.Context, conversationIDs []string) (map[string]messaging.Message, error) {
	out := make(map[string]messaging.Message, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"conversation_id": bson.M{"$in": conversationIDs}}}},
		{{Key: "$sort", Value: bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}}},
		{{Key: "$group", Value: bson.M{"_id": "$conversation_id", "latest": bson.M{"$first": "$$ROOT"}}}},
	}
	cur, err := s.messages.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		var row struct {
			ConversationID string          `bson:"_id"`
			Latest         messageDocument `bson:"latest"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		out[row.ConversationID] = row.Latest.toDomain()
	}
	return out, cur.Err()
}

func (s *Store) MarkConversationRead(ctx context.Context, conversationID, readerID string, at time.Time) (int, error) {
	var changed int
	err := s.withTransaction(ctx, func(ctx context.Context) error {
		filter := bson.M{
			"conversation_id": conversationID,
			"sender_id":       bson.M{"$ne": readerID},
			"read":            false,
		}
		update := bson.M{"$set": bson.M{"read": true, "read_at": at.UTC().UnixMilli()}}
		res, err := s.messages.UpdateMany(ctx, filter, update)
		if err != nil {
			return err
		}
		changed = int(res.ModifiedCount)
		if changed == 0 {
			return nil
		}
		return s.adjust(ctx, readerID, -changed, at)
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

func (s *Store) UnreadCount(ctx context.Context, userID string) (int, error) {
	var doc counterDocument
	if err := s.counters.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, err
	}
	return messaging.ApplyDelta(doc.Count, 0), nil
}

func (s *Store) ResetUnreadCount(ctx context.Context, userID string, at time.Time) error {
	update := bson.M{"$set": bson.M{"unread_count": 0, "updated_at": at.UTC().UnixMilli()}}
	_, err := s.counters.UpdateByID(ctx, userID, update, options.Update().SetUpsert(true))
	return err
}

// adjust applies delta to the user's counter with a pipeline update so the
// result is clamped at zero server-side.
func (s *Store) adjust(ctx context.Context, userID string, delta int, at time.Time) error {
	next := bson.M{"$max": bson.A{0, bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$unread_count", 0}}, delta}}}}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{"unread_count": next, "updated_at": at.UTC().UnixMilli()}}},
	}
	_, err := s.counters.UpdateByID(ctx, userID, update, options.Update().SetUpsert(true))
	return err
}

func (s *Store) withTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if !s.transactions {
		return fn(ctx)
	}
	session, err := s.db.Client().StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)
	txnOpts := options.Transaction().SetReadConcern(s.db.ReadConcern()).SetWriteConcern(s.db.WriteConcern())
	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	}, txnOpts)
	return err
}

type conversationDocument struct {
	ID             string   `bson:"_id"`
	PairKey        string   `bson:"pair_key"`
	Participant1ID string   `bson:"participant1_id"`
	Participant2ID string   `bson:"participant2_id"`
	Participants   []string `bson:"participants"`
	PropertyID     string   `bson:"property_id,omitempty"`
	Archived       bool     `bson:"archived"`
	CreatedAt      int64    `bson:"created_at"`
	UpdatedAt      int64    `bson:"updated_at"`
}

func newConversationDocument(c messaging.Conversation) conversationDocument {
	return conversationDocument{
		ID:             c.ID,
		PairKey:        c.PairKey(),
		Participant1ID: c.Participant1ID,
		Participant2ID: c.Participant2ID,
		Participants:   []string{c.Participant1ID, c.Participant2ID},
		PropertyID:     c.PropertyID,
		Archived:       c.Archived,
		CreatedAt:      c.CreatedAt.UnixMilli(),
		UpdatedAt:      c.UpdatedAt.UnixMilli(),
	}
}

func (d conversationDocument) toDomain() messaging.Conversation {
	return messaging.Conversation{
		ID:             d.ID,
		Participant1ID: d.Participant1ID,
		Participant2ID: d.Participant2ID,
		PropertyID:     d.PropertyID,
		Archived:       d.Archived,
		CreatedAt:      timestampToTime(d.CreatedAt),
		UpdatedAt:      timestampToTime(d.UpdatedAt),
	}
}

type attachmentDocument struct {
	URL  string `bson:"url"`
	Type string `bson:"type"`
	Name string `bson:"name,omitempty"`
}

type messageDocument struct {
	ID             string              `bson:"_id"`
	ConversationID string              `bson:"conversation_id"`
	SenderID       string              `bson:"sender_id"`
	Content        string              `bson:"content"`
	Read           bool                `bson:"read"`
	ReadAt         *int64              `bson:"read_at,omitempty"`
	Attachment     *attachmentDocument `bson:"attachment,omitempty"`
	SystemMessage  bool                `bson:"system_message"`
	CreatedAt      int64               `bson:"created_at"`
}

func newMessageDocument(m messaging.Message) messageDocument {
	doc := messageDocument{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		Read:           m.Read,
		SystemMessage:  m.SystemMessage,
		CreatedAt:      m.CreatedAt.UnixMilli(),
	}
	if m.ReadAt != nil {
		ms := m.ReadAt.UnixMilli()
		doc.ReadAt = &ms
	}
	if m.Attachment != nil {
		doc.Attachment = &attachmentDocument{URL: m.Attachment.URL, Type: string(m.Attachment.Type), Name: m.Attachment.Name}
	}
	return doc
}

func (d messageDocument) toDomain() messaging.Message {
	msg := messaging.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		Content:        d.Content,
		Read:           d.Read,
		SystemMessage:  d.SystemMessage,
		CreatedAt:      timestampToTime(d.CreatedAt),
	}
	if d.ReadAt != nil {
		at := timestampToTime(*d.ReadAt)
		msg.ReadAt = &at
	}
	if d.Attachment != nil {
		msg.Attachment = &messaging.Attachment{URL: d.Attachment.URL, Type: messaging.AttachmentType(d.Attachment.Type), Name: d.Attachment.Name}
	}
	return msg
}

type counterDocument struct {
	UserID    string `bson:"_id"`
	Count     int    `bson:"unread_count"`
	UpdatedAt int64  `bson:"updated_at"`
}

func timestampToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

var _ chat.Store = (*Store)(nil)
