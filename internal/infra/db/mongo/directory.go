package mongo

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"estatechat/internal/app/chat"
	"estatechat/internal/domain/messaging"
)

// Directory reads public profiles from the users collection and listing
// owners from the properties collection. Both are owned by other services.
type Directory struct {
	users      *mongo.Collection
	properties *mongo.Collection
}

func NewDirectory(db *mongo.Database) *Directory {
	return &Directory{users: db.Collection("users"), properties: db.Collection("properties")}
}

func (d *Directory) Lookup(ctx context.Context, ids []string) (map[string]chat.Profile, error) {
	out := make(map[string]chat.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cur, err := d.users.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		var doc userDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out[doc.ID] = chat.Profile{ID: doc.ID, Name: doc.Name, AvatarURL: doc.AvatarURL}
	}
	return out, cur.Err()
}

func (d *Directory) Owner(ctx context.Context, propertyID string) (string, error) {
	var doc propertyDocument
	if err := d.properties.FindOne(ctx, bson.M{"_id": propertyID}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", messaging.ErrPropertyNotFound
		}
		return "", err
	}
	if doc.UserID == "" {
		return "", messaging.ErrPropertyNotFound
	}
	return doc.UserID, nil
}

type userDocument struct {
	ID        string `bson:"_id"`
	Name      string `bson:"name"`
	AvatarURL string `bson:"avatar_url"`
}

type propertyDocument struct {
	ID     string `bson:"_id"`
	UserID string `bson:"user_id"`
}

var (
	_ chat.ProfileDirectory  = (*Directory)(nil)
	_ chat.PropertyDirectory = (*Directory)(nil)
)
