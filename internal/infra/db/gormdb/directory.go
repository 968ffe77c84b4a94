package gormdb

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"estatechat/internal/app/chat"
	"estatechat/internal/domain/messaging"
)

// Directory reads profiles and listing owners from the users and properties tables.
type Directory struct {
	db *gorm.DB
}

func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db}
}

func (d *Directory) Lookup(ctx context.Context, ids []string) (map[string]chat.Profile, error) {
	out := make(map[string]chat.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []userRow
	if err := d.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ID] = chat.Profile{ID: row.ID, Name: row.Name, AvatarURL: row.AvatarURL}
	}
	return out, nil
}

func (d *Directory) Owner(ctx context.Context, propertyID string) (string, error) {
	var row propertyRow
	if err := d.db.WithContext(ctx).Where("id = ?", propertyID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", messaging.ErrPropertyNotFound
		}
		return "", err
	}
	if row.UserID == "" {
		return "", messaging.ErrPropertyNotFound
	}
	return row.UserID, nil
}

// PutProfile and PutProperty seed the directory tables in development.
func (d *Directory) PutProfile(ctx context.Context, p chat.Profile) error {
	return d.db.WithContext(ctx).Save(&userRow{ID: p.ID, Name: p.Name, AvatarURL: p.AvatarURL}).Error
}

func (d *Directory) PutProperty(ctx context.Context, propertyID, ownerID string) error {
	return d.db.WithContext(ctx).Save(&propertyRow{ID: propertyID, UserID: ownerID}).Error
}

var (
	_ chat.ProfileDirectory  = (*Directory)(nil)
	_ chat.PropertyDirectory = (*Directory)(nil)
)
