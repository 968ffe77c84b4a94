package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"estatechat/internal/app/chat"
	"estatechat/internal/domain/messaging"
)

// Directory serves user profiles and property owners from memory. It backs
// the memory and scylla drivers and is seeded from a fixtures file.
type Directory struct {
	mu         sync.RWMutex
	profiles   map[string]chat.Profile
	properties map[string]string
}

func NewDirectory() *Directory {
	return &Directory{
		profiles:   make(map[string]chat.Profile),
		properties: make(map[string]string),
	}
}

func (d *Directory) PutProfile(p chat.Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.ID] = p
}

func (d *Directory) PutProperty(propertyID, ownerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.properties[propertyID] = ownerID
}

func (d *Directory) Lookup(ctx context.Context, ids []string) (map[string]chat.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]chat.Profile, len(ids))
	for _, id := range ids {
		if p, ok := d.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (d *Directory) Owner(ctx context.Context, propertyID string) (string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	owner, ok := d.properties[propertyID]
	if !ok || owner == "" {
		return "", messaging.ErrPropertyNotFound
	}
	return owner, nil
}

// Fixtures is the development seed for the user and property directory.
type Fixtures struct {
	Users      []chat.Profile `json:"users"`
	Properties []struct {
		ID     string `json:"id"`
		UserID string `json:"user_id"`
	} `json:"properties"`
}

// ReadFixtures decodes a fixtures file. A missing or empty file yields empty
// fixtures.
func ReadFixtures(path string) (Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Fixtures{}, nil
		}
		return Fixtures{}, fmt.Errorf("read fixtures: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return Fixtures{}, nil
	}
	var fx Fixtures
	if err := json.Unmarshal(data, &fx); err != nil {
		return Fixtures{}, fmt.Errorf("decode fixtures: %w", err)
	}
	return fx, nil
}

// Apply feeds every valid record to the given callbacks and reports how many
// were accepted.
func (fx Fixtures) Apply(putProfile func(chat.Profile) error, putProperty func(propertyID, ownerID string) error) (int, error) {
	imported := 0
	for _, u := range fx.Users {
		if strings.TrimSpace(u.ID) == "" {
			continue
		}
		if err := putProfile(u); err != nil {
			return imported, err
		}
		imported++
	}
	for _, p := range fx.Properties {
		if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.UserID) == "" {
			continue
		}
		if err := putProperty(p.ID, p.UserID); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}

// LoadFixtures imports users and properties from a JSON file. A missing file
// is not an error and reports zero imported records.
func (d *Directory) LoadFixtures(path string) (int, error) {
	fx, err := ReadFixtures(path)
	if err != nil {
		return 0, err
	}
	return fx.Apply(
		func(p chat.Profile) error { d.PutProfile(p); return nil },
		func(propertyID, ownerID string) error { d.PutProperty(propertyID, ownerID); return nil },
	)
}

var (
	_ chat.ProfileDirectory  = (*Directory)(nil)
	_ chat.PropertyDirectory = (*Directory)(nil)
)
