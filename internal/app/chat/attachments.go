package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"estatechat/internal/domain/messaging"
)

// ErrAttachmentsNotConfigured is returned when no object store is wired.
var ErrAttachmentsNotConfigured = errors.New("chat: attachment storage not configured")

// ObjectStore stores uploaded bytes and returns a URL clients can fetch them from.
type ObjectStore interface {
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) (string, error)
}

// UploadAttachment stores a file for a later message in the conversation.
// Only participants may upload. The returned attachment is not yet part of
// any message.
func (s *Service) UploadAttachment(ctx context.Context, conversationID, uploaderID, filename, contentType string, body io.Reader, size int64) (messaging.Attachment, error) {
	if s.Objects == nil {
		return messaging.Attachment{}, ErrAttachmentsNotConfigured
	}
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return messaging.Attachment{}, err
	}
	if !conv.HasParticipant(strings.TrimSpace(uploaderID)) {
		return messaging.Attachment{}, messaging.ErrNotParticipant
	}
	name := cleanFilename(filename)
	key := path.Join("conversations", conv.ID, s.newID()+"-"+name)
	url, err := s.Objects.Upload(ctx, key, body, size, contentType)
	if err != nil {
		return messaging.Attachment{}, fmt.Errorf("upload attachment: %w", err)
	}
	return messaging.Attachment{URL: url, Type: messaging.AttachmentTypeFor(contentType), Name: name}, nil
}

func cleanFilename(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "" || name == "." || name == "/" {
		return "file"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == '/', r == '?', r == '#', r == '%':
			return '_'
		}
		return r
	}, name)
}
