package messaging

import "errors"

var (
	ErrConversationNotFound = errors.New("messaging: conversation not found")
	ErrPropertyNotFound     = errors.New("messaging: property not found")
	ErrMissingParticipant   = errors.New("messaging: both participants are required")
	ErrSameParticipant      = errors.New("messaging: cannot start a conversation with yourself")
	ErrNotParticipant       = errors.New("messaging: user is not a conversation participant")
	ErrEmptyMessage         = errors.New("messaging: content or attachment is required")
	ErrInvalidAttachment    = errors.New("messaging: attachment requires url and type image or document")
	ErrMissingSender        = errors.New("messaging: sender is required")
)

// IsValidation reports whether err is caused by caller input rather than the store.
func IsValidation(err error) bool {
	switch {
	case errors.Is(err, ErrMissingParticipant),
		errors.Is(err, ErrSameParticipant),
		errors.Is(err, ErrEmptyMessage),
		errors.Is(err, ErrInvalidAttachment),
		errors.Is(err, ErrMissingSender):
		return true
	}
	return false
}
