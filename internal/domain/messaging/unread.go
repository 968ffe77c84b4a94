package messaging

import "time"

// UnreadCounter is the per-user aggregate of unread, non-system messages
// received across all of the user's conversations.
type UnreadCounter struct {
	UserID    string
	Count     int
	UpdatedAt time.Time
}

// ApplyDelta returns count+delta floored at zero.
func ApplyDelta(count, delta int) int {
	next := count + delta
	if next < 0 {
		return 0
	}
	return next
}
