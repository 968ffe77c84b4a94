package dto

// Frame types exchanged on the chat websocket.
const (
	FrameOpen        = "open"
	FrameLoadEarlier = "load_earlier"
	FrameSend        = "send"
	FrameReload      = "reload"
	FrameSnapshot    = "snapshot"
	FrameUnread      = "unread"
	FrameError       = "error"
)

// ClientFrame is a command sent by the browser.
type ClientFrame struct {
	Type           string      `json:"type"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Content        string      `json:"content,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	// ClientID makes a send idempotent across reconnects.
	ClientID string `json:"client_id,omitempty"`
}

// ServerFrame is pushed to the browser.
type ServerFrame struct {
	Type           string        `json:"type"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Messages       []ChatMessage `json:"messages,omitempty"`
	Exhausted      bool          `json:"exhausted,omitempty"`
	Count          *int          `json:"count,omitempty"`
	Error          string        `json:"error,omitempty"`
}
