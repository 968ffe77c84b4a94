package chat

import (
	"context"
	"sync"
	"time"

	"estatechat/internal/domain/messaging"
)

// Snapshot is the visible state of a Window.
type Snapshot struct {
	ConversationID string
	Messages       []messaging.Message
	// Exhausted is set once an earlier page came back short.
	Exhausted bool
}

// Window is one viewer's live view of a single conversation: a contiguous,
// de-duplicated, chronologically ordered suffix of the message log kept
// current by realtime subscriptions. Switching conversations cancels the
// previous subscriptions before new ones are opened.
type Window struct {
	Service  *Service
	ViewerID string
	PageSize int
	OnChange func(Snapshot)
	// MarkTimeout bounds the mark-read call issued when a counterpart message arrives.
	MarkTimeout time.Duration

	mu             sync.Mutex
	conversationID string
	generation     uint64
	messages       []messaging.Message
	index          map[string]int
	exhausted      bool
	subs           []Subscription
}

func (w *Window) pageSize() int {
	limit, _ := messaging.NormalizePage(w.PageSize, 0)
	return limit
}

func (w *Window) markTimeout() time.Duration {
	if w.MarkTimeout <= 0 {
		return 5 * time.Second
	}
	return w.MarkTimeout
}

// Open switches the window to conversationID: prior subscriptions are
// cancelled, live delivery is attached, the latest page is loaded and the
// conversation is marked read for the viewer.
func (w *Window) Open(ctx context.Context, conversationID string) error {
	conv, err := w.Service.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(w.ViewerID) {
		return messaging.ErrNotParticipant
	}

	w.mu.Lock()
	w.cancelLocked()
	w.generation++
	gen := w.generation
	w.conversationID = conv.ID
	w.messages = nil
	w.index = make(map[string]int)
	w.exhausted = false
	w.mu.Unlock()

	// Subscribe before loading so nothing inserted in between is missed;
	// overlap with the loaded page is removed by id.
	msgSub, err := w.Service.SubscribeToConversation(conv.ID, func(msg messaging.Message) {
		w.onMessage(gen, msg)
	})
	if err != nil {
		return err
	}
	receiptSub, err := w.Service.SubscribeToReadReceipts(conv.ID, func(receipt messaging.MessagesRead) {
		w.onReceipt(gen, receipt)
	})
	if err != nil {
		msgSub.Cancel()
		return err
	}
	w.mu.Lock()
	if w.generation != gen {
		w.mu.Unlock()
		msgSub.Cancel()
		receiptSub.Cancel()
		return nil
	}
	w.subs = []Subscription{msgSub, receiptSub}
	w.mu.Unlock()

	page, err := w.Service.GetMessages(ctx, conv.ID, w.pageSize(), 0)
	if err != nil {
		return err
	}
	if _, err := w.Service.MarkConversationRead(ctx, conv.ID, w.ViewerID); err != nil {
		return err
	}
	w.apply(gen, func() {
		w.mergeLocked(page)
		w.exhausted = len(page) < w.pageSize()
		w.markLocalReadLocked(w.ViewerID, time.Now().UTC())
	})
	return nil
}

// LoadEarlier fetches the page preceding the oldest loaded message and
// prepends it. It returns how many messages were added.
func (w *Window) LoadEarlier(ctx context.Context) (int, error) {
	w.mu.Lock()
	conversationID := w.conversationID
	gen := w.generation
	offset := len(w.messages)
	exhausted := w.exhausted
	w.mu.Unlock()
	if conversationID == "" || exhausted {
		return 0, nil
	}

	page, err := w.Service.GetMessages(ctx, conversationID, w.pageSize(), offset)
	if err != nil {
		return 0, err
	}
	added := 0
	w.apply(gen, func() {
		before := len(w.messages)
		w.mergeLocked(page)
		added = len(w.messages) - before
		if len(page) < w.pageSize() {
			w.exhausted = true
		}
	})
	return added, nil
}

// Reload re-fetches the latest page and merges it, closing any gap left by a
// dropped realtime connection.
func (w *Window) Reload(ctx context.Context) error {
	w.mu.Lock()
	conversationID := w.conversationID
	gen := w.generation
	w.mu.Unlock()
	if conversationID == "" {
		return nil
	}
	page, err := w.Service.GetMessages(ctx, conversationID, w.pageSize(), 0)
	if err != nil {
		return err
	}
	w.apply(gen, func() { w.mergeLocked(page) })
	return nil
}

// Close cancels live delivery and empties the window.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelLocked()
	w.generation++
	w.conversationID = ""
	w.messages = nil
	w.index = nil
	w.exhausted = false
}

func (w *Window) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Window) ConversationID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conversationID
}

func (w *Window) onMessage(gen uint64, msg messaging.Message) {
	if !w.apply(gen, func() { w.mergeLocked([]messaging.Message{msg}) }) {
		return
	}
	if msg.SenderID == w.ViewerID || msg.SystemMessage {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.markTimeout())
	defer cancel()
	if _, err := w.Service.MarkConversationRead(ctx, msg.ConversationID, w.ViewerID); err != nil && w.Service.Logger != nil {
		w.Service.Logger.Warn("mark read on delivery failed", "conversation_id", msg.ConversationID, "user_id", w.ViewerID, "error", err)
	}
}

func (w *Window) onReceipt(gen uint64, receipt messaging.MessagesRead) {
	w.apply(gen, func() { w.markLocalReadLocked(receipt.ReaderID, receipt.At) })
}

// apply runs fn under the lock when gen is still current and notifies
// OnChange afterwards. It reports whether fn ran.
func (w *Window) apply(gen uint64, fn func()) bool {
	w.mu.Lock()
	if w.generation != gen {
		w.mu.Unlock()
		return false
	}
	fn()
	snap := w.snapshotLocked()
	w.mu.Unlock()
	if w.OnChange != nil {
		w.OnChange(snap)
	}
	return true
}

func (w *Window) mergeLocked(msgs []messaging.Message) {
	for _, msg := range msgs {
		if msg.ConversationID != w.conversationID {
			continue
		}
		if i, ok := w.index[msg.ID]; ok {
			// keep the read transition if the incoming copy is older
			if w.messages[i].Read && !msg.Read {
				msg.Read = true
				msg.ReadAt = w.messages[i].ReadAt
			}
			w.messages[i] = msg
			continue
		}
		w.index[msg.ID] = len(w.messages)
		w.messages = append(w.messages, msg)
	}
	messaging.SortChronological(w.messages)
	for i, msg := range w.messages {
		w.index[msg.ID] = i
	}
}

// markLocalReadLocked mirrors a read transition by readerID onto loaded messages.
func (w *Window) markLocalReadLocked(readerID string, at time.Time) {
	for i := range w.messages {
		if w.messages[i].SenderID != readerID {
			w.messages[i].MarkRead(at)
		}
	}
}

func (w *Window) cancelLocked() {
	for _, sub := range w.subs {
		sub.Cancel()
	}
	w.subs = nil
}

func (w *Window) snapshotLocked() Snapshot {
	msgs := make([]messaging.Message, len(w.messages))
	copy(msgs, w.messages)
	return Snapshot{ConversationID: w.conversationID, Messages: msgs, Exhausted: w.exhausted}
}
