package ginserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"estatechat/internal/app/chat"
	"estatechat/internal/app/dto"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxFrameBytes  = 64 << 10
	wsCommandTimeout = 10 * time.Second
	sseKeepAlive     = 25 * time.Second
)

type RealtimeHTTP interface {
	Chat(c *gin.Context)
	UnreadStream(c *gin.Context)
}

// RealtimeHandler serves the chat websocket and the unread event stream.
type RealtimeHandler struct {
	Service        *chat.Service
	Logger         *slog.Logger
	AllowedOrigins []string
	PageSize       int
}

func (h RealtimeHandler) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(h.AllowedOrigins) == 0 {
				return true
			}
			for _, allowed := range h.AllowedOrigins {
				if allowed == "*" || strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// Chat upgrades to a websocket that drives one conversation window per
// connection. The client sends open, load_earlier, send and reload frames and
// receives snapshot, unread and error frames.
func (h RealtimeHandler) Chat(c *gin.Context) {
	principal, ok := requireRole(c, "")
	if !ok {
		return
	}
	upgrader := h.upgrader()
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger().Debug("websocket upgrade failed", "user_id", principal.ID, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := &wsSession{
		conn:   conn,
		userID: principal.ID,
		out:    make(chan dto.ServerFrame, 16),
		wake:   make(chan struct{}, 1),
		logger: h.logger().With("user_id", principal.ID),
	}
	window := &chat.Window{
		Service:  h.Service,
		ViewerID: principal.ID,
		PageSize: h.PageSize,
		OnChange: session.setSnapshot,
	}
	unreadSub, err := h.Service.SubscribeToUnread(principal.ID, session.setUnread)
	if err != nil {
		session.logger.Warn("unread subscription failed", "error", err)
	}
	if count, err := h.Service.GetUnreadCount(ctx, principal.ID); err == nil {
		session.setUnread(count)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if !session.writeLoop(ctx) {
			// unblocks the reader
			_ = conn.Close()
		}
	}()

	session.readLoop(ctx, h.Service, window)

	cancel()
	window.Close()
	if unreadSub != nil {
		unreadSub.Cancel()
	}
	wg.Wait()
	_ = conn.Close()
}

// UnreadStream pushes the caller's unread count as server-sent events.
func (h RealtimeHandler) UnreadStream(c *gin.Context) {
	principal, ok := requireRole(c, "")
	if !ok {
		return
	}
	counts := make(chan int, 1)
	push := func(n int) {
		select {
		case <-counts:
		default:
		}
		select {
		case counts <- n:
		default:
		}
	}
	sub, err := h.Service.SubscribeToUnread(principal.ID, push)
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer sub.Cancel()

	count, err := h.Service.GetUnreadCount(c.Request.Context(), principal.ID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	push(count)

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case n := <-counts:
			c.SSEvent(dto.FrameUnread, dto.UnreadCount{Count: n})
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UTC()})
		}
		return true
	})
}

func (h RealtimeHandler) respondError(c *gin.Context, err error) {
	status, message := chatErrorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger().Error("unread stream failed", "error", err)
	}
	c.JSON(status, gin.H{"error": message})
}

func (h RealtimeHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// wsSession owns the connection writes. Snapshots and unread counts are
// coalesced so a slow client only ever receives the latest state.
type wsSession struct {
	conn   *websocket.Conn
	userID string
	out    chan dto.ServerFrame
	wake   chan struct{}
	logger *slog.Logger

	mu       sync.Mutex
	snapshot *chat.Snapshot
	unread   *int
}

func (s *wsSession) setSnapshot(snap chat.Snapshot) {
	s.mu.Lock()
	s.snapshot = &snap
	s.mu.Unlock()
	s.notify()
}

func (s *wsSession) setUnread(count int) {
	s.mu.Lock()
	s.unread = &count
	s.mu.Unlock()
	s.notify()
}

func (s *wsSession) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *wsSession) sendError(ctx context.Context, err error) {
	_, message := chatErrorStatus(err)
	if errors.Is(err, errUnknownFrame) {
		message = err.Error()
	}
	select {
	case s.out <- dto.ServerFrame{Type: dto.FrameError, Error: message}:
	case <-ctx.Done():
	default:
		s.logger.Warn("websocket error frame dropped", "error", err)
	}
}

func (s *wsSession) readLoop(ctx context.Context, svc *chat.Service, window *chat.Window) {
	s.conn.SetReadLimit(wsMaxFrameBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		var frame dto.ClientFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		cmdCtx, cancel := context.WithTimeout(ctx, wsCommandTimeout)
		err := s.handle(cmdCtx, svc, window, frame)
		cancel()
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return
			}
			s.logger.Debug("websocket command rejected", "type", frame.Type, "error", err)
			s.sendError(ctx, err)
		}
	}
}

var errUnknownFrame = errors.New("unknown frame type")

func (s *wsSession) handle(ctx context.Context, svc *chat.Service, window *chat.Window, frame dto.ClientFrame) error {
	switch frame.Type {
	case dto.FrameOpen:
		return window.Open(ctx, frame.ConversationID)
	case dto.FrameLoadEarlier:
		_, err := window.LoadEarlier(ctx)
		return err
	case dto.FrameReload:
		return window.Reload(ctx)
	case dto.FrameSend:
		conversationID := frame.ConversationID
		if conversationID == "" {
			conversationID = window.ConversationID()
		}
		_, _, err := svc.AppendMessageOnce(ctx, frame.ClientID, conversationID, s.userID, frame.Content, frame.Attachment.ToDomain())
		return err
	default:
		return errUnknownFrame
	}
}

// writeLoop reports false when the connection broke before ctx ended.
func (s *wsSession) writeLoop(ctx context.Context) bool {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return true
		case frame := <-s.out:
			if !s.write(frame) {
				return false
			}
		case <-s.wake:
			for _, frame := range s.drain() {
				if !s.write(frame) {
					return false
				}
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return false
			}
		}
	}
}

func (s *wsSession) drain() []dto.ServerFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var frames []dto.ServerFrame
	if s.snapshot != nil {
		frames = append(frames, dto.ServerFrame{
			Type:           dto.FrameSnapshot,
			ConversationID: s.snapshot.ConversationID,
			Messages:       dto.NewChatMessages(s.snapshot.Messages),
			Exhausted:      s.snapshot.Exhausted,
		})
		s.snapshot = nil
	}
	if s.unread != nil {
		count := *s.unread
		frames = append(frames, dto.ServerFrame{Type: dto.FrameUnread, Count: &count})
		s.unread = nil
	}
	return frames
}

func (s *wsSession) write(frame dto.ServerFrame) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := s.conn.WriteJSON(frame); err != nil {
		s.logger.Debug("websocket write failed", "type", frame.Type, "error", err)
		return false
	}
	return true
}

var _ RealtimeHTTP = RealtimeHandler{}
