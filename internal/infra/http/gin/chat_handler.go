package ginserver

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	gin "github.com/gin-gonic/gin"

	"estatechat/internal/app/chat"
	"estatechat/internal/app/dto"
	"estatechat/internal/domain/messaging"
)

const IdempotencyHeader = "Idempotency-Key"

// ChatHTTP exposes chat endpoints.
type ChatHTTP interface {
	ListConversations(c *gin.Context)
	CreateConversation(c *gin.Context)
	CreatePropertyConversation(c *gin.Context)
	GetConversation(c *gin.Context)
	Archive(c *gin.Context)
	Unarchive(c *gin.Context)
	ListMessages(c *gin.Context)
	SendMessage(c *gin.Context)
	SendSystemMessage(c *gin.Context)
	MarkRead(c *gin.Context)
	UploadAttachment(c *gin.Context)
	UnreadCount(c *gin.Context)
	ResetUnread(c *gin.Context)
}

// ChatHandler bridges HTTP with the chat service.
type ChatHandler struct {
	Chat           *chat.Service
	Logger         *slog.Logger
	MaxUploadBytes int64
}

// ListConversations returns the caller's conversations, most recent first.
func (h ChatHandler) ListConversations(c *gin.Context) {
	principal, ok := requireRole(c, "")
	if !ok {
		return
	}
	includeArchived, _ := strconv.ParseBool(c.Query("include_archived"))
	views, err := h.Chat.ListConversations(c.Request.Context(), principal.ID, includeArchived)
	if err != nil {
		h.respondChatError(c, err, "list conversations", "user_id", principal.ID)
		return
	}
	out := dto.ConversationList{Items: make([]dto.Conversation, 0, len(views))}
	for _, view := range views {
		item := dto.NewConversation(view.Conversation)
		item.OtherUser = &dto.Profile{ID: view.OtherUser.ID, Name: view.OtherUser.Name, AvatarURL: view.OtherUser.AvatarURL}
		if view.LastMessage != nil {
			last := dto.NewChatMessage(*view.LastMessage)
			item.LastMessage = &last
		}
		out.Items = append(out.Items, item)
	}
	c.JSON(http.StatusOK, out)
}

// CreateConversation gets or creates the caller's conversation with another user.
func (h ChatHandler) CreateConversation(c *gin.Context) {
	principal, ok := requireRole(c, "")
	if !ok {
		return
	}
	var req struct {
		UserID     string `json:"user_id"`
		PropertyID string `json:"property_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	conv, created, err := h.Chat.OpenConversation(c.Request.Context(), principal.ID, req.UserID, req.PropertyID)
	if err != nil {
		h.respondChatError(c, err, "create conversation", "user_id", principal.ID, "peer_id", req.UserID)
		return
	}
	c.JSON(createdStatus(created), dto.NewConversation(conv))
}

// CreatePropertyConversation contacts the owner of a listing.
func (h ChatHandler) CreatePropertyConversation(c *gin.Context) {
	principal, ok := requireRole(c, "")
	if !ok {
		return
	}
	propertyID := strings.TrimSpace(c.Param("id"))
	conv, created, err := h.Chat.StartPropertyConversation(c.Request.Context(), propertyID, principal.ID)
	if err != nil {
		h.respondChatError(c, err, "create property conversation", "property_id", propertyID, "user_id", principal.ID)
		return
	}
	c.JSON(createdStatus(created), dto.NewConversation(conv))
}

func (h ChatHandler) GetConversation(c *gin.Context) {
	principal, ok := requireRole(c, "")
	if !ok {
		return
	}
	conv, ok := h.loadParticipantConversation(c, principal)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dto.NewConversation(conv))
}

func (h ChatHandler) Archive(c *gin.Context) {
	h.setArchived(c, true)
}

func (h ChatHandler) Unarchive(c *gin.Context) {
	h.setArchived(c, false)
}

func (h ChatHandler) setArchived(c *gin.Context, archived bool) {
	principal, ok := requireRole(c, "")
	if !ok {
		return
	}
	conversationID := c.Param("id")
	var err error
	if archived {
		err = h.Chat.ArchiveConversation(c.Request.Context(), conversationID, principal.ID)
	} else {
		err = h.Chat.UnarchiveConversation(c.Request.Context(), conversationID, principal.ID)
	}
	if err != nil {
		h.respondChatError(c, err, "set archived", "conversation_id", conversationID, "user_id", principal.ID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": archived})
}

// ListMessages returns one page, oldest first. offset 0 is the latest page.
func (h ChatHandler) ListMessages(c *gin.Context) {
	principal, ok := requireRole(c, "")
	if !ok {
		return
	}
	conv, ok := h.loadParticipantConversation(c, principal)
	if !ok {
		return
	}
	limit, offset := messaging.NormalizePage(parseIntQuery(c, "limit"), parseIntQuery(c, "offset"))
	page, err := h.Chat.GetMessages(c.Request.Context(), conv.ID, limit, offset)
	if err != nil {
		h.respondChatError(c, err, "list messages", "conversation_id", conv.ID, "user_id", principal.ID)
		return
	}
	c.JSON(http.StatusOK, dto.ChatMessageList{Items: dto.NewChatMessages(page), Limit: limit, Offset: offset})
}

// SendMessage posts a message as the caller. A repeated Idempotency-Key
// returns the message stored by the first request.
func (h ChatHandler) SendMessage(c *gin.Context) {
	principal, ok := requireRole(c, "")
	if !ok {
		return
	}
	var req struct {
		Content    string          `json:"content"`
		Attachment *dto.Attachment `json:"attachment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	conversationID := c.Param("id")
	key := c.GetHeader(IdempotencyHeader)
	msg, replayed, err := h.Chat.AppendMessageOnce(c.Request.Context(), key, conversationID, principal.ID, req.Content, req.Attachment.ToDomain())
	if err != nil {
		h.respondChatError(c, err, "send message", "conversation_id", conversationID, "user_id", principal.ID)
		return
	}
	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
		c.Header("Idempotent-Replayed", "true")
	}
	c.JSON(status, dto.NewChatMessage(msg))
}

// SendSystemMessage posts an application notice. Admin only.
func (h ChatHandler) SendSystemMessage(c *gin.Context) {
	if _, ok := requireRole(c, roleAdmin); !ok {
		return
	}
	var req struct {
		Content  string `json:"content"`
		SenderID string `json:"sender_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	conversationID := c.Param("id")
	msg, err := h.Chat.AppendSystemMessage(c.Request.Context(), conversationID, req.Content, req.SenderID)
	if err != nil {
		h.respondChatError(c, err, "send system message", "conversation_id", conversationID)
		return
	}
	c.JSON(http.StatusCreated, dto.NewChatMessage(msg))
}

// MarkRead marks everything the counterpart sent as read by the caller.
func (h ChatHandler) MarkRead(c *gin.Context) {
	principal, ok := requireRole(c, "")
	if !ok {
		return
	}
	conv, ok := h.loadParticipantConversation(c, principal)
	if !ok {
		return
	}
	n, err := h.Chat.MarkConversationRead(c.Request.Context(), conv.ID, principal.ID)
	if err != nil {
		h.respondChatError(c, err, "mark read", "conversation_id", conv.ID, "user_id", principal.ID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": n})
}

// UploadAttachment stores the multipart "file" field and returns the
// attachment to include in a following send.
func (h ChatHandler) UploadAttachment(c *gin.Context) {
	principal, ok := requireRole(c, "")
	if !ok {
		return
	}
	if h.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUploadBytes)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	file, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read file"})
		return
	}
	defer file.Close()

	conversationID := c.Param("id")
	att, err := h.Chat.UploadAttachment(c.Request.Context(), conversationID, principal.ID, fh.Filename, fh.Header.Get("Content-Type"), file, fh.Size)
	if err != nil {
		h.respondChatError(c, err, "upload attachment", "conversation_id", conversationID, "user_id", principal.ID)
		return
	}
	c.JSON(http.StatusCreated, dto.NewAttachment(att))
}

func (h ChatHandler) UnreadCount(c *gin.Context) {
	principal, ok := requireRole(c, "")
	if !ok {
		return
	}
	count, err := h.Chat.GetUnreadCount(c.Request.Context(), principal.ID)
	if err != nil {
		h.respondChatError(c, err, "unread count", "user_id", principal.ID)
		return
	}
	c.JSON(http.StatusOK, dto.UnreadCount{Count: count})
}

func (h ChatHandler) ResetUnread(c *gin.Context) {
	principal, ok := requireRole(c, "")
	if !ok {
		return
	}
	if err := h.Chat.ResetUnreadCount(c.Request.Context(), principal.ID); err != nil {
		h.respondChatError(c, err, "reset unread", "user_id", principal.ID)
		return
	}
	c.JSON(http.StatusOK, dto.UnreadCount{Count: 0})
}

func (h ChatHandler) loadParticipantConversation(c *gin.Context, p principal) (messaging.Conversation, bool) {
	conversationID := strings.TrimSpace(c.Param("id"))
	conv, err := h.Chat.GetConversation(c.Request.Context(), conversationID)
	if err != nil {
		h.respondChatError(c, err, "load conversation", "conversation_id", conversationID, "user_id", p.ID)
		return messaging.Conversation{}, false
	}
	if !conv.HasParticipant(p.ID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat participant"})
		return messaging.Conversation{}, false
	}
	return conv, true
}

func (h ChatHandler) respondChatError(c *gin.Context, err error, action string, attrs ...any) {
	status, message := chatErrorStatus(err)
	if h.Logger != nil {
		args := append([]any{"action", action, "status", status, "error", err}, attrs...)
		if status >= http.StatusInternalServerError {
			h.Logger.Error("chat call failed", args...)
		} else {
			h.Logger.Debug("chat call rejected", args...)
		}
	}
	c.JSON(status, gin.H{"error": message})
}

func chatErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, messaging.ErrConversationNotFound):
		return http.StatusNotFound, "conversation not found"
	case errors.Is(err, messaging.ErrPropertyNotFound):
		return http.StatusNotFound, "property not found"
	case errors.Is(err, messaging.ErrNotParticipant):
		return http.StatusForbidden, "not a chat participant"
	case messaging.IsValidation(err):
		return http.StatusBadRequest, strings.TrimPrefix(err.Error(), "messaging: ")
	case errors.Is(err, chat.ErrSendInProgress):
		return http.StatusConflict, "a send with this idempotency key is in progress"
	case errors.Is(err, chat.ErrAttachmentsNotConfigured), errors.Is(err, chat.ErrFeedNotConfigured):
		return http.StatusServiceUnavailable, "feature unavailable"
	}
	return http.StatusInternalServerError, "internal error"
}

func createdStatus(created bool) int {
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}

func parseIntQuery(c *gin.Context, key string) int {
	value, err := strconv.Atoi(strings.TrimSpace(c.Query(key)))
	if err != nil {
		return 0
	}
	return value
}

var _ ChatHTTP = ChatHandler{}
