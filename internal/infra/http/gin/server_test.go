package ginserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gin "github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"estatechat/internal/app/chat"
	"estatechat/internal/app/dto"
	"estatechat/internal/domain/messaging"
	"estatechat/internal/infra/config"
	"estatechat/internal/infra/obs"
	"estatechat/internal/infra/realtime"
	"estatechat/internal/infra/storage/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router *gin.Engine
	svc    *chat.Service
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := realtime.NewHub(64, logger)
	dir := memory.NewDirectory()
	dir.PutProfile(chat.Profile{ID: "alice", Name: "Alice"})
	dir.PutProfile(chat.Profile{ID: "bob", Name: "Bob"})
	dir.PutProperty("p-loft", "alice")
	svc := &chat.Service{
		Store:       memory.NewStore(),
		Profiles:    dir,
		Properties:  dir,
		Publisher:   hub,
		Feed:        hub,
		Logger:      logger,
		Idempotency: memory.NewIdempotencyStore(time.Hour),
	}
	handlers := Handlers{
		Chat:     ChatHandler{Chat: svc, Logger: logger, MaxUploadBytes: 1 << 20},
		Realtime: RealtimeHandler{Service: svc, Logger: logger},
	}
	router := NewRouter(config.Config{}, obs.Middleware{}, obs.HealthHandlers{}, handlers)
	return testServer{router: router, svc: svc}
}

type request struct {
	method  string
	path    string
	user    string
	roles   string
	body    string
	headers map[string]string
}

func (s testServer) do(t *testing.T, r request) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if r.body != "" {
		body = strings.NewReader(r.body)
	}
	req := httptest.NewRequest(r.method, r.path, body)
	if r.body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.user != "" {
		req.Header.Set(UserIDHeader, r.user)
	}
	if r.roles != "" {
		req.Header.Set(RolesHeader, r.roles)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func (s testServer) createConversation(t *testing.T, user, peer string) dto.Conversation {
	t.Helper()
	w := s.do(t, request{method: http.MethodPost, path: "/api/v1/conversations", user: user, body: `{"user_id":"` + peer + `"}`})
	if w.Code != http.StatusCreated && w.Code != http.StatusOK {
		t.Fatalf("create conversation: %d %s", w.Code, w.Body.String())
	}
	return decode[dto.Conversation](t, w)
}

func TestChatRoutesRequireIdentity(t *testing.T) {
	s := newTestServer(t)
	for _, path := range []string{"/api/v1/conversations", "/api/v1/me/unread"} {
		if w := s.do(t, request{method: http.MethodGet, path: path}); w.Code != http.StatusUnauthorized {
			t.Fatalf("%s without identity = %d, want 401", path, w.Code)
		}
	}
}

func TestCreateConversationIsIdempotentPerPair(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, request{method: http.MethodPost, path: "/api/v1/conversations", user: "alice", body: `{"user_id":"bob"}`})
	if w.Code != http.StatusCreated {
		t.Fatalf("first create = %d %s", w.Code, w.Body.String())
	}
	first := decode[dto.Conversation](t, w)

	w = s.do(t, request{method: http.MethodPost, path: "/api/v1/conversations", user: "bob", body: `{"user_id":"alice"}`})
	if w.Code != http.StatusOK || decode[dto.Conversation](t, w).ID != first.ID {
		t.Fatalf("second create = %d %s", w.Code, w.Body.String())
	}

	w = s.do(t, request{method: http.MethodPost, path: "/api/v1/conversations", user: "alice", body: `{"user_id":"alice"}`})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("self conversation = %d, want 400", w.Code)
	}
}

func TestFirstContactListsNullLastMessage(t *testing.T) {
	s := newTestServer(t)
	s.createConversation(t, "bob", "alice")

	w := s.do(t, request{method: http.MethodGet, path: "/api/v1/conversations", user: "bob"})
	var raw struct {
		Items []map[string]json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil || len(raw.Items) != 1 {
		t.Fatalf("list: %s err=%v", w.Body.String(), err)
	}
	last, ok := raw.Items[0]["last_message"]
	if !ok || string(last) != "null" {
		t.Fatalf("last_message = %q present=%v, want null", last, ok)
	}
	if other := raw.Items[0]["other_user"]; !bytes.Contains(other, []byte(`"Alice"`)) {
		t.Fatalf("other_user = %s", other)
	}
}

func TestPropertyConversation(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, request{method: http.MethodPost, path: "/api/v1/properties/p-loft/conversations", user: "bob"})
	if w.Code != http.StatusCreated {
		t.Fatalf("contact owner = %d %s", w.Code, w.Body.String())
	}
	conv := decode[dto.Conversation](t, w)
	if conv.PropertyID != "p-loft" || conv.Participant2ID != "alice" {
		t.Fatalf("unexpected conversation: %+v", conv)
	}
	if w := s.do(t, request{method: http.MethodPost, path: "/api/v1/properties/p-none/conversations", user: "bob"}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown property = %d, want 404", w.Code)
	}
}

func TestSendListAndReadMessages(t *testing.T) {
	s := newTestServer(t)
	conv := s.createConversation(t, "alice", "bob")
	messagesPath := "/api/v1/conversations/" + conv.ID + "/messages"

	send := request{method: http.MethodPost, path: messagesPath, user: "alice", body: `{"content":"Viewing on Saturday?"}`, headers: map[string]string{IdempotencyHeader: "k-1"}}
	w := s.do(t, send)
	if w.Code != http.StatusCreated {
		t.Fatalf("send = %d %s", w.Code, w.Body.String())
	}
	sent := decode[dto.ChatMessage](t, w)

	w = s.do(t, send)
	if w.Code != http.StatusOK || w.Header().Get("Idempotent-Replayed") != "true" || decode[dto.ChatMessage](t, w).ID != sent.ID {
		t.Fatalf("replay = %d %s", w.Code, w.Body.String())
	}

	if w := s.do(t, request{method: http.MethodPost, path: messagesPath, user: "mallory", body: `{"content":"hi"}`}); w.Code != http.StatusForbidden {
		t.Fatalf("outsider send = %d, want 403", w.Code)
	}
	if w := s.do(t, request{method: http.MethodPost, path: messagesPath, user: "alice", body: `{"content":"  "}`}); w.Code != http.StatusBadRequest {
		t.Fatalf("empty send = %d, want 400", w.Code)
	}
	if w := s.do(t, request{method: http.MethodGet, path: messagesPath, user: "mallory"}); w.Code != http.StatusForbidden {
		t.Fatalf("outsider list = %d, want 403", w.Code)
	}
	if w := s.do(t, request{method: http.MethodGet, path: "/api/v1/conversations/nope/messages", user: "alice"}); w.Code != http.StatusNotFound {
		t.Fatalf("missing conversation = %d, want 404", w.Code)
	}

	w = s.do(t, request{method: http.MethodGet, path: "/api/v1/me/unread", user: "bob"})
	if got := decode[dto.UnreadCount](t, w); got.Count != 1 {
		t.Fatalf("bob unread = %d, want 1", got.Count)
	}

	w = s.do(t, request{method: http.MethodGet, path: messagesPath + "?limit=10", user: "bob"})
	page := decode[dto.ChatMessageList](t, w)
	if len(page.Items) != 1 || page.Limit != 10 || page.Items[0].Read {
		t.Fatalf("unexpected page: %+v", page)
	}

	w = s.do(t, request{method: http.MethodPost, path: "/api/v1/conversations/" + conv.ID + "/read", user: "bob"})
	if got := decode[map[string]int](t, w); got["marked"] != 1 {
		t.Fatalf("mark read: %s", w.Body.String())
	}
	w = s.do(t, request{method: http.MethodGet, path: "/api/v1/me/unread", user: "bob"})
	if got := decode[dto.UnreadCount](t, w); got.Count != 0 {
		t.Fatalf("bob unread after read = %d", got.Count)
	}

	w = s.do(t, request{method: http.MethodGet, path: "/api/v1/conversations", user: "bob"})
	list := decode[dto.ConversationList](t, w)
	if len(list.Items) != 1 || list.Items[0].OtherUser == nil || list.Items[0].OtherUser.Name != "Alice" || list.Items[0].LastMessage == nil {
		t.Fatalf("unexpected list: %s", w.Body.String())
	}
}

func TestArchiveAndUnarchive(t *testing.T) {
	s := newTestServer(t)
	conv := s.createConversation(t, "alice", "bob")
	base := "/api/v1/conversations/" + conv.ID

	if w := s.do(t, request{method: http.MethodPost, path: base + "/archive", user: "alice"}); w.Code != http.StatusOK {
		t.Fatalf("archive = %d", w.Code)
	}
	w := s.do(t, request{method: http.MethodGet, path: "/api/v1/conversations", user: "alice"})
	if list := decode[dto.ConversationList](t, w); len(list.Items) != 0 {
		t.Fatalf("archived conversation listed")
	}
	w = s.do(t, request{method: http.MethodGet, path: "/api/v1/conversations?include_archived=true", user: "alice"})
	if list := decode[dto.ConversationList](t, w); len(list.Items) != 1 || !list.Items[0].Archived {
		t.Fatalf("include_archived: %s", w.Body.String())
	}
	if w := s.do(t, request{method: http.MethodPost, path: base + "/unarchive", user: "bob"}); w.Code != http.StatusOK {
		t.Fatalf("unarchive = %d", w.Code)
	}
	if w := s.do(t, request{method: http.MethodPost, path: base + "/archive", user: "mallory"}); w.Code != http.StatusForbidden {
		t.Fatalf("outsider archive = %d, want 403", w.Code)
	}
}

func TestSystemMessagesAreAdminOnly(t *testing.T) {
	s := newTestServer(t)
	conv := s.createConversation(t, "alice", "bob")
	path := "/api/v1/conversations/" + conv.ID + "/system-messages"

	if w := s.do(t, request{method: http.MethodPost, path: path, user: "alice", body: `{"content":"notice"}`}); w.Code != http.StatusForbidden {
		t.Fatalf("non-admin = %d, want 403", w.Code)
	}
	w := s.do(t, request{method: http.MethodPost, path: path, user: "ops", roles: "support, Admin", body: `{"content":"Booking confirmed"}`})
	if w.Code != http.StatusCreated {
		t.Fatalf("admin = %d %s", w.Code, w.Body.String())
	}
	msg := decode[dto.ChatMessage](t, w)
	if !msg.SystemMessage || !msg.Read {
		t.Fatalf("unexpected system message: %+v", msg)
	}
	w = s.do(t, request{method: http.MethodGet, path: "/api/v1/me/unread", user: "bob"})
	if got := decode[dto.UnreadCount](t, w); got.Count != 0 {
		t.Fatalf("system message counted as unread: %d", got.Count)
	}
}

func TestResetUnread(t *testing.T) {
	s := newTestServer(t)
	conv := s.createConversation(t, "alice", "bob")
	s.do(t, request{method: http.MethodPost, path: "/api/v1/conversations/" + conv.ID + "/messages", user: "alice", body: `{"content":"one"}`})

	w := s.do(t, request{method: http.MethodPost, path: "/api/v1/me/unread/reset", user: "bob"})
	if w.Code != http.StatusOK || decode[dto.UnreadCount](t, w).Count != 0 {
		t.Fatalf("reset = %d %s", w.Code, w.Body.String())
	}
	w = s.do(t, request{method: http.MethodGet, path: "/api/v1/me/unread", user: "bob"})
	if got := decode[dto.UnreadCount](t, w); got.Count != 0 {
		t.Fatalf("unread after reset = %d", got.Count)
	}
}

func TestUploadAttachmentWithoutStorage(t *testing.T) {
	s := newTestServer(t)
	conv := s.createConversation(t, "alice", "bob")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "plan.pdf")
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	_, _ = part.Write([]byte("%PDF-1.4"))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/"+conv.ID+"/attachments", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(UserIDHeader, "alice")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("upload without storage = %d, want 503", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/v1/conversations/"+conv.ID+"/attachments", strings.NewReader(""))
	req.Header.Set(UserIDHeader, "alice")
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("upload without file = %d, want 400", w.Code)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn, match func(dto.ServerFrame) bool) dto.ServerFrame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var frame dto.ServerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if match(frame) {
			return frame
		}
	}
}

func TestWebsocketWindow(t *testing.T) {
	s := newTestServer(t)
	conv := s.createConversation(t, "alice", "bob")
	s.do(t, request{method: http.MethodPost, path: "/api/v1/conversations/" + conv.ID + "/messages", user: "alice", body: `{"content":"first"}`})

	srv := httptest.NewServer(s.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"

	if _, resp, err := websocket.DefaultDialer.Dial(url, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous websocket should be rejected with 401")
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{UserIDHeader: []string{"bob"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	unread := readFrame(t, conn, func(f dto.ServerFrame) bool { return f.Type == dto.FrameUnread })
	if unread.Count == nil || *unread.Count != 1 {
		t.Fatalf("initial unread frame: %+v", unread)
	}

	if err := conn.WriteJSON(dto.ClientFrame{Type: dto.FrameOpen, ConversationID: conv.ID}); err != nil {
		t.Fatalf("open: %v", err)
	}
	// the snapshot and the cleared unread count may arrive in either order
	var (
		snap    dto.ServerFrame
		cleared bool
	)
	readFrame(t, conn, func(f dto.ServerFrame) bool {
		switch {
		case f.Type == dto.FrameSnapshot && len(f.Messages) == 1:
			snap = f
		case f.Type == dto.FrameUnread && f.Count != nil && *f.Count == 0:
			cleared = true
		}
		return cleared && snap.Type != ""
	})
	if snap.ConversationID != conv.ID || !snap.Messages[0].Read {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	if err := conn.WriteJSON(dto.ClientFrame{Type: dto.FrameSend, Content: "Saturday works", ClientID: "c-1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	snap = readFrame(t, conn, func(f dto.ServerFrame) bool { return f.Type == dto.FrameSnapshot && len(f.Messages) == 2 })
	if snap.Messages[1].Content != "Saturday works" || snap.Messages[1].SenderID != "bob" {
		t.Fatalf("unexpected snapshot after send: %+v", snap.Messages)
	}

	if err := conn.WriteJSON(dto.ClientFrame{Type: "dance"}); err != nil {
		t.Fatalf("write unknown: %v", err)
	}
	errFrame := readFrame(t, conn, func(f dto.ServerFrame) bool { return f.Type == dto.FrameError })
	if errFrame.Error != errUnknownFrame.Error() {
		t.Fatalf("unexpected error frame: %+v", errFrame)
	}
}

func TestChatErrorStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("load: %w", messaging.ErrConversationNotFound), http.StatusNotFound},
		{messaging.ErrNotParticipant, http.StatusForbidden},
		{messaging.ErrEmptyMessage, http.StatusBadRequest},
		{chat.ErrSendInProgress, http.StatusConflict},
		{chat.ErrAttachmentsNotConfigured, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := chatErrorStatus(tc.err); got != tc.want {
			t.Fatalf("chatErrorStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
