package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/chatmate/internal/config"
	"github.com/suPer8Hu/chatmate/internal/db"
	"github.com/suPer8Hu/chatmate/internal/events"
	"github.com/suPer8Hu/chatmate/internal/httpapi/handlers"
	"github.com/suPer8Hu/chatmate/internal/match"
	"github.com/suPer8Hu/chatmate/internal/realtime"
	"github.com/suPer8Hu/chatmate/internal/session"
	"github.com/suPer8Hu/chatmate/internal/social"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestRouter(t *testing.T) (*gin.Engine, *realtime.Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gdb, err := db.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, _ := gdb.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Config{JWTSecret: "test-secret", JWTTTL: time.Hour}
	hub := realtime.NewHub(nil)
	svc := social.NewService(social.NewRepo(gdb), hub, 3)
	coord := session.NewCoordinator(hub, time.Minute)
	q := match.NewQueue(svc, coord, hub, 0)
	h := handlers.NewHandler(cfg, svc, q, coord, hub)
	t.Cleanup(hub.Close)
	return NewRouter(h), hub
}

func do(t *testing.T, r http.Handler, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("%s %s: bad body %q", method, path, w.Body.String())
	}
	return w.Code, env
}

type account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Token    string `json:"token"`
}

func register(t *testing.T, r http.Handler, email, username string) account {
	t.Helper()
	code, env := do(t, r, http.MethodPost, "/users", "", gin.H{"email": email, "password": "secret123", "username": username})
	if code != http.StatusOK {
		t.Fatalf("register %s: %d %s", email, code, env.Message)
	}
	var a account
	if err := json.Unmarshal(env.Data, &a); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	return a
}

func TestRegisterLoginMe(t *testing.T) {
	r, _ := newTestRouter(t)
	a := register(t, r, "a@example.com", "alice")

	if code, env := do(t, r, http.MethodPost, "/users", "", gin.H{"email": "a@example.com", "password": "secret123"}); code != http.StatusConflict {
		t.Fatalf("duplicate email: %d %+v", code, env)
	}
	if code, _ := do(t, r, http.MethodPost, "/login", "", gin.H{"email": "a@example.com", "password": "wrong"}); code != http.StatusUnauthorized {
		t.Fatalf("wrong password: %d", code)
	}
	code, env := do(t, r, http.MethodPost, "/login", "", gin.H{"email": "a@example.com", "password": "secret123"})
	if code != http.StatusOK {
		t.Fatalf("login: %d %s", code, env.Message)
	}

	if code, _ := do(t, r, http.MethodGet, "/me", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("me without token: %d", code)
	}
	code, env = do(t, r, http.MethodGet, "/me", a.Token, nil)
	if code != http.StatusOK || !strings.Contains(string(env.Data), `"username":"alice"`) {
		t.Fatalf("me: %d %s", code, env.Data)
	}
}

func TestProfileUsernameConflict(t *testing.T) {
	r, _ := newTestRouter(t)
	a := register(t, r, "a@example.com", "alice")
	b := register(t, r, "b@example.com", "bob")

	code, env := do(t, r, http.MethodGet, "/usernames/check?username=alice", b.Token, nil)
	if code != http.StatusOK || !strings.Contains(string(env.Data), `"available":false`) {
		t.Fatalf("check taken: %d %s", code, env.Data)
	}
	code, env = do(t, r, http.MethodGet, "/usernames/check?username=alice", a.Token, nil)
	if code != http.StatusOK || !strings.Contains(string(env.Data), `"available":true`) {
		t.Fatalf("check own name: %d %s", code, env.Data)
	}

	if code, env := do(t, r, http.MethodPut, "/profile", b.Token, gin.H{"username": "alice"}); code != http.StatusConflict || env.Code != 40900 {
		t.Fatalf("taken username: %d %+v", code, env)
	}
	if code, _ := do(t, r, http.MethodPut, "/profile", b.Token, gin.H{"username": "bobby", "gender": "alien"}); code != http.StatusBadRequest {
		t.Fatalf("bad gender: %d", code)
	}
	code, env = do(t, r, http.MethodPut, "/profile", b.Token, gin.H{"username": "bobby", "name": "Bob", "gender": "male"})
	if code != http.StatusOK || !strings.Contains(string(env.Data), `"username":"bobby"`) {
		t.Fatalf("update: %d %s", code, env.Data)
	}
}

func TestFriendLifecycle(t *testing.T) {
	r, _ := newTestRouter(t)
	a := register(t, r, "a@example.com", "alice")
	b := register(t, r, "b@example.com", "bob")

	code, env := do(t, r, http.MethodPost, "/friends/requests", a.Token, gin.H{"user_id": b.ID})
	if code != http.StatusOK {
		t.Fatalf("send request: %d %s", code, env.Message)
	}
	var sent struct {
		RequestID string `json:"request_id"`
		Accepted  bool   `json:"accepted"`
	}
	_ = json.Unmarshal(env.Data, &sent)
	if sent.Accepted || sent.RequestID == "" {
		t.Fatalf("unexpected request result %s", env.Data)
	}

	if code, _ := do(t, r, http.MethodPost, "/friends/requests/"+sent.RequestID+"/accept", a.Token, nil); code != http.StatusForbidden {
		t.Fatalf("sender accepting: %d", code)
	}
	if code, env := do(t, r, http.MethodPost, "/friends/requests/"+sent.RequestID+"/accept", b.Token, nil); code != http.StatusOK {
		t.Fatalf("accept: %d %s", code, env.Message)
	}

	code, env = do(t, r, http.MethodGet, "/friends", a.Token, nil)
	if code != http.StatusOK || !strings.Contains(string(env.Data), b.ID) {
		t.Fatalf("friends of a: %d %s", code, env.Data)
	}

	if code, env := do(t, r, http.MethodPost, "/conversations/"+b.ID+"/messages", a.Token, gin.H{"text": "hello bob"}); code != http.StatusOK {
		t.Fatalf("send message: %d %s", code, env.Message)
	}
	code, env = do(t, r, http.MethodGet, "/conversations/"+a.ID+"/messages?limit=10", b.Token, nil)
	if code != http.StatusOK || !strings.Contains(string(env.Data), "hello bob") {
		t.Fatalf("read conversation: %d %s", code, env.Data)
	}

	if code, env := do(t, r, http.MethodDelete, "/friends/"+a.ID, b.Token, nil); code != http.StatusOK {
		t.Fatalf("remove: %d %s", code, env.Message)
	}
	code, env = do(t, r, http.MethodDelete, "/friends/"+a.ID, b.Token, nil)
	if code != http.StatusOK || env.Code != 0 || !strings.Contains(string(env.Data), `"removed":false`) {
		t.Fatalf("second remove should be a no-op: %d %+v", code, env)
	}
	if code, _ := do(t, r, http.MethodGet, "/conversations/"+b.ID+"/messages", a.Token, nil); code != http.StatusForbidden {
		t.Fatalf("conversation after removal: %d", code)
	}
}

func TestRandomChatOverHTTP(t *testing.T) {
	r, _ := newTestRouter(t)
	a := register(t, r, "a@example.com", "alice")
	b := register(t, r, "b@example.com", "bob")
	c := register(t, r, "c@example.com", "carol")

	code, env := do(t, r, http.MethodPost, "/match", a.Token, nil)
	if code != http.StatusOK || !strings.Contains(string(env.Data), `"status":"searching"`) {
		t.Fatalf("a searching: %d %s", code, env.Data)
	}
	if code, env := do(t, r, http.MethodPost, "/match", a.Token, nil); code != http.StatusConflict || env.Code != 40901 {
		t.Fatalf("a searching twice: %d %+v", code, env)
	}

	code, env = do(t, r, http.MethodPost, "/match", b.Token, nil)
	if code != http.StatusOK {
		t.Fatalf("b match: %d %s", code, env.Message)
	}
	var matched struct {
		Status    string `json:"status"`
		SessionID string `json:"session_id"`
	}
	_ = json.Unmarshal(env.Data, &matched)
	if matched.Status != "matched" || matched.SessionID == "" {
		t.Fatalf("expected b matched, got %s", env.Data)
	}
	sessionPath := "/sessions/" + matched.SessionID

	if code, _ := do(t, r, http.MethodPost, "/match", a.Token, nil); code != http.StatusConflict {
		t.Fatalf("a searching while in session: %d", code)
	}
	if code, env := do(t, r, http.MethodPost, sessionPath+"/messages", a.Token, gin.H{"text": "hi"}); code != http.StatusOK {
		t.Fatalf("relay: %d %s", code, env.Message)
	}
	code, env = do(t, r, http.MethodGet, sessionPath, b.Token, nil)
	if code != http.StatusOK || !strings.Contains(string(env.Data), `"text":"hi"`) {
		t.Fatalf("b view: %d %s", code, env.Data)
	}
	if code, _ := do(t, r, http.MethodGet, sessionPath, c.Token, nil); code != http.StatusForbidden {
		t.Fatalf("outsider view: %d", code)
	}

	if code, _ := do(t, r, http.MethodPost, sessionPath+"/end", b.Token, nil); code != http.StatusOK {
		t.Fatalf("end: %d", code)
	}
	if code, env := do(t, r, http.MethodPost, sessionPath+"/messages", a.Token, gin.H{"text": "bye"}); code != http.StatusGone || env.Code != 41000 {
		t.Fatalf("relay after end: %d %+v", code, env)
	}
	if code, _ := do(t, r, http.MethodPost, sessionPath+"/end", a.Token, nil); code != http.StatusOK {
		t.Fatalf("ending twice should be a no-op: %d", code)
	}

	if code, env := do(t, r, http.MethodDelete, "/match", c.Token, nil); code != http.StatusOK || !strings.Contains(string(env.Data), `"cancelled":false`) {
		t.Fatalf("cancel without ticket: %d %s", code, env.Data)
	}
}

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil skips envelopes of other types.
func readUntil(t *testing.T, conn *websocket.Conn, want events.Type) events.Envelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var env events.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if env.Type == want {
			return env
		}
	}
}

func TestWebsocketRandomChat(t *testing.T) {
	r, hub := newTestRouter(t)
	a := register(t, r, "a@example.com", "alice")
	b := register(t, r, "b@example.com", "bob")

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ca := dialWS(t, srv, a.Token)
	cb := dialWS(t, srv, b.Token)
	deadline := time.Now().Add(2 * time.Second)
	for !(hub.Connected(a.ID) && hub.Connected(b.ID)) {
		if time.Now().After(deadline) {
			t.Fatalf("sockets never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	for _, c := range []*websocket.Conn{ca, cb} {
		if err := c.WriteJSON(gin.H{"type": "find_partner"}); err != nil {
			t.Fatalf("find_partner: %v", err)
		}
	}
	found := readUntil(t, ca, events.MatchFound)
	readUntil(t, cb, events.MatchFound)
	sid, _ := found.Data.(map[string]any)["session_id"].(string)
	if sid == "" {
		t.Fatalf("match_found without session id: %+v", found)
	}

	if err := ca.WriteJSON(gin.H{"type": "chat_message", "data": gin.H{"session_id": sid, "text": "hi"}}); err != nil {
		t.Fatalf("chat_message: %v", err)
	}
	msg := readUntil(t, cb, events.ChatMessage)
	if msg.Data.(map[string]any)["text"] != "hi" {
		t.Fatalf("unexpected chat message %+v", msg)
	}

	// dropping the socket ends the session for the partner
	_ = ca.Close()
	ended := readUntil(t, cb, events.SessionEnded)
	if ended.Data.(map[string]any)["reason"] != "disconnected" {
		t.Fatalf("unexpected end reason %+v", ended)
	}
}
