// Package realtime keeps the websocket connections of signed-in users and
// pushes event envelopes to them.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/suPer8Hu/chatmate/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 10
	sendBuffer     = 64
)

// Inbound message types sent by clients.
const (
	FindPartner  events.Type = "find_partner"
	CancelSearch events.Type = "cancel_search"
	SendChat     events.Type = events.ChatMessage
	EndSession   events.Type = "end_session"
)

var ErrHubClosed = errors.New("hub closed")

// Inbound is a client request received over the socket.
type Inbound struct {
	Type events.Type     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Dispatcher executes inbound requests on behalf of userID. A returned error
// is reported back to the same connection as an error envelope.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, in Inbound) error
}

type client struct {
	hub       *Hub
	conn      *websocket.Conn
	userID    string
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub tracks every open connection per user. A user may hold several.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	closed  bool

	upgrader   websocket.Upgrader
	dispatcher Dispatcher
	onLast     func(ctx context.Context, userID string)
	wg         sync.WaitGroup
}

func NewHub(allowOrigin func(r *http.Request) bool) *Hub {
	if allowOrigin == nil {
		allowOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin:     allowOrigin,
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// SetDispatcher must be called before Serve.
func (h *Hub) SetDispatcher(d Dispatcher) { h.dispatcher = d }

// OnLastDisconnect registers the cleanup run when a user's final connection
// goes away.
func (h *Hub) OnLastDisconnect(fn func(ctx context.Context, userID string)) { h.onLast = fn }

// Publish queues env on every connection of userID. Users without a
// connection on this node are skipped silently.
func (h *Hub) Publish(_ context.Context, userID string, env events.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[userID] {
		select {
		case c.send <- b:
		default:
			log.WithField("user_id", userID).Warn("websocket send buffer full, dropping connection")
			go c.close()
		}
	}
	return nil
}

func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// Serve upgrades the request and blocks until the connection ends.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, userID string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return ErrHubClosed
	}
	log.WithField("user_id", userID).Info("websocket connected")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		c.writeLoop()
	}()
	c.readLoop()
	return nil
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	last := false
	if set, ok := h.clients[c.userID]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.clients, c.userID)
				last = true
			}
		}
	}
	h.mu.Unlock()

	log.WithFields(log.Fields{"user_id": c.userID, "last": last}).Info("websocket disconnected")
	if last && h.onLast != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.onLast(ctx, c.userID)
	}
}

func (c *client) readLoop() {
	defer func() {
		c.close()
		c.hub.unregister(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var in Inbound
		if err := c.conn.ReadJSON(&in); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.reply(events.New(events.Error, map[string]any{"message": "invalid json"}))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithField("user_id", c.userID).WithError(err).Debug("websocket read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if c.hub.dispatcher == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		err := c.hub.dispatcher.Dispatch(ctx, c.userID, in)
		cancel()
		if err != nil {
			c.reply(events.New(events.Error, map[string]any{
				"request": in.Type,
				"message": err.Error(),
			}))
		}
	}
}

func (c *client) reply(env events.Envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.send <- b:
	case <-c.done:
	default:
	}
}

// writeLoop is the only goroutine that writes to the connection.
func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client and waits for their writers to stop. The
// disconnect hook still runs for each user.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		c.close()
	}
	h.wg.Wait()
}
