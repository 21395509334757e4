// Package session owns ephemeral random-chat sessions. Sessions live only in
// memory and are never written to the conversation store.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/suPer8Hu/chatmate/internal/common"
	"github.com/suPer8Hu/chatmate/internal/events"
)

type State string

const (
	StateActive State = "active"
	StateEnded  State = "ended"
)

type EndReason string

const (
	ReasonEnded        EndReason = "ended"
	ReasonDisconnected EndReason = "disconnected"
	ReasonShutdown     EndReason = "shutdown"
)

const (
	maxTextLen = 2000
	maxLogLen  = 500
)

type ChatMessage struct {
	SenderID string
	Text     string
	SentAt   time.Time
}

type Session struct {
	ID           string
	ParticipantA string
	ParticipantB string
	State        State
	Messages     []ChatMessage
	StartedAt    time.Time
	EndedAt      time.Time
	EndReason    EndReason
}

func (s *Session) partnerOf(userID string) (string, bool) {
	switch userID {
	case s.ParticipantA:
		return s.ParticipantB, true
	case s.ParticipantB:
		return s.ParticipantA, true
	}
	return "", false
}

// Coordinator is the session table. One mutex serializes every state change;
// notifications go out after it is released.
type Coordinator struct {
	mu       sync.Mutex
	sessions map[string]*Session
	active   map[string]string // user id -> active session id
	closed   bool

	pub       events.Publisher
	retention time.Duration
	now       func() time.Time
}

func NewCoordinator(pub events.Publisher, retention time.Duration) *Coordinator {
	if pub == nil {
		pub = events.Discard
	}
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Coordinator{
		sessions:  make(map[string]*Session),
		active:    make(map[string]string),
		pub:       pub,
		retention: retention,
		now:       time.Now,
	}
}

type notice struct {
	userID string
	env    events.Envelope
}

func (c *Coordinator) send(ctx context.Context, out []notice) {
	for _, n := range out {
		if err := c.pub.Publish(ctx, n.userID, n.env); err != nil {
			log.WithFields(log.Fields{"user_id": n.userID, "type": n.env.Type}).WithError(err).Warn("session notify failed")
		}
	}
}

// Start opens an Active session between a and b and tells both sides.
// Neither side learns the other's identity from the notification.
func (c *Coordinator) Start(ctx context.Context, a, b string) (string, error) {
	if a == "" || b == "" || a == b {
		return "", fmt.Errorf("%w: two distinct participants required", common.ErrInvalidArgument)
	}
	id, err := common.NewULID()
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: coordinator shut down", common.ErrInvalidSession)
	}
	for _, u := range []string{a, b} {
		if sid, ok := c.active[u]; ok {
			c.mu.Unlock()
			return "", fmt.Errorf("%w: user %s already in session %s", common.ErrConflict, u, sid)
		}
	}
	s := &Session{
		ID:           id,
		ParticipantA: a,
		ParticipantB: b,
		State:        StateActive,
		StartedAt:    c.now().UTC(),
	}
	c.sessions[id] = s
	c.active[a] = id
	c.active[b] = id
	c.mu.Unlock()

	log.WithField("session_id", id).Info("session started")
	data := map[string]any{"session_id": id}
	c.send(ctx, []notice{
		{a, events.New(events.MatchFound, data)},
		{b, events.New(events.MatchFound, data)},
	})
	return id, nil
}

// Relay appends text to the session log and forwards it to the partner.
func (c *Coordinator) Relay(ctx context.Context, sessionID, senderID, text string) error {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("relay: %w", common.ErrInvalidSession)
	}
	// an ended session refuses everyone, participant or not
	if s.State != StateActive {
		c.mu.Unlock()
		return fmt.Errorf("relay: %w", common.ErrInvalidSession)
	}
	partner, ok := s.partnerOf(senderID)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("relay: %w", common.ErrForbidden)
	}
	if strings.TrimSpace(text) == "" || len(text) > maxTextLen {
		c.mu.Unlock()
		return fmt.Errorf("relay: %w: bad message length", common.ErrInvalidArgument)
	}

	msg := ChatMessage{SenderID: senderID, Text: text, SentAt: c.now().UTC()}
	s.Messages = append(s.Messages, msg)
	if len(s.Messages) > maxLogLen {
		s.Messages = s.Messages[len(s.Messages)-maxLogLen:]
	}
	c.mu.Unlock()

	c.send(ctx, []notice{{partner, events.New(events.ChatMessage, map[string]any{
		"session_id": sessionID,
		"text":       text,
		"sent_at":    msg.SentAt,
	})}})
	return nil
}

// End moves the session to Ended and tells the partner. Ending an Ended
// session is a no-op.
func (c *Coordinator) End(ctx context.Context, sessionID, requesterID string) error {
	return c.end(ctx, sessionID, requesterID, ReasonEnded)
}

// OnDisconnect ends the session on behalf of a participant whose transport
// went away.
func (c *Coordinator) OnDisconnect(ctx context.Context, sessionID, userID string) error {
	return c.end(ctx, sessionID, userID, ReasonDisconnected)
}

func (c *Coordinator) end(ctx context.Context, sessionID, requesterID string, reason EndReason) error {
	c.mu.Lock()
	s, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("end session: %w", common.ErrInvalidSession)
	}
	partner, ok := s.partnerOf(requesterID)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("end session: %w", common.ErrForbidden)
	}
	if s.State == StateEnded {
		c.mu.Unlock()
		return nil
	}
	c.endLocked(s, reason)
	c.mu.Unlock()

	log.WithFields(log.Fields{"session_id": sessionID, "reason": reason}).Info("session ended")
	c.send(ctx, []notice{{partner, endedEnvelope(sessionID, reason)}})
	return nil
}

func (c *Coordinator) endLocked(s *Session, reason EndReason) {
	s.State = StateEnded
	s.EndedAt = c.now().UTC()
	s.EndReason = reason
	for _, u := range []string{s.ParticipantA, s.ParticipantB} {
		if c.active[u] == s.ID {
			delete(c.active, u)
		}
	}
}

func endedEnvelope(sessionID string, reason EndReason) events.Envelope {
	return events.New(events.SessionEnded, map[string]any{
		"session_id": sessionID,
		"reason":     reason,
	})
}

// DisconnectUser ends the user's active session, if any.
func (c *Coordinator) DisconnectUser(ctx context.Context, userID string) bool {
	sid, ok := c.ActiveSession(userID)
	if !ok {
		return false
	}
	if err := c.OnDisconnect(ctx, sid, userID); err != nil {
		log.WithFields(log.Fields{"session_id": sid, "user_id": userID}).WithError(err).Warn("disconnect cleanup failed")
		return false
	}
	return true
}

func (c *Coordinator) ActiveSession(userID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sid, ok := c.active[userID]
	return sid, ok
}

type ViewMessage struct {
	Mine   bool      `json:"mine"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// View is what a participant may see of a session.
type View struct {
	ID        string        `json:"id"`
	State     State         `json:"state"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	EndReason EndReason     `json:"end_reason,omitempty"`
	Messages  []ViewMessage `json:"messages"`
}

func (c *Coordinator) Get(sessionID, userID string) (View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[sessionID]
	if !ok {
		return View{}, fmt.Errorf("get session: %w", common.ErrInvalidSession)
	}
	if _, ok := s.partnerOf(userID); !ok {
		return View{}, fmt.Errorf("get session: %w", common.ErrForbidden)
	}

	v := View{
		ID:        s.ID,
		State:     s.State,
		StartedAt: s.StartedAt,
		EndReason: s.EndReason,
		Messages:  make([]ViewMessage, 0, len(s.Messages)),
	}
	if s.State == StateEnded {
		t := s.EndedAt
		v.EndedAt = &t
	}
	for _, m := range s.Messages {
		v.Messages = append(v.Messages, ViewMessage{Mine: m.SenderID == userID, Text: m.Text, SentAt: m.SentAt})
	}
	return v, nil
}

// Sweep drops sessions that ended more than the retention period ago.
func (c *Coordinator) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, s := range c.sessions {
		if s.State == StateEnded && now.Sub(s.EndedAt) >= c.retention {
			delete(c.sessions, id)
			n++
		}
	}
	return n
}

func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(c.now()); n > 0 {
				log.WithField("count", n).Debug("swept ended sessions")
			}
		}
	}
}

// Shutdown ends every Active session and refuses new ones. Both participants
// are notified.
func (c *Coordinator) Shutdown(ctx context.Context) int {
	c.mu.Lock()
	c.closed = true
	var out []notice
	for _, s := range c.sessions {
		if s.State != StateActive {
			continue
		}
		c.endLocked(s, ReasonShutdown)
		env := endedEnvelope(s.ID, ReasonShutdown)
		out = append(out, notice{s.ParticipantA, env}, notice{s.ParticipantB, env})
	}
	c.mu.Unlock()

	c.send(ctx, out)
	n := len(out) / 2
	log.WithField("count", n).Info("ended active sessions on shutdown")
	return n
}
