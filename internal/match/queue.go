// Package match pairs strangers who asked for a random chat partner.
package match

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/suPer8Hu/chatmate/internal/common"
	"github.com/suPer8Hu/chatmate/internal/events"
)

// FriendChecker answers whether two users already share an active friendship.
type FriendChecker interface {
	AreFriends(ctx context.Context, a, b string) (bool, error)
}

// SessionStarter is the handoff point to the session coordinator.
type SessionStarter interface {
	Start(ctx context.Context, a, b string) (string, error)
	ActiveSession(userID string) (string, bool)
}

type Ticket struct {
	UserID     string
	EnqueuedAt time.Time
}

type Pairing struct {
	SessionID string
	A, B      string
}

// Queue holds matchmaking tickets in FIFO order. A single mutex guards the
// ticket slice and the ticketed-user set, and is held across a whole pairing
// attempt so no ticket can be handed out twice.
type Queue struct {
	mu      sync.Mutex
	tickets []Ticket
	queued  map[string]struct{}
	closed  bool

	friends  FriendChecker
	sessions SessionStarter
	pub      events.Publisher
	maxScan  int
	now      func() time.Time
}

// NewQueue builds a queue. maxScan bounds the head tickets TryPair may skip
// per call; zero or less means the current queue length.
func NewQueue(friends FriendChecker, sessions SessionStarter, pub events.Publisher, maxScan int) *Queue {
	if pub == nil {
		pub = events.Discard
	}
	return &Queue{
		queued:   make(map[string]struct{}),
		friends:  friends,
		sessions: sessions,
		pub:      pub,
		maxScan:  maxScan,
		now:      time.Now,
	}
}

// Enqueue adds a ticket for userID at the back of the queue.
func (q *Queue) Enqueue(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id required", common.ErrInvalidArgument)
	}

	// lock order is queue then coordinator, never the reverse
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("enqueue: %w: matchmaking closed", common.ErrConflict)
	}
	if _, ok := q.queued[userID]; ok {
		return fmt.Errorf("enqueue: %w", common.ErrAlreadySearching)
	}
	if sid, ok := q.sessions.ActiveSession(userID); ok {
		return fmt.Errorf("enqueue: %w: already in session %s", common.ErrConflict, sid)
	}
	q.tickets = append(q.tickets, Ticket{UserID: userID, EnqueuedAt: q.now()})
	q.queued[userID] = struct{}{}
	log.WithFields(log.Fields{"user_id": userID, "queue_len": len(q.tickets)}).Debug("ticket enqueued")
	return nil
}

// Cancel drops the user's ticket. It reports whether a ticket was removed;
// cancelling without a ticket is not an error.
func (q *Queue) Cancel(ctx context.Context, userID string) bool {
	q.mu.Lock()
	removed := q.removeLocked(userID)
	q.mu.Unlock()

	if removed {
		q.notify(ctx, userID, events.New(events.SearchCancelled, nil))
	}
	return removed
}

func (q *Queue) removeLocked(userID string) bool {
	if _, ok := q.queued[userID]; !ok {
		return false
	}
	delete(q.queued, userID)
	for i, t := range q.tickets {
		if t.UserID == userID {
			q.tickets = append(q.tickets[:i], q.tickets[i+1:]...)
			break
		}
	}
	return true
}

// TryPair scans ticket pairs oldest first and starts a session for the first
// compatible one. Each head ticket is compared with every younger ticket
// before it counts as skipped; skipped tickets stay where they are. At most
// maxScan head tickets are skipped per call. It returns nil when nothing
// could be paired within that budget.
func (q *Queue) TryPair(ctx context.Context) (*Pairing, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.tickets)
	if n < 2 || q.closed {
		return nil, nil
	}
	budget := q.maxScan
	if budget <= 0 || budget > n-1 {
		budget = n - 1
	}

	for i := 0; i < budget; i++ {
		for j := i + 1; j < n; j++ {
			a, b := q.tickets[i].UserID, q.tickets[j].UserID
			if a == b {
				continue
			}
			friends, err := q.friends.AreFriends(ctx, a, b)
			if err != nil {
				return nil, fmt.Errorf("try pair: %w", err)
			}
			if friends {
				continue
			}
			return q.startLocked(ctx, a, b)
		}
	}
	return nil, nil
}

func (q *Queue) startLocked(ctx context.Context, a, b string) (*Pairing, error) {
	sid, err := q.sessions.Start(ctx, a, b)
	if err != nil {
		if errors.Is(err, common.ErrConflict) {
			// a participant got into a session some other way; its ticket is stale
			for _, u := range []string{a, b} {
				if _, busy := q.sessions.ActiveSession(u); busy {
					q.removeLocked(u)
				}
			}
		}
		return nil, fmt.Errorf("try pair: %w", err)
	}
	q.removeLocked(a)
	q.removeLocked(b)
	log.WithFields(log.Fields{"session_id": sid, "queue_len": len(q.tickets)}).Info("paired strangers")
	return &Pairing{SessionID: sid, A: a, B: b}, nil
}

// Drain pairs repeatedly until TryPair finds nothing more.
func (q *Queue) Drain(ctx context.Context) (int, error) {
	paired := 0
	for {
		p, err := q.TryPair(ctx)
		if err != nil {
			return paired, err
		}
		if p == nil {
			return paired, nil
		}
		paired++
	}
}

// Run retries pairing on an interval so tickets skipped earlier get another
// chance once the queue changes.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Drain(ctx); err != nil {
				log.WithError(err).Warn("matchmaking pass failed")
			}
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tickets)
}

// Position returns the 1-based queue position of the user's ticket.
func (q *Queue) Position(userID string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.tickets {
		if t.UserID == userID {
			return i + 1, true
		}
	}
	return 0, false
}

// Close refuses new tickets and drops the pending ones, telling each owner.
func (q *Queue) Close(ctx context.Context) []string {
	q.mu.Lock()
	q.closed = true
	users := make([]string, 0, len(q.tickets))
	for _, t := range q.tickets {
		users = append(users, t.UserID)
	}
	q.tickets = nil
	q.queued = make(map[string]struct{})
	q.mu.Unlock()

	for _, u := range users {
		q.notify(ctx, u, events.New(events.SearchCancelled, map[string]any{"reason": "shutdown"}))
	}
	return users
}

func (q *Queue) notify(ctx context.Context, userID string, env events.Envelope) {
	if err := q.pub.Publish(ctx, userID, env); err != nil {
		log.WithFields(log.Fields{"user_id": userID, "type": env.Type}).WithError(err).Warn("matchmaking notify failed")
	}
}
