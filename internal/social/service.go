package social

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/suPer8Hu/chatmate/internal/common"
	"github.com/suPer8Hu/chatmate/internal/events"
	"github.com/suPer8Hu/chatmate/internal/models"
	"gorm.io/gorm"
)

const maxUsernameLen = 64

// Service is the graph consistency engine. Every mutation of a friend pair
// goes through it so the two backing edge rows change together.
type Service struct {
	repo    *Repo
	events  events.Publisher
	retries int
	backoff time.Duration

	// serializes the username check-then-write path within the process;
	// the unique index covers other processes.
	usernameMu sync.Mutex
	pairs      pairLocks
}

func NewService(repo *Repo, pub events.Publisher, retries int) *Service {
	if retries <= 0 || retries > 10 {
		retries = 3
	}
	if pub == nil {
		pub = events.Discard
	}
	return &Service{repo: repo, events: pub, retries: retries, backoff: 50 * time.Millisecond}
}

type pairLocks struct {
	stripes [64]sync.Mutex
}

func (p *pairLocks) lock(a, b string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ConversationKey(a, b)))
	m := &p.stripes[h.Sum32()%uint32(len(p.stripes))]
	m.Lock()
	return m.Unlock
}

// storeErr maps gorm sentinels onto the domain taxonomy.
func storeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return common.ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return common.ErrConflict
	}
	return err
}

// withRetry retries transient failures a bounded number of times and then
// reports ErrStoreUnavailable. Domain errors pass straight through.
func (s *Service) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.retries; attempt++ {
		err = storeErr(fn())
		if !common.Retryable(err) {
			return err
		}
		log.WithFields(log.Fields{"op": op, "attempt": attempt}).WithError(err).Warn("store operation failed")
		if attempt == s.retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.backoff * time.Duration(attempt)):
		}
	}
	return fmt.Errorf("%s: %w: %v", op, common.ErrStoreUnavailable, err)
}

func (s *Service) publish(ctx context.Context, userID string, env events.Envelope) {
	if err := s.events.Publish(ctx, userID, env); err != nil {
		log.WithFields(log.Fields{"user_id": userID, "type": env.Type}).WithError(err).Warn("publish event failed")
	}
}

func validatePair(a, b string) error {
	if a == "" || b == "" {
		return fmt.Errorf("%w: user id required", common.ErrInvalidArgument)
	}
	if a == b {
		return fmt.Errorf("%w: cannot befriend yourself", common.ErrInvalidArgument)
	}
	return nil
}

// AddFriend creates both edges of the pair in one transaction. The pair is
// assumed to have consented already; see SendFriendRequest for the request flow.
func (s *Service) AddFriend(ctx context.Context, a, b string) error {
	if err := validatePair(a, b); err != nil {
		return err
	}
	unlock := s.pairs.lock(a, b)
	defer unlock()

	if err := s.finishPendingRemoval(ctx, a, b); err != nil {
		return err
	}

	var ua, ub *models.User
	err := s.withRetry(ctx, "add friend", func() error {
		return s.repo.Transaction(ctx, func(tx *Repo) error {
			var err error
			ua, ub, err = addEdgesTx(ctx, tx, a, b)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("add friend: %w", err)
	}
	s.publishFriendAdded(ctx, ua, ub)
	return nil
}

func addEdgesTx(ctx context.Context, tx *Repo, a, b string) (*models.User, *models.User, error) {
	ua, err := tx.GetUser(ctx, a)
	if err != nil {
		return nil, nil, storeErr(err)
	}
	ub, err := tx.GetUser(ctx, b)
	if err != nil {
		return nil, nil, storeErr(err)
	}

	existing, err := tx.PairEdges(ctx, a, b)
	if err != nil {
		return nil, nil, err
	}
	if len(existing) > 0 {
		return nil, nil, fmt.Errorf("%w: already friends", common.ErrConflict)
	}

	if err := tx.CreateEdges(ctx,
		&FriendEdge{OwnerID: a, FriendID: b, FriendName: ub.DisplayName(), State: EdgeActive},
		&FriendEdge{OwnerID: b, FriendID: a, FriendName: ua.DisplayName(), State: EdgeActive},
	); err != nil {
		return nil, nil, err
	}
	return ua, ub, nil
}

func (s *Service) publishFriendAdded(ctx context.Context, ua, ub *models.User) {
	s.publish(ctx, ua.ID, events.New(events.FriendAdded, map[string]any{
		"friend_id":   ub.ID,
		"friend_name": ub.DisplayName(),
	}))
	s.publish(ctx, ub.ID, events.New(events.FriendAdded, map[string]any{
		"friend_id":   ua.ID,
		"friend_name": ua.DisplayName(),
	}))
}

// ListFriends reads the owner's active edges. The names come from the
// snapshot stored on each edge, no profile join is made.
func (s *Service) ListFriends(ctx context.Context, userID string) ([]FriendEdge, error) {
	var edges []FriendEdge
	err := s.withRetry(ctx, "list friends", func() error {
		var err error
		edges, err = s.repo.ListEdges(ctx, userID, EdgeActive)
		return err
	})
	if err != nil {
		return nil, err
	}
	return edges, nil
}

// AreFriends reports whether an active a->b edge exists.
func (s *Service) AreFriends(ctx context.Context, a, b string) (bool, error) {
	var friends bool
	err := s.withRetry(ctx, "are friends", func() error {
		e, err := s.repo.GetEdge(ctx, a, b)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				friends = false
				return nil
			}
			return err
		}
		friends = e.State == EdgeActive
		return nil
	})
	return friends, err
}

// RemoveFriend deletes the pair and its conversation.
//
// Phase one flips both edges to pending_deletion in a transaction, which hides
// the friendship and its conversation from every reader. Phase two purges the
// messages, phase three deletes the edges. If the process dies in between,
// RecoverPendingDeletions finishes the job; the edges are never reactivated.
//
// removed is false when there was nothing to remove. That is not an error.
func (s *Service) RemoveFriend(ctx context.Context, a, b string) (removed bool, err error) {
	if err := validatePair(a, b); err != nil {
		return false, err
	}
	unlock := s.pairs.lock(a, b)
	defer unlock()

	var marked int64
	err = s.withRetry(ctx, "mark pending deletion", func() error {
		return s.repo.Transaction(ctx, func(tx *Repo) error {
			var err error
			marked, err = tx.MarkPairPendingDeletion(ctx, a, b)
			return err
		})
	})
	if err != nil {
		return false, fmt.Errorf("remove friend: %w", err)
	}

	if marked == 0 {
		// an interrupted removal may have left the pair pending
		pending, err := s.hasPending(ctx, a, b)
		if err != nil {
			return false, fmt.Errorf("remove friend: %w", err)
		}
		if !pending {
			return false, nil
		}
	}

	if err := s.completeRemoval(ctx, a, b); err != nil {
		return false, fmt.Errorf("remove friend: %w", err)
	}

	s.publish(ctx, a, events.New(events.FriendRemoved, map[string]any{"friend_id": b}))
	s.publish(ctx, b, events.New(events.FriendRemoved, map[string]any{"friend_id": a}))
	return true, nil
}

func (s *Service) hasPending(ctx context.Context, a, b string) (bool, error) {
	var pending bool
	err := s.withRetry(ctx, "pair edges", func() error {
		edges, err := s.repo.PairEdges(ctx, a, b)
		if err != nil {
			return err
		}
		pending = false
		for _, e := range edges {
			if e.State == EdgePendingDeletion {
				pending = true
			}
		}
		return nil
	})
	return pending, err
}

// finishPendingRemoval completes a half-done removal of the pair, if any.
// Caller holds the pair lock.
func (s *Service) finishPendingRemoval(ctx context.Context, a, b string) error {
	pending, err := s.hasPending(ctx, a, b)
	if err != nil || !pending {
		return err
	}
	log.WithFields(log.Fields{"a": a, "b": b}).Info("finishing interrupted friend removal")
	return s.completeRemoval(ctx, a, b)
}

// completeRemoval runs phases two and three. Caller holds the pair lock.
func (s *Service) completeRemoval(ctx context.Context, a, b string) error {
	key := ConversationKey(a, b)

	var purged int64
	if err := s.withRetry(ctx, "purge conversation", func() error {
		var err error
		purged, err = s.repo.DeleteMessages(ctx, key)
		return err
	}); err != nil {
		return err
	}

	if err := s.withRetry(ctx, "delete edges", func() error {
		return s.repo.Transaction(ctx, func(tx *Repo) error {
			_, err := tx.DeletePairEdges(ctx, a, b)
			return err
		})
	}); err != nil {
		return err
	}

	log.WithFields(log.Fields{"conversation": key, "messages": purged}).Debug("friend pair removed")
	return nil
}

// RecoverPendingDeletions finishes every removal left in pending_deletion and
// returns how many pairs it completed.
func (s *Service) RecoverPendingDeletions(ctx context.Context) (int, error) {
	const batch = 200
	done := 0
	for {
		var edges []FriendEdge
		if err := s.withRetry(ctx, "list pending deletions", func() error {
			var err error
			edges, err = s.repo.ListPendingDeletions(ctx, batch)
			return err
		}); err != nil {
			return done, err
		}
		if len(edges) == 0 {
			return done, nil
		}

		seen := make(map[string]bool, len(edges))
		for _, e := range edges {
			key := ConversationKey(e.OwnerID, e.FriendID)
			if seen[key] {
				continue
			}
			seen[key] = true

			unlock := s.pairs.lock(e.OwnerID, e.FriendID)
			err := s.completeRemoval(ctx, e.OwnerID, e.FriendID)
			unlock()
			if err != nil {
				return done, err
			}
			done++
		}
		if len(edges) < batch {
			return done, nil
		}
	}
}

// CheckUsernameUnique reports whether no user other than excludingUserID owns
// candidate. Comparison is case sensitive. The candidate is normalized the
// same way UpdateProfile normalizes it before writing.
func (s *Service) CheckUsernameUnique(ctx context.Context, candidate, excludingUserID string) (bool, error) {
	username, err := normalizeUsername(candidate)
	if err != nil {
		return false, err
	}
	var cnt int64
	err = s.withRetry(ctx, "check username", func() error {
		var err error
		cnt, err = s.repo.CountUsername(ctx, username, excludingUserID)
		return err
	})
	if err != nil {
		return false, err
	}
	return cnt == 0, nil
}

func normalizeUsername(raw string) (string, error) {
	u := strings.TrimSpace(raw)
	if u == "" {
		return "", fmt.Errorf("%w: username is required", common.ErrInvalidArgument)
	}
	if len(u) > maxUsernameLen {
		return "", fmt.Errorf("%w: username too long", common.ErrInvalidArgument)
	}
	return u, nil
}
