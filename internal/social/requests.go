package social

import (
	"context"
	"errors"
	"fmt"

	"github.com/suPer8Hu/chatmate/internal/common"
	"github.com/suPer8Hu/chatmate/internal/events"
	"github.com/suPer8Hu/chatmate/internal/models"
	"gorm.io/gorm"
)

// SendFriendRequest records from's consent to befriend to. When to already
// asked from, both sides have consented and the friendship is created at once.
func (s *Service) SendFriendRequest(ctx context.Context, from, to string) (req *FriendRequest, accepted bool, err error) {
	if err := validatePair(from, to); err != nil {
		return nil, false, err
	}
	reqID, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}

	unlock := s.pairs.lock(from, to)
	defer unlock()

	if err := s.finishPendingRemoval(ctx, from, to); err != nil {
		return nil, false, err
	}

	var ua, ub *models.User
	err = s.withRetry(ctx, "send friend request", func() error {
		accepted = false
		return s.repo.Transaction(ctx, func(tx *Repo) error {
			edges, err := tx.PairEdges(ctx, from, to)
			if err != nil {
				return err
			}
			if len(edges) > 0 {
				return fmt.Errorf("%w: already friends", common.ErrConflict)
			}

			reverse, err := tx.FindFriendRequest(ctx, to, from)
			switch {
			case err == nil:
				if _, err := tx.DeleteFriendRequest(ctx, reverse.ID); err != nil {
					return err
				}
				ua, ub, err = addEdgesTx(ctx, tx, from, to)
				if err != nil {
					return err
				}
				req, accepted = reverse, true
				return nil
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return err
			}

			if _, err := tx.FindFriendRequest(ctx, from, to); err == nil {
				return fmt.Errorf("%w: friend request already sent", common.ErrConflict)
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			sender, err := tx.GetUser(ctx, from)
			if err != nil {
				return err
			}
			if _, err := tx.GetUser(ctx, to); err != nil {
				return err
			}
			req = &FriendRequest{ID: reqID, FromUserID: from, ToUserID: to, FromName: sender.DisplayName()}
			return tx.CreateFriendRequest(ctx, req)
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("send friend request: %w", err)
	}

	if accepted {
		s.publishFriendAdded(ctx, ua, ub)
	} else {
		s.publish(ctx, to, events.New(events.FriendRequest, req))
	}
	return req, accepted, nil
}

// AcceptFriendRequest is called by the recipient and creates the friendship.
func (s *Service) AcceptFriendRequest(ctx context.Context, userID, requestID string) error {
	req, err := s.getFriendRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.ToUserID != userID {
		return fmt.Errorf("accept friend request: %w", common.ErrForbidden)
	}

	unlock := s.pairs.lock(req.FromUserID, req.ToUserID)
	defer unlock()

	if err := s.finishPendingRemoval(ctx, req.FromUserID, req.ToUserID); err != nil {
		return err
	}

	var ua, ub *models.User
	alreadyFriends := false
	err = s.withRetry(ctx, "accept friend request", func() error {
		alreadyFriends = false
		return s.repo.Transaction(ctx, func(tx *Repo) error {
			n, err := tx.DeleteFriendRequest(ctx, req.ID)
			if err != nil {
				return err
			}
			if n == 0 {
				return fmt.Errorf("%w: friend request", common.ErrNotFound)
			}
			edges, err := tx.PairEdges(ctx, req.FromUserID, req.ToUserID)
			if err != nil {
				return err
			}
			if len(edges) > 0 {
				// keep the request deletion, report the conflict afterwards
				alreadyFriends = true
				return nil
			}
			ua, ub, err = addEdgesTx(ctx, tx, req.FromUserID, req.ToUserID)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("accept friend request: %w", err)
	}
	if alreadyFriends {
		return fmt.Errorf("accept friend request: %w: already friends", common.ErrConflict)
	}
	s.publishFriendAdded(ctx, ua, ub)
	return nil
}

// DeclineFriendRequest lets either side drop a pending request.
func (s *Service) DeclineFriendRequest(ctx context.Context, userID, requestID string) error {
	req, err := s.getFriendRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.ToUserID != userID && req.FromUserID != userID {
		return fmt.Errorf("decline friend request: %w", common.ErrForbidden)
	}
	return s.withRetry(ctx, "decline friend request", func() error {
		_, err := s.repo.DeleteFriendRequest(ctx, req.ID)
		return err
	})
}

func (s *Service) ListFriendRequests(ctx context.Context, userID string) ([]FriendRequest, error) {
	var reqs []FriendRequest
	err := s.withRetry(ctx, "list friend requests", func() error {
		var err error
		reqs, err = s.repo.ListIncomingFriendRequests(ctx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reqs, nil
}

func (s *Service) getFriendRequest(ctx context.Context, id string) (*FriendRequest, error) {
	var req *FriendRequest
	err := s.withRetry(ctx, "get friend request", func() error {
		var err error
		req, err = s.repo.GetFriendRequest(ctx, id)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("friend request: %w", err)
	}
	return req, nil
}
