package social

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/suPer8Hu/chatmate/internal/common"
	"github.com/suPer8Hu/chatmate/internal/events"
	"gorm.io/gorm"
)

const maxMessageLen = 4000

// requireActiveEdge fails with ErrForbidden unless owner->friend is active.
// A pair under removal is treated as not friends.
func requireActiveEdge(ctx context.Context, tx *Repo, owner, friend string) error {
	e, err := tx.GetEdge(ctx, owner, friend)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: not friends", common.ErrForbidden)
		}
		return err
	}
	if e.State != EdgeActive {
		return fmt.Errorf("%w: not friends", common.ErrForbidden)
	}
	return nil
}

// SendFriendMessage appends to the durable conversation between two friends.
// It shares the pair lock with RemoveFriend so no message lands after a purge.
func (s *Service) SendFriendMessage(ctx context.Context, senderID, friendID, text string) (*Message, error) {
	if err := validatePair(senderID, friendID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: message is empty", common.ErrInvalidArgument)
	}
	if len(text) > maxMessageLen {
		return nil, fmt.Errorf("%w: message too long", common.ErrInvalidArgument)
	}

	unlock := s.pairs.lock(senderID, friendID)
	defer unlock()

	msg := &Message{
		MessageID:       uuid.NewString(),
		ConversationKey: ConversationKey(senderID, friendID),
		SenderID:        senderID,
		Text:            text,
	}
	err := s.withRetry(ctx, "send friend message", func() error {
		return s.repo.Transaction(ctx, func(tx *Repo) error {
			if err := requireActiveEdge(ctx, tx, senderID, friendID); err != nil {
				return err
			}
			msg.ID = 0
			msg.CreatedAt = time.Now().UTC()
			return tx.InsertMessage(ctx, msg)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("send friend message: %w", err)
	}

	s.publish(ctx, friendID, events.New(events.FriendMessage, msg))
	return msg, nil
}

// ListConversation returns messages newest first. The friendship check and
// the read share one transaction, so the caller sees either the whole
// conversation or a refusal, never a half purged one.
func (s *Service) ListConversation(ctx context.Context, userID, friendID string, limit int, beforeID uint64) ([]Message, error) {
	if err := validatePair(userID, friendID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var msgs []Message
	err := s.withRetry(ctx, "list conversation", func() error {
		return s.repo.Transaction(ctx, func(tx *Repo) error {
			if err := requireActiveEdge(ctx, tx, userID, friendID); err != nil {
				return err
			}
			var err error
			msgs, err = tx.ListMessages(ctx, ConversationKey(userID, friendID), limit, beforeID)
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list conversation: %w", err)
	}
	return msgs, nil
}
