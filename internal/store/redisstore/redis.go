package redisstore

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/suPer8Hu/chatmate/internal/events"
)

const DefaultChannel = "chatmate:events"

// Store carries event deliveries between server nodes over redis pub/sub.
type Store struct {
	rdb     *redis.Client
	channel string
}

func New(addr, password string, db int) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Store{rdb: rdb, channel: DefaultChannel}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Publish implements events.Publisher. Every subscribed node receives the
// delivery and hands it to its own local hub.
func (s *Store) Publish(ctx context.Context, userID string, env events.Envelope) error {
	b, err := json.Marshal(events.Delivery{UserID: userID, Envelope: env})
	if err != nil {
		return err
	}
	return s.rdb.Publish(ctx, s.channel, b).Err()
}

// Subscribe forwards deliveries to fn until ctx is done.
func (s *Store) Subscribe(ctx context.Context, fn func(ctx context.Context, d events.Delivery)) error {
	sub := s.rdb.Subscribe(ctx, s.channel)
	defer sub.Close()

	// wait for the subscription to be confirmed
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var d events.Delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil || d.UserID == "" {
				log.WithField("channel", msg.Channel).WithError(err).Warn("dropping malformed delivery")
				continue
			}
			fn(ctx, d)
		}
	}
}
