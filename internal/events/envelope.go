// Package events defines the JSON envelopes pushed to connected clients and
// the publishers that deliver them.
package events

import (
	"context"
	"time"
)

type Type string

const (
	FriendAdded     Type = "friend_added"
	FriendRemoved   Type = "friend_removed"
	FriendRequest   Type = "friend_request"
	FriendMessage   Type = "friend_message"
	ChatMessage     Type = "chat_message"
	MatchFound      Type = "match_found"
	SessionEnded    Type = "session_ended"
	SearchCancelled Type = "search_cancelled"
	Error           Type = "error"
)

type Envelope struct {
	Type      Type  `json:"type"`
	Data      any   `json:"data,omitempty"`
	Timestamp int64 `json:"timestamp"`
}

func New(t Type, data any) Envelope {
	return Envelope{Type: t, Data: data, Timestamp: time.Now().UnixMilli()}
}

// Delivery addresses an envelope to one user. It is the payload carried by
// the redis and rabbitmq transports.
type Delivery struct {
	UserID   string   `json:"user_id"`
	Envelope Envelope `json:"envelope"`
}

type Publisher interface {
	Publish(ctx context.Context, userID string, env Envelope) error
}

type PublisherFunc func(ctx context.Context, userID string, env Envelope) error

func (f PublisherFunc) Publish(ctx context.Context, userID string, env Envelope) error {
	return f(ctx, userID, env)
}

// Discard drops every envelope.
var Discard Publisher = PublisherFunc(func(context.Context, string, Envelope) error { return nil })
