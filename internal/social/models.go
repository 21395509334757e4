package social

import (
	"time"
)

type EdgeState string

const (
	EdgeActive          EdgeState = "active"
	EdgePendingDeletion EdgeState = "pending_deletion"
)

// FriendEdge is one direction of a friendship. Edges are only ever written in
// pairs by Service; FriendName is a snapshot of the friend's display name.
type FriendEdge struct {
	OwnerID    string    `gorm:"primaryKey;type:varchar(26)" json:"-"`
	FriendID   string    `gorm:"primaryKey;type:varchar(26);index" json:"friend_id"`
	FriendName string    `gorm:"type:varchar(128);not null" json:"friend_name"`
	State      EdgeState `gorm:"type:varchar(24);index;not null" json:"-"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"-"`
}

func (FriendEdge) TableName() string { return "friend_edges" }

// FriendRequest exists only while pending; accepting or declining deletes it.
type FriendRequest struct {
	ID         string    `gorm:"primaryKey;type:varchar(26)" json:"id"`
	FromUserID string    `gorm:"type:varchar(26);not null;index:uniq_friend_req_pair,unique,priority:1" json:"from_user_id"`
	ToUserID   string    `gorm:"type:varchar(26);not null;index;index:uniq_friend_req_pair,unique,priority:2" json:"to_user_id"`
	FromName   string    `gorm:"type:varchar(128)" json:"from_name"`
	CreatedAt  time.Time `json:"created_at"`
}

func (FriendRequest) TableName() string { return "friend_requests" }

// Message belongs to the conversation of an unordered user pair.
type Message struct {
	ID              uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageID       string    `gorm:"type:varchar(36);uniqueIndex;not null" json:"message_id"`
	ConversationKey string    `gorm:"type:varchar(64);not null;index:idx_conv_msg_key_created,priority:1" json:"-"`
	SenderID        string    `gorm:"type:varchar(26);not null" json:"sender_id"`
	Text            string    `gorm:"type:text;not null" json:"text"`
	CreatedAt       time.Time `gorm:"index:idx_conv_msg_key_created,priority:2" json:"created_at"`
}

func (Message) TableName() string { return "conversation_messages" }

// ConversationKey is order independent: ConversationKey(a, b) == ConversationKey(b, a).
func ConversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "_" + b
}
