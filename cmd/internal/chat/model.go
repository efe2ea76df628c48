// Package chat owns users, chats and messages: their stores, the access policy
// and the service that the transports call into.
package chat

import (
	"time"
)

const (
	// DefaultPageSize applies when a caller passes limit <= 0.
	DefaultPageSize = 20
	// MaxPageSize caps every page request.
	MaxPageSize = 100

	minChatNameChars = 3
	maxChatNameChars = 60

	// Max message text length (runes).
	maxMessageChars = 4000
)

// User is the public profile of an account. Credentials live elsewhere.
type User struct {
	ID       string
	Email    string
	Username string
	// ImageURL is opaque; object storage is not handled here.
	ImageURL  string
	CreatedAt time.Time
}

// Chat is a conversation between its members.
//
// MemberIDs always contains CreatorID and never changes after creation.
type Chat struct {
	ID        string
	Name      string
	IsPrivate bool
	CreatorID string
	MemberIDs []string
	CreatedAt time.Time

	// LatestMessage is set by listing and lookup; nil when the chat is empty.
	LatestMessage *Message
}

// ActivityAt is the chat's position in activity order.
func (c Chat) ActivityAt() time.Time {
	if c.LatestMessage != nil {
		return c.LatestMessage.CreatedAt
	}
	return c.CreatedAt
}

// HasMember reports whether userID is listed in MemberIDs.
func (c Chat) HasMember(userID string) bool {
	for _, id := range c.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Message is one chat message. Author is attached on reads and nil when the
// author record no longer exists.
type Message struct {
	ID        string
	ChatID    string
	AuthorID  string
	Content   string
	CreatedAt time.Time

	Author *User
}

// CreateUserInput registers a profile.
type CreateUserInput struct {
	Email    string
	Username string
	ImageURL string
	Now      time.Time
}

// CreateChatInput describes a chat to persist. MemberIDs must already contain CreatorID.
type CreateChatInput struct {
	Name      string
	IsPrivate bool
	CreatorID string
	MemberIDs []string
	Now       time.Time
}

// AppendMessageInput describes a message append request.
type AppendMessageInput struct {
	ChatID   string
	AuthorID string
	Content  string
	Now      time.Time
}

// PageArgs are the caller-facing pagination arguments. Cursor is "after" for
// chats and "before" for messages.
type PageArgs struct {
	Limit  int
	Cursor string
}

// ChatQuery lists chats visible under Access, newest activity first.
type ChatQuery struct {
	Access Access
	Limit  int
	After  string
}

// ChatPage is one page of an activity-ordered chat listing.
type ChatPage struct {
	Chats       []Chat
	EndCursor   string
	HasNextPage bool
}

// MessageQuery pages backwards through a chat's history.
type MessageQuery struct {
	ChatID string
	Limit  int
	Before string
}

// MessagePage holds messages oldest first.
//
// StartCursor points at the oldest message and is the Before value for the
// next (older) page. HasNextPage is always false: newer messages arrive through
// subscriptions, not by paging forward.
type MessagePage struct {
	Messages        []Message
	StartCursor     string
	EndCursor       string
	HasPreviousPage bool
	HasNextPage     bool
}

// storeTime normalizes a timestamp to the precision every backend keeps.
func storeTime(t time.Time) time.Time {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Truncate(time.Microsecond)
}
