package chat

import (
	"context"
	"slices"
	"strings"

	"chatter/cmd/internal/cursor"
)

// UserStore is the user directory. It is the join source for message authors.
type UserStore interface {
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)
	// GetUser returns ErrNotFound when the user does not exist.
	GetUser(ctx context.Context, id string) (User, error)
}

// ChatStore persists chats and answers activity-ordered listings.
//
// Requirements:
//   - ListChats orders by (activity desc, id desc) and applies the Access
//     predicate inside the query, not after it
//   - FindChat returns ErrNotFound for missing and invisible chats alike
//   - Malformed cursors fail with ErrMalformedCursor
type ChatStore interface {
	CreateChat(ctx context.Context, in CreateChatInput) (Chat, error)
	FindChat(ctx context.Context, access Access, id string) (Chat, error)
	ListChats(ctx context.Context, q ChatQuery) (ChatPage, error)
}

// MessageStore persists messages scoped by chat.
//
// Requirements:
//   - ListMessages walks (created_at desc, id desc) and returns the page oldest first
//   - Authors are attached fail-soft (nil when the user is gone)
//   - AppendMessage fails with ErrNotFound when the chat does not exist
type MessageStore interface {
	AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error)
	ListMessages(ctx context.Context, q MessageQuery) (MessagePage, error)
}

// Store bundles the three stores behind one backend.
type Store interface {
	UserStore
	ChatStore
	MessageStore
	Close() error
}

func clampLimit(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	if n > MaxPageSize {
		return MaxPageSize
	}
	return n
}

// decodeCursor returns nil for an empty token.
func decodeCursor(op, raw string) (*cursor.Position, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	pos, err := cursor.Decode(raw)
	if err != nil {
		return nil, OpError{Op: op, Kind: ErrMalformedCursor, Msg: err.Error()}
	}
	return &pos, nil
}

// byActivityDesc orders chats newest activity first, larger id first on ties.
func byActivityDesc(a, b Chat) int {
	return cursor.Compare(b.ActivityAt(), b.ID, a.ActivityAt(), a.ID)
}

// byCreatedDesc orders messages newest first, larger id first on ties.
func byCreatedDesc(a, b Message) int {
	return cursor.Compare(b.CreatedAt, b.ID, a.CreatedAt, a.ID)
}

// chatPage trims up to limit+1 ordered rows into a page.
func chatPage(fetched []Chat, limit int) ChatPage {
	hasNext := len(fetched) > limit
	if hasNext {
		fetched = fetched[:limit]
	}
	page := ChatPage{Chats: fetched, HasNextPage: hasNext}
	if page.Chats == nil {
		page.Chats = []Chat{}
	}
	if n := len(fetched); n > 0 {
		last := fetched[n-1]
		page.EndCursor = cursor.Encode(last.ActivityAt(), last.ID)
	}
	return page
}

// messagePage turns up to limit+1 newest-first rows into an oldest-first page.
func messagePage(fetched []Message, limit int) MessagePage {
	hasPrev := len(fetched) > limit
	if hasPrev {
		fetched = fetched[:limit]
	}

	out := slices.Clone(fetched)
	slices.Reverse(out)
	if out == nil {
		out = []Message{}
	}

	page := MessagePage{Messages: out, HasPreviousPage: hasPrev}
	if n := len(out); n > 0 {
		page.StartCursor = cursor.Encode(out[0].CreatedAt, out[0].ID)
		page.EndCursor = cursor.Encode(out[n-1].CreatedAt, out[n-1].ID)
	}
	return page
}
