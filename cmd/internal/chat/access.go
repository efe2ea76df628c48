package chat

import (
	"context"
	"fmt"
	"strings"
)

// Access is the read/write predicate bound to one caller.
//
// A caller may use a chat iff they created it, are a member, or the chat is public.
// It is evaluated on every request and never cached.
type Access struct {
	UserID string
}

// Allows reports whether the bound caller may use c.
func (a Access) Allows(c Chat) bool {
	if !c.IsPrivate {
		return true
	}
	if a.UserID == "" {
		return false
	}
	return c.CreatorID == a.UserID || c.HasMember(a.UserID)
}

// SQL renders the predicate as a WHERE fragment over the chats table aliased
// as alias. The caller binds a.UserID at placeholder position n.
func (a Access) SQL(alias string, n int) string {
	p := fmt.Sprintf("$%d", n)
	return fmt.Sprintf("(%[1]s.creator_id = %[2]s OR %[2]s = ANY(%[1]s.member_ids) OR NOT %[1]s.is_private)", alias, p)
}

// Policy answers write-path access checks.
type Policy struct {
	chats ChatStore
}

// NewPolicy constructs a Policy over chats.
func NewPolicy(chats ChatStore) *Policy {
	return &Policy{chats: chats}
}

// VerifyAccess returns nil when userID may use chatID, and ErrNotFound both
// when the chat does not exist and when the caller cannot see it.
func (p *Policy) VerifyAccess(ctx context.Context, chatID, userID string) error {
	const op = "chat.VerifyAccess"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return OpError{Op: op, Kind: ErrUnauthorized}
	}
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return notFound(op)
	}

	if _, err := p.chats.FindChat(ctx, Access{UserID: userID}, chatID); err != nil {
		if IsNotFound(err) {
			return notFound(op)
		}
		return err
	}
	return nil
}
