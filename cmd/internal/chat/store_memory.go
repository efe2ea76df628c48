package chat

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"

	"chatter/cmd/identity/ids"
	"chatter/cmd/internal/cursor"
)

// MemoryStore is the dev and test backend used when no database is configured.
//
// Listing follows the two-phase plan: collect candidate chats under the access
// predicate, batch-read the newest message per candidate, then merge and sort.
type MemoryStore struct {
	mu sync.RWMutex

	users     map[string]User
	usernames map[string]string // normalized username -> user id
	emails    map[string]string // normalized email -> user id

	chats map[string]Chat
	msgs  map[string][]Message // chat id -> messages ordered by (created_at, id) ASC
}

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]User),
		usernames: make(map[string]string),
		emails:    make(map[string]string),
		chats:     make(map[string]Chat),
		msgs:      make(map[string][]Message),
	}
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// CreateUser registers a profile; username and email are unique case-insensitively.
func (s *MemoryStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "chat.MemoryStore.CreateUser"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	in, err := checkCreateUser(op, in)
	if err != nil {
		return User{}, err
	}

	id, err := ids.NewULID(in.Now)
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nameKey := NormalizeUsername(in.Username)
	if _, ok := s.usernames[nameKey]; ok {
		return User{}, ConflictError{Op: op, Field: "username"}
	}
	if _, ok := s.emails[in.Email]; ok {
		return User{}, ConflictError{Op: op, Field: "email"}
	}

	u := User{
		ID:        id,
		Email:     in.Email,
		Username:  in.Username,
		ImageURL:  in.ImageURL,
		CreatedAt: in.Now,
	}
	s.users[id] = u
	s.usernames[nameKey] = id
	s.emails[in.Email] = id
	return u, nil
}

// GetUser returns a user by id.
func (s *MemoryStore) GetUser(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[strings.TrimSpace(id)]
	if !ok {
		return User{}, notFound("chat.MemoryStore.GetUser")
	}
	return u, nil
}

// CreateChat persists a chat.
func (s *MemoryStore) CreateChat(ctx context.Context, in CreateChatInput) (Chat, error) {
	const op = "chat.MemoryStore.CreateChat"

	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	in, err := checkCreateChat(op, in)
	if err != nil {
		return Chat{}, err
	}

	id, err := ids.NewULID(in.Now)
	if err != nil {
		return Chat{}, err
	}

	c := Chat{
		ID:        id,
		Name:      in.Name,
		IsPrivate: in.IsPrivate,
		CreatorID: in.CreatorID,
		MemberIDs: slices.Clone(in.MemberIDs),
		CreatedAt: in.Now,
	}

	s.mu.Lock()
	s.chats[id] = c
	s.mu.Unlock()

	return cloneChat(c), nil
}

// FindChat returns one chat with its latest message, if access allows.
func (s *MemoryStore) FindChat(ctx context.Context, access Access, id string) (Chat, error) {
	const op = "chat.MemoryStore.FindChat"

	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.chats[strings.TrimSpace(id)]
	if !ok || !access.Allows(c) {
		return Chat{}, notFound(op)
	}
	return s.withLatestLocked(c, s.newestLocked([]string{c.ID})), nil
}

// ListChats returns chats visible under q.Access, newest activity first.
func (s *MemoryStore) ListChats(ctx context.Context, q ChatQuery) (ChatPage, error) {
	const op = "chat.MemoryStore.ListChats"

	if err := ctx.Err(); err != nil {
		return ChatPage{}, err
	}
	after, err := decodeCursor(op, q.After)
	if err != nil {
		return ChatPage{}, err
	}
	limit := clampLimit(q.Limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make([]Chat, 0, len(s.chats))
	chatIDs := make([]string, 0, len(s.chats))
	for _, c := range s.chats {
		if !q.Access.Allows(c) {
			continue
		}
		candidates = append(candidates, c)
		chatIDs = append(chatIDs, c.ID)
	}

	newest := s.newestLocked(chatIDs)

	rows := make([]Chat, 0, len(candidates))
	for _, c := range candidates {
		c = s.withLatestLocked(c, newest)
		if after != nil && !after.Older(c.ActivityAt(), c.ID) {
			continue
		}
		rows = append(rows, c)
	}

	slices.SortFunc(rows, byActivityDesc)
	if len(rows) > limit+1 {
		rows = rows[:limit+1]
	}
	return chatPage(rows, limit), nil
}

// AppendMessage stores a message in its chat's ordered history.
func (s *MemoryStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	const op = "chat.MemoryStore.AppendMessage"

	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	in, err := checkAppend(op, in)
	if err != nil {
		return Message{}, err
	}

	id, err := ids.NewULID(in.Now)
	if err != nil {
		return Message{}, err
	}

	m := Message{
		ID:        id,
		ChatID:    in.ChatID,
		AuthorID:  in.AuthorID,
		Content:   in.Content,
		CreatedAt: in.Now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[in.ChatID]; !ok {
		return Message{}, notFound(op)
	}

	list := s.msgs[in.ChatID]
	at := sort.Search(len(list), func(i int) bool {
		return cursor.Compare(list[i].CreatedAt, list[i].ID, m.CreatedAt, m.ID) > 0
	})
	s.msgs[in.ChatID] = slices.Insert(list, at, m)

	return m, nil
}

// ListMessages pages backwards from q.Before and returns the page oldest first.
func (s *MemoryStore) ListMessages(ctx context.Context, q MessageQuery) (MessagePage, error) {
	const op = "chat.MemoryStore.ListMessages"

	if err := ctx.Err(); err != nil {
		return MessagePage{}, err
	}
	before, err := decodeCursor(op, q.Before)
	if err != nil {
		return MessagePage{}, err
	}
	limit := clampLimit(q.Limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.msgs[strings.TrimSpace(q.ChatID)]

	end := len(list)
	if before != nil {
		end = sort.Search(len(list), func(i int) bool {
			return !before.Older(list[i].CreatedAt, list[i].ID)
		})
	}
	start := max(0, end-(limit+1))

	fetched := make([]Message, 0, end-start)
	for i := end - 1; i >= start; i-- {
		m := list[i]
		m.Author = s.authorLocked(m.AuthorID)
		fetched = append(fetched, m)
	}
	return messagePage(fetched, limit), nil
}

// newestLocked returns the newest message of each listed chat that has one.
func (s *MemoryStore) newestLocked(chatIDs []string) map[string]Message {
	out := make(map[string]Message, len(chatIDs))
	for _, id := range chatIDs {
		list := s.msgs[id]
		if len(list) == 0 {
			continue
		}
		out[id] = list[len(list)-1]
	}
	return out
}

func (s *MemoryStore) withLatestLocked(c Chat, newest map[string]Message) Chat {
	c = cloneChat(c)
	if m, ok := newest[c.ID]; ok {
		m.Author = s.authorLocked(m.AuthorID)
		c.LatestMessage = &m
	}
	return c
}

func (s *MemoryStore) authorLocked(id string) *User {
	u, ok := s.users[id]
	if !ok {
		return nil
	}
	return &u
}

func cloneChat(c Chat) Chat {
	c.MemberIDs = slices.Clone(c.MemberIDs)
	c.LatestMessage = nil
	return c
}
