package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"chatter/cmd/identity/ids"
)

// BadgerStore is an embedded single-node backend.
//
// Key layout:
//
//	user:{id}                           -> userRecord
//	username:{normalized}               -> user id
//	email:{normalized}                  -> user id
//	chat:{id}                           -> chatRecord
//	msg:{chat_id}:{unix_nano%019d}:{id} -> messageRecord
//
// Message keys sort by (created_at, id) within a chat, so history pages and the
// newest-message lookup are reverse prefix scans.
//
// BadgerStore does NOT own the DB; Close is a no-op.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore constructs a Store over an open Badger DB.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, errors.New("chat: nil badger db")
	}
	return &BadgerStore{db: db}, nil
}

// Close is a no-op because the DB is owned by the caller.
func (s *BadgerStore) Close() error { return nil }

type userRecord struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	ImageURL  string    `json:"image_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type chatRecord struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	IsPrivate bool      `json:"is_private"`
	CreatorID string    `json:"creator_id"`
	MemberIDs []string  `json:"member_ids"`
	CreatedAt time.Time `json:"created_at"`
}

type messageRecord struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (r userRecord) toUser() User {
	return User{ID: r.ID, Email: r.Email, Username: r.Username, ImageURL: r.ImageURL, CreatedAt: r.CreatedAt.UTC()}
}

func (r chatRecord) toChat() Chat {
	return Chat{
		ID:        r.ID,
		Name:      r.Name,
		IsPrivate: r.IsPrivate,
		CreatorID: r.CreatorID,
		MemberIDs: r.MemberIDs,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func (r messageRecord) toMessage() Message {
	return Message{ID: r.ID, ChatID: r.ChatID, AuthorID: r.AuthorID, Content: r.Content, CreatedAt: r.CreatedAt.UTC()}
}

func userKey(id string) []byte         { return []byte("user:" + id) }
func usernameKey(norm string) []byte   { return []byte("username:" + norm) }
func emailKey(norm string) []byte      { return []byte("email:" + norm) }
func chatKey(id string) []byte         { return []byte("chat:" + id) }
func msgPrefix(chatID string) []byte   { return []byte("msg:" + chatID + ":") }
func msgSeekLast(chatID string) []byte { return append(msgPrefix(chatID), 0xff) }

// Message keys encode unix nanos, so only this range of times is addressable.
var (
	minKeyTime = time.Unix(0, 0)
	maxKeyTime = time.Unix(0, math.MaxInt64)
)

func msgKey(chatID string, at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d:%s", chatID, at.UnixNano(), id))
}

// CreateUser registers a profile; username and email are unique case-insensitively.
func (s *BadgerStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "chat.BadgerStore.CreateUser"

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

	rec := userRecord{ID: id, Email: in.Email, Username: in.Username, ImageURL: in.ImageURL, CreatedAt: in.Now}
	raw, err := json.Marshal(rec)
	if err != nil {
		return User{}, err
	}
	nameKey := usernameKey(NormalizeUsername(in.Username))
	mailKey := emailKey(in.Email)

	err = s.update(func(txn *badger.Txn) error {
		if exists, err := badgerExists(txn, nameKey); err != nil {
			return err
		} else if exists {
			return ConflictError{Op: op, Field: "username"}
		}
		if exists, err := badgerExists(txn, mailKey); err != nil {
			return err
		} else if exists {
			return ConflictError{Op: op, Field: "email"}
		}
		if err := txn.Set(userKey(id), raw); err != nil {
			return err
		}
		if err := txn.Set(nameKey, []byte(id)); err != nil {
			return err
		}
		return txn.Set(mailKey, []byte(id))
	})
	if err != nil {
		return User{}, err
	}
	return rec.toUser(), nil
}

// GetUser returns a user by id.
func (s *BadgerStore) GetUser(ctx context.Context, id string) (User, error) {
	const op = "chat.BadgerStore.GetUser"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	var u *User
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		u, err = readUser(txn, strings.TrimSpace(id))
		return err
	})
	if err != nil {
		return User{}, err
	}
	if u == nil {
		return User{}, notFound(op)
	}
	return *u, nil
}

// CreateChat persists a chat.
func (s *BadgerStore) CreateChat(ctx context.Context, in CreateChatInput) (Chat, error) {
	const op = "chat.BadgerStore.CreateChat"

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

	rec := chatRecord{
		ID:        id,
		Name:      in.Name,
		IsPrivate: in.IsPrivate,
		CreatorID: in.CreatorID,
		MemberIDs: slices.Clone(in.MemberIDs),
		CreatedAt: in.Now,
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return Chat{}, err
	}
	if err := s.update(func(txn *badger.Txn) error {
		return txn.Set(chatKey(id), raw)
	}); err != nil {
		return Chat{}, err
	}
	return rec.toChat(), nil
}

// FindChat returns one chat with its latest message, if access allows.
func (s *BadgerStore) FindChat(ctx context.Context, access Access, id string) (Chat, error) {
	const op = "chat.BadgerStore.FindChat"

	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Chat{}, notFound(op)
	}

	var (
		out   Chat
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chatKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		var rec chatRecord
		if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
			return err
		}
		c := rec.toChat()
		if !access.Allows(c) {
			return nil
		}
		if c.LatestMessage, err = newestMessage(txn, c.ID); err != nil {
			return err
		}
		out, found = c, true
		return nil
	})
	if err != nil {
		return Chat{}, err
	}
	if !found {
		return Chat{}, notFound(op)
	}
	return out, nil
}

// ListChats returns chats visible under q.Access, newest activity first.
//
// Candidates come from a prefix scan over chat records; the newest message of
// each is then read with one reverse seek per chat and merged in memory.
func (s *BadgerStore) ListChats(ctx context.Context, q ChatQuery) (ChatPage, error) {
	const op = "chat.BadgerStore.ListChats"

	if err := ctx.Err(); err != nil {
		return ChatPage{}, err
	}
	after, err := decodeCursor(op, q.After)
	if err != nil {
		return ChatPage{}, err
	}
	limit := clampLimit(q.Limit)

	var rows []Chat
	err = s.db.View(func(txn *badger.Txn) error {
		var candidates []Chat

		prefix := []byte("chat:")
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, PrefetchSize: 100, Prefix: prefix})
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec chatRecord
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				it.Close()
				return err
			}
			if c := rec.toChat(); q.Access.Allows(c) {
				candidates = append(candidates, c)
			}
		}
		it.Close()

		for _, c := range candidates {
			if err := ctx.Err(); err != nil {
				return err
			}
			latest, err := newestMessage(txn, c.ID)
			if err != nil {
				return err
			}
			c.LatestMessage = latest
			if after != nil && !after.Older(c.ActivityAt(), c.ID) {
				continue
			}
			rows = append(rows, c)
		}
		return nil
	})
	if err != nil {
		return ChatPage{}, err
	}

	slices.SortFunc(rows, byActivityDesc)
	if len(rows) > limit+1 {
		rows = rows[:limit+1]
	}
	return chatPage(rows, limit), nil
}

// AppendMessage stores a message under its ordered key.
func (s *BadgerStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	const op = "chat.BadgerStore.AppendMessage"

	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	in, err := checkAppend(op, in)
	if err != nil {
		return Message{}, err
	}
	if in.Now.Before(minKeyTime) || in.Now.After(maxKeyTime) {
		return Message{}, invalid(op, "created_at out of range")
	}
	id, err := ids.NewULID(in.Now)
	if err != nil {
		return Message{}, err
	}

	rec := messageRecord{ID: id, ChatID: in.ChatID, AuthorID: in.AuthorID, Content: in.Content, CreatedAt: in.Now}
	raw, err := json.Marshal(rec)
	if err != nil {
		return Message{}, err
	}

	err = s.update(func(txn *badger.Txn) error {
		exists, err := badgerExists(txn, chatKey(in.ChatID))
		if err != nil {
			return err
		}
		if !exists {
			return notFound(op)
		}
		return txn.Set(msgKey(in.ChatID, in.Now, id), raw)
	})
	if err != nil {
		return Message{}, err
	}
	return rec.toMessage(), nil
}

// ListMessages pages backwards from q.Before and returns the page oldest first.
func (s *BadgerStore) ListMessages(ctx context.Context, q MessageQuery) (MessagePage, error) {
	const op = "chat.BadgerStore.ListMessages"

	if err := ctx.Err(); err != nil {
		return MessagePage{}, err
	}
	before, err := decodeCursor(op, q.Before)
	if err != nil {
		return MessagePage{}, err
	}
	limit := clampLimit(q.Limit)
	chatID := strings.TrimSpace(q.ChatID)

	// Nothing sorts before the epoch.
	if before != nil && before.SortKey.Before(minKeyTime) {
		return messagePage(nil, limit), nil
	}

	fetched := make([]Message, 0, limit+1)
	err = s.db.View(func(txn *badger.Txn) error {
		prefix := msgPrefix(chatID)
		seek := msgSeekLast(chatID)
		// A cursor past the key range is newer than every stored message.
		if before != nil && !before.SortKey.After(maxKeyTime) {
			seek = msgKey(chatID, before.SortKey, before.ID)
		}

		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(prefix) && len(fetched) <= limit; it.Next() {
			var rec messageRecord
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
				return err
			}
			m := rec.toMessage()
			// Seek lands on the cursor row itself when it still exists.
			if before != nil && !before.Older(m.CreatedAt, m.ID) {
				continue
			}
			author, err := readUser(txn, m.AuthorID)
			if err != nil {
				return err
			}
			m.Author = author
			fetched = append(fetched, m)
		}
		return nil
	})
	if err != nil {
		return MessagePage{}, err
	}
	return messagePage(fetched, limit), nil
}

// update runs fn in a read-write transaction, retrying on optimistic conflicts.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	const maxAttempts = 3
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func newestMessage(txn *badger.Txn, chatID string) (*Message, error) {
	prefix := msgPrefix(chatID)

	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	it.Seek(msgSeekLast(chatID))
	if !it.ValidForPrefix(prefix) {
		return nil, nil
	}

	var rec messageRecord
	if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
		return nil, err
	}
	m := rec.toMessage()
	author, err := readUser(txn, m.AuthorID)
	if err != nil {
		return nil, err
	}
	m.Author = author
	return &m, nil
}

// readUser returns nil without error when the user does not exist.
func readUser(txn *badger.Txn, id string) (*User, error) {
	if id == "" {
		return nil, nil
	}
	item, err := txn.Get(userKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec userRecord
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &rec) }); err != nil {
		return nil, err
	}
	u := rec.toUser()
	return &u, nil
}

func badgerExists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}
