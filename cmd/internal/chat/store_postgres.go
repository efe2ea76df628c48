package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatter/cmd/identity/ids"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Chat listings are one planned query: a LATERAL join picks the newest message
// per chat through idx_messages_chat_created, and the access predicate is part
// of the WHERE clause.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "chatter").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "chatter",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// CreateUser registers a profile; username and email are unique case-insensitively.
func (s *PostgresStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "chat.PostgresStore.CreateUser"

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

	users := pgIdent(s.schema, "users")

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+users+` (id, email, email_norm, username, username_norm, image_url, created_at)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)`,
		id, in.Email, NormalizeEmail(in.Email), in.Username, NormalizeUsername(in.Username), in.ImageURL, in.Now,
	)
	if err != nil {
		if field, ok := pgClassifyUniqueViolation(err); ok {
			return User{}, ConflictError{Op: op, Field: field}
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return User{ID: id, Email: in.Email, Username: in.Username, ImageURL: in.ImageURL, CreatedAt: in.Now}, nil
}

// GetUser returns a user by id.
func (s *PostgresStore) GetUser(ctx context.Context, id string) (User, error) {
	const op = "chat.PostgresStore.GetUser"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	users := pgIdent(s.schema, "users")

	var (
		u        User
		imageURL *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, username, image_url, created_at FROM `+users+` WHERE id = $1`,
		strings.TrimSpace(id),
	).Scan(&u.ID, &u.Email, &u.Username, &imageURL, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, notFound(op)
	}
	if err != nil {
		return User{}, err
	}
	if imageURL != nil {
		u.ImageURL = *imageURL
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

// CreateChat persists a chat.
func (s *PostgresStore) CreateChat(ctx context.Context, in CreateChatInput) (Chat, error) {
	const op = "chat.PostgresStore.CreateChat"

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

	chats := pgIdent(s.schema, "chats")

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+chats+` (id, name, is_private, creator_id, member_ids, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		id, in.Name, in.IsPrivate, in.CreatorID, in.MemberIDs, in.Now,
	); err != nil {
		return Chat{}, fmt.Errorf("insert chat: %w", err)
	}

	return Chat{
		ID:        id,
		Name:      in.Name,
		IsPrivate: in.IsPrivate,
		CreatorID: in.CreatorID,
		MemberIDs: append([]string(nil), in.MemberIDs...),
		CreatedAt: in.Now,
	}, nil
}

// FindChat returns one chat with its latest message, if access allows.
func (s *PostgresStore) FindChat(ctx context.Context, access Access, id string) (Chat, error) {
	const op = "chat.PostgresStore.FindChat"

	if err := ctx.Err(); err != nil {
		return Chat{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Chat{}, notFound(op)
	}

	q := s.chatSelect() + `
		 WHERE ` + access.SQL("c", 1) + ` AND c.id = $2
		 LIMIT 1`

	c, err := scanChat(s.pool.QueryRow(ctx, q, access.UserID, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Chat{}, notFound(op)
	}
	if err != nil {
		return Chat{}, err
	}
	return c, nil
}

// ListChats returns chats visible under q.Access, newest activity first.
func (s *PostgresStore) ListChats(ctx context.Context, q ChatQuery) (ChatPage, error) {
	const op = "chat.PostgresStore.ListChats"

	if err := ctx.Err(); err != nil {
		return ChatPage{}, err
	}
	after, err := decodeCursor(op, q.After)
	if err != nil {
		return ChatPage{}, err
	}
	limit := clampLimit(q.Limit)
	fetch := limit + 1

	const activity = `COALESCE(lm.created_at, c.created_at)`

	sql := s.chatSelect() + `
		 WHERE ` + q.Access.SQL("c", 1)
	args := []any{q.Access.UserID, fetch}
	if after != nil {
		sql += ` AND (` + activity + `, c.id) < ($3, $4)`
		args = append(args, after.SortKey, after.ID)
	}
	sql += `
		 ORDER BY ` + activity + ` DESC, c.id DESC
		 LIMIT $2`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return ChatPage{}, err
	}
	defer rows.Close()

	out := make([]Chat, 0, fetch)
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return ChatPage{}, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return ChatPage{}, err
	}

	return chatPage(out, limit), nil
}

// AppendMessage inserts a message. A missing chat surfaces as ErrNotFound.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (Message, error) {
	const op = "chat.PostgresStore.AppendMessage"

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

	messages := pgIdent(s.schema, "messages")

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (id, chat_id, author_id, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, in.ChatID, in.AuthorID, in.Content, in.Now,
	); err != nil {
		if pgIsForeignKeyViolation(err) {
			return Message{}, notFound(op)
		}
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	return Message{
		ID:        id,
		ChatID:    in.ChatID,
		AuthorID:  in.AuthorID,
		Content:   in.Content,
		CreatedAt: in.Now,
	}, nil
}

// ListMessages pages backwards from q.Before and returns the page oldest first.
func (s *PostgresStore) ListMessages(ctx context.Context, q MessageQuery) (MessagePage, error) {
	const op = "chat.PostgresStore.ListMessages"

	if err := ctx.Err(); err != nil {
		return MessagePage{}, err
	}
	before, err := decodeCursor(op, q.Before)
	if err != nil {
		return MessagePage{}, err
	}
	limit := clampLimit(q.Limit)
	fetch := limit + 1

	messages := pgIdent(s.schema, "messages")
	users := pgIdent(s.schema, "users")

	sql := `SELECT m.id, m.chat_id, m.author_id, m.content, m.created_at,
	               u.id, u.email, u.username, u.image_url, u.created_at
	          FROM ` + messages + ` m
	          LEFT JOIN ` + users + ` u ON u.id = m.author_id
	         WHERE m.chat_id = $1`
	args := []any{strings.TrimSpace(q.ChatID), fetch}
	if before != nil {
		sql += ` AND (m.created_at, m.id) < ($3, $4)`
		args = append(args, before.SortKey, before.ID)
	}
	sql += `
	         ORDER BY m.created_at DESC, m.id DESC
	         LIMIT $2`

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return MessagePage{}, err
	}
	defer rows.Close()

	fetched := make([]Message, 0, fetch)
	for rows.Next() {
		var (
			m  Message
			au authorCols
		)
		if err := rows.Scan(
			&m.ID, &m.ChatID, &m.AuthorID, &m.Content, &m.CreatedAt,
			&au.id, &au.email, &au.username, &au.imageURL, &au.createdAt,
		); err != nil {
			return MessagePage{}, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		m.Author = au.toUser()
		fetched = append(fetched, m)
	}
	if err := rows.Err(); err != nil {
		return MessagePage{}, err
	}

	return messagePage(fetched, limit), nil
}

// chatSelect is the shared projection for FindChat and ListChats.
func (s *PostgresStore) chatSelect() string {
	chats := pgIdent(s.schema, "chats")
	messages := pgIdent(s.schema, "messages")
	users := pgIdent(s.schema, "users")

	return `SELECT c.id, c.name, c.is_private, c.creator_id, c.member_ids, c.created_at,
	               lm.id, lm.author_id, lm.content, lm.created_at,
	               u.id, u.email, u.username, u.image_url, u.created_at
	          FROM ` + chats + ` c
	          LEFT JOIN LATERAL (
	               SELECT m.id, m.author_id, m.content, m.created_at
	                 FROM ` + messages + ` m
	                WHERE m.chat_id = c.id
	                ORDER BY m.created_at DESC, m.id DESC
	                LIMIT 1
	          ) lm ON true
	          LEFT JOIN ` + users + ` u ON u.id = lm.author_id`
}

type authorCols struct {
	id        *string
	email     *string
	username  *string
	imageURL  *string
	createdAt *time.Time
}

// toUser maps the LEFT JOIN columns; all-NULL means the author is gone.
func (a authorCols) toUser() *User {
	if a.id == nil {
		return nil
	}
	u := &User{ID: *a.id}
	if a.email != nil {
		u.Email = *a.email
	}
	if a.username != nil {
		u.Username = *a.username
	}
	if a.imageURL != nil {
		u.ImageURL = *a.imageURL
	}
	if a.createdAt != nil {
		u.CreatedAt = a.createdAt.UTC()
	}
	return u
}

func scanChat(row pgx.Row) (Chat, error) {
	var (
		c Chat

		lmID        *string
		lmAuthorID  *string
		lmContent   *string
		lmCreatedAt *time.Time

		au authorCols
	)
	if err := row.Scan(
		&c.ID, &c.Name, &c.IsPrivate, &c.CreatorID, &c.MemberIDs, &c.CreatedAt,
		&lmID, &lmAuthorID, &lmContent, &lmCreatedAt,
		&au.id, &au.email, &au.username, &au.imageURL, &au.createdAt,
	); err != nil {
		return Chat{}, err
	}
	c.CreatedAt = c.CreatedAt.UTC()

	if lmID != nil {
		m := &Message{ID: *lmID, ChatID: c.ID}
		if lmAuthorID != nil {
			m.AuthorID = *lmAuthorID
		}
		if lmContent != nil {
			m.Content = *lmContent
		}
		if lmCreatedAt != nil {
			m.CreatedAt = lmCreatedAt.UTC()
		}
		m.Author = au.toUser()
		c.LatestMessage = m
	}
	return c, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

func pgIsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23503" // foreign_key_violation
}

func pgClassifyUniqueViolation(err error) (field string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	if pgErr.Code != "23505" { // unique_violation
		return "", false
	}

	c := strings.ToLower(strings.TrimSpace(pgErr.ConstraintName))
	switch {
	case strings.Contains(c, "username"):
		return "username", true
	case strings.Contains(c, "email"):
		return "email", true
	default:
		return "unique", true
	}
}
