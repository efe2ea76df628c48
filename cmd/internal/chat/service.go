package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/lo"

	"chatter/cmd/internal/broker"
)

// Service is the only entry point the transports use.
type Service struct {
	log    *slog.Logger
	store  Store
	policy *Policy
	bus    *broker.Broker[Message]
	now    func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source used to stamp new records.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService wires the service over a store backend and a message broker.
func NewService(store Store, bus *broker.Broker[Message], opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("chat: nil store")
	}
	if bus == nil {
		return nil, errors.New("chat: nil broker")
	}
	s := &Service{
		log:    slog.Default(),
		store:  store,
		policy: NewPolicy(store),
		bus:    bus,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// RegisterUser creates a user profile.
func (s *Service) RegisterUser(ctx context.Context, in CreateUserInput) (User, error) {
	in.Now = s.now()
	u, err := s.store.CreateUser(ctx, in)
	if err != nil {
		return User{}, err
	}
	s.log.Info("chat.user.registered", "user_id", u.ID)
	return u, nil
}

// CurrentUser resolves the authenticated caller. A token for a user that no
// longer exists is treated as unauthorized.
func (s *Service) CurrentUser(ctx context.Context, userID string) (User, error) {
	const op = "chat.CurrentUser"

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, OpError{Op: op, Kind: ErrUnauthorized}
	}
	u, err := s.store.GetUser(ctx, userID)
	if IsNotFound(err) {
		return User{}, OpError{Op: op, Kind: ErrUnauthorized, Msg: "unknown user"}
	}
	return u, err
}

// CreateChat persists a chat whose members always include the creator.
func (s *Service) CreateChat(ctx context.Context, in CreateChatInput, creatorID string) (Chat, error) {
	const op = "chat.CreateChat"

	creatorID = strings.TrimSpace(creatorID)
	if creatorID == "" {
		return Chat{}, OpError{Op: op, Kind: ErrUnauthorized}
	}

	in.CreatorID = creatorID
	in.MemberIDs = NormalizeMembers(creatorID, in.MemberIDs)
	in.Now = s.now()

	c, err := s.store.CreateChat(ctx, in)
	if err != nil {
		return Chat{}, err
	}
	s.log.Info("chat.created", "chat_id", c.ID, "creator_id", c.CreatorID, "members", len(c.MemberIDs), "private", c.IsPrivate)
	return c, nil
}

// ListChats pages through the chats callerID may see, newest activity first.
func (s *Service) ListChats(ctx context.Context, callerID string, args PageArgs) (ChatPage, error) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return ChatPage{}, OpError{Op: "chat.ListChats", Kind: ErrUnauthorized}
	}
	return s.store.ListChats(ctx, ChatQuery{
		Access: Access{UserID: callerID},
		Limit:  args.Limit,
		After:  args.Cursor,
	})
}

// GetChat returns one chat or ErrNotFound when it is absent or hidden.
func (s *Service) GetChat(ctx context.Context, id, callerID string) (Chat, error) {
	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return Chat{}, OpError{Op: "chat.GetChat", Kind: ErrUnauthorized}
	}
	return s.store.FindChat(ctx, Access{UserID: callerID}, id)
}

// SendMessage verifies access, persists the message and publishes it. The
// published value is the returned value.
func (s *Service) SendMessage(ctx context.Context, chatID, content, authorID string) (Message, error) {
	if err := s.policy.VerifyAccess(ctx, chatID, authorID); err != nil {
		return Message{}, err
	}

	m, err := s.store.AppendMessage(ctx, AppendMessageInput{
		ChatID:   chatID,
		AuthorID: authorID,
		Content:  content,
		Now:      s.now(),
	})
	if err != nil {
		return Message{}, err
	}

	author, err := s.store.GetUser(ctx, m.AuthorID)
	switch {
	case err == nil:
		m.Author = &author
	case IsNotFound(err):
		// Author record is gone; deliver without one.
	default:
		// Post-commit: the send succeeds and the message goes out without an author.
		s.log.Warn("chat.message.author_lookup_failed", "message_id", m.ID, "err", err)
	}

	delivered := s.bus.Publish(m)
	s.log.Debug("chat.message.sent", "chat_id", m.ChatID, "message_id", m.ID, "delivered", delivered)
	return m, nil
}

// ListMessages verifies access and pages backwards through a chat.
func (s *Service) ListMessages(ctx context.Context, chatID, callerID string, args PageArgs) (MessagePage, error) {
	if err := s.policy.VerifyAccess(ctx, chatID, callerID); err != nil {
		return MessagePage{}, err
	}
	return s.store.ListMessages(ctx, MessageQuery{
		ChatID: strings.TrimSpace(chatID),
		Limit:  args.Limit,
		Before: args.Cursor,
	})
}

// SubscribeToMessages opens a live stream of new messages in chatIDs, excluding
// the caller's own. Access to every chat is checked first; one failure fails
// the whole subscription. The caller must Cancel the subscription.
func (s *Service) SubscribeToMessages(ctx context.Context, chatIDs []string, callerID string) (*broker.Subscription[Message], error) {
	const op = "chat.SubscribeToMessages"

	callerID = strings.TrimSpace(callerID)
	if callerID == "" {
		return nil, OpError{Op: op, Kind: ErrUnauthorized}
	}

	chatIDs = NormalizeIDs(chatIDs)
	if len(chatIDs) == 0 {
		return nil, invalid(op, "no chat ids")
	}

	for _, id := range chatIDs {
		if err := s.policy.VerifyAccess(ctx, id, callerID); err != nil {
			return nil, err
		}
	}

	watched := lo.SliceToMap(chatIDs, func(id string) (string, struct{}) { return id, struct{}{} })
	sub, err := s.bus.Subscribe(func(m Message) bool {
		if m.AuthorID == callerID {
			return false
		}
		_, ok := watched[m.ChatID]
		return ok
	})
	if err != nil {
		return nil, err
	}

	s.log.Debug("chat.subscription.open", "user_id", callerID, "chats", len(chatIDs), "subscription_id", sub.ID())
	return sub, nil
}
