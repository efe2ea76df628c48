// Package api is the HTTP surface for users, chats and messages.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"chatter/cmd/internal/auth"
	"chatter/cmd/internal/chat"
)

const defaultMaxBodyBytes = 64 << 10

// Service is the chat use-case surface the handlers drive.
type Service interface {
	RegisterUser(ctx context.Context, in chat.CreateUserInput) (chat.User, error)
	CurrentUser(ctx context.Context, userID string) (chat.User, error)
	CreateChat(ctx context.Context, in chat.CreateChatInput, creatorID string) (chat.Chat, error)
	ListChats(ctx context.Context, callerID string, args chat.PageArgs) (chat.ChatPage, error)
	GetChat(ctx context.Context, id, callerID string) (chat.Chat, error)
	SendMessage(ctx context.Context, chatID, content, authorID string) (chat.Message, error)
	ListMessages(ctx context.Context, chatID, callerID string, args chat.PageArgs) (chat.MessagePage, error)
}

// Tokens authenticates requests and, when dev tokens are enabled, mints them.
type Tokens interface {
	Authenticate(r *http.Request) (auth.Claims, error)
	Issue(userID string) (string, time.Time, error)
}

// Config controls API behavior.
type Config struct {
	MaxBodyBytes int64
	// DevTokens exposes POST /auth/dev-token. Never enable in production.
	DevTokens    bool
	CookieSecure bool
}

// Handler wires HTTP endpoints to the chat service.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	svc      Service
	tokens   Tokens
	limiter  *RateLimiter
	validate *validator.Validate
}

type HandlerOption func(*Handler)

// WithRateLimiter installs per-caller rate limiting. A nil limiter disables it.
func WithRateLimiter(rl *RateLimiter) HandlerOption {
	return func(h *Handler) {
		h.limiter = rl
	}
}

func NewHandler(log *slog.Logger, svc Service, tokens Tokens, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("api: nil service")
	}
	if tokens == nil {
		return nil, errors.New("api: nil tokens")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	h := &Handler{log: log, cfg: cfg, svc: svc, tokens: tokens, validate: v}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register mounts every API route on r.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authenticate, h.limiter.Middleware)

		r.Post("/users", h.handleRegister)
		if h.cfg.DevTokens {
			r.Post("/auth/dev-token", h.handleDevToken)
		}

		r.Group(func(r chi.Router) {
			r.Use(requireUser)

			r.Get("/users/me", h.handleMe)
			r.Post("/chats", h.handleCreateChat)
			r.Get("/chats", h.handleListChats)
			r.Get("/chats/{chatID}", h.handleGetChat)
			r.Post("/chats/{chatID}/messages", h.handleSendMessage)
			r.Get("/chats/{chatID}/messages", h.handleListMessages)
		})
	})
}

// ---- middleware ----

// authenticate attaches the caller's user id. Requests without a token pass
// through anonymously; a bad token is rejected outright.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.tokens.Authenticate(r)
		switch {
		case err == nil:
			r = r.WithContext(auth.WithUserID(r.Context(), claims.UserID))
		case errors.Is(err, auth.ErrMissingToken):
		default:
			writeError(w, http.StatusUnauthorized, "invalid_token", "invalid or expired token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth.UserID(r.Context()) == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---- handlers ----

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.decode(w, r, &req) {
		return
	}

	u, err := h.svc.RegisterUser(r.Context(), chat.CreateUserInput{
		Email:    req.Email,
		Username: req.Username,
		ImageURL: req.ImageURL,
	})
	if err != nil {
		writeServiceError(w, h.log, "api.users.register", err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(u))
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := h.svc.CurrentUser(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, h.log, "api.users.me", err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(u))
}

func (h *Handler) handleDevToken(w http.ResponseWriter, r *http.Request) {
	var req devTokenRequest
	if !h.decode(w, r, &req) {
		return
	}

	u, err := h.svc.CurrentUser(r.Context(), req.UserID)
	if err != nil {
		if errors.Is(err, chat.ErrUnauthorized) {
			writeError(w, http.StatusNotFound, "not_found", "not found")
			return
		}
		writeServiceError(w, h.log, "api.auth.dev_token", err)
		return
	}

	tok, exp, err := h.tokens.Issue(u.ID)
	if err != nil {
		writeServiceError(w, h.log, "api.auth.dev_token", err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    tok,
		Path:     "/",
		Expires:  exp,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	h.log.Info("api.auth.dev_token.issued", "user_id", u.ID)
	writeJSON(w, http.StatusOK, devTokenResponse{AccessToken: tok, TokenType: "Bearer", ExpiresAt: exp})
}

func (h *Handler) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if !h.decode(w, r, &req) {
		return
	}

	c, err := h.svc.CreateChat(r.Context(), chat.CreateChatInput{
		Name:      req.Name,
		IsPrivate: req.IsPrivate,
		MemberIDs: req.MemberIDs,
	}, auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, h.log, "api.chats.create", err)
		return
	}
	writeJSON(w, http.StatusCreated, toChatResponse(c))
}

func (h *Handler) handleListChats(w http.ResponseWriter, r *http.Request) {
	args, ok := pageArgs(w, r, "after")
	if !ok {
		return
	}
	page, err := h.svc.ListChats(r.Context(), auth.UserID(r.Context()), args)
	if err != nil {
		writeServiceError(w, h.log, "api.chats.list", err)
		return
	}
	writeJSON(w, http.StatusOK, toChatPageResponse(page))
}

func (h *Handler) handleGetChat(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.GetChat(r.Context(), chi.URLParam(r, "chatID"), auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, h.log, "api.chats.get", err)
		return
	}
	writeJSON(w, http.StatusOK, toChatResponse(c))
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !h.decode(w, r, &req) {
		return
	}

	m, err := h.svc.SendMessage(r.Context(), chi.URLParam(r, "chatID"), req.Content, auth.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, h.log, "api.messages.send", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMessageResponse(m))
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	args, ok := pageArgs(w, r, "before")
	if !ok {
		return
	}
	page, err := h.svc.ListMessages(r.Context(), chi.URLParam(r, "chatID"), auth.UserID(r.Context()), args)
	if err != nil {
		writeServiceError(w, h.log, "api.messages.list", err)
		return
	}
	writeJSON(w, http.StatusOK, toMessagePageResponse(page))
}

// ---- request helpers ----

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		if fe.Param() != "" {
			return fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param())
		}
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
	return "invalid input"
}

// pageArgs reads limit (1..MaxPageSize, optional) and the named cursor parameter.
func pageArgs(w http.ResponseWriter, r *http.Request, cursorParam string) (chat.PageArgs, bool) {
	q := r.URL.Query()
	args := chat.PageArgs{Cursor: strings.TrimSpace(q.Get(cursorParam))}

	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > chat.MaxPageSize {
			writeError(w, http.StatusBadRequest, "invalid_input", fmt.Sprintf("limit must be between 1 and %d", chat.MaxPageSize))
			return args, false
		}
		args.Limit = n
	}
	return args, true
}
