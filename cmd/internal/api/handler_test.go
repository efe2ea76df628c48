package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"chatter/cmd/internal/auth"
	"chatter/cmd/internal/broker"
	"chatter/cmd/internal/chat"
)

type apiFixture struct {
	router   chi.Router
	svc      *chat.Service
	verifier *auth.Verifier
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newAPIFixture(t *testing.T, cfg Config, opts ...HandlerOption) apiFixture {
	t.Helper()

	bus := broker.New[chat.Message](broker.WithLogger(discardLogger()))
	t.Cleanup(bus.Close)

	svc, err := chat.NewService(chat.NewMemoryStore(), bus, chat.WithLogger(discardLogger()))
	require.NoError(t, err)

	verifier, err := auth.NewVerifier([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)

	h, err := NewHandler(discardLogger(), svc, verifier, cfg, opts...)
	require.NoError(t, err)

	r := chi.NewRouter()
	h.Register(r)
	return apiFixture{router: r, svc: svc, verifier: verifier}
}

func (f apiFixture) user(t *testing.T, name string) (chat.User, string) {
	t.Helper()
	u, err := f.svc.RegisterUser(context.Background(), chat.CreateUserInput{Username: name, Email: name + "@example.com"})
	require.NoError(t, err)
	tok, _, err := f.verifier.Issue(u.ID)
	require.NoError(t, err)
	return u, tok
}

func (f apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var rdr io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rdr = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, rdr)
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCodeOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[errorResponse](t, rec).Error.Code
}

func TestNewHandler_RequiresDependencies(t *testing.T) {
	verifier, err := auth.NewVerifier([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)

	_, err = NewHandler(nil, nil, verifier, Config{})
	require.Error(t, err)

	_, err = NewHandler(nil, &chat.Service{}, nil, Config{})
	require.Error(t, err)
}

func TestRegisterUser(t *testing.T) {
	f := newAPIFixture(t, Config{})

	rec := f.do(t, http.MethodPost, "/users", "", map[string]any{
		"email":    "alice@example.com",
		"username": "alice",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	u := decodeBody[userResponse](t, rec)
	require.NotEmpty(t, u.ID)
	require.Equal(t, "alice", u.Username)
	require.Nil(t, u.ImageURL)

	rec = f.do(t, http.MethodPost, "/users", "", map[string]any{
		"email":    "other@example.com",
		"username": "ALICE",
	})
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	require.Equal(t, "conflict", errorCodeOf(t, rec))
	require.Contains(t, rec.Body.String(), "username already taken")
}

func TestRegisterUser_RejectsBadInput(t *testing.T) {
	f := newAPIFixture(t, Config{})

	cases := []struct {
		name string
		body any
		code string
	}{
		{name: "bad email", body: map[string]any{"email": "nope", "username": "alice"}, code: "invalid_input"},
		{name: "short username", body: map[string]any{"email": "a@example.com", "username": "al"}, code: "invalid_input"},
		{name: "bad image url", body: map[string]any{"email": "a@example.com", "username": "alice", "imageUrl": "not a url"}, code: "invalid_input"},
		{name: "unknown field", body: map[string]any{"email": "a@example.com", "username": "alice", "role": "admin"}, code: "invalid_json"},
		{name: "not json", body: "{", code: "invalid_json"},
		{name: "trailing data", body: `{"email":"a@example.com","username":"alice"} {}`, code: "invalid_json"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/users", "", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			require.Equal(t, tc.code, errorCodeOf(t, rec))
		})
	}
}

func TestCurrentUser(t *testing.T) {
	f := newAPIFixture(t, Config{})
	alice, tok := f.user(t, "alice")

	rec := f.do(t, http.MethodGet, "/users/me", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, alice.ID, decodeBody[userResponse](t, rec).ID)

	rec = f.do(t, http.MethodGet, "/users/me", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "unauthorized", errorCodeOf(t, rec))

	rec = f.do(t, http.MethodGet, "/users/me", "garbage", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "invalid_token", errorCodeOf(t, rec))

	ghost, _, err := f.verifier.Issue("01HZZZZZZZZZZZZZZZZZZZZZZZ")
	require.NoError(t, err)
	rec = f.do(t, http.MethodGet, "/users/me", ghost, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDevToken(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		f := newAPIFixture(t, Config{})
		alice, _ := f.user(t, "alice")

		rec := f.do(t, http.MethodPost, "/auth/dev-token", "", map[string]any{"userId": alice.ID})
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("enabled", func(t *testing.T) {
		f := newAPIFixture(t, Config{DevTokens: true})
		alice, _ := f.user(t, "alice")

		rec := f.do(t, http.MethodPost, "/auth/dev-token", "", map[string]any{"userId": alice.ID})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		out := decodeBody[devTokenResponse](t, rec)
		require.Equal(t, "Bearer", out.TokenType)
		require.True(t, out.ExpiresAt.After(time.Now()))

		cookies := rec.Result().Cookies()
		require.Len(t, cookies, 1)
		require.Equal(t, auth.CookieName, cookies[0].Name)
		require.True(t, cookies[0].HttpOnly)

		me := f.do(t, http.MethodGet, "/users/me", out.AccessToken, nil)
		require.Equal(t, http.StatusOK, me.Code)

		rec = f.do(t, http.MethodPost, "/auth/dev-token", "", map[string]any{"userId": "nobody"})
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestChats_CreateGetAndHide(t *testing.T) {
	f := newAPIFixture(t, Config{})
	alice, aliceTok := f.user(t, "alice")
	bob, bobTok := f.user(t, "bob")
	_, carolTok := f.user(t, "carol")

	rec := f.do(t, http.MethodPost, "/chats", aliceTok, map[string]any{
		"name":      "secret",
		"isPrivate": true,
		"memberIds": []string{bob.ID, bob.ID},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	secret := decodeBody[chatResponse](t, rec)
	require.Equal(t, alice.ID, secret.CreatorID)
	require.ElementsMatch(t, []string{alice.ID, bob.ID}, secret.MemberIDs)
	require.Nil(t, secret.LatestMessage)

	rec = f.do(t, http.MethodGet, "/chats/"+secret.ID, bobTok, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	hidden := f.do(t, http.MethodGet, "/chats/"+secret.ID, carolTok, nil)
	require.Equal(t, http.StatusNotFound, hidden.Code)

	absent := f.do(t, http.MethodGet, "/chats/01HZZZZZZZZZZZZZZZZZZZZZZZ", carolTok, nil)
	require.Equal(t, http.StatusNotFound, absent.Code)
	require.JSONEq(t, hidden.Body.String(), absent.Body.String())

	rec = f.do(t, http.MethodPost, "/chats", aliceTok, map[string]any{"name": "ab"})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/chats", "", map[string]any{"name": "general"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChats_ListPages(t *testing.T) {
	f := newAPIFixture(t, Config{})
	_, aliceTok := f.user(t, "alice")
	_, bobTok := f.user(t, "bob")

	for _, name := range []string{"one", "two", "three"} {
		rec := f.do(t, http.MethodPost, "/chats", aliceTok, map[string]any{"name": name})
		require.Equal(t, http.StatusCreated, rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/chats", aliceTok, map[string]any{"name": "private", "isPrivate": true})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodGet, "/chats?limit=2", bobTok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	first := decodeBody[chatPageResponse](t, rec)
	require.Len(t, first.Items, 2)
	require.True(t, first.HasNextPage)
	require.NotNil(t, first.EndCursor)

	rec = f.do(t, http.MethodGet, "/chats?limit=2&after="+*first.EndCursor, bobTok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	second := decodeBody[chatPageResponse](t, rec)
	require.Len(t, second.Items, 1)
	require.False(t, second.HasNextPage)
	require.NotEqual(t, "private", second.Items[0].Name)

	rec = f.do(t, http.MethodGet, "/chats", aliceTok, nil)
	require.Len(t, decodeBody[chatPageResponse](t, rec).Items, 4)
}

func TestChats_RejectsBadPaging(t *testing.T) {
	f := newAPIFixture(t, Config{})
	_, tok := f.user(t, "alice")

	for _, q := range []string{"limit=0", "limit=101", "limit=abc"} {
		rec := f.do(t, http.MethodGet, "/chats?"+q, tok, nil)
		require.Equal(t, http.StatusBadRequest, rec.Code, q)
		require.Equal(t, "invalid_input", errorCodeOf(t, rec))
	}

	rec := f.do(t, http.MethodGet, "/chats?after=!!!", tok, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "malformed_cursor", errorCodeOf(t, rec))
}

func TestMessages_SendAndPageBackwards(t *testing.T) {
	f := newAPIFixture(t, Config{})
	alice, aliceTok := f.user(t, "alice")
	_, bobTok := f.user(t, "bob")

	rec := f.do(t, http.MethodPost, "/chats", aliceTok, map[string]any{"name": "general"})
	require.Equal(t, http.StatusCreated, rec.Code)
	c := decodeBody[chatResponse](t, rec)

	for _, text := range []string{"one", "two", "three"} {
		rec = f.do(t, http.MethodPost, "/chats/"+c.ID+"/messages", aliceTok, map[string]any{"content": text})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		m := decodeBody[messageResponse](t, rec)
		require.Equal(t, alice.ID, m.AuthorID)
		require.NotNil(t, m.Author)
		require.Equal(t, "alice", m.Author.Username)
	}

	rec = f.do(t, http.MethodGet, "/chats/"+c.ID+"/messages?limit=2", bobTok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decodeBody[messagePageResponse](t, rec)
	require.Len(t, page.Items, 2)
	require.Equal(t, "two", page.Items[0].Content)
	require.Equal(t, "three", page.Items[1].Content)
	require.True(t, page.HasPreviousPage)
	require.False(t, page.HasNextPage)
	require.NotNil(t, page.StartCursor)

	rec = f.do(t, http.MethodGet, "/chats/"+c.ID+"/messages?limit=2&before="+*page.StartCursor, bobTok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	older := decodeBody[messagePageResponse](t, rec)
	require.Len(t, older.Items, 1)
	require.Equal(t, "one", older.Items[0].Content)
	require.False(t, older.HasPreviousPage)

	rec = f.do(t, http.MethodGet, "/chats/"+c.ID, bobTok, nil)
	latest := decodeBody[chatResponse](t, rec).LatestMessage
	require.NotNil(t, latest)
	require.Equal(t, "three", latest.Content)
}

func TestMessages_HiddenChat(t *testing.T) {
	f := newAPIFixture(t, Config{})
	_, aliceTok := f.user(t, "alice")
	_, bobTok := f.user(t, "bob")

	rec := f.do(t, http.MethodPost, "/chats", aliceTok, map[string]any{"name": "secret", "isPrivate": true})
	require.Equal(t, http.StatusCreated, rec.Code)
	c := decodeBody[chatResponse](t, rec)

	rec = f.do(t, http.MethodPost, "/chats/"+c.ID+"/messages", bobTok, map[string]any{"content": "hi"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/chats/"+c.ID+"/messages", bobTok, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/chats/"+c.ID+"/messages", aliceTok, map[string]any{"content": strings.Repeat("x", 4001)})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/chats/"+c.ID+"/messages", aliceTok, map[string]any{"content": ""})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEmptyPagesEncodeEmptyItems(t *testing.T) {
	f := newAPIFixture(t, Config{})
	_, tok := f.user(t, "alice")

	rec := f.do(t, http.MethodGet, "/chats", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"items":[],"endCursor":null,"hasNextPage":false}`, rec.Body.String())
}

func TestRateLimit(t *testing.T) {
	rl := NewRateLimiter(discardLogger(), rate.Every(time.Hour), 2, time.Minute)
	f := newAPIFixture(t, Config{}, WithRateLimiter(rl))
	_, aliceTok := f.user(t, "alice")
	_, bobTok := f.user(t, "bob")

	for range 2 {
		require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/users/me", aliceTok, nil).Code)
	}
	rec := f.do(t, http.MethodGet, "/users/me", aliceTok, nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "rate_limited", errorCodeOf(t, rec))
	require.NotEmpty(t, rec.Header().Get("Retry-After"))

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/users/me", bobTok, nil).Code)
	require.Equal(t, 2, rl.Len())
}
