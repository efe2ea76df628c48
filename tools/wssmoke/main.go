// Package main is a CI-friendly end-to-end smoke test for a running chatter
// server started with CHATTER_DEV_TOKENS=true.
//
// It validates:
//   - user registration and dev token issuance
//   - WebSocket handshake with subprotocol selection
//   - subscribe ack
//   - REST send -> message_new fanout to another subscriber
//   - no echo of the sender's own messages
//   - backward message paging
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "chatter/shared/contracts/realtime/v1"
)

const maxReadBytes = 1 << 20

type smokeUser struct {
	name  string
	id    string
	token string
}

type smokeClient struct {
	name  string
	conn  *websocket.Conn
	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:8080", "server base URL")
		origin  = flag.String("origin", "http://localhost", "Origin header for the WebSocket handshake")
		text    = flag.String("text", "hello chatter", "message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "per-step timeout")
		verbose = flag.Bool("v", false, "verbose output")
	)
	flag.Parse()

	base, err := url.Parse(strings.TrimRight(*baseURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		fatalf("invalid -url %q", *baseURL)
	}

	root := context.Background()
	suffix := fmt.Sprintf("%d", time.Now().UnixNano()%1_000_000_000)

	a := mustUser(root, base, "smoke-a-"+suffix, *timeout)
	b := mustUser(root, base, "smoke-b-"+suffix, *timeout)
	if *verbose {
		fmt.Printf("users: A=%s B=%s\n", a.id, b.id)
	}

	var chat struct {
		ID string `json:"id"`
	}
	mustCall(root, base, http.MethodPost, "/chats", a.token, map[string]any{"name": "smoke-" + suffix}, http.StatusCreated, &chat, *timeout)

	ca := mustConnect(root, base, *origin, a, *timeout)
	defer closeWS(ca.conn)
	cb := mustConnect(root, base, *origin, b, *timeout)
	defer closeWS(cb.conn)

	mustSubscribe(root, ca, chat.ID, *timeout)
	mustSubscribe(root, cb, chat.ID, *timeout)

	var sent struct {
		ID      string `json:"id"`
		Content string `json:"content"`
	}
	mustCall(root, base, http.MethodPost, "/chats/"+chat.ID+"/messages", a.token, map[string]any{"content": *text}, http.StatusCreated, &sent, *timeout)

	got := mustReadMessage(cb, *timeout)
	if got.ID != sent.ID || got.ChatID != chat.ID || got.AuthorID != a.id || got.Content != *text {
		fatalf("message_new mismatch: got=%+v sent_id=%s", got, sent.ID)
	}
	if got.Author == nil || got.Author.ID != a.id {
		fatalf("message_new missing author")
	}

	mustAssertNoType(ca, v1.TypeMessageNew, 1200*time.Millisecond)

	var page struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
		HasPreviousPage bool `json:"hasPreviousPage"`
	}
	mustCall(root, base, http.MethodGet, "/chats/"+chat.ID+"/messages?limit=10", b.token, nil, http.StatusOK, &page, *timeout)
	if len(page.Items) != 1 || page.Items[0].ID != sent.ID || page.HasPreviousPage {
		fatalf("history mismatch: %+v", page)
	}

	fmt.Printf("OK: chat_id=%s message_id=%s A=%s B=%s\n", chat.ID, sent.ID, a.id, b.id)
}

func mustUser(ctx context.Context, base *url.URL, name string, timeout time.Duration) smokeUser {
	var u struct {
		ID string `json:"id"`
	}
	mustCall(ctx, base, http.MethodPost, "/users", "", map[string]any{
		"email":    name + "@example.com",
		"username": name,
	}, http.StatusCreated, &u, timeout)

	var tok struct {
		AccessToken string `json:"accessToken"`
	}
	mustCall(ctx, base, http.MethodPost, "/auth/dev-token", "", map[string]any{"userId": u.ID}, http.StatusOK, &tok, timeout)
	if tok.AccessToken == "" {
		fatalf("dev-token returned no token for %s (is CHATTER_DEV_TOKENS=true?)", name)
	}
	return smokeUser{name: name, id: u.ID, token: tok.AccessToken}
}

func mustCall(parent context.Context, base *url.URL, method, path, token string, body any, wantStatus int, out any, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(mustJSON(body))
	}
	req, err := http.NewRequestWithContext(ctx, method, base.String()+path, rdr)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxReadBytes))
	if resp.StatusCode != wantStatus {
		fatalf("%s %s: status=%d want=%d body=%s", method, path, resp.StatusCode, wantStatus, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			fatalf("%s %s: decode: %v", method, path, err)
		}
	}
}

func mustConnect(parent context.Context, base *url.URL, origin string, u smokeUser, timeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	wsURL := *base
	wsURL.Scheme = strings.Replace(base.Scheme, "http", "ws", 1)
	wsURL.Path = "/ws"

	h := http.Header{}
	h.Set("Authorization", "Bearer "+u.token)
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL.String(), &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", u.name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  u.name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustSubscribe(parent context.Context, c *smokeClient, chatID string, timeout time.Duration) {
	env, err := v1.New(v1.TypeSubscribe, c.name+"-subscribe", time.Now(), v1.SubscribePayload{ChatIDs: []string{chatID}})
	if err != nil {
		fatalf("build subscribe: %v", err)
	}
	mustWrite(parent, c.conn, env, timeout)

	ack := c.mustReadUntilType(v1.TypeSubscribed, timeout)
	var p v1.SubscribedPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal subscribed (%s): %v", c.name, err)
	}
	if len(p.ChatIDs) != 1 || p.ChatIDs[0] != chatID {
		fatalf("subscribed chat_ids mismatch (%s): %v", c.name, p.ChatIDs)
	}
}

func mustReadMessage(c *smokeClient, timeout time.Duration) v1.Message {
	env := c.mustReadUntilType(v1.TypeMessageNew, timeout)
	var p v1.MessageNewPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal message_new (%s): %v", c.name, err)
	}
	return p.Message
}

func (c *smokeClient) mustReadUntilType(want string, timeout time.Duration) v1.Envelope {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("%s: connection closed while waiting for %s: %v", c.name, want, drainErr(c.errCh))
			}
			switch env.Type {
			case want:
				return env
			case v1.TypeError:
				var p v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &p)
				fatalf("%s: server error while waiting for %s: %s %s", c.name, want, p.Code, p.Message)
			}
		case <-deadline.C:
			fatalf("%s: timeout waiting for %s", c.name, want)
		}
	}
}

func mustAssertNoType(c *smokeClient, typ string, wait time.Duration) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		select {
		case env, ok := <-c.inbox:
			if !ok {
				return
			}
			if env.Type == typ {
				fatalf("%s: unexpected %s", c.name, typ)
			}
		case <-deadline.C:
			return
		}
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, mustJSON(env)); err != nil {
		fatalf("write %s: %v", env.Type, err)
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal: %v", err)
	}
	return b
}

func drainErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
