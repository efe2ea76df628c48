// Package realtime serves live message subscriptions over WebSocket.
//
// One connection belongs to one authenticated user and holds at most one
// subscription. A subscribe request replaces the previous subscription.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"chatter/cmd/internal/auth"
	"chatter/cmd/internal/broker"
	"chatter/cmd/internal/chat"
	v1 "chatter/shared/contracts/realtime/v1"
)

// Subscriber opens access-checked message subscriptions.
type Subscriber interface {
	SubscribeToMessages(ctx context.Context, chatIDs []string, callerID string) (*broker.Subscription[chat.Message], error)
}

// Authenticator resolves the caller of an upgrade request.
type Authenticator interface {
	Authenticate(r *http.Request) (auth.Claims, error)
}

// Metrics receives connection lifecycle counters.
type Metrics interface {
	ConnOpened()
	ConnClosed()
	ConnRejected(reason string)
}

type noopMetrics struct{}

func (noopMetrics) ConnOpened()         {}
func (noopMetrics) ConnClosed()         {}
func (noopMetrics) ConnRejected(string) {}

// Gateway is the WebSocket entrypoint. It enforces origin policy,
// authentication, subprotocol selection, rate limits and heartbeats.
type Gateway struct {
	log     *slog.Logger
	subs    Subscriber
	authn   Authenticator
	metrics Metrics
	cfg     Config
	origin  originPolicy
}

type Option func(*Gateway)

func WithMetrics(m Metrics) Option {
	return func(g *Gateway) {
		if m != nil {
			g.metrics = m
		}
	}
}

// NewGateway constructs a gateway. Zero Config fields take defaults.
func NewGateway(log *slog.Logger, subs Subscriber, authn Authenticator, cfg Config, opts ...Option) (*Gateway, error) {
	if subs == nil {
		return nil, errors.New("realtime: nil subscriber")
	}
	if authn == nil {
		return nil, errors.New("realtime: nil authenticator")
	}
	if log == nil {
		log = slog.Default()
	}

	cfg = cfg.withDefaults()
	g := &Gateway{
		log:     log,
		subs:    subs,
		authn:   authn,
		metrics: noopMetrics{},
		cfg:     cfg,
		origin:  newOriginPolicy(cfg.OriginRequired, cfg.AllowedOrigins),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// ServeHTTP upgrades the request and runs the connection until either side
// closes it.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := g.origin.check(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		g.metrics.ConnRejected("origin")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	claims, err := g.authn.Authenticate(r)
	if err != nil {
		g.log.Info("ws.reject.auth", "err", err, "remote", r.RemoteAddr)
		g.metrics.ConnRejected("auth")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{v1.Subprotocol},
		OriginPatterns:     g.origin.patterns,
		InsecureSkipVerify: g.cfg.DevInsecure,
	})
	if err != nil {
		g.log.Info("ws.accept.fail", "err", err)
		g.metrics.ConnRejected("accept")
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", v1.Subprotocol)
		g.metrics.ConnRejected("subprotocol")
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol required")
		return
	}
	conn.SetReadLimit(maxFrameBytes)

	g.metrics.ConnOpened()
	defer g.metrics.ConnClosed()

	s := newSession(r.Context(), g, conn, claims.UserID)
	s.log.Info("ws.open")
	s.run()
	s.log.Info("ws.closed")
}

// session is the state of one accepted connection.
type session struct {
	g       *Gateway
	log     *slog.Logger
	conn    *websocket.Conn
	client  *Client
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sub      *broker.Subscription[chat.Message]
	pumpDone chan struct{}
	// handoff collects message ids the current pump forwards while a
	// replacement subscription is being opened. Nil outside a subscribe.
	handoff map[string]struct{}

	closeOnce sync.Once
}

func newSession(parent context.Context, g *Gateway, conn *websocket.Conn, userID string) *session {
	connID := newID(time.Now())
	ctx, cancel := context.WithCancel(parent)
	return &session{
		g:       g,
		log:     g.log.With("conn_id", connID, "user_id", userID),
		conn:    conn,
		client:  NewClient(userID, connID, g.cfg.SendQueueSize),
		limiter: rate.NewLimiter(rate.Every(g.cfg.RateWindow/time.Duration(g.cfg.RateEvents)), g.cfg.RateEvents),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// shutdown is idempotent. It never closes client.Send.
func (s *session) shutdown(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.client.Close()
		s.cancel()
		s.stopSubscription()
		_ = s.conn.Close(code, reason)
	})
}

func (s *session) run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		s.heartbeatLoop()
	}()

	s.readLoop()

	// A subscribe may have raced with a shutdown started by another goroutine.
	s.stopSubscription()
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(closeGrace):
	}
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.client.Done():
			return
		case env := <-s.client.Send:
			if err := writeEnvelope(s.ctx, s.conn, env, s.g.cfg.WriteTimeout); err != nil {
				s.log.Info("ws.write.fail", "close_status", websocket.CloseStatus(err), "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

func (s *session) heartbeatLoop() {
	t := time.NewTicker(s.g.cfg.HeartbeatInterval)
	defer t.Stop()

	failures := 0
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.client.Done():
			return
		case <-t.C:
			hbCtx, hbCancel := context.WithTimeout(s.ctx, s.g.cfg.HeartbeatTimeout)
			err := s.conn.Ping(hbCtx)
			hbCancel()

			if err != nil {
				failures++
				s.log.Info("ws.ping.fail", "failures", failures, "err", err)
				if failures >= maxPingFailures {
					s.shutdown(websocket.StatusGoingAway, "heartbeat failed")
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (s *session) readLoop() {
	for {
		env, err := readEnvelope(s.ctx, s.conn)
		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				s.shutdown(websocket.StatusNormalClosure, "peer closed")
				return
			case readErrCtxDone:
				s.shutdown(websocket.StatusNormalClosure, "context done")
				return
			case readErrConnClosed:
				s.shutdown(websocket.StatusAbnormalClosure, "conn closed")
				return
			case readErrBadJSON:
				s.sendError(v1.CodeBadJSON, "invalid JSON", "")
				continue
			default:
				s.log.Info("ws.read.fail", "err", err)
				s.shutdown(websocket.StatusAbnormalClosure, "read failed")
				return
			}
		}

		if !s.limiter.Allow() {
			// Written directly: the writer stops as soon as shutdown begins.
			s.writeErrorNow(v1.CodeRateLimited, "too many events", env.ID)
			s.shutdown(websocket.StatusPolicyViolation, "rate limited")
			return
		}

		if err := env.Validate(); err != nil {
			s.sendError(v1.CodeBadEnvelope, err.Error(), env.ID)
			continue
		}

		switch env.Type {
		case v1.TypeSubscribe:
			s.onSubscribe(env)
		case v1.TypeUnsubscribe:
			s.stopSubscription()
			s.send(v1.TypeUnsubscribed, v1.UnsubscribePayload{})
		default:
			s.sendError(v1.CodeUnsupported, fmt.Sprintf("unsupported type: %s", env.Type), env.ID)
		}
	}
}

func (s *session) onSubscribe(env v1.Envelope) {
	var p v1.SubscribePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		s.sendError(v1.CodeInvalidInput, "invalid payload", env.ID)
		return
	}
	chatIDs := chat.NormalizeIDs(p.ChatIDs)
	if len(chatIDs) > maxSubscribeChats {
		s.sendError(v1.CodeInvalidInput, fmt.Sprintf("too many chats: max=%d", maxSubscribeChats), env.ID)
		return
	}

	s.mu.Lock()
	s.handoff = make(map[string]struct{})
	s.mu.Unlock()

	sub, err := s.g.subs.SubscribeToMessages(s.ctx, chatIDs, s.client.UserID)
	if err != nil {
		s.takeHandoff()
		code, msg := errorCode(err)
		if code == v1.CodeInternal {
			s.log.Error("ws.subscribe.fail", "err", err)
		}
		s.sendError(code, msg, env.ID)
		return
	}

	// The old stream is fully drained before the ack so no message from a
	// previous chat set follows "subscribed". Whatever it forwarded after the
	// new subscription opened is already queued there and must not repeat.
	s.stopSubscription()
	forwarded := s.takeHandoff()

	if !s.send(v1.TypeSubscribed, v1.SubscribedPayload{ChatIDs: chatIDs}) {
		sub.Cancel()
		return
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.sub, s.pumpDone = sub, done
	s.mu.Unlock()

	go s.pump(sub, done, forwarded)
	s.log.Debug("ws.subscribe", "chats", len(chatIDs), "subscription_id", sub.ID())
}

// pump forwards broker events to the client until the subscription ends.
// Messages in skip were already sent by the previous subscription.
func (s *session) pump(sub *broker.Subscription[chat.Message], done chan struct{}, skip map[string]struct{}) {
	defer close(done)
	for {
		ev, err := sub.Next(s.ctx)
		if err != nil {
			return
		}
		for _, env := range deliveryEnvelopes(ev, time.Now(), skip) {
			if !s.client.SendWait(s.ctx, env) {
				return
			}
		}

		s.mu.Lock()
		if s.handoff != nil {
			s.handoff[ev.Value.ID] = struct{}{}
		}
		s.mu.Unlock()
	}
}

func (s *session) takeHandoff() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.handoff
	s.handoff = nil
	return out
}

// stopSubscription cancels the current subscription and waits for its pump.
func (s *session) stopSubscription() {
	s.mu.Lock()
	sub, done := s.sub, s.pumpDone
	s.sub, s.pumpDone = nil, nil
	s.mu.Unlock()

	if sub == nil {
		return
	}
	sub.Cancel()
	<-done
}

func (s *session) send(typ string, payload any) bool {
	now := time.Now()
	env, err := v1.New(typ, newID(now), now, payload)
	if err != nil {
		s.log.Error("ws.envelope.fail", "type", typ, "err", err)
		return false
	}
	return s.client.SendWait(s.ctx, env)
}

// sendError never blocks; errors are dropped when the client is backlogged.
func (s *session) sendError(code, msg, requestID string) {
	now := time.Now()
	env, err := v1.New(v1.TypeError, newID(now), now, v1.ErrorPayload{Code: code, Message: msg, RequestID: requestID})
	if err != nil {
		return
	}
	_ = s.client.TrySend(env)
}

func (s *session) writeErrorNow(code, msg, requestID string) {
	now := time.Now()
	env, err := v1.New(v1.TypeError, newID(now), now, v1.ErrorPayload{Code: code, Message: msg, RequestID: requestID})
	if err != nil {
		return
	}
	_ = writeEnvelope(s.ctx, s.conn, env, s.g.cfg.WriteTimeout)
}

// deliveryEnvelopes renders one broker event: a delivery_gap when events
// were dropped before it, then the message itself unless it is in sent.
// A skipped message is removed from sent.
func deliveryEnvelopes(ev broker.Event[chat.Message], now time.Time, sent map[string]struct{}) []v1.Envelope {
	out := make([]v1.Envelope, 0, 2)
	if ev.Missed > 0 {
		if env, err := v1.New(v1.TypeDeliveryGap, newID(now), now, v1.DeliveryGapPayload{Missed: ev.Missed}); err == nil {
			out = append(out, env)
		}
	}
	if _, dup := sent[ev.Value.ID]; dup {
		delete(sent, ev.Value.ID)
		return out
	}
	if env, err := v1.New(v1.TypeMessageNew, newID(now), now, v1.MessageNewPayload{Message: toWireMessage(ev.Value)}); err == nil {
		out = append(out, env)
	}
	return out
}

func toWireMessage(m chat.Message) v1.Message {
	out := v1.Message{
		ID:        m.ID,
		ChatID:    m.ChatID,
		AuthorID:  m.AuthorID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
	if m.Author != nil {
		out.Author = &v1.User{ID: m.Author.ID, Username: m.Author.Username, ImageURL: m.Author.ImageURL}
	}
	return out
}

func errorCode(err error) (code, msg string) {
	switch {
	case chat.IsNotFound(err):
		return v1.CodeNotFound, "chat not found"
	case chat.IsInvalidInput(err):
		return v1.CodeInvalidInput, "invalid subscription request"
	case errors.Is(err, chat.ErrUnauthorized):
		return v1.CodeUnauthorized, "unauthorized"
	default:
		return v1.CodeInternal, "internal error"
	}
}

// ---- envelope IO ----

var errBadJSON = errors.New("realtime: bad json")

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	switch {
	case errors.Is(err, errBadJSON):
		return readErrBadJSON
	case websocket.CloseStatus(err) != -1:
		return readErrClose
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return readErrCtxDone
	case errors.Is(err, net.ErrClosed), errors.Is(err, io.EOF):
		return readErrConnClosed
	default:
		return readErrUnknown
	}
}
