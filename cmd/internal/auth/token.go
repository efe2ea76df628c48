// Package auth verifies and issues the bearer tokens that identify the
// current user.
//
// Tokens are HS256 JWTs whose subject is the user id. The package does not
// store credentials; a token is proof of identity minted by a trusted issuer.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

const (
	defaultIssuer = "chatter"
	defaultTTL    = 24 * time.Hour

	// HS256 keys shorter than the hash size are rejected.
	minSecretBytes = 32
)

// Claims is what a verified token asserts.
type Claims struct {
	UserID    string
	ExpiresAt time.Time
}

type tokenClaims struct {
	jwt.RegisteredClaims
}

// Verifier validates and mints tokens with one shared secret.
type Verifier struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

type Option func(*Verifier)

func WithIssuer(iss string) Option {
	return func(v *Verifier) {
		if s := strings.TrimSpace(iss); s != "" {
			v.issuer = s
		}
	}
}

func WithTTL(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.ttl = d
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

func NewVerifier(secret []byte, opts ...Option) (*Verifier, error) {
	if len(secret) < minSecretBytes {
		return nil, fmt.Errorf("auth: secret too short: got=%d bytes min=%d", len(secret), minSecretBytes)
	}
	v := &Verifier{
		secret: append([]byte(nil), secret...),
		issuer: defaultIssuer,
		ttl:    defaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Verify checks signature, algorithm, issuer and expiry.
// All failures other than an empty input are reported as ErrInvalidToken.
func (v *Verifier) Verify(raw string) (Claims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Claims{}, ErrMissingToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)

	var tc tokenClaims
	tok, err := parser.ParseWithClaims(raw, &tc, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil || !tok.Valid {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	sub := strings.TrimSpace(tc.Subject)
	if sub == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	out := Claims{UserID: sub}
	if tc.ExpiresAt != nil {
		out.ExpiresAt = tc.ExpiresAt.Time.UTC()
	}
	return out, nil
}

// Issue mints a token for userID that expires after the configured TTL.
func (v *Verifier) Issue(userID string) (string, time.Time, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", time.Time{}, errors.New("auth: issue: empty user id")
	}

	now := v.now().UTC()
	exp := now.Add(v.ttl)

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	signed, err := tok.SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign: %w", err)
	}
	return signed, exp.Truncate(time.Second), nil
}
