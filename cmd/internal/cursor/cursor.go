// Package cursor encodes and decodes opaque pagination boundaries.
//
// A cursor carries a (sort key, tie-break id) pair. Cursors from different
// orderings (chat activity vs message time) are not comparable.
package cursor

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformed is returned by Decode for any token it cannot interpret.
var ErrMalformed = errors.New("malformed cursor")

// maxLen bounds the accepted token size before any decoding work.
const maxLen = 512

// Position is a decoded pagination boundary.
type Position struct {
	SortKey time.Time
	ID      string
}

type payload struct {
	D string `json:"d"`
	I string `json:"i"`
}

// Encode returns the opaque token for (sortKey, id).
func Encode(sortKey time.Time, id string) string {
	b, _ := json.Marshal(payload{
		D: sortKey.UTC().Format(time.RFC3339Nano),
		I: id,
	})
	return base64.RawURLEncoding.EncodeToString(b)
}

// Decode parses a token produced by Encode.
func Decode(s string) (Position, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Position{}, fmt.Errorf("%w: empty", ErrMalformed)
	}
	if len(s) > maxLen {
		return Position{}, fmt.Errorf("%w: too long", ErrMalformed)
	}

	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Position{}, fmt.Errorf("%w: encoding", ErrMalformed)
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Position{}, fmt.Errorf("%w: payload", ErrMalformed)
	}
	if p.D == "" || p.I == "" {
		return Position{}, fmt.Errorf("%w: missing field", ErrMalformed)
	}

	ts, err := time.Parse(time.RFC3339Nano, p.D)
	if err != nil {
		return Position{}, fmt.Errorf("%w: timestamp", ErrMalformed)
	}

	return Position{SortKey: ts.UTC(), ID: p.I}, nil
}

// String re-encodes the position.
func (p Position) String() string { return Encode(p.SortKey, p.ID) }

// Older reports whether (t, id) < (p.SortKey, p.ID): strictly older, or the
// same instant with a smaller id. Newest-first pages keep exactly these rows.
func (p Position) Older(t time.Time, id string) bool {
	if !t.Equal(p.SortKey) {
		return t.Before(p.SortKey)
	}
	return id < p.ID
}

// Compare orders two (time, id) pairs ascending: -1, 0 or +1.
func Compare(t1 time.Time, id1 string, t2 time.Time, id2 string) int {
	switch {
	case t1.Before(t2):
		return -1
	case t1.After(t2):
		return 1
	}
	return strings.Compare(id1, id2)
}
