// Package ids provides the entity ID primitive (ULID) shared by users, chats and messages.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
	lastMS    uint64
)

// NewULID returns a new ULID string (26 chars).
//
// IDs generated by this process are strictly increasing in generation order,
// even within one millisecond or when now moves backwards: the embedded
// timestamp never goes below the previous one. Ties on created_at therefore
// break in insertion order.
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	entropyMu.Lock()
	defer entropyMu.Unlock()

	ms := ulid.Timestamp(now)
	if ms < lastMS {
		ms = lastMS
	}

	id, err := ulid.New(ms, entropy)
	if err != nil {
		return "", err
	}
	lastMS = ms
	return id.String(), nil
}

// MustULID is NewULID for callers that cannot meaningfully recover (tests, seed data).
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		panic(err)
	}
	return id
}
