package realtime

import (
	"time"

	"chatter/cmd/identity/ids"
)

// newID returns a ULID used for connection and envelope ids. ULIDs sort by
// time, which keeps logs traceable.
func newID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
