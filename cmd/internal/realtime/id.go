package realtime

import (
	"time"

	"tandem/cmd/domain/ids"
)

// newSessionID returns a ULID used as websocket session id.
func newSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// newEnvelopeID returns a ULID for an outbound envelope. An empty id is
// acceptable on the wire, so generation failures are swallowed.
func newEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
