package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 16 << 10 // 16 KiB

	// Max event ids accepted in one identifier (UUID is 36).
	maxEventIDLen = 64
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window). presence_editing is
	// renewed on keystrokes, so the budget is generous.
	rateLimitEvents = 240
	rateLimitWindow = 10 * time.Second

	// Events one session may be joined to at once.
	maxJoinedEvents = 16
)
