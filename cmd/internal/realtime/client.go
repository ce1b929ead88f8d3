package realtime

import (
	"sync"

	"tandem/cmd/domain"
	"tandem/cmd/internal/broadcast"
	v1 "tandem/shared/contracts/realtime/v1"
)

// Client represents one connected websocket session.
//
// Send is never closed by the server so concurrent broadcasters cannot panic.
// done signals goroutines to stop and Close is idempotent.
type Client struct {
	SessionID string
	Actor     domain.Actor
	Send      chan v1.Envelope

	mu sync.Mutex
	// joined maps event id to whether the join was authorized. Event-channel
	// messages reach the session only once it is.
	joined map[string]bool
	closed bool
	// onEvict runs after the hub evicted the session from an event it held.
	onEvict func(eventID string)

	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ broadcast.Subscriber = (*Client)(nil)
	_ broadcast.Evictee    = (*Client)(nil)
)

// NewClient constructs a Client with a bounded send queue.
func NewClient(actor domain.Actor, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Actor:     actor,
		Send:      make(chan v1.Envelope, sendQueueSize),
		joined:    make(map[string]bool),
		done:      make(chan struct{}),
	}
}

// ActorID implements broadcast.Subscriber.
func (c *Client) ActorID() string { return c.Actor.ID }

// Deliver implements broadcast.Subscriber. It never blocks.
func (c *Client) Deliver(msg broadcast.Message) bool {
	scope, _, _, _ := broadcast.ParseChannel(msg.Channel)

	switch {
	case scope == "event" && !c.Joined(msg.EventID):
		// Pending join or already evicted.
		return true
	case scope == "user" && msg.EventID != "" && c.Joined(msg.EventID):
		// Duplicates the participants copy.
		return true
	}

	env := v1.Envelope{
		V:       v1.Version,
		Type:    msg.Type,
		ID:      newEnvelopeID(msg.TS),
		Channel: msg.Channel,
		TS:      msg.TS,
		Payload: msg.Payload,
	}

	select {
	case <-c.done:
		return false
	case c.Send <- env:
		return true
	default:
		return false
	}
}

// Evicted implements broadcast.Evictee. The hub already dropped the
// subscriptions; onEvict releases the rest.
func (c *Client) Evicted(eventID string) {
	if !c.forget(eventID) {
		return
	}
	c.mu.Lock()
	fn := c.onEvict
	c.mu.Unlock()
	if fn != nil {
		fn(eventID)
	}
}

// Joined reports whether the session holds an authorized join on eventID.
func (c *Client) Joined(eventID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined[eventID]
}

type claimResult uint8

const (
	claimAdded claimResult = iota
	claimHeld
	claimFull
	claimClosed
)

// claim reserves eventID as a pending join. A held claim keeps its state.
func (c *Client) claim(eventID string, limit int) claimResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch _, ok := c.joined[eventID]; {
	case c.closed:
		return claimClosed
	case ok:
		return claimHeld
	case limit > 0 && len(c.joined) >= limit:
		return claimFull
	}
	c.joined[eventID] = false
	return claimAdded
}

// activate marks a claimed join authorized. It reports false when the claim
// was evicted or the session closed in the meantime.
func (c *Client) activate(eventID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.joined[eventID]; !ok || c.closed {
		return false
	}
	c.joined[eventID] = true
	return true
}

// forget drops eventID and reports whether it was claimed.
func (c *Client) forget(eventID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.joined[eventID]; !ok {
		return false
	}
	delete(c.joined, eventID)
	return true
}

// forgetAll marks the client closed, so no later claim succeeds, and returns
// every claimed event id.
func (c *Client) forgetAll() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	out := make([]string, 0, len(c.joined))
	for id := range c.joined {
		out = append(out, id)
	}
	c.joined = make(map[string]bool)
	return out
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
