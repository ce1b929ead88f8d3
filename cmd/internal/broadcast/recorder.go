package broadcast

import (
	"context"
	"sync"
)

// Recorder keeps every published message in memory.
type Recorder struct {
	mu   sync.Mutex
	msgs []Message
}

var _ Publisher = (*Recorder)(nil)

func (r *Recorder) Publish(_ context.Context, msg Message) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
	return nil
}

// Messages returns a copy of everything published so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.msgs...)
}

// Types returns the message types published on channel, in order.
func (r *Recorder) Types(channel string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for _, m := range r.msgs {
		if m.Channel == channel {
			out = append(out, m.Type)
		}
	}
	return out
}

// Reset drops recorded messages.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.msgs = nil
	r.mu.Unlock()
}
