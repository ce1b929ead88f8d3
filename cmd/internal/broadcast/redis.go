package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces tandem's pub/sub channels.
const DefaultRedisPrefix = "tandem:"

// NewRedisClient parses url and verifies connectivity.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

// RedisPublisher publishes messages on Redis pub/sub.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher constructs a publisher. An empty prefix uses DefaultRedisPrefix.
func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

func (p *RedisPublisher) Publish(ctx context.Context, msg Message) error {
	if msg.Channel == "" {
		return errors.New("broadcast: message channel is empty")
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("broadcast: marshal message: %w", err)
	}
	if err := p.client.Publish(ctx, p.prefix+msg.Channel, b).Err(); err != nil {
		return fmt.Errorf("broadcast: redis publish: %w", err)
	}
	return nil
}

// RedisRelay subscribes to every tandem channel on Redis and dispatches
// received messages to the local Hub.
type RedisRelay struct {
	client redis.UniversalClient
	prefix string
	hub    *Hub
	log    *slog.Logger

	ready chan struct{}
}

// NewRedisRelay constructs a relay feeding hub.
func NewRedisRelay(client redis.UniversalClient, prefix string, hub *Hub, log *slog.Logger) *RedisRelay {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if log == nil {
		log = slog.Default()
	}
	return &RedisRelay{
		client: client,
		prefix: prefix,
		hub:    hub,
		log:    log,
		ready:  make(chan struct{}),
	}
}

// Ready is closed once the pattern subscription is confirmed.
func (r *RedisRelay) Ready() <-chan struct{} { return r.ready }

// Run blocks until ctx is done or the subscription fails.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer func() { _ = pubsub.Close() }()

	// Wait for the subscribe confirmation so publishes after Ready are seen.
	if _, err := pubsub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("broadcast: redis psubscribe: %w", err)
	}
	close(r.ready)
	r.log.Info("broadcast.relay.start", "pattern", r.prefix+"*")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("broadcast.relay.stop")
			return nil
		case m, ok := <-ch:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("broadcast: redis subscription closed")
			}
			r.handle(m)
		}
	}
}

func (r *RedisRelay) handle(m *redis.Message) {
	var msg Message
	if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
		r.log.Warn("broadcast.relay.decode_fail", "channel", m.Channel, "err", err)
		return
	}
	if msg.Channel == "" {
		msg.Channel = strings.TrimPrefix(m.Channel, r.prefix)
	}
	r.hub.Dispatch(msg)
}
