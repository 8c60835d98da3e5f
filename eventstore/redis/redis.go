// Package redis is an eventstore.Store backed by Redis Streams, letting
// any node of a deployment resume a stream first served by another.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ggoodman/mcp-streaming-bridge/eventstore"
)

var _ eventstore.Store = (*Store)(nil)

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client to use. If nil, a default client will be created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all keys. Defaults to "mcpbridge:events:".
	KeyPrefix string
	// Window is the number of events retained per session. Defaults to 256.
	Window int
	// TTL expires a session's events after inactivity. Defaults to one hour.
	TTL time.Duration
}

// Store keeps each session's window in one Redis stream.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	window    int64
	ttl       time.Duration
}

// New creates a Redis-backed store.
func New(cfg Config) *Store {
	client := cfg.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcpbridge:events:"
	}
	window := cfg.Window
	if window <= 0 {
		window = 256
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{client: client, keyPrefix: prefix, window: int64(window), ttl: ttl}
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Append(ctx context.Context, sessionID string, ev eventstore.Event) error {
	key := s.streamKey(sessionID)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: s.window,
			Values: map[string]any{
				"id":     ev.ID,
				"stream": ev.Stream,
				"data":   ev.Data,
			},
		})
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append event to stream %s: %w", key, err)
	}
	return nil
}

func (s *Store) After(ctx context.Context, sessionID string, lastEventID string) (string, []eventstore.Event, error) {
	key := s.streamKey(sessionID)
	msgs, err := s.client.XRange(ctx, key, "-", "+").Result()
	if err != nil {
		return "", nil, fmt.Errorf("failed to read stream %s: %w", key, err)
	}

	found := -1
	var origin string
	for i, m := range msgs {
		if str(m.Values["id"]) == lastEventID {
			found = i
			origin = str(m.Values["stream"])
			break
		}
	}
	if found < 0 {
		return "", nil, eventstore.ErrUnknownEvent
	}

	var out []eventstore.Event
	for _, m := range msgs[found+1:] {
		if str(m.Values["stream"]) != origin {
			continue
		}
		out = append(out, eventstore.Event{
			ID:     str(m.Values["id"]),
			Stream: origin,
			Data:   []byte(str(m.Values["data"])),
		})
	}
	return origin, out, nil
}

func (s *Store) Forget(ctx context.Context, sessionID string) error {
	key := s.streamKey(sessionID)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete stream %s: %w", key, err)
	}
	return nil
}

func (s *Store) streamKey(sessionID string) string {
	return s.keyPrefix + sessionID
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
