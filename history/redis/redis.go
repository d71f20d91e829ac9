// Package redis provides a Redis Streams-backed event history store.
// Routers sharing a Redis instance see a common history window per
// subscription, which keeps wamp.subscription.get_events consistent
// across restarts.
package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gammazero/nexus/v3/wamp"
	"github.com/redis/go-redis/v9"

	"github.com/wampmesh/wampmesh/history"
	"github.com/wampmesh/wampmesh/internal/codec"
)

// Store retains events in one Redis stream per subscription, trimmed to a
// fixed length.
type Store struct {
	client    redis.UniversalClient
	keyPrefix string
	limit     int64
}

// Config contains configuration options for the Redis history store.
type Config struct {
	// Client is the Redis client to use. If nil, a default client will be created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all Redis keys used by the store.
	// Defaults to "wampmesh:history:" if empty.
	KeyPrefix string
	// Limit caps retained events per subscription. Defaults to 100.
	Limit int
}

// New creates a new Redis-based history store.
func New(config Config) *Store {
	client := config.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr: "localhost:6379",
		})
	}

	keyPrefix := config.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "wampmesh:history:"
	}

	limit := int64(config.Limit)
	if limit <= 0 {
		limit = 100
	}

	return &Store{
		client:    client,
		keyPrefix: keyPrefix,
		limit:     limit,
	}
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Append(ctx context.Context, sub wamp.ID, ev history.Event) error {
	data, err := codec.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	streamKey := s.streamKey(sub)
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey,
		MaxLen: s.limit,
		Approx: true,
		Values: map[string]any{
			"data": data,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append event to stream %s: %w", streamKey, err)
	}
	return nil
}

func (s *Store) Events(ctx context.Context, sub wamp.ID, limit int) ([]history.Event, error) {
	streamKey := s.streamKey(sub)

	count := int64(limit)
	if count <= 0 {
		count = s.limit
	}

	// XREVRANGE returns newest first, matching the meta API ordering.
	messages, err := s.client.XRevRangeN(ctx, streamKey, "+", "-", count).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read stream %s: %w", streamKey, err)
	}

	events := make([]history.Event, 0, len(messages))
	for _, message := range messages {
		data, ok := message.Values["data"].(string)
		if !ok {
			continue
		}
		var ev history.Event
		if err := codec.Unmarshal([]byte(data), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func (s *Store) Cut(ctx context.Context, sub wamp.ID) error {
	streamKey := s.streamKey(sub)
	err := s.client.Del(ctx, streamKey).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to cut stream %s: %w", streamKey, err)
	}
	return nil
}

func (s *Store) streamKey(sub wamp.ID) string {
	return s.keyPrefix + "sub:" + strconv.FormatUint(uint64(sub), 10)
}
