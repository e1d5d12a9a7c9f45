// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package cursor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atrium-foundation/atrium/lib/codec"
)

// Compile-time interface check.
var _ Store = (*RedisStore)(nil)

// RedisStore keeps each room's positions in a Redis hash, one field
// per participant, so every fallback reader sees the same latest
// sample. The hash key carries a TTL refreshed on every write; a room
// that goes quiet cleans itself up.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisStore creates a store against the given Redis client.
// retention <= 0 falls back to five minutes.
func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	return &RedisStore{client: client, retention: retention}
}

func redisKey(roomID string) string {
	return "atrium:cursor:" + roomID
}

func (s *RedisStore) SetPosition(ctx context.Context, roomID, peerID string, p Position) error {
	data, err := codec.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding position: %w", err)
	}

	key := redisKey(roomID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, peerID, data)
	pipe.Expire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing position to %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Positions(ctx context.Context, roomID string) (map[string]Position, error) {
	key := redisKey(roomID)
	entries, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("reading positions from %s: %w", key, err)
	}

	positions := make(map[string]Position, len(entries))
	for peerID, entry := range entries {
		var p Position
		if err := codec.Unmarshal([]byte(entry), &p); err != nil {
			// A corrupt field loses one stale sample, nothing more.
			continue
		}
		positions[peerID] = p
	}
	return positions, nil
}
