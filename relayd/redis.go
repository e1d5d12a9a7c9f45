// Copyright 2026 The Atrium Authors
// SPDX-License-Identifier: Apache-2.0

package relayd

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atrium-foundation/atrium/lib/codec"
	"github.com/atrium-foundation/atrium/signal"
)

// Compile-time interface check.
var _ Store = (*RedisStore)(nil)

// RedisStore keeps each mailbox in a Redis list so several relayd
// instances behind a load balancer share one set of mailboxes.
// Envelopes are CBOR-encoded list entries; the mailbox key carries a
// TTL refreshed on every append so abandoned mailboxes expire on
// their own.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisStore creates a store against the given Redis client.
// retention <= 0 falls back to an hour; Redis always gets a TTL so
// dead mailboxes cannot accumulate.
func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	if retention <= 0 {
		retention = time.Hour
	}
	return &RedisStore{client: client, retention: retention}
}

func redisKey(roomID, peerID string) string {
	return "atrium:mailbox:" + roomID + ":" + peerID
}

func (s *RedisStore) Append(ctx context.Context, envelope signal.Envelope) error {
	data, err := codec.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encoding envelope %s: %w", envelope.ID, err)
	}

	key := redisKey(envelope.RoomID, envelope.To)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("appending to mailbox %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Take(ctx context.Context, roomID, peerID string) ([]signal.Envelope, error) {
	key := redisKey(roomID, peerID)

	// Read and delete in one transaction so two concurrent fetchers
	// cannot both receive the same batch.
	pipe := s.client.TxPipeline()
	listCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("draining mailbox %s: %w", key, err)
	}

	entries, err := listCmd.Result()
	if err != nil {
		return nil, fmt.Errorf("reading mailbox %s: %w", key, err)
	}

	envelopes := make([]signal.Envelope, 0, len(entries))
	for _, entry := range entries {
		var envelope signal.Envelope
		if err := codec.Unmarshal([]byte(entry), &envelope); err != nil {
			// A corrupt entry is dropped rather than wedging the
			// mailbox; the sender's retry policy covers the loss.
			continue
		}
		envelopes = append(envelopes, envelope)
	}
	return envelopes, nil
}
