package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aokitashipro/pre-next-dify/internal/chatstate"
	"github.com/redis/go-redis/v9"
)

const snapshotPrefix = "chatstate:"

// SnapshotStore keeps per-user chat state snapshots in Redis
type SnapshotStore struct {
	client *Client
	ttl    time.Duration
}

// NewSnapshotStore creates a snapshot store. A zero ttl keeps keys forever.
func NewSnapshotStore(client *Client, ttl time.Duration) *SnapshotStore {
	return &SnapshotStore{client: client, ttl: ttl}
}

func snapshotKey(userID string) string {
	return snapshotPrefix + userID
}

// Load returns the saved snapshot, or nil when none exists
func (s *SnapshotStore) Load(ctx context.Context, userID string) (*chatstate.Snapshot, error) {
	data, err := s.client.rdb.Get(ctx, snapshotKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return chatstate.DecodeSnapshot(data)
}

// Save overwrites the user's snapshot
func (s *SnapshotStore) Save(ctx context.Context, userID string, snap *chatstate.Snapshot) error {
	data, err := chatstate.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := s.client.rdb.Set(ctx, snapshotKey(userID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Delete removes the user's snapshot
func (s *SnapshotStore) Delete(ctx context.Context, userID string) error {
	return s.client.rdb.Del(ctx, snapshotKey(userID)).Err()
}

// FlushAll removes every stored snapshot
func (s *SnapshotStore) FlushAll(ctx context.Context) (int64, error) {
	var cursor uint64
	var deleted int64

	for {
		keys, next, err := s.client.rdb.Scan(ctx, cursor, snapshotPrefix+"*", 100).Result()
		if err != nil {
			return deleted, fmt.Errorf("failed to scan keys: %w", err)
		}
		if len(keys) > 0 {
			n, err := s.client.rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("failed to delete keys: %w", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}
