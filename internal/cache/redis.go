package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/rueidis"
)

// keyPrefix namespaces cache keys in a shared Redis instance.
const keyPrefix = "stravaproxy:cache:"

// RedisStore implements Store on Redis via rueidis. Entries carry a
// server-side TTL, so expiry happens even if no process reads the key
// again. The freshness check on read still applies, guarding against a
// Redis instance configured without eviction.
type RedisStore struct {
	client rueidis.Client
}

// RedisOptions contains connection settings for the Redis backend.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisStore creates a RedisStore over an existing rueidis client.
func NewRedisStore(client rueidis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// NewRedisStoreFromOptions dials Redis with the given options.
func NewRedisStoreFromOptions(opts RedisOptions) (*RedisStore, error) {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress: []string{opts.Addr},
		Password:    opts.Password,
		SelectDB:    opts.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("creating redis client: %w", err)
	}

	return NewRedisStore(client), nil
}

// Get returns the fresh entry for key, or nil on a miss.
func (r *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	cmd := r.client.B().Get().Key(keyPrefix + key).Build()

	data, err := r.client.Do(ctx, cmd).AsBytes()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("reading cache entry from redis: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decoding cache entry: %w", err)
	}

	if !entry.Fresh(time.Now()) {
		return nil, nil
	}

	return &entry, nil
}

// Set stores an entry with the cache TTL.
func (r *RedisStore) Set(ctx context.Context, key string, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding cache entry: %w", err)
	}

	cmd := r.client.B().Set().Key(keyPrefix + key).Value(string(data)).
		ExSeconds(int64(TTL.Seconds())).Build()

	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("writing cache entry to redis: %w", err)
	}

	return nil
}

// Invalidate removes every entry whose key starts with prefix, scanning
// in batches to avoid blocking Redis.
func (r *RedisStore) Invalidate(ctx context.Context, prefix string) error {
	var cursor uint64

	for {
		cmd := r.client.B().Scan().Cursor(cursor).Match(keyPrefix + prefix + "*").Count(100).Build()

		scan, err := r.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return fmt.Errorf("scanning cache keys: %w", err)
		}

		if len(scan.Elements) > 0 {
			del := r.client.B().Del().Key(scan.Elements...).Build()
			if err := r.client.Do(ctx, del).Error(); err != nil {
				return fmt.Errorf("deleting cache keys: %w", err)
			}
		}

		cursor = scan.Cursor
		if cursor == 0 {
			return nil
		}
	}
}

// Close closes the underlying Redis client.
func (r *RedisStore) Close() error {
	r.client.Close()

	return nil
}
