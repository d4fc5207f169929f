// Package cache provides the short-TTL response cache for upstream
// payloads. Entries are fresh for five minutes; past that a Get behaves
// as a miss. Two backends exist, in-memory and Redis, selected by a
// factory from configuration.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TTL is how long a cached payload is considered fresh.
const TTL = 5 * time.Minute

// Entry is a cached upstream response body and its capture time.
type Entry struct {
	Payload   json.RawMessage `json:"payload"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Fresh reports whether the entry is inside the TTL window.
func (e *Entry) Fresh(now time.Time) bool {
	return e != nil && now.Sub(e.FetchedAt) < TTL
}

// Store is a TTL cache for upstream response payloads. Get returns nil
// for both missing and stale entries, so callers only ever see fresh
// data or a miss.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, entry Entry) error

	// Invalidate removes every entry whose key starts with prefix.
	// An empty prefix clears the whole store.
	Invalidate(ctx context.Context, prefix string) error

	Close() error
}

// ActivitiesKey keys activity-list entries by pagination, so requests for
// different pages never share a slot.
func ActivitiesKey(page, perPage int) string {
	return fmt.Sprintf("activities:p%d:n%d", page, perPage)
}

// ActivitiesPrefix matches every activities key, for invalidation.
const ActivitiesPrefix = "activities:"

// GetOrFetch returns the fresh cached payload for key, or invokes fetcher,
// stores the result with the current timestamp, and returns it. A cache
// write failure does not fail the request; the fetched payload is still
// returned.
func GetOrFetch(ctx context.Context, store Store, key string, fetcher func(context.Context) (json.RawMessage, error)) (json.RawMessage, error) {
	entry, err := store.Get(ctx, key)
	if err == nil && entry != nil {
		return entry.Payload, nil
	}

	payload, err := fetcher(ctx)
	if err != nil {
		return nil, err
	}

	_ = store.Set(ctx, key, Entry{Payload: payload, FetchedAt: time.Now()})

	return payload, nil
}
