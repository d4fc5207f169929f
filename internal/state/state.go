// Package state persists the client-variant session: the OAuth token
// record, the connected athlete's profile, and the short-TTL activities
// cache. Everything lives in a single bbolt database so a record is
// replaced atomically or not at all.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second

	// expiryBufferSeconds is the look-ahead applied when deciding whether
	// the access token is usable, so "about to expire" counts as expired
	// and a slow request cannot outlive its credential.
	expiryBufferSeconds = 300
)

var (
	authBucket       = []byte("auth")
	activitiesBucket = []byte("activities")

	tokenKey   = []byte("token")
	athleteKey = []byte("athlete")
)

// TokenRecord is the persisted credential tuple. It is written as one
// JSON value under a single key, so it is either fully present or fully
// absent, never partially populated.
type TokenRecord struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at"`
	AthleteID    string `json:"athlete_id,omitempty"`
}

// Authenticated reports whether both credentials are present. Expiry is
// deliberately not checked; an expired record still authenticates because
// the refresh token can mint a new access token.
func (r *TokenRecord) Authenticated() bool {
	return r != nil && r.AccessToken != "" && r.RefreshToken != ""
}

// Expired reports whether the access token should be treated as stale at
// the given unix time. The boundary itself is expired.
func (r *TokenRecord) Expired(now int64) bool {
	return r == nil || r.ExpiresAt <= now+expiryBufferSeconds
}

// CacheEntry is a cached activities response and its capture time.
type CacheEntry struct {
	Payload   json.RawMessage `json:"payload"`
	FetchedAt int64           `json:"fetched_at"` // unix millis
}

// Fresh reports whether the entry is inside the TTL window at the given
// unix-millis instant.
func (e *CacheEntry) Fresh(nowMillis, ttlMillis int64) bool {
	return e != nil && nowMillis-e.FetchedAt < ttlMillis
}

// State wraps a bbolt database for all persistent session state.
type State struct {
	db *bolt.DB
}

// Load opens the state database at dir/state.db, creating it if it does
// not exist. When dir is empty, ~/.stravaproxy is used.
func Load(dir string) (*State, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("determining home directory: %w", err)
		}

		dir = filepath.Join(home, ".stravaproxy")
	}

	return LoadAt(filepath.Join(dir, "state.db"))
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(authBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(activitiesBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// ReadToken returns the persisted token record, or nil when the session
// is unauthenticated.
func (s *State) ReadToken() (*TokenRecord, error) {
	var rec *TokenRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(authBucket).Get(tokenKey)
		if v == nil {
			return nil
		}

		rec = &TokenRecord{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// WriteToken atomically replaces the token record. When the incoming
// record carries no athlete ID, the previously stored one is preserved,
// so a refresh (which returns no athlete) does not lose the identity
// captured at code exchange.
func (s *State) WriteToken(rec TokenRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(authBucket)

		if rec.AthleteID == "" {
			if v := b.Get(tokenKey); v != nil {
				var prev TokenRecord
				if json.Unmarshal(v, &prev) == nil {
					rec.AthleteID = prev.AthleteID
				}
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return b.Put(tokenKey, data)
	})
}

// ClearToken removes the token record and athlete profile, reverting to
// the unauthenticated state.
func (s *State) ClearToken() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(authBucket)

		if err := b.Delete(tokenKey); err != nil {
			return err
		}

		return b.Delete(athleteKey)
	})
}

// SaveAthlete persists the serialized athlete profile.
func (s *State) SaveAthlete(profile json.RawMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(authBucket).Put(athleteKey, profile)
	})
}

// Athlete returns the persisted athlete profile, or nil.
func (s *State) Athlete() (json.RawMessage, error) {
	var profile json.RawMessage

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(authBucket).Get(athleteKey)
		if v != nil {
			profile = append(profile, v...)
		}

		return nil
	})

	return profile, err
}

// activitiesKey keys cache entries by pagination so page 2 never serves
// page 1's payload.
func activitiesKey(page, perPage int) []byte {
	return []byte(fmt.Sprintf("p%d:n%d", page, perPage))
}

// GetActivitiesEntry returns the cached entry for a page, or nil.
// Freshness is the caller's decision; the store just reports what it has.
func (s *State) GetActivitiesEntry(page, perPage int) (*CacheEntry, error) {
	var entry *CacheEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(activitiesBucket).Get(activitiesKey(page, perPage))
		if v == nil {
			return nil
		}

		entry = &CacheEntry{}

		return json.Unmarshal(v, entry)
	})

	return entry, err
}

// PutActivitiesEntry overwrites the cached entry for a page.
func (s *State) PutActivitiesEntry(page, perPage int, entry CacheEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}

		return tx.Bucket(activitiesBucket).Put(activitiesKey(page, perPage), data)
	})
}

// InvalidateActivities removes every cached activities entry, so the next
// read on any page always refetches.
func (s *State) InvalidateActivities() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(activitiesBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucket(activitiesBucket)

		return err
	})
}
