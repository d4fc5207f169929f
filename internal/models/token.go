// Package models defines types shared across internal packages.
package models

import "encoding/json"

// TokenPair is the credential tuple issued by the Strava token endpoint.
// ExpiresAt is absolute unix seconds, as the upstream reports it.
type TokenPair struct {
	AccessToken  string          `json:"access_token"`
	RefreshToken string          `json:"refresh_token"`
	ExpiresAt    int64           `json:"expires_at"`
	Athlete      json.RawMessage `json:"athlete,omitempty"`
}

// ExpiryBufferSeconds is the look-ahead applied when deciding whether an
// access token is still usable. A token within five minutes of expiry is
// treated as expired so a slow request cannot outlive its credential.
const ExpiryBufferSeconds = 300

// Expired reports whether the access token should be considered stale at
// the given unix time. The boundary itself counts as expired.
func (t TokenPair) Expired(now int64) bool {
	return t.ExpiresAt <= now+ExpiryBufferSeconds
}
