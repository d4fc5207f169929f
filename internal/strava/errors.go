package strava

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Input validation errors. Returned before any upstream call is made.
var (
	ErrMissingCode         = errors.New("authorization code is required")
	ErrMissingRefreshToken = errors.New("refresh token is required")
)

// ErrNotAuthenticated is returned when no token record exists at all,
// before any upstream call is attempted. Client variant only; the
// single-owner variant always has a statically configured refresh token.
var ErrNotAuthenticated = errors.New("not authenticated")

// ErrUpstreamTimeout marks an upstream call that exceeded its deadline.
var ErrUpstreamTimeout = errors.New("upstream request timed out")

// AuthError reports a rejected token exchange or refresh. Status and
// Message come from the upstream token endpoint so callers can relay them.
type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("token endpoint rejected request (%d): %s", e.Status, e.Message)
}

// RequestError reports an authenticated API call that failed with a
// non-2xx status, including a 401 that persisted after one refresh+retry.
type RequestError struct {
	Status int
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("upstream request failed with status %d", e.Status)
}

// wrapTransport maps transport-level failures onto ErrUpstreamTimeout when
// the cause is a deadline, so callers see one timeout error regardless of
// whether the context or the HTTP client fired first.
func wrapTransport(err error, what string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", what, ErrUpstreamTimeout)
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%s: %w", what, ErrUpstreamTimeout)
	}

	return fmt.Errorf("%s: %w", what, err)
}
