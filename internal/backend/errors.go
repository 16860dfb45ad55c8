package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrAuthExpired is returned when the backend rejects the caller's token.
// It is the only backend error that ends a session.
var ErrAuthExpired = errors.New("backend: authorization expired")

type httpStatusError struct {
	status int
	body   string
}

func (e httpStatusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("API returned status %d", e.status)
	}
	return fmt.Sprintf("API returned status %d: %s", e.status, e.body)
}

// IsAuthStatus reports whether an HTTP status from the backend rejects the token.
func IsAuthStatus(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// IsAuthFailure reports whether err means the session must be invalidated.
func IsAuthFailure(err error) bool {
	return errors.Is(err, ErrAuthExpired)
}

// FlagFetchError wraps any failure to resolve a privilege flag. Callers fail
// closed on it.
type FlagFetchError struct {
	Flag  string
	Email string
	Err   error
}

func (e *FlagFetchError) Error() string {
	return fmt.Sprintf("fetch %s flag for %s: %v", e.Flag, e.Email, e.Err)
}

func (e *FlagFetchError) Unwrap() error { return e.Err }
