package availsync

import "errors"

var (
	// ErrNotAuthenticated means no credential is stored; nothing remote is attempted.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrAuthenticationExpired means a refresh was attempted and the provider still refused.
	ErrAuthenticationExpired = errors.New("authentication expired")
	// ErrUnauthorized is returned by providers when the remote rejects the access token.
	ErrUnauthorized = errors.New("unauthorized")

	ErrNetwork       = errors.New("network error")
	ErrRemoteService = errors.New("remote service error")
	ErrPersistence   = errors.New("persistence error")
	ErrNotFound      = errors.New("not found")
)

// IsAuthError reports whether err means the account must be reconnected.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrNotAuthenticated) || errors.Is(err, ErrAuthenticationExpired)
}
