package auth

import "errors"

var (
	// ErrUnauthenticated is returned for missing, invalid or expired tokens.
	ErrUnauthenticated = errors.New("auth: unauthenticated")
	// ErrMissingToken is the Unauthenticated case of a request without a token.
	ErrMissingToken = errors.New("auth: missing token in header")
	// ErrTrustRootUnavailable means the verification key could not be loaded.
	ErrTrustRootUnavailable = errors.New("auth: trust root unavailable")
)
