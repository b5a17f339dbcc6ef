package common

import "errors"

// Sentinel errors shared across relayforge's layers. Callers match these
// with errors.Is rather than string comparison.
var (
	// Repository / cache-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal      = errors.New("internal error")
	ErrorUnauthorized  = errors.New("unauthorized")
	ErrVersionConflict = errors.New("version conflict")

	// Validation / attribute-record errors.
	ErrorIncorrectMetadata = errors.New("incorrect metadata")

	// Auth errors (invalid or malformed admission token).
	ErrInvalidToken = errors.New("invalid token")

	// Token lifecycle errors.
	ErrTokenExpired        = errors.New("token expired")
	ErrRefreshTokenExpired = errors.New("refresh token expired")
)
