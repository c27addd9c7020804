package cache

import "errors"

var (
	// Caller input errors
	ErrInvalidKeyInput = errors.New("invalid key input")
	ErrInvalidEntry    = errors.New("invalid cache entry")
	ErrPayloadBlocked  = errors.New("payload blocked by security gate")

	// Storage errors
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrStoreTimeout     = errors.New("store operation timeout")

	// Security errors. Authorization denials are never surfaced to callers
	// as errors; a denied read is observably a miss.
	errAuthorizationDenied = errors.New("authorization denied")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")

	// Lifecycle errors
	ErrShuttingDown = errors.New("cache is shutting down")
)
