package resolution

import "errors"

var (
	ErrEmptyRequestedURL = errors.New("resolution requested url cannot be empty")
	ErrInvalidOutcome    = errors.New("resolution outcome must be complete, partial or failed")
	ErrInvalidTimestamp  = errors.New("resolution start time must not be zero")
	ErrNegativeHops      = errors.New("resolution hops cannot be negative")
)

// Resolver failures. Each one aborts the request; a failed sub-playlist
// fetch is not among them because it degrades to a partial outcome.
var (
	ErrInvalidURL    = errors.New("invalid playlist url")
	ErrInitialFetch  = errors.New("failed to fetch requested playlist")
	ErrCycleDetected = errors.New("variant chain revisits a playlist")
	ErrDepthExceeded = errors.New("variant chain exceeds maximum hops")
)
