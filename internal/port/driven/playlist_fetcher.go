package driven

import (
	"context"
	"errors"
	"fmt"
)

// ErrManifestTooLarge is wrapped by a FetchError when the body exceeds the size limit.
var ErrManifestTooLarge = errors.New("manifest exceeds maximum size")

// PlaylistFetcher defines the interface for retrieving playlist text from an upstream URL.
// This is a driven port implemented by concrete adapters (e.g., HTTP client).
type PlaylistFetcher interface {
	// FetchPlaylist performs a single retrieval of url and returns the body as text.
	// A non-success response or a transport failure is reported as a *FetchError.
	FetchPlaylist(ctx context.Context, url string) (string, error)
}

// FetchError describes a failed upstream retrieval.
// StatusCode is 0 when no response was received.
type FetchError struct {
	URL        string
	StatusCode int
	Status     string
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("failed to fetch %s: %s", e.URL, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("failed to fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("failed to fetch %s", e.URL)
}

func (e *FetchError) Unwrap() error { return e.Err }
