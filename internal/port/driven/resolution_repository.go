package driven

import (
	"context"

	"github.com/alorle/m3u8-proxy/internal/resolution"
)

// ResolutionRepository defines the interface for resolution history persistence.
// This is a driven port implemented by concrete adapters (e.g., BoltDB).
type ResolutionRepository interface {
	// Save persists a resolution record. Implementations may evict the
	// oldest records to stay within their configured capacity.
	Save(ctx context.Context, r resolution.Record) error

	// FindRecent retrieves at most limit records, most recent first.
	FindRecent(ctx context.Context, limit int) ([]resolution.Record, error)

	// Ping checks if the repository (database) is accessible and operational.
	Ping(ctx context.Context) error
}
