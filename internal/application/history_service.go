package application

import (
	"context"

	"github.com/alorle/m3u8-proxy/internal/port/driven"
	"github.com/alorle/m3u8-proxy/internal/resolution"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// HistoryService provides read access to past resolutions.
type HistoryService struct {
	repo driven.ResolutionRepository
}

// NewHistoryService creates a new HistoryService with the given repository.
func NewHistoryService(repo driven.ResolutionRepository) *HistoryService {
	return &HistoryService{repo: repo}
}

// Recent returns the latest resolutions, newest first. limit is clamped to
// [1, MaxHistoryLimit]; values <= 0 mean DefaultHistoryLimit.
func (s *HistoryService) Recent(ctx context.Context, limit int) ([]resolution.Record, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return s.repo.FindRecent(ctx, limit)
}
