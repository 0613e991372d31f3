package application

import (
	"context"

	"github.com/alorle/m3u8-proxy/internal/port/driven"
)

// HealthService orchestrates health checks for the application and its dependencies.
type HealthService struct {
	db driven.ResolutionRepository
}

// NewHealthService creates a new health check service.
func NewHealthService(db driven.ResolutionRepository) *HealthService {
	return &HealthService{db: db}
}

// ComponentHealth represents the health status of a single component.
type ComponentHealth struct {
	Status string // "ok" or "error"
	Error  string // empty if status is "ok", otherwise contains error message
}

// HealthStatus represents the overall health status of the application.
type HealthStatus struct {
	Status string          // "ok" if all components are healthy, "degraded" otherwise
	DB     ComponentHealth // history database health
}

// Check performs health checks on all dependencies.
// Upstream hosts are not probed.
func (s *HealthService) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{Status: "ok"}

	if err := s.db.Ping(ctx); err != nil {
		status.DB = ComponentHealth{Status: "error", Error: err.Error()}
		status.Status = "degraded"
	} else {
		status.DB = ComponentHealth{Status: "ok"}
	}

	return status
}
