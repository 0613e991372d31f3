package resolution

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outcome is how a resolution ended.
type Outcome string

const (
	// OutcomeComplete means the chain reached a media playlist.
	OutcomeComplete Outcome = "complete"
	// OutcomePartial means a sub-playlist fetch failed and the last
	// master playlist was served instead.
	OutcomePartial Outcome = "partial"
	// OutcomeFailed means nothing could be served.
	OutcomeFailed Outcome = "failed"
)

// Valid reports whether o is one of the known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeComplete, OutcomePartial, OutcomeFailed:
		return true
	}
	return false
}

// Record is one entry of the resolution history.
// It is an immutable value object.
type Record struct {
	id           uuid.UUID
	requestedURL string
	finalURL     string
	outcome      Outcome
	hops         int
	errorMessage string
	startedAt    time.Time
	duration     time.Duration
}

// NewRecord creates a record with a fresh time-ordered id.
func NewRecord(
	requestedURL string,
	finalURL string,
	outcome Outcome,
	hops int,
	errorMessage string,
	startedAt time.Time,
	duration time.Duration,
) (Record, error) {
	requestedURL = strings.TrimSpace(requestedURL)
	if requestedURL == "" {
		return Record{}, ErrEmptyRequestedURL
	}
	if !outcome.Valid() {
		return Record{}, ErrInvalidOutcome
	}
	if startedAt.IsZero() {
		return Record{}, ErrInvalidTimestamp
	}
	if hops < 0 {
		return Record{}, ErrNegativeHops
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Record{}, fmt.Errorf("failed to generate record id: %w", err)
	}

	return Record{
		id:           id,
		requestedURL: requestedURL,
		finalURL:     finalURL,
		outcome:      outcome,
		hops:         hops,
		errorMessage: errorMessage,
		startedAt:    startedAt,
		duration:     duration,
	}, nil
}

// Reconstruct rebuilds a Record from persisted state.
// Intended for repository adapters only, it bypasses validation.
func Reconstruct(
	id uuid.UUID,
	requestedURL string,
	finalURL string,
	outcome Outcome,
	hops int,
	errorMessage string,
	startedAt time.Time,
	duration time.Duration,
) Record {
	return Record{
		id:           id,
		requestedURL: requestedURL,
		finalURL:     finalURL,
		outcome:      outcome,
		hops:         hops,
		errorMessage: errorMessage,
		startedAt:    startedAt,
		duration:     duration,
	}
}

func (r Record) ID() uuid.UUID           { return r.id }
func (r Record) RequestedURL() string    { return r.requestedURL }
func (r Record) FinalURL() string        { return r.finalURL }
func (r Record) Outcome() Outcome        { return r.outcome }
func (r Record) Hops() int               { return r.hops }
func (r Record) ErrorMessage() string    { return r.errorMessage }
func (r Record) StartedAt() time.Time    { return r.startedAt }
func (r Record) Duration() time.Duration { return r.duration }
