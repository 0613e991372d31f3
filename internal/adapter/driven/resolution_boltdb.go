package driven

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/alorle/m3u8-proxy/internal/resolution"
)

const resolutionsBucket = "resolutions"

// ResolutionBoltDBRepository implements the ResolutionRepository port using BoltDB.
// Keys are UUIDv7 bytes, so cursor order is chronological.
type ResolutionBoltDBRepository struct {
	db         *bbolt.DB
	maxEntries int
}

// NewResolutionBoltDBRepository creates a new BoltDB-backed history repository
// keeping at most maxEntries records (0 means unbounded).
// It initializes the required bucket if it doesn't exist.
func NewResolutionBoltDBRepository(db *bbolt.DB, maxEntries int) (*ResolutionBoltDBRepository, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if maxEntries < 0 {
		return nil, errors.New("maxEntries cannot be negative")
	}

	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(resolutionsBucket))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resolutions bucket: %w", err)
	}

	return &ResolutionBoltDBRepository{db: db, maxEntries: maxEntries}, nil
}

// resolutionDTO is the JSON serialization format for a resolution record.
type resolutionDTO struct {
	ID           string `json:"id"`
	RequestedURL string `json:"requested_url"`
	FinalURL     string `json:"final_url,omitempty"`
	Outcome      string `json:"outcome"`
	Hops         int    `json:"hops"`
	ErrorMessage string `json:"error_message,omitempty"`
	StartedAt    int64  `json:"started_at"`
	Duration     int64  `json:"duration"`
}

// Save persists a record and evicts the oldest ones beyond maxEntries.
func (r *ResolutionBoltDBRepository) Save(ctx context.Context, rec resolution.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dto := resolutionDTO{
		ID:           rec.ID().String(),
		RequestedURL: rec.RequestedURL(),
		FinalURL:     rec.FinalURL(),
		Outcome:      string(rec.Outcome()),
		Hops:         rec.Hops(),
		ErrorMessage: rec.ErrorMessage(),
		StartedAt:    rec.StartedAt().UnixNano(),
		Duration:     rec.Duration().Nanoseconds(),
	}
	data, err := json.Marshal(dto)
	if err != nil {
		return fmt.Errorf("failed to marshal resolution: %w", err)
	}

	id := rec.ID()
	return r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(resolutionsBucket))
		if b == nil {
			return errors.New("resolutions bucket not found")
		}

		if err := b.Put(id[:], data); err != nil {
			return err
		}

		return r.prune(b)
	})
}

// prune deletes the oldest records until at most maxEntries remain.
func (r *ResolutionBoltDBRepository) prune(b *bbolt.Bucket) error {
	if r.maxEntries == 0 {
		return nil
	}

	// Stats() does not see uncommitted writes, so count with a cursor
	count := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		count++
	}
	excess := count - r.maxEntries
	if excess <= 0 {
		return nil
	}

	// Collect keys to delete (can't delete during iteration)
	keysToDelete := make([][]byte, 0, excess)
	for k, _ := c.First(); k != nil && len(keysToDelete) < excess; k, _ = c.Next() {
		keyCopy := make([]byte, len(k))
		copy(keyCopy, k)
		keysToDelete = append(keysToDelete, keyCopy)
	}

	for _, k := range keysToDelete {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// FindRecent retrieves at most limit records, most recent first.
func (r *ResolutionBoltDBRepository) FindRecent(ctx context.Context, limit int) ([]resolution.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records := []resolution.Record{}
	if limit <= 0 {
		return records, nil
	}

	err := r.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(resolutionsBucket))
		if b == nil {
			return errors.New("resolutions bucket not found")
		}

		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(records) < limit; k, v = c.Prev() {
			rec, err := dtoToRecord(v)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// Ping checks if the database is accessible by performing a read transaction.
func (r *ResolutionBoltDBRepository) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return r.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(resolutionsBucket)) == nil {
			return errors.New("resolutions bucket not found")
		}
		return nil
	})
}

// dtoToRecord deserializes a JSON value into a resolution.Record.
func dtoToRecord(data []byte) (resolution.Record, error) {
	var dto resolutionDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return resolution.Record{}, fmt.Errorf("failed to unmarshal resolution: %w", err)
	}

	id, err := uuid.Parse(dto.ID)
	if err != nil {
		return resolution.Record{}, fmt.Errorf("invalid resolution id %q: %w", dto.ID, err)
	}

	return resolution.Reconstruct(
		id,
		dto.RequestedURL,
		dto.FinalURL,
		resolution.Outcome(dto.Outcome),
		dto.Hops,
		dto.ErrorMessage,
		time.Unix(0, dto.StartedAt),
		time.Duration(dto.Duration),
	), nil
}
