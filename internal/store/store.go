package store

import (
	"context"
	"errors"
	"time"

	"dialout-engine/internal/calls"
)

// Store is the persistence contract for call records.
//
// Update is compare-and-swap: the caller passes the record it read (including
// Version) and the store applies it only if the stored version still matches,
// bumping Version on success. Two concurrently-delivered events for the same
// external call id therefore cannot silently overwrite each other; the loser
// re-reads and reapplies.
type Store interface {
	Create(ctx context.Context, rec calls.Record) error
	Get(ctx context.Context, id string) (calls.Record, error)
	GetByExternalID(ctx context.Context, externalCallID string) (calls.Record, error)
	Update(ctx context.Context, rec calls.Record) (calls.Record, error)

	// FindDueRetries returns retry-eligible records whose retry_after has
	// elapsed, attempts remain, and no successor has been spawned yet.
	FindDueRetries(ctx context.Context, now time.Time, limit int) ([]calls.Record, error)

	// FindLive returns non-terminal records for a (businessRef, callType)
	// pair. The scheduler uses it to guarantee at most one live attempt.
	FindLive(ctx context.Context, ref calls.BusinessRef, ct calls.CallType) ([]calls.Record, error)
}

var (
	ErrNotFound        = errors.New("store: record not found")
	ErrVersionConflict = errors.New("store: version conflict")
	ErrDuplicateID     = errors.New("store: duplicate id")
)
