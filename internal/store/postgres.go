package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dialout-engine/internal/calls"
)

// PostgresStore persists call records using database/sql over the pgx stdlib
// driver.
//
// NOTE: This repository assumes a call_records table:
//
//	CREATE TABLE call_records (
//	  id                TEXT PRIMARY KEY,
//	  external_call_id  TEXT,
//	  call_type         TEXT NOT NULL,
//	  status            TEXT NOT NULL,
//	  target            TEXT NOT NULL,
//	  business_ref_kind TEXT NOT NULL,
//	  business_ref_id   TEXT NOT NULL,
//	  attempt_number    INT NOT NULL,
//	  max_attempts      INT NOT NULL,
//	  retry_after       TIMESTAMPTZ,
//	  successor_id      TEXT NOT NULL DEFAULT '',
//	  decision_digits   TEXT NOT NULL DEFAULT '',
//	  decision_value    INT,
//	  rejection_reason  TEXT,
//	  script_payload    TEXT NOT NULL DEFAULT '',
//	  language          TEXT NOT NULL DEFAULT '',
//	  initiated_at      TIMESTAMPTZ NOT NULL,
//	  answered_at       TIMESTAMPTZ,
//	  ended_at          TIMESTAMPTZ,
//	  duration_seconds  INT NOT NULL DEFAULT 0,
//	  recording_ref     TEXT NOT NULL DEFAULT '',
//	  dispatched_at     TIMESTAMPTZ,
//	  version           BIGINT NOT NULL,
//	  updated_at        TIMESTAMPTZ NOT NULL
//	);
//	CREATE UNIQUE INDEX call_records_external_id
//	  ON call_records (external_call_id) WHERE external_call_id <> '';
//	CREATE INDEX call_records_retry_due
//	  ON call_records (retry_after) WHERE retry_after IS NOT NULL AND successor_id = '';
//	CREATE INDEX call_records_business_ref
//	  ON call_records (business_ref_kind, business_ref_id, call_type);
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordColumns = `
id, external_call_id, call_type, status, target,
business_ref_kind, business_ref_id,
attempt_number, max_attempts, retry_after, successor_id,
decision_digits, decision_value, rejection_reason,
script_payload, language,
initiated_at, answered_at, ended_at, duration_seconds, recording_ref,
dispatched_at, version, updated_at`

func (s *PostgresStore) Create(ctx context.Context, rec calls.Record) error {
	const q = `
INSERT INTO call_records (` + recordColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)
`
	rec.Version = 1
	_, err := s.db.ExecContext(ctx, q,
		rec.ID,
		rec.ExternalCallID,
		rec.CallType,
		rec.Status,
		rec.Target,
		rec.BusinessRef.Kind,
		rec.BusinessRef.ID,
		rec.AttemptNumber,
		rec.MaxAttempts,
		rec.RetryAfter,
		rec.SuccessorID,
		rec.DecisionDigits,
		rec.DecisionValue,
		nullableReason(rec.RejectionReason),
		rec.ScriptPayload,
		rec.Language,
		rec.InitiatedAt,
		rec.AnsweredAt,
		rec.EndedAt,
		rec.DurationSeconds,
		rec.RecordingRef,
		rec.DispatchedAt,
		rec.Version,
		rec.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (calls.Record, error) {
	const q = `SELECT ` + recordColumns + ` FROM call_records WHERE id = $1`
	return s.scanOne(s.db.QueryRowContext(ctx, q, id))
}

func (s *PostgresStore) GetByExternalID(ctx context.Context, externalCallID string) (calls.Record, error) {
	const q = `SELECT ` + recordColumns + ` FROM call_records WHERE external_call_id = $1 AND external_call_id <> ''`
	return s.scanOne(s.db.QueryRowContext(ctx, q, externalCallID))
}

// Update applies a compare-and-swap write keyed on version.
func (s *PostgresStore) Update(ctx context.Context, rec calls.Record) (calls.Record, error) {
	const q = `
UPDATE call_records SET
  external_call_id = $2,
  status = $3,
  attempt_number = $4,
  retry_after = $5,
  successor_id = $6,
  decision_digits = $7,
  decision_value = $8,
  rejection_reason = $9,
  answered_at = $10,
  ended_at = $11,
  duration_seconds = $12,
  recording_ref = $13,
  dispatched_at = $14,
  version = version + 1,
  updated_at = $15
WHERE id = $1 AND version = $16
RETURNING version
`
	err := s.db.QueryRowContext(ctx, q,
		rec.ID,
		rec.ExternalCallID,
		rec.Status,
		rec.AttemptNumber,
		rec.RetryAfter,
		rec.SuccessorID,
		rec.DecisionDigits,
		rec.DecisionValue,
		nullableReason(rec.RejectionReason),
		rec.AnsweredAt,
		rec.EndedAt,
		rec.DurationSeconds,
		rec.RecordingRef,
		rec.DispatchedAt,
		rec.UpdatedAt,
		rec.Version,
	).Scan(&rec.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Either the row is gone or the version moved underneath us.
			if _, getErr := s.Get(ctx, rec.ID); getErr != nil {
				return calls.Record{}, getErr
			}
			return calls.Record{}, ErrVersionConflict
		}
		return calls.Record{}, err
	}
	return rec, nil
}

func (s *PostgresStore) FindDueRetries(ctx context.Context, now time.Time, limit int) ([]calls.Record, error) {
	const q = `
SELECT ` + recordColumns + `
FROM call_records
WHERE status IN ('NO_RESPONSE', 'BUSY')
  AND retry_after IS NOT NULL
  AND retry_after <= $1
  AND attempt_number < max_attempts
  AND successor_id = ''
ORDER BY retry_after
LIMIT $2
`
	rows, err := s.db.QueryContext(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanAll(rows)
}

func (s *PostgresStore) FindLive(ctx context.Context, ref calls.BusinessRef, ct calls.CallType) ([]calls.Record, error) {
	const q = `
SELECT ` + recordColumns + `
FROM call_records
WHERE business_ref_kind = $1
  AND business_ref_id = $2
  AND call_type = $3
  AND status IN ('INITIATED', 'RINGING', 'ANSWERED')
`
	rows, err := s.db.QueryContext(ctx, q, ref.Kind, ref.ID, ct)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanAll(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresStore) scanOne(row rowScanner) (calls.Record, error) {
	var rec calls.Record
	var reason sql.NullString
	err := row.Scan(
		&rec.ID,
		&rec.ExternalCallID,
		&rec.CallType,
		&rec.Status,
		&rec.Target,
		&rec.BusinessRef.Kind,
		&rec.BusinessRef.ID,
		&rec.AttemptNumber,
		&rec.MaxAttempts,
		&rec.RetryAfter,
		&rec.SuccessorID,
		&rec.DecisionDigits,
		&rec.DecisionValue,
		&reason,
		&rec.ScriptPayload,
		&rec.Language,
		&rec.InitiatedAt,
		&rec.AnsweredAt,
		&rec.EndedAt,
		&rec.DurationSeconds,
		&rec.RecordingRef,
		&rec.DispatchedAt,
		&rec.Version,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Record{}, ErrNotFound
		}
		return calls.Record{}, err
	}
	if reason.Valid && reason.String != "" {
		r := calls.RejectionReason(reason.String)
		rec.RejectionReason = &r
	}
	return rec, nil
}

func (s *PostgresStore) scanAll(rows *sql.Rows) ([]calls.Record, error) {
	var out []calls.Record
	for rows.Next() {
		rec, err := s.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullableReason(r *calls.RejectionReason) any {
	if r == nil {
		return nil
	}
	return string(*r)
}
