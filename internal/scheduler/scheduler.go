// Package scheduler owns the retry ladder: arming retry timestamps on
// retry-eligible failures, sweeping for due records, spawning successor
// attempts and escalating when attempts run out.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"dialout-engine/internal/calls"
	"dialout-engine/internal/dialer"
	"dialout-engine/internal/policy"
	"dialout-engine/internal/store"
)

// Spawner places the successor attempt. Implemented by the dialer service.
type Spawner interface {
	Spawn(ctx context.Context, id string, prior calls.Record) (calls.Record, error)
}

// EscalationSink receives records whose attempts are exhausted without a
// decision. Implemented by the action dispatcher.
type EscalationSink interface {
	Escalate(rec calls.Record)
}

type Scheduler struct {
	store       store.Store
	spawner     Spawner
	policy      *policy.Policy
	escalations EscalationSink
	log         *slog.Logger

	interval   time.Duration
	sweepLimit int

	now func() time.Time
}

func New(st store.Store, spawner Spawner, pol *policy.Policy, esc EscalationSink, log *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Scheduler{
		store:       st,
		spawner:     spawner,
		policy:      pol,
		escalations: esc,
		log:         log,
		interval:    interval,
		sweepLimit:  50,
		now:         time.Now,
	}
}

// FailureReached arms the retry timestamp for a record that just reached a
// terminal failure, or escalates when no attempts remain. FAILED and
// CANCELLED never pass through here with a retry; only NO_RESPONSE and BUSY
// are retry eligible.
func (s *Scheduler) FailureReached(rec calls.Record) {
	if !rec.Status.IsRetryEligible() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if rec.AttemptNumber >= rec.MaxAttempts {
		s.log.Info("attempts exhausted, escalating",
			"call_record_id", rec.ID,
			"attempt", rec.AttemptNumber,
			"cause", rec.Status)
		s.escalations.Escalate(rec)
		return
	}

	delay, ok := s.policy.BackoffFor(rec.Status)
	if !ok {
		return
	}
	due := s.now().UTC().Add(delay)

	for {
		rec.RetryAfter = &due
		rec.UpdatedAt = s.now().UTC()
		if _, err := s.store.Update(ctx, rec); err == nil {
			s.log.Info("retry armed",
				"call_record_id", rec.ID,
				"cause", rec.Status,
				"retry_after", due)
			return
		} else if !errors.Is(err, store.ErrVersionConflict) {
			s.log.Error("arming retry failed", "call_record_id", rec.ID, "error", err)
			return
		}

		fresh, err := s.store.Get(ctx, rec.ID)
		if err != nil {
			s.log.Error("re-read after version conflict failed", "call_record_id", rec.ID, "error", err)
			return
		}
		if !fresh.Status.IsRetryEligible() || fresh.RetryAfter != nil {
			return
		}
		rec = fresh
	}
}

// Run sweeps for due retries until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Scheduler) sweepOnce(ctx context.Context) {
	due, err := s.store.FindDueRetries(ctx, s.now().UTC(), s.sweepLimit)
	if err != nil {
		s.log.Error("retry sweep failed", "error", err)
		return
	}
	for _, rec := range due {
		s.spawnSuccessor(ctx, rec)
	}
}

// spawnSuccessor creates the next attempt for one due record. The successor
// id is reserved on the predecessor first, so a crash between the reserve and
// the dial can at worst lose one retry, never place two.
func (s *Scheduler) spawnSuccessor(ctx context.Context, prior calls.Record) {
	live, err := s.store.FindLive(ctx, prior.BusinessRef, prior.CallType)
	if err != nil {
		s.log.Error("live-attempt check failed", "call_record_id", prior.ID, "error", err)
		return
	}
	if len(live) > 0 {
		s.log.Warn("skipping retry, live attempt exists",
			"call_record_id", prior.ID,
			"live_record_id", live[0].ID)
		return
	}

	successorID := uuid.NewString()
	prior.SuccessorID = successorID
	prior.UpdatedAt = s.now().UTC()
	reserved, err := s.store.Update(ctx, prior)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			// Another sweeper got here first.
			return
		}
		s.log.Error("reserving successor failed", "call_record_id", prior.ID, "error", err)
		return
	}

	next, err := s.spawner.Spawn(ctx, successorID, reserved)
	if err != nil {
		if errors.Is(err, dialer.ErrCapacity) {
			// No record was created; release the reservation so the next
			// sweep picks this one up again.
			reserved.SuccessorID = ""
			reserved.UpdatedAt = s.now().UTC()
			if _, rbErr := s.store.Update(ctx, reserved); rbErr != nil {
				s.log.Error("releasing successor reservation failed",
					"call_record_id", reserved.ID, "error", rbErr)
			}
			return
		}
		// The successor record exists in FAILED; the reservation stands and
		// the ladder ends here for this attempt chain.
		s.log.Error("successor dial failed",
			"call_record_id", reserved.ID,
			"successor_id", successorID,
			"error", err)
		return
	}

	s.log.Info("successor attempt placed",
		"call_record_id", reserved.ID,
		"successor_id", next.ID,
		"attempt", next.AttemptNumber)
}
