package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"dialout-engine/internal/calls"
	"dialout-engine/internal/dialer"
	"dialout-engine/internal/policy"
	"dialout-engine/internal/store"
)

type fakeSpawner struct {
	st      *store.MemoryStore
	err     error
	spawned []string
}

func (f *fakeSpawner) Spawn(ctx context.Context, id string, prior calls.Record) (calls.Record, error) {
	if f.err != nil {
		return calls.Record{}, f.err
	}
	rec := calls.Record{
		ID:            id,
		ExternalCallID: "sid-" + id,
		CallType:      prior.CallType,
		Status:        calls.StatusInitiated,
		Target:        prior.Target,
		BusinessRef:   prior.BusinessRef,
		AttemptNumber: prior.AttemptNumber + 1,
		MaxAttempts:   prior.MaxAttempts,
		ScriptPayload: prior.ScriptPayload,
		Language:      prior.Language,
		InitiatedAt:   time.Now().UTC(),
	}
	if err := f.st.Create(ctx, rec); err != nil {
		return calls.Record{}, err
	}
	f.spawned = append(f.spawned, id)
	return rec, nil
}

type captureEscalations struct {
	mu   sync.Mutex
	recs []calls.Record
}

func (c *captureEscalations) Escalate(rec calls.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
}

func (c *captureEscalations) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newScheduler(t *testing.T) (*Scheduler, *store.MemoryStore, *fakeSpawner, *captureEscalations, *time.Time) {
	t.Helper()
	st := store.NewMemoryStore()
	sp := &fakeSpawner{st: st}
	esc := &captureEscalations{}
	s := New(st, sp, policy.Default(), esc, discard(), time.Second)

	now := time.Unix(1700000000, 0).UTC()
	s.now = func() time.Time { return now }
	return s, st, sp, esc, &now
}

func seedFailure(t *testing.T, st *store.MemoryStore, id string, status calls.Status, attempt, max int) calls.Record {
	t.Helper()
	rec := calls.Record{
		ID:             id,
		ExternalCallID: "sid-" + id,
		CallType:       calls.CallTypeConfirmation,
		Status:         status,
		Target:         "+919876500001",
		BusinessRef:    calls.BusinessRef{Kind: "order", ID: "ord-1"},
		AttemptNumber:  attempt,
		MaxAttempts:    max,
		ScriptPayload:  `{"order_id":"ord-1"}`,
		Language:       "hi",
		InitiatedAt:    time.Now().UTC(),
	}
	if err := st.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed: %v", err)
	}
	created, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("seed get: %v", err)
	}
	return created
}

func TestFailureReached_ArmsBackoff(t *testing.T) {
	s, st, _, esc, now := newScheduler(t)

	rec := seedFailure(t, st, "rec-1", calls.StatusNoResponse, 1, 3)
	s.FailureReached(rec)

	got, _ := st.Get(context.Background(), "rec-1")
	if got.RetryAfter == nil {
		t.Fatalf("retry_after not armed")
	}
	if want := now.Add(2 * time.Minute); !got.RetryAfter.Equal(want) {
		t.Fatalf("retry_after %v, want %v", got.RetryAfter, want)
	}
	if esc.count() != 0 {
		t.Fatalf("escalated with attempts remaining")
	}

	// BUSY uses its own, longer delay.
	rec2 := seedFailure(t, st, "rec-2", calls.StatusBusy, 1, 3)
	rec2.BusinessRef = calls.BusinessRef{Kind: "order", ID: "ord-2"}
	s.FailureReached(rec2)
	got2, _ := st.Get(context.Background(), "rec-2")
	if got2.RetryAfter == nil || !got2.RetryAfter.Equal(now.Add(5*time.Minute)) {
		t.Fatalf("busy retry_after %v", got2.RetryAfter)
	}
}

func TestFailureReached_IgnoresNonRetryable(t *testing.T) {
	s, st, _, esc, _ := newScheduler(t)

	for _, status := range []calls.Status{calls.StatusFailed, calls.StatusCancelled, calls.StatusAccepted} {
		rec := seedFailure(t, st, "rec-"+string(status), status, 1, 3)
		s.FailureReached(rec)
		got, _ := st.Get(context.Background(), rec.ID)
		if got.RetryAfter != nil {
			t.Fatalf("%s armed a retry", status)
		}
	}
	if esc.count() != 0 {
		t.Fatalf("unexpected escalation")
	}
}

func TestFailureReached_EscalatesWhenExhausted(t *testing.T) {
	s, st, _, esc, _ := newScheduler(t)

	rec := seedFailure(t, st, "rec-1", calls.StatusNoResponse, 3, 3)
	s.FailureReached(rec)

	if esc.count() != 1 {
		t.Fatalf("escalations %d, want 1", esc.count())
	}
	got, _ := st.Get(context.Background(), "rec-1")
	if got.RetryAfter != nil {
		t.Fatalf("exhausted record armed a retry")
	}
}

func TestSweep_SpawnsSuccessorWhenDue(t *testing.T) {
	s, st, sp, _, now := newScheduler(t)
	ctx := context.Background()

	rec := seedFailure(t, st, "rec-1", calls.StatusNoResponse, 1, 3)
	s.FailureReached(rec)

	// Not due yet.
	s.sweepOnce(ctx)
	if len(sp.spawned) != 0 {
		t.Fatalf("spawned before retry_after elapsed")
	}

	*now = now.Add(3 * time.Minute)
	s.sweepOnce(ctx)

	if len(sp.spawned) != 1 {
		t.Fatalf("spawned %d, want 1", len(sp.spawned))
	}
	predecessor, _ := st.Get(ctx, "rec-1")
	if predecessor.SuccessorID != sp.spawned[0] {
		t.Fatalf("successor id not reserved on predecessor")
	}

	successor, err := st.Get(ctx, sp.spawned[0])
	if err != nil {
		t.Fatalf("successor missing: %v", err)
	}
	if successor.AttemptNumber != 2 {
		t.Fatalf("attempt %d, want 2", successor.AttemptNumber)
	}
	if successor.BusinessRef != rec.BusinessRef || successor.Target != rec.Target {
		t.Fatalf("successor lost business context")
	}

	// The predecessor never fires again.
	*now = now.Add(10 * time.Minute)
	s.sweepOnce(ctx)
	if len(sp.spawned) != 1 {
		t.Fatalf("double spawn: %v", sp.spawned)
	}
}

func TestSweep_SkipsWhenLiveAttemptExists(t *testing.T) {
	s, st, sp, _, now := newScheduler(t)
	ctx := context.Background()

	rec := seedFailure(t, st, "rec-1", calls.StatusNoResponse, 1, 3)
	s.FailureReached(rec)

	// Another live attempt for the same business ref.
	live := seedFailure(t, st, "rec-live", calls.StatusAnswered, 1, 3)
	_ = live

	*now = now.Add(3 * time.Minute)
	s.sweepOnce(ctx)

	if len(sp.spawned) != 0 {
		t.Fatalf("spawned despite a live attempt")
	}
}

func TestSweep_CapacityRollsBackReservation(t *testing.T) {
	s, st, sp, _, now := newScheduler(t)
	ctx := context.Background()

	rec := seedFailure(t, st, "rec-1", calls.StatusNoResponse, 1, 3)
	s.FailureReached(rec)
	*now = now.Add(3 * time.Minute)

	sp.err = dialer.ErrCapacity
	s.sweepOnce(ctx)

	got, _ := st.Get(ctx, "rec-1")
	if got.SuccessorID != "" {
		t.Fatalf("reservation not rolled back on capacity rejection")
	}

	// Capacity freed; the next sweep places the successor.
	sp.err = nil
	s.sweepOnce(ctx)
	if len(sp.spawned) != 1 {
		t.Fatalf("spawned %d after capacity freed", len(sp.spawned))
	}
}
