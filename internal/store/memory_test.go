package store

import (
	"context"
	"testing"
	"time"

	"dialout-engine/internal/calls"
)

func newRecord(id, external string, status calls.Status) calls.Record {
	return calls.Record{
		ID:             id,
		ExternalCallID: external,
		CallType:       calls.CallTypeConfirmation,
		Status:         status,
		Target:         "+919876543210",
		BusinessRef:    calls.BusinessRef{Kind: "order", ID: "100"},
		AttemptNumber:  1,
		MaxAttempts:    3,
		InitiatedAt:    time.Unix(1700000000, 0).UTC(),
		UpdatedAt:      time.Unix(1700000000, 0).UTC(),
	}
}

func TestMemoryStore_CreateAndLookup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Create(ctx, newRecord("r1", "C1", calls.StatusInitiated)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, newRecord("r1", "C2", calls.StatusInitiated)); err != ErrDuplicateID {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}

	rec, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Version != 1 {
		t.Fatalf("expected version 1, got %d", rec.Version)
	}

	byExt, err := s.GetByExternalID(ctx, "C1")
	if err != nil {
		t.Fatalf("get by external: %v", err)
	}
	if byExt.ID != "r1" {
		t.Fatalf("expected r1, got %s", byExt.ID)
	}

	if _, err := s.GetByExternalID(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_UpdateCAS(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newRecord("r1", "", calls.StatusInitiated)); err != nil {
		t.Fatalf("create: %v", err)
	}

	a, _ := s.Get(ctx, "r1")
	b, _ := s.Get(ctx, "r1")

	a.Status = calls.StatusRinging
	if _, err := s.Update(ctx, a); err != nil {
		t.Fatalf("first update: %v", err)
	}

	b.Status = calls.StatusFailed
	if _, err := s.Update(ctx, b); err != ErrVersionConflict {
		t.Fatalf("expected version conflict, got %v", err)
	}

	// The loser re-reads and reapplies.
	b, _ = s.Get(ctx, "r1")
	if b.Status != calls.StatusRinging {
		t.Fatalf("expected RINGING to win, got %s", b.Status)
	}
	b.Status = calls.StatusAnswered
	updated, err := s.Update(ctx, b)
	if err != nil {
		t.Fatalf("retry update: %v", err)
	}
	if updated.Version != 3 {
		t.Fatalf("expected version 3, got %d", updated.Version)
	}
}

func TestMemoryStore_BindExternalID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if err := s.Create(ctx, newRecord("r1", "", calls.StatusInitiated)); err != nil {
		t.Fatalf("create: %v", err)
	}

	rec, _ := s.Get(ctx, "r1")
	rec.ExternalCallID = "C9"
	if _, err := s.Update(ctx, rec); err != nil {
		t.Fatalf("bind: %v", err)
	}

	got, err := s.GetByExternalID(ctx, "C9")
	if err != nil || got.ID != "r1" {
		t.Fatalf("expected lookup by bound id, got %v err=%v", got.ID, err)
	}
}

func TestMemoryStore_FindDueRetries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Unix(1700000500, 0).UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	due := newRecord("due", "C1", calls.StatusNoResponse)
	due.RetryAfter = &past
	notYet := newRecord("notyet", "C2", calls.StatusBusy)
	notYet.RetryAfter = &future
	exhausted := newRecord("exhausted", "C3", calls.StatusNoResponse)
	exhausted.RetryAfter = &past
	exhausted.AttemptNumber = 3
	spawned := newRecord("spawned", "C4", calls.StatusNoResponse)
	spawned.RetryAfter = &past
	spawned.SuccessorID = "succ"
	failed := newRecord("failed", "C5", calls.StatusFailed)
	failed.RetryAfter = &past

	for _, rec := range []calls.Record{due, notYet, exhausted, spawned, failed} {
		if err := s.Create(ctx, rec); err != nil {
			t.Fatalf("create %s: %v", rec.ID, err)
		}
	}

	got, err := s.FindDueRetries(ctx, now, 10)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 1 || got[0].ID != "due" {
		t.Fatalf("expected exactly [due], got %v", got)
	}
}

func TestMemoryStore_FindLive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ref := calls.BusinessRef{Kind: "order", ID: "100"}

	live := newRecord("live", "C1", calls.StatusRinging)
	done := newRecord("done", "C2", calls.StatusAccepted)
	other := newRecord("other", "C3", calls.StatusRinging)
	other.BusinessRef = calls.BusinessRef{Kind: "order", ID: "200"}

	for _, rec := range []calls.Record{live, done, other} {
		if err := s.Create(ctx, rec); err != nil {
			t.Fatalf("create %s: %v", rec.ID, err)
		}
	}

	got, err := s.FindLive(ctx, ref, calls.CallTypeConfirmation)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 1 || got[0].ID != "live" {
		t.Fatalf("expected exactly [live], got %v", got)
	}
}
