package dialer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"dialout-engine/internal/calls"
	"dialout-engine/internal/policy"
	"dialout-engine/internal/store"
	"dialout-engine/internal/telephony"
)

type fakeProvider struct {
	nextSid string
	err     error
	dials   []telephony.DialRequest
}

func (f *fakeProvider) Name() string                        { return "fake" }
func (f *fakeProvider) HealthCheck(context.Context) error   { return nil }
func (f *fakeProvider) Dial(_ context.Context, req telephony.DialRequest) (telephony.DialResult, error) {
	f.dials = append(f.dials, req)
	if f.err != nil {
		return telephony.DialResult{}, f.err
	}
	return telephony.DialResult{ExternalCallID: f.nextSid}, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newService(t *testing.T, p telephony.Provider) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return New(st, p, policy.Default(), Unlimited{}, discard()), st
}

func validRequest() InitiateRequest {
	return InitiateRequest{
		CallType:    calls.CallTypeConfirmation,
		Target:      "+919876500001",
		BusinessRef: calls.BusinessRef{Kind: "order", ID: "ord-1"},
		ScriptPayload: map[string]any{
			"order_id":     "ord-1",
			"vendor_name":  "Sharma Kirana",
			"order_amount": 250,
		},
	}
}

func TestInitiate_BindsExternalID(t *testing.T) {
	p := &fakeProvider{nextSid: "sid-1"}
	svc, st := newService(t, p)

	rec, err := svc.Initiate(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if rec.Status != calls.StatusInitiated {
		t.Fatalf("status %s", rec.Status)
	}
	if rec.ExternalCallID != "sid-1" {
		t.Fatalf("external id %q", rec.ExternalCallID)
	}
	if rec.AttemptNumber != 1 || rec.MaxAttempts != 3 {
		t.Fatalf("attempts %d/%d", rec.AttemptNumber, rec.MaxAttempts)
	}
	if rec.Language != "hi" {
		t.Fatalf("language %q, want policy default", rec.Language)
	}

	// The record is reachable through the provider id for correlation.
	byExt, err := st.GetByExternalID(context.Background(), "sid-1")
	if err != nil {
		t.Fatalf("get by external id: %v", err)
	}
	if byExt.ID != rec.ID {
		t.Fatalf("lookup mismatch %q vs %q", byExt.ID, rec.ID)
	}

	if len(p.dials) != 1 {
		t.Fatalf("dials %d", len(p.dials))
	}
	if p.dials[0].Target != "+919876500001" {
		t.Fatalf("dial target %q", p.dials[0].Target)
	}
}

func TestInitiate_Validation(t *testing.T) {
	svc, _ := newService(t, &fakeProvider{nextSid: "sid-1"})

	tests := []struct {
		name   string
		mutate func(*InitiateRequest)
	}{
		{"unknown call type", func(r *InitiateRequest) { r.CallType = "PAGING" }},
		{"bad target", func(r *InitiateRequest) { r.Target = "not-a-number" }},
		{"missing business ref", func(r *InitiateRequest) { r.BusinessRef = calls.BusinessRef{} }},
		{"missing required field", func(r *InitiateRequest) { delete(r.ScriptPayload, "order_id") }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)

			_, err := svc.Initiate(context.Background(), req)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
		})
	}
}

// A second initiation for the same (business ref, call type) pair must not
// place a second simultaneous call.
func TestInitiate_RejectsSecondLiveAttempt(t *testing.T) {
	p := &fakeProvider{nextSid: "sid-1"}
	svc, st := newService(t, p)
	ctx := context.Background()

	first, err := svc.Initiate(ctx, validRequest())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	existing, err := svc.Initiate(ctx, validRequest())
	if !errors.Is(err, ErrLiveExists) {
		t.Fatalf("expected ErrLiveExists, got %v", err)
	}
	if existing.ID != first.ID {
		t.Fatalf("expected the existing record back, got %q", existing.ID)
	}
	if len(p.dials) != 1 {
		t.Fatalf("dialed %d times, want 1", len(p.dials))
	}
	live, err := st.FindLive(ctx, calls.BusinessRef{Kind: "order", ID: "ord-1"}, calls.CallTypeConfirmation)
	if err != nil {
		t.Fatalf("find live: %v", err)
	}
	if len(live) != 1 {
		t.Fatalf("%d live records, want 1", len(live))
	}

	// Once the first attempt is terminal the pair is free again.
	if _, err := svc.Cancel(ctx, first.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := svc.Initiate(ctx, validRequest()); err != nil {
		t.Fatalf("initiate after terminal: %v", err)
	}
}

func TestInitiate_SyncDialFailure(t *testing.T) {
	dialErr := &telephony.AdapterError{Provider: "fake", StatusCode: 403, Err: errors.New("rejected")}
	svc, st := newService(t, &fakeProvider{err: dialErr})

	_, err := svc.Initiate(context.Background(), validRequest())
	var aerr *telephony.AdapterError
	if !errors.As(err, &aerr) {
		t.Fatalf("expected adapter error, got %v", err)
	}

	// The record exists and is FAILED; FAILED never auto-retries.
	due, err := st.FindDueRetries(context.Background(), time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("find due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("FAILED records must not be retry candidates")
	}

	live, err := st.FindLive(context.Background(), calls.BusinessRef{Kind: "order", ID: "ord-1"}, calls.CallTypeConfirmation)
	if err != nil {
		t.Fatalf("find live: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("FAILED record reported live")
	}
}

type denyLimiter struct{}

func (denyLimiter) Acquire(context.Context) (bool, error) { return false, nil }
func (denyLimiter) Release(context.Context)               {}

func TestInitiate_CapacityExhausted(t *testing.T) {
	st := store.NewMemoryStore()
	p := &fakeProvider{nextSid: "sid-1"}
	svc := New(st, p, policy.Default(), denyLimiter{}, discard())

	_, err := svc.Initiate(context.Background(), validRequest())
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	if len(p.dials) != 0 {
		t.Fatalf("must not dial when capacity is exhausted")
	}
}

func TestSpawn_IncrementsAttempt(t *testing.T) {
	p := &fakeProvider{nextSid: "sid-2"}
	svc, _ := newService(t, p)

	prior := calls.Record{
		ID:            "rec-1",
		CallType:      calls.CallTypeConfirmation,
		Status:        calls.StatusNoResponse,
		Target:        "+919876500001",
		BusinessRef:   calls.BusinessRef{Kind: "order", ID: "ord-1"},
		AttemptNumber: 1,
		MaxAttempts:   3,
		ScriptPayload: `{"order_id":"ord-1"}`,
		Language:      "hi",
	}

	next, err := svc.Spawn(context.Background(), "rec-2", prior)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if next.ID != "rec-2" {
		t.Fatalf("id %q", next.ID)
	}
	if next.AttemptNumber != 2 {
		t.Fatalf("attempt %d", next.AttemptNumber)
	}
	if next.ScriptPayload != prior.ScriptPayload || next.Target != prior.Target {
		t.Fatalf("successor must reuse the prior script payload and target")
	}
	if next.ExternalCallID != "sid-2" {
		t.Fatalf("external id %q", next.ExternalCallID)
	}
}

func TestCancel(t *testing.T) {
	svc, _ := newService(t, &fakeProvider{nextSid: "sid-1"})

	rec, err := svc.Initiate(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	cancelled, err := svc.Cancel(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != calls.StatusCancelled {
		t.Fatalf("status %s", cancelled.Status)
	}

	// Cancelling again reports the terminal state instead of mutating.
	if _, err := svc.Cancel(context.Background(), rec.ID); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}
