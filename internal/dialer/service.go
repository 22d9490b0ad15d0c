// Package dialer owns call initiation: request validation, record creation,
// the provider dial, and the one-time binding of the provider call id.
package dialer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"dialout-engine/internal/calls"
	"dialout-engine/internal/policy"
	"dialout-engine/internal/store"
	"dialout-engine/internal/telephony"
)

// ErrCapacity is returned when the concurrent-dial cap is exhausted. The
// caller should surface it as a retryable rejection, not create a record.
var ErrCapacity = errors.New("dialer: concurrent dial capacity exhausted")

// ErrTerminal is returned by Cancel when the record already reached a
// terminal state.
var ErrTerminal = errors.New("dialer: call already terminal")

// ErrLiveExists is returned by Initiate when a non-terminal record already
// exists for the (business ref, call type) pair. At most one live attempt per
// pair is allowed; Initiate returns the existing record alongside this error.
var ErrLiveExists = errors.New("dialer: live call already exists for business ref")

// ValidationError rejects an initiation request before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("dialer: invalid %s: %s", e.Field, e.Reason)
}

var targetPattern = regexp.MustCompile(`^\+?[0-9]{8,15}$`)

// Limiter bounds the number of in-flight dial requests against the provider.
type Limiter interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context)
}

// InitiateRequest is a validated-on-entry request for one outbound call.
type InitiateRequest struct {
	CallType      calls.CallType `json:"call_type"`
	Target        string         `json:"target"`
	BusinessRef   calls.BusinessRef
	ScriptPayload map[string]any `json:"script_payload"`
	Language      string         `json:"language"`
}

type Service struct {
	store    store.Store
	provider telephony.Provider
	policy   *policy.Policy
	limiter  Limiter
	log      *slog.Logger

	now func() time.Time
}

func New(st store.Store, provider telephony.Provider, pol *policy.Policy, limiter Limiter, log *slog.Logger) *Service {
	return &Service{
		store:    st,
		provider: provider,
		policy:   pol,
		limiter:  limiter,
		log:      log,
		now:      time.Now,
	}
}

// Initiate validates the request, creates the record as attempt 1 and dials.
// A request for a (business ref, call type) pair that already has a live
// attempt is rejected with ErrLiveExists. A synchronous provider failure
// leaves the record in FAILED and returns the adapter error; FAILED never
// auto-retries.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (calls.Record, error) {
	cp, err := s.validate(req)
	if err != nil {
		return calls.Record{}, err
	}

	live, err := s.store.FindLive(ctx, req.BusinessRef, req.CallType)
	if err != nil {
		return calls.Record{}, fmt.Errorf("dialer: checking live attempts: %w", err)
	}
	if len(live) > 0 {
		return live[0], ErrLiveExists
	}

	payload, err := json.Marshal(req.ScriptPayload)
	if err != nil {
		return calls.Record{}, &ValidationError{Field: "script_payload", Reason: err.Error()}
	}

	lang := req.Language
	if lang == "" {
		lang = s.policy.DefaultLanguage
	}

	rec := calls.Record{
		ID:            uuid.NewString(),
		CallType:      req.CallType,
		Status:        calls.StatusInitiated,
		Target:        req.Target,
		BusinessRef:   req.BusinessRef,
		AttemptNumber: 1,
		MaxAttempts:   s.policy.MaxAttempts,
		ScriptPayload: string(payload),
		Language:      lang,
		InitiatedAt:   s.now().UTC(),
		UpdatedAt:     s.now().UTC(),
	}
	return s.launch(ctx, rec, cp)
}

// Spawn creates and dials a successor attempt for a retry-eligible prior
// record. The caller has already reserved id on the predecessor's
// SuccessorID, so a crash between the two writes never double-spawns.
func (s *Service) Spawn(ctx context.Context, id string, prior calls.Record) (calls.Record, error) {
	cp, ok := s.policy.ForType(prior.CallType)
	if !ok {
		return calls.Record{}, &ValidationError{Field: "call_type", Reason: fmt.Sprintf("unknown call type %q", prior.CallType)}
	}

	rec := calls.Record{
		ID:            id,
		CallType:      prior.CallType,
		Status:        calls.StatusInitiated,
		Target:        prior.Target,
		BusinessRef:   prior.BusinessRef,
		AttemptNumber: prior.AttemptNumber + 1,
		MaxAttempts:   prior.MaxAttempts,
		ScriptPayload: prior.ScriptPayload,
		Language:      prior.Language,
		InitiatedAt:   s.now().UTC(),
		UpdatedAt:     s.now().UTC(),
	}
	return s.launch(ctx, rec, cp)
}

func (s *Service) launch(ctx context.Context, rec calls.Record, cp policy.CallPolicy) (calls.Record, error) {
	ok, err := s.limiter.Acquire(ctx)
	if err != nil {
		return calls.Record{}, fmt.Errorf("dialer: acquiring dial slot: %w", err)
	}
	if !ok {
		return calls.Record{}, ErrCapacity
	}
	defer s.limiter.Release(ctx)

	if err := s.store.Create(ctx, rec); err != nil {
		return calls.Record{}, fmt.Errorf("dialer: creating record: %w", err)
	}
	created, err := s.store.Get(ctx, rec.ID)
	if err != nil {
		return calls.Record{}, fmt.Errorf("dialer: re-reading record: %w", err)
	}

	dialCtx, _ := json.Marshal(map[string]string{"call_record_id": created.ID})
	res, dialErr := s.provider.Dial(ctx, telephony.DialRequest{
		Target:   created.Target,
		ScriptID: cp.ScriptID,
		Context:  string(dialCtx),
		Language: created.Language,
	})
	if dialErr != nil {
		failed, markErr := s.markFailed(ctx, created)
		if markErr != nil {
			s.log.Error("marking record failed after dial error",
				"call_record_id", created.ID, "error", markErr)
			return created, dialErr
		}
		return failed, dialErr
	}

	// Bind the external call id exactly once. Nothing else can be racing on
	// a record this young, so a CAS conflict here is a real bug.
	created.ExternalCallID = res.ExternalCallID
	created.UpdatedAt = s.now().UTC()
	bound, err := s.store.Update(ctx, created)
	if err != nil {
		return created, fmt.Errorf("dialer: binding external call id: %w", err)
	}

	s.log.Info("call initiated",
		"call_record_id", bound.ID,
		"external_call_id", bound.ExternalCallID,
		"call_type", bound.CallType,
		"attempt", bound.AttemptNumber,
	)
	return bound, nil
}

func (s *Service) markFailed(ctx context.Context, rec calls.Record) (calls.Record, error) {
	for {
		res := calls.ApplyLifecycle(&rec, calls.Event{Status: calls.LifecycleFailed}, s.now().UTC())
		if !res.Changed {
			return rec, nil
		}
		updated, err := s.store.Update(ctx, rec)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return rec, err
		}
		rec, err = s.store.Get(ctx, rec.ID)
		if err != nil {
			return rec, err
		}
	}
}

// Cancel moves a non-terminal record to CANCELLED. Provider events that
// arrive afterwards are dropped by the state machine.
func (s *Service) Cancel(ctx context.Context, id string) (calls.Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return calls.Record{}, err
	}
	for {
		if rec.Status.IsTerminal() {
			return rec, ErrTerminal
		}
		res := calls.ApplyCancel(&rec, s.now().UTC())
		if !res.Changed {
			return rec, nil
		}
		updated, err := s.store.Update(ctx, rec)
		if err == nil {
			s.log.Info("call cancelled", "call_record_id", updated.ID, "from", res.From)
			return updated, nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return rec, err
		}
		rec, err = s.store.Get(ctx, id)
		if err != nil {
			return calls.Record{}, err
		}
	}
}

func (s *Service) Get(ctx context.Context, id string) (calls.Record, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) validate(req InitiateRequest) (policy.CallPolicy, error) {
	cp, ok := s.policy.ForType(req.CallType)
	if !ok {
		return policy.CallPolicy{}, &ValidationError{Field: "call_type", Reason: fmt.Sprintf("unknown call type %q", req.CallType)}
	}
	if !targetPattern.MatchString(req.Target) {
		return policy.CallPolicy{}, &ValidationError{Field: "target", Reason: "must be a phone number (8-15 digits, optional +)"}
	}
	if req.BusinessRef.IsZero() {
		return policy.CallPolicy{}, &ValidationError{Field: "business_ref", Reason: "kind and id are required"}
	}
	for _, f := range cp.RequiredFields {
		v, ok := req.ScriptPayload[f]
		if !ok || v == nil || v == "" {
			return policy.CallPolicy{}, &ValidationError{Field: "script_payload", Reason: fmt.Sprintf("missing required field %q", f)}
		}
	}
	return cp, nil
}
