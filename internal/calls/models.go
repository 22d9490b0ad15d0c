package calls

import "time"

// Record is one outbound call attempt.
//
// Invariants:
// - ExternalCallID is bound exactly once, right after a successful dial,
//   and never changes afterward.
// - Status moves only along the transition graph in machine.go; terminal
//   states are final.
// - RetryAfter is non-nil only while Status is retry-eligible and
//   AttemptNumber < MaxAttempts.
// - DispatchedAt is set at most once; it records the successful delivery of
//   the outcome to the business layer.
// - A successor attempt is a new Record sharing BusinessRef and CallType with
//   AttemptNumber+1; SuccessorID on the predecessor marks that the successor
//   has been spawned.
type Record struct {
	ID             string `json:"id" db:"id"`
	ExternalCallID string `json:"external_call_id,omitempty" db:"external_call_id"`

	CallType CallType `json:"call_type" db:"call_type"`
	Status   Status   `json:"status" db:"status"`

	// Target is the dialed phone number (E.164 where possible).
	Target string `json:"target" db:"target"`

	BusinessRef BusinessRef `json:"business_ref"`

	AttemptNumber int `json:"attempt_number" db:"attempt_number"`
	MaxAttempts   int `json:"max_attempts" db:"max_attempts"`

	RetryAfter  *time.Time `json:"retry_after,omitempty" db:"retry_after"`
	SuccessorID string     `json:"successor_id,omitempty" db:"successor_id"`

	DecisionDigits  string           `json:"decision_digits,omitempty" db:"decision_digits"`
	DecisionValue   *int             `json:"decision_value,omitempty" db:"decision_value"`
	RejectionReason *RejectionReason `json:"rejection_reason,omitempty" db:"rejection_reason"`

	// ScriptPayload is the caller-supplied script variables as JSON. Retained
	// so the scheduler can re-dial a successor without the original caller.
	ScriptPayload string `json:"script_payload,omitempty" db:"script_payload"`
	Language      string `json:"language" db:"language"`

	InitiatedAt     time.Time  `json:"initiated_at" db:"initiated_at"`
	AnsweredAt      *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	DurationSeconds int        `json:"duration_seconds" db:"duration_seconds"`
	RecordingRef    string     `json:"recording_ref,omitempty" db:"recording_ref"`

	DispatchedAt *time.Time `json:"dispatched_at,omitempty" db:"dispatched_at"`

	// Version supports optimistic compare-and-swap updates.
	Version   int64     `json:"version" db:"version"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// BusinessRef is the opaque (kind, id) pair identifying the order/task this
// call serves.
type BusinessRef struct {
	Kind string `json:"kind" db:"business_ref_kind"`
	ID   string `json:"id" db:"business_ref_id"`
}

func (r BusinessRef) IsZero() bool { return r.Kind == "" && r.ID == "" }

type CallType string

// Well-known call types shipped in the default policy. The policy file may
// define others; anything not registered there is rejected at initiation.
const (
	CallTypeConfirmation CallType = "CONFIRMATION"
	CallTypeAssignment   CallType = "ASSIGNMENT"
)

type Status string

const (
	StatusInitiated Status = "INITIATED"
	StatusRinging   Status = "RINGING"
	StatusAnswered  Status = "ANSWERED"

	// Terminal decision states.
	StatusAccepted Status = "ACCEPTED"
	StatusRejected Status = "REJECTED"
	StatusValueSet Status = "VALUE_SET"

	// Terminal failure states.
	StatusNoResponse Status = "NO_RESPONSE"
	StatusBusy       Status = "BUSY"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

type RejectionReason string

const (
	ReasonItemUnavailable RejectionReason = "ITEM_UNAVAILABLE"
	ReasonTooBusy         RejectionReason = "TOO_BUSY"
	ReasonShopClosed      RejectionReason = "SHOP_CLOSED"
	ReasonOther           RejectionReason = "OTHER"
)

// Outcome is what the Action Dispatcher reports to the business layer.
type Outcome string

const (
	OutcomeAccepted Outcome = "ACCEPTED"
	OutcomeRejected Outcome = "REJECTED"
	OutcomeValueSet Outcome = "VALUE_SET"
	OutcomeEscalate Outcome = "ESCALATE"
)

// OutcomeFor maps a terminal decision status to its outcome.
func OutcomeFor(s Status) (Outcome, bool) {
	switch s {
	case StatusAccepted:
		return OutcomeAccepted, true
	case StatusRejected:
		return OutcomeRejected, true
	case StatusValueSet:
		return OutcomeValueSet, true
	default:
		return "", false
	}
}

// EventKind classifies a normalized inbound provider event.
type EventKind string

const (
	EventStatusChange  EventKind = "status-change"
	EventDecisionInput EventKind = "decision-input"
)

// Event is a normalized inbound provider occurrence. The raw payload shape
// varies by event type; alias resolution at the ingestion boundary produces
// this single form.
type Event struct {
	ExternalCallID string    `json:"external_call_id"`
	Kind           EventKind `json:"kind"`

	// Status is the normalized lifecycle status for status-change events.
	Status LifecycleStatus `json:"status,omitempty"`

	// Digits is the raw DTMF sequence for decision-input events.
	Digits string `json:"digits,omitempty"`

	DurationSeconds int    `json:"duration_seconds,omitempty"`
	RecordingRef    string `json:"recording_ref,omitempty"`

	// Digest identifies the logical event for deduplication.
	Digest     string    `json:"digest"`
	ReceivedAt time.Time `json:"received_at"`
}

// LifecycleStatus is the provider-reported call lifecycle, already mapped
// from provider vocabulary ("no-answer", "in-progress", ...) to ours.
type LifecycleStatus string

const (
	LifecycleRinging   LifecycleStatus = "ringing"
	LifecycleAnswered  LifecycleStatus = "answered"
	LifecycleCompleted LifecycleStatus = "completed"
	LifecycleNoAnswer  LifecycleStatus = "no-answer"
	LifecycleBusy      LifecycleStatus = "busy"
	LifecycleFailed    LifecycleStatus = "failed"
	LifecycleCanceled  LifecycleStatus = "canceled"
)

// Decision is the interpreted meaning of a DTMF sequence for a callType.
type Decision struct {
	Outcome Outcome
	Value   int
	Reason  RejectionReason
}
