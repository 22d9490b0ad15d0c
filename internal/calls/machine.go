package calls

import "time"

// Transition graph. Terminal states have no outgoing edges; every event
// arriving for a terminal record is a logged no-op.
//
//	INITIATED -> RINGING -> ANSWERED -> ACCEPTED | REJECTED | VALUE_SET
//	INITIATED | RINGING  -> NO_RESPONSE | BUSY | FAILED | CANCELLED
//	ANSWERED             -> NO_RESPONSE (no decision before hangup/timeout)
//
// A decision arriving while the record is still INITIATED or RINGING implies
// the callee answered before the answered status callback was delivered; the
// record passes through ANSWERED on the way to the decision state so the
// observed status sequence stays a valid walk.
var transitions = map[Status]map[Status]bool{
	StatusInitiated: {
		StatusRinging:    true,
		StatusAnswered:   true,
		StatusNoResponse: true,
		StatusBusy:       true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	StatusRinging: {
		StatusAnswered:   true,
		StatusNoResponse: true,
		StatusBusy:       true,
		StatusFailed:     true,
		StatusCancelled:  true,
	},
	StatusAnswered: {
		StatusAccepted:   true,
		StatusRejected:   true,
		StatusValueSet:   true,
		StatusNoResponse: true,
		StatusCancelled:  true,
	},
}

func (s Status) IsTerminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusValueSet,
		StatusNoResponse, StatusBusy, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsDecision reports whether s is a terminal decision state.
func (s Status) IsDecision() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusValueSet:
		return true
	default:
		return false
	}
}

// IsRetryEligible reports whether a terminal failure may spawn a successor.
// FAILED and CANCELLED never auto-retry.
func (s Status) IsRetryEligible() bool {
	return s == StatusNoResponse || s == StatusBusy
}

func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// ApplyResult describes what a state-machine application did to a record.
type ApplyResult struct {
	// Changed reports that the record was mutated and must be persisted.
	Changed bool

	// StateChanged reports a status transition (From -> To).
	StateChanged bool
	From, To     Status

	// DecisionReached is set when To is a decision state; the dispatcher
	// must be triggered exactly once for it.
	DecisionReached bool

	// FailureReached is set when To is a terminal failure; the scheduler
	// evaluates retry/escalation for it.
	FailureReached bool
}

func transitionTo(rec *Record, to Status, now time.Time) ApplyResult {
	from := rec.Status
	if !CanTransition(from, to) {
		return ApplyResult{From: from, To: to}
	}
	rec.Status = to
	rec.UpdatedAt = now
	res := ApplyResult{
		Changed:      true,
		StateChanged: true,
		From:         from,
		To:           to,
	}
	if to.IsDecision() {
		res.DecisionReached = true
	}
	if to.IsTerminal() && !to.IsDecision() {
		res.FailureReached = true
	}
	return res
}

// ApplyLifecycle applies a normalized provider lifecycle status to rec.
// Events for terminal records never move state; a "completed" arriving after
// a decision only fills end-of-call bookkeeping (end time, duration,
// recording reference), each at most once.
func ApplyLifecycle(rec *Record, ev Event, now time.Time) ApplyResult {
	if rec.Status.IsTerminal() {
		return ApplyResult{Changed: applyEndBookkeeping(rec, ev, now), From: rec.Status, To: rec.Status}
	}

	switch ev.Status {
	case LifecycleRinging:
		return transitionTo(rec, StatusRinging, now)

	case LifecycleAnswered:
		res := transitionTo(rec, StatusAnswered, now)
		if res.StateChanged && rec.AnsweredAt == nil {
			t := now
			rec.AnsweredAt = &t
		}
		return res

	case LifecycleNoAnswer:
		res := transitionTo(rec, StatusNoResponse, now)
		if res.StateChanged {
			applyEndBookkeeping(rec, ev, now)
		}
		return res

	case LifecycleBusy:
		res := transitionTo(rec, StatusBusy, now)
		if res.StateChanged {
			applyEndBookkeeping(rec, ev, now)
		}
		return res

	case LifecycleFailed:
		res := transitionTo(rec, StatusFailed, now)
		if res.StateChanged {
			applyEndBookkeeping(rec, ev, now)
		}
		return res

	case LifecycleCanceled:
		res := transitionTo(rec, StatusCancelled, now)
		if res.StateChanged {
			applyEndBookkeeping(rec, ev, now)
		}
		return res

	case LifecycleCompleted:
		// The call ended without a decision ever being recorded.
		res := transitionTo(rec, StatusNoResponse, now)
		if res.StateChanged {
			applyEndBookkeeping(rec, ev, now)
		}
		return res
	}

	return ApplyResult{From: rec.Status, To: rec.Status}
}

// ApplyDecision applies an interpreted DTMF decision to rec. The digit
// sequence proves the callee answered, so a decision arriving before the
// answered status callback implicitly passes through ANSWERED.
func ApplyDecision(rec *Record, digits string, d Decision, now time.Time) ApplyResult {
	if rec.Status.IsTerminal() {
		return ApplyResult{From: rec.Status, To: rec.Status}
	}

	if rec.Status == StatusInitiated || rec.Status == StatusRinging {
		res := transitionTo(rec, StatusAnswered, now)
		if res.StateChanged && rec.AnsweredAt == nil {
			t := now
			rec.AnsweredAt = &t
		}
	}

	var to Status
	switch d.Outcome {
	case OutcomeAccepted:
		to = StatusAccepted
	case OutcomeRejected:
		to = StatusRejected
	case OutcomeValueSet:
		to = StatusValueSet
	default:
		return ApplyResult{From: rec.Status, To: rec.Status}
	}

	res := transitionTo(rec, to, now)
	if !res.StateChanged {
		return res
	}

	rec.DecisionDigits = digits
	switch to {
	case StatusValueSet:
		v := d.Value
		rec.DecisionValue = &v
	case StatusRejected:
		reason := d.Reason
		if reason == "" {
			reason = ReasonOther
		}
		rec.RejectionReason = &reason
	}
	return res
}

// ApplyTimeout moves an ANSWERED record with no decision to NO_RESPONSE.
// This is the local safety timeout, independent of provider callbacks.
func ApplyTimeout(rec *Record, now time.Time) ApplyResult {
	if rec.Status != StatusAnswered {
		return ApplyResult{From: rec.Status, To: rec.Status}
	}
	res := transitionTo(rec, StatusNoResponse, now)
	if res.StateChanged && rec.EndedAt == nil {
		t := now
		rec.EndedAt = &t
	}
	return res
}

// ApplyCancel moves any non-terminal record to CANCELLED.
func ApplyCancel(rec *Record, now time.Time) ApplyResult {
	if rec.Status.IsTerminal() {
		return ApplyResult{From: rec.Status, To: rec.Status}
	}
	res := transitionTo(rec, StatusCancelled, now)
	if res.StateChanged && rec.EndedAt == nil {
		t := now
		rec.EndedAt = &t
	}
	return res
}

// applyEndBookkeeping fills end-of-call fields that arrive with terminal
// provider callbacks. Each field is written at most once; it never moves
// state and never touches decision fields.
func applyEndBookkeeping(rec *Record, ev Event, now time.Time) bool {
	changed := false
	if rec.EndedAt == nil {
		t := now
		rec.EndedAt = &t
		changed = true
	}
	if rec.DurationSeconds == 0 && ev.DurationSeconds > 0 {
		rec.DurationSeconds = ev.DurationSeconds
		changed = true
	}
	if rec.RecordingRef == "" && ev.RecordingRef != "" {
		rec.RecordingRef = ev.RecordingRef
		changed = true
	}
	if changed {
		rec.UpdatedAt = now
	}
	return changed
}
