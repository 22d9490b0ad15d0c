package telephony

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"dialout-engine/internal/calls"
	"dialout-engine/internal/dedup"
	"dialout-engine/internal/policy"
)

// Alias resolution: the provider uses different field names for the same
// logical field depending on event type and API version. Resolution takes
// the first non-empty match in priority order, so the core never sees the
// raw vocabulary.
var (
	externalIDAliases = []string{"CallSid", "call_sid", "Sid"}
	statusAliases     = []string{"CallStatus", "Status", "status"}
	digitsAliases     = []string{"digits", "Digits"}
	durationAliases   = []string{"Duration", "duration"}
	recordingAliases  = []string{"RecordingUrl", "recording_url"}
)

var (
	ErrMissingExternalID = errors.New("telephony: event missing external call id")
	ErrUnknownStatus     = errors.New("telephony: unknown lifecycle status")
	ErrMissingDigits     = errors.New("telephony: event missing digits")
)

func firstNonEmpty(values url.Values, names []string) string {
	for _, name := range names {
		if v := strings.TrimSpace(values.Get(name)); v != "" {
			return v
		}
	}
	return ""
}

// mapLifecycle translates provider status vocabulary to ours.
func mapLifecycle(raw string) (calls.LifecycleStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "ringing":
		return calls.LifecycleRinging, true
	case "in-progress", "answered":
		return calls.LifecycleAnswered, true
	case "completed":
		return calls.LifecycleCompleted, true
	case "no-answer":
		return calls.LifecycleNoAnswer, true
	case "busy":
		return calls.LifecycleBusy, true
	case "failed":
		return calls.LifecycleFailed, true
	case "canceled", "cancelled":
		return calls.LifecycleCanceled, true
	default:
		return "", false
	}
}

// NormalizeStatusEvent resolves a raw status callback into a normalized
// event, including its idempotency digest.
func NormalizeStatusEvent(values url.Values, now time.Time) (calls.Event, error) {
	externalID := firstNonEmpty(values, externalIDAliases)
	if externalID == "" {
		return calls.Event{}, ErrMissingExternalID
	}

	rawStatus := firstNonEmpty(values, statusAliases)
	status, ok := mapLifecycle(rawStatus)
	if !ok {
		return calls.Event{}, fmt.Errorf("%w: %q", ErrUnknownStatus, rawStatus)
	}

	duration := 0
	if raw := firstNonEmpty(values, durationAliases); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			duration = n
		}
	}
	recording := firstNonEmpty(values, recordingAliases)

	payload := fmt.Sprintf("%s|%d|%s", status, duration, recording)
	return calls.Event{
		ExternalCallID:  externalID,
		Kind:            calls.EventStatusChange,
		Status:          status,
		DurationSeconds: duration,
		RecordingRef:    recording,
		Digest:          dedup.Digest(externalID, string(calls.EventStatusChange), payload),
		ReceivedAt:      now,
	}, nil
}

// NormalizeDigitsEvent resolves a raw DTMF gather callback into a normalized
// decision-input event.
func NormalizeDigitsEvent(values url.Values, now time.Time) (calls.Event, error) {
	externalID := firstNonEmpty(values, externalIDAliases)
	if externalID == "" {
		return calls.Event{}, ErrMissingExternalID
	}

	digits := policy.CleanDigits(firstNonEmpty(values, digitsAliases))
	if digits == "" {
		return calls.Event{}, ErrMissingDigits
	}

	return calls.Event{
		ExternalCallID: externalID,
		Kind:           calls.EventDecisionInput,
		Digits:         digits,
		Digest:         dedup.Digest(externalID, string(calls.EventDecisionInput), digits),
		ReceivedAt:     now,
	}, nil
}
