package telephony

import (
	"context"
	"fmt"
)

// Provider is the provider-agnostic dial contract used by the initiator.
//
// Rules:
// - No provider SDK or HTTP calls outside telephony adapters.
// - Keep request/response types provider-agnostic; provider quirks stay in
//   the adapter and the webhook normalizer.
type Provider interface {
	Name() string
	HealthCheck(ctx context.Context) error

	// Dial places one outbound call. On success the provider has assigned
	// the external call id all later async events correlate on. Synchronous
	// failures are returned as *AdapterError.
	Dial(ctx context.Context, req DialRequest) (DialResult, error)
}

// DialRequest describes one outbound call attempt.
type DialRequest struct {
	// Target is the phone number to call (E.164 where possible).
	Target string

	// ScriptID selects the provider-side applet/flow that plays the decision
	// script and gathers DTMF.
	ScriptID string

	// Context is a JSON blob echoed back by the provider on every callback.
	Context string

	Language string
}

// DialResult is the synchronous outcome of a successful dial request.
type DialResult struct {
	ExternalCallID string
}

// AdapterError is a synchronous dial failure at the provider boundary.
type AdapterError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *AdapterError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("telephony: %s dial failed (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("telephony: %s dial failed: %v", e.Provider, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }
