package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"dialout-engine/internal/calls"
)

// StateMessage is the wire form of one lifecycle transition.
type StateMessage struct {
	CallRecordID   string            `json:"call_record_id"`
	ExternalCallID string            `json:"external_call_id,omitempty"`
	CallType       calls.CallType    `json:"call_type"`
	BusinessRef    calls.BusinessRef `json:"business_ref"`
	From           calls.Status      `json:"from"`
	To             calls.Status      `json:"to"`
	AttemptNumber  int               `json:"attempt_number"`
	At             time.Time         `json:"at"`
}

// Feed publishes every call state transition to
// {prefix}/calls/{call_type}/{call_record_id}.
type Feed struct {
	pub    Publisher
	prefix string
	log    *slog.Logger

	now func() time.Time
}

func NewFeed(pub Publisher, prefix string, log *slog.Logger) *Feed {
	if prefix == "" {
		prefix = "dialout"
	}
	return &Feed{pub: pub, prefix: prefix, log: log, now: time.Now}
}

// StateChanged publishes one transition. Errors are logged, never returned;
// the feed must not interfere with call processing.
func (f *Feed) StateChanged(rec calls.Record, from, to calls.Status) {
	msg := StateMessage{
		CallRecordID:   rec.ID,
		ExternalCallID: rec.ExternalCallID,
		CallType:       rec.CallType,
		BusinessRef:    rec.BusinessRef,
		From:           from,
		To:             to,
		AttemptNumber:  rec.AttemptNumber,
		At:             f.now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		f.log.Error("encoding state message", "call_record_id", rec.ID, "error", err)
		return
	}

	topic := fmt.Sprintf("%s/calls/%s/%s", f.prefix, rec.CallType, rec.ID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := f.pub.Publish(ctx, topic, payload); err != nil {
		f.log.Warn("publishing state change", "call_record_id", rec.ID, "topic", topic, "error", err)
	}
}

// NopFeed satisfies the correlator when no broker is configured.
type NopFeed struct{}

func (NopFeed) StateChanged(calls.Record, calls.Status, calls.Status) {}
