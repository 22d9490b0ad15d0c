// Package dispatch delivers final call outcomes to the business layer over
// HTTP. Delivery retries are decoupled from call state: a record reaches its
// terminal state exactly once, and the dispatcher keeps retrying the webhook
// until it lands or attempts run out.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"dialout-engine/internal/calls"
	"dialout-engine/internal/store"
)

type Config struct {
	// OutcomeURL receives one POST per finished call.
	OutcomeURL string

	// AuthToken, when set, is sent as a bearer token.
	AuthToken string

	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 2 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Minute
	}
	return c
}

// Payload is the wire form of one outcome notification.
type Payload struct {
	CallRecordID   string `json:"call_record_id"`
	ExternalCallID string `json:"external_call_id,omitempty"`

	CallType    calls.CallType    `json:"call_type"`
	BusinessRef calls.BusinessRef `json:"business_ref"`
	Outcome     calls.Outcome     `json:"outcome"`

	DecisionValue   *int                   `json:"decision_value,omitempty"`
	RejectionReason *calls.RejectionReason `json:"rejection_reason,omitempty"`

	AttemptNumber int       `json:"attempt_number"`
	At            time.Time `json:"at"`
}

type job struct {
	rec     calls.Record
	outcome calls.Outcome
}

type Dispatcher struct {
	cfg    Config
	store  store.Store
	client *http.Client
	log    *slog.Logger

	queue chan job
	now   func() time.Time
}

func New(cfg Config, st store.Store, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg.withDefaults(),
		store:  st,
		client: &http.Client{Timeout: 15 * time.Second},
		log:    log,
		queue:  make(chan job, 256),
		now:    time.Now,
	}
}

// OutcomeReady queues delivery for a record that reached a decision state.
func (d *Dispatcher) OutcomeReady(rec calls.Record) {
	out, ok := calls.OutcomeFor(rec.Status)
	if !ok {
		d.log.Error("outcome requested for non-decision status",
			"call_record_id", rec.ID, "status", rec.Status)
		return
	}
	d.enqueue(job{rec: rec, outcome: out})
}

// Escalate queues an ESCALATE notification for a record whose attempts are
// exhausted without a decision.
func (d *Dispatcher) Escalate(rec calls.Record) {
	d.enqueue(job{rec: rec, outcome: calls.OutcomeEscalate})
}

func (d *Dispatcher) enqueue(j job) {
	select {
	case d.queue <- j:
	default:
		d.log.Error("dispatch queue full, outcome delivery dropped",
			"call_record_id", j.rec.ID, "outcome", j.outcome)
	}
}

// Run delivers queued outcomes until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	const workers = 4
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-d.queue:
					d.deliver(ctx, j)
				}
			}
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	log := d.log.With("call_record_id", j.rec.ID, "outcome", j.outcome)

	// A record is dispatched at most once, even if the same terminal record
	// is queued twice across restarts.
	rec, err := d.store.Get(ctx, j.rec.ID)
	if err != nil {
		log.Error("record lookup before dispatch failed", "error", err)
		return
	}
	if rec.DispatchedAt != nil {
		log.Debug("outcome already dispatched")
		return
	}

	body, err := json.Marshal(Payload{
		CallRecordID:    rec.ID,
		ExternalCallID:  rec.ExternalCallID,
		CallType:        rec.CallType,
		BusinessRef:     rec.BusinessRef,
		Outcome:         j.outcome,
		DecisionValue:   rec.DecisionValue,
		RejectionReason: rec.RejectionReason,
		AttemptNumber:   rec.AttemptNumber,
		At:              d.now().UTC(),
	})
	if err != nil {
		log.Error("encoding outcome failed", "error", err)
		return
	}

	delay := d.cfg.InitialDelay
	for attempt := 1; attempt <= d.cfg.MaxAttempts; attempt++ {
		err := d.post(ctx, body, rec.ExternalCallID)
		if err == nil {
			d.markDispatched(ctx, rec)
			log.Info("outcome delivered", "delivery_attempt", attempt)
			return
		}
		log.Warn("outcome delivery failed",
			"delivery_attempt", attempt,
			"max_attempts", d.cfg.MaxAttempts,
			"error", err)

		if attempt == d.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > d.cfg.MaxDelay {
			delay = d.cfg.MaxDelay
		}
	}
	log.Error("outcome delivery abandoned")
}

func (d *Dispatcher) post(ctx context.Context, body []byte, idempotencyKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.OutcomeURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if d.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.AuthToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("dispatch: receiver returned %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) markDispatched(ctx context.Context, rec calls.Record) {
	for {
		fresh, err := d.store.Get(ctx, rec.ID)
		if err != nil {
			d.log.Error("marking dispatched: lookup failed", "call_record_id", rec.ID, "error", err)
			return
		}
		if fresh.DispatchedAt != nil {
			return
		}
		t := d.now().UTC()
		fresh.DispatchedAt = &t
		fresh.UpdatedAt = t
		if _, err := d.store.Update(ctx, fresh); err == nil {
			return
		} else if !errors.Is(err, store.ErrVersionConflict) {
			d.log.Error("marking dispatched failed", "call_record_id", rec.ID, "error", err)
			return
		}
	}
}
