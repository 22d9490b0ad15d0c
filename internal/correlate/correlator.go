// Package correlate turns normalized provider events back into call record
// state. It owns deduplication, the lookup of records by external call id,
// per-call serialization, and the local no-decision timeout.
package correlate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"dialout-engine/internal/calls"
	"dialout-engine/internal/dedup"
	"dialout-engine/internal/policy"
	"dialout-engine/internal/store"
)

// DecisionSink receives records that just reached a decision state. The
// correlator calls it at most once per record.
type DecisionSink interface {
	OutcomeReady(rec calls.Record)
}

// FailureSink receives records that just reached a terminal failure state.
type FailureSink interface {
	FailureReached(rec calls.Record)
}

// Publisher receives every state transition for the lifecycle feed. Delivery
// is best effort and must not block event processing.
type Publisher interface {
	StateChanged(rec calls.Record, from, to calls.Status)
}

type Options struct {
	// Workers is the number of goroutines draining the ingest queue.
	Workers int

	// QueueSize bounds the ingest queue; a full queue drops events (the
	// provider retries and the record is eventually reconciled).
	QueueSize int

	// LookupRetryWindow bounds how long an event for an unknown external
	// call id is retried before being dropped. It covers the race between a
	// fast provider callback and the id binding after the dial returns.
	LookupRetryWindow time.Duration

	// NoDecisionTimeout moves an ANSWERED call with no decision input to
	// NO_RESPONSE without waiting for provider callbacks.
	NoDecisionTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.LookupRetryWindow <= 0 {
		o.LookupRetryWindow = 5 * time.Second
	}
	if o.NoDecisionTimeout <= 0 {
		o.NoDecisionTimeout = 45 * time.Second
	}
	return o
}

type Correlator struct {
	store   store.Store
	deduper dedup.Deduper
	policy  *policy.Policy
	log     *slog.Logger
	opts    Options

	decisions DecisionSink
	failures  FailureSink
	publisher Publisher

	queue chan calls.Event
	locks *keyedMutex

	timerMu sync.Mutex
	timers  map[string]*time.Timer

	now func() time.Time
}

func New(st store.Store, d dedup.Deduper, pol *policy.Policy, decisions DecisionSink, failures FailureSink, pub Publisher, log *slog.Logger, opts Options) *Correlator {
	opts = opts.withDefaults()
	return &Correlator{
		store:     st,
		deduper:   d,
		policy:    pol,
		log:       log,
		opts:      opts,
		decisions: decisions,
		failures:  failures,
		publisher: pub,
		queue:     make(chan calls.Event, opts.QueueSize),
		locks:     newKeyedMutex(),
		timers:    make(map[string]*time.Timer),
		now:       time.Now,
	}
}

// Enqueue hands a normalized event to the worker pool without blocking the
// webhook handler. It reports false when the queue is full.
func (c *Correlator) Enqueue(ev calls.Event) bool {
	select {
	case c.queue <- ev:
		return true
	default:
		c.log.Warn("ingest queue full, dropping event",
			"external_call_id", ev.ExternalCallID, "kind", ev.Kind)
		return false
	}
}

// Run drains the ingest queue until ctx is cancelled. It blocks; callers run
// it in a goroutine.
func (c *Correlator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-c.queue:
					c.process(ctx, ev)
				}
			}
		}()
	}
	wg.Wait()
	c.stopAllTimers()
}

func (c *Correlator) process(ctx context.Context, ev calls.Event) {
	log := c.log.With("external_call_id", ev.ExternalCallID, "kind", ev.Kind)

	seen, err := c.deduper.Seen(ctx, ev.Digest)
	if err != nil {
		// Dedup is an optimization; the state machine makes replays
		// harmless, so process on infrastructure error.
		log.Warn("dedup check failed, processing anyway", "error", err)
	} else if seen {
		log.Debug("duplicate event ignored")
		return
	}

	rec, err := c.lookup(ctx, ev)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("event for unknown external call id dropped")
		} else {
			log.Error("record lookup failed", "error", err)
		}
		return
	}

	unlock := c.locks.Lock(ev.ExternalCallID)
	defer unlock()

	// Re-read under the lock; another worker may have moved the record
	// between lookup and lock acquisition.
	rec, err = c.store.GetByExternalID(ctx, ev.ExternalCallID)
	if err != nil {
		log.Error("record re-read failed", "error", err)
		return
	}

	for {
		res := c.apply(&rec, ev)
		if !res.Changed {
			if rec.Status.IsTerminal() {
				log.Debug("event on terminal record ignored", "status", rec.Status)
			}
			c.markProcessed(ctx, ev, log)
			return
		}

		updated, err := c.store.Update(ctx, rec)
		if err == nil {
			c.markProcessed(ctx, ev, log)
			c.react(updated, res)
			return
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			// The digest stays unmarked so the provider's retransmission
			// gets another chance to apply.
			log.Error("persisting event failed", "error", err)
			return
		}
		rec, err = c.store.GetByExternalID(ctx, ev.ExternalCallID)
		if err != nil {
			log.Error("re-read after version conflict failed", "error", err)
			return
		}
	}
}

// markProcessed records the event digest once the event has been applied.
// Marking earlier would let a retransmission be dropped as a duplicate after
// a failed apply.
func (c *Correlator) markProcessed(ctx context.Context, ev calls.Event, log *slog.Logger) {
	if err := c.deduper.Mark(ctx, ev.Digest); err != nil {
		log.Warn("dedup mark failed", "error", err)
	}
}

// lookup resolves the event's record, retrying briefly so a provider
// callback that outruns the id binding is not lost.
func (c *Correlator) lookup(ctx context.Context, ev calls.Event) (calls.Record, error) {
	deadline := c.now().Add(c.opts.LookupRetryWindow)
	backoff := 50 * time.Millisecond

	for {
		rec, err := c.store.GetByExternalID(ctx, ev.ExternalCallID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return calls.Record{}, err
		}
		if c.now().Add(backoff).After(deadline) {
			return calls.Record{}, err
		}
		select {
		case <-ctx.Done():
			return calls.Record{}, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

func (c *Correlator) apply(rec *calls.Record, ev calls.Event) calls.ApplyResult {
	now := c.now().UTC()
	switch ev.Kind {
	case calls.EventStatusChange:
		return calls.ApplyLifecycle(rec, ev, now)

	case calls.EventDecisionInput:
		d, ok := c.policy.Interpret(rec.CallType, ev.Digits)
		if !ok {
			c.log.Warn("uninterpretable digits ignored",
				"external_call_id", rec.ExternalCallID,
				"call_type", rec.CallType,
				"digits", ev.Digits)
			return calls.ApplyResult{From: rec.Status, To: rec.Status}
		}
		return calls.ApplyDecision(rec, policy.CleanDigits(ev.Digits), d, now)
	}
	return calls.ApplyResult{From: rec.Status, To: rec.Status}
}

// react runs the post-persist side effects of a state change. It is called
// exactly once per successful transition.
func (c *Correlator) react(rec calls.Record, res calls.ApplyResult) {
	if !res.StateChanged {
		return
	}

	c.log.Info("call state changed",
		"call_record_id", rec.ID,
		"external_call_id", rec.ExternalCallID,
		"from", res.From,
		"to", res.To,
	)

	if c.publisher != nil {
		c.publisher.StateChanged(rec, res.From, res.To)
	}

	switch {
	case res.To == calls.StatusAnswered:
		c.startAnswerTimer(rec.ExternalCallID)
	case rec.Status.IsTerminal():
		c.stopAnswerTimer(rec.ExternalCallID)
	}

	if res.DecisionReached && c.decisions != nil {
		c.decisions.OutcomeReady(rec)
	}
	if res.FailureReached && c.failures != nil {
		c.failures.FailureReached(rec)
	}
}

// startAnswerTimer arms the no-decision timeout for an answered call. Firing
// goes through the same CAS path as events, so a decision landing first wins.
func (c *Correlator) startAnswerTimer(externalCallID string) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if _, ok := c.timers[externalCallID]; ok {
		return
	}
	c.timers[externalCallID] = time.AfterFunc(c.opts.NoDecisionTimeout, func() {
		c.fireAnswerTimeout(externalCallID)
	})
}

func (c *Correlator) stopAnswerTimer(externalCallID string) {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if t, ok := c.timers[externalCallID]; ok {
		t.Stop()
		delete(c.timers, externalCallID)
	}
}

func (c *Correlator) stopAllTimers() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
}

func (c *Correlator) fireAnswerTimeout(externalCallID string) {
	c.stopAnswerTimer(externalCallID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	unlock := c.locks.Lock(externalCallID)
	defer unlock()

	rec, err := c.store.GetByExternalID(ctx, externalCallID)
	if err != nil {
		c.log.Error("answer timeout lookup failed", "external_call_id", externalCallID, "error", err)
		return
	}

	for {
		res := calls.ApplyTimeout(&rec, c.now().UTC())
		if !res.Changed {
			return
		}
		updated, err := c.store.Update(ctx, rec)
		if err == nil {
			c.react(updated, res)
			return
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			c.log.Error("persisting answer timeout failed", "external_call_id", externalCallID, "error", err)
			return
		}
		rec, err = c.store.GetByExternalID(ctx, externalCallID)
		if err != nil {
			c.log.Error("re-read after version conflict failed", "external_call_id", externalCallID, "error", err)
			return
		}
	}
}
