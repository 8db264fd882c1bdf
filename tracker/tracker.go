// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tracker implements buffered telemetry ingestion for experiments.
//
// Track calls accept events into a bounded in-memory buffer; acceptance is
// success from the caller's view. A single background flusher drains the
// buffer to the store when it reaches the flush size or on a periodic tick,
// whichever comes first, so staleness is bounded even under low traffic.
// Flush failures are retried with backoff and surfaced only through health
// metrics, never back at Track callers.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianExperiments/experiment"
	"github.com/AleutianAI/AleutianExperiments/pkg/logging"
	"github.com/AleutianAI/AleutianExperiments/store"
)

// =============================================================================
// Defaults
// =============================================================================

const (
	// DefaultFlushSize triggers a flush when the buffer reaches this many
	// events.
	DefaultFlushSize = 100

	// DefaultFlushInterval bounds event staleness under low traffic.
	DefaultFlushInterval = 5 * time.Second

	// DefaultMaxBuffered caps the buffer while the store is down. Beyond
	// it, the oldest events are evicted with a logged warning.
	DefaultMaxBuffered = 10_000

	// MaxBatchSize caps one TrackBatch call.
	MaxBatchSize = 100

	// flushTimeout bounds one store flush attempt.
	flushTimeout = 10 * time.Second

	// retryBaseDelay is the first backoff step after a failed flush.
	retryBaseDelay = 200 * time.Millisecond

	// retryMaxDelay caps the backoff.
	retryMaxDelay = 30 * time.Second
)

// =============================================================================
// Sink
// =============================================================================

// Sink receives successfully flushed events for export to an external
// time-series system. Export failures are logged and never propagated; the
// store remains the system of record.
type Sink interface {
	// Export sends a flushed batch. Implementations should be fast or
	// buffer internally; Export runs on the flusher goroutine.
	Export(ctx context.Context, events []experiment.Event) error

	// Close releases sink resources.
	Close() error
}

// =============================================================================
// Batch Results
// =============================================================================

// BatchResult reports the per-item outcome of a TrackBatch call. A batch
// partially succeeds: one malformed event never poisons the rest.
type BatchResult struct {
	// Accepted is the number of events admitted to the buffer.
	Accepted int

	// Errors holds one entry per rejected event.
	Errors []BatchError
}

// BatchError ties a rejection to its position in the submitted batch.
type BatchError struct {
	Index int
	Err   error
}

func (e BatchError) Error() string {
	return fmt.Sprintf("event %d: %v", e.Index, e.Err)
}

func (e BatchError) Unwrap() error { return e.Err }

// =============================================================================
// Tracker
// =============================================================================

// Tracker buffers events and flushes them to the store.
//
// Thread Safety: Safe for concurrent use. Many producers share the buffer;
// exactly one background goroutine flushes it.
type Tracker struct {
	store   store.Store
	logger  *logging.Logger
	metrics *Metrics
	sink    Sink
	now     func() time.Time

	flushSize     int
	flushInterval time.Duration
	maxBuffered   int
	tick          <-chan time.Time

	mu     sync.Mutex
	buffer []experiment.Event

	// variantIndex caches experiment → known variant ids. Variants are
	// immutable after creation, so entries never invalidate.
	variantIndex sync.Map // map[string]map[string]struct{}

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLogger sets the structured logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithMetrics sets the health metrics instance. Defaults to metrics on the
// global Prometheus registry.
func WithMetrics(m *Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithSink attaches an export sink for flushed events.
func WithSink(s Sink) Option {
	return func(t *Tracker) { t.sink = s }
}

// WithClock injects a time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithFlushSize overrides the size trigger.
func WithFlushSize(n int) Option {
	return func(t *Tracker) { t.flushSize = n }
}

// WithFlushInterval overrides the time trigger.
func WithFlushInterval(d time.Duration) Option {
	return func(t *Tracker) { t.flushInterval = d }
}

// WithMaxBuffered overrides the buffer cap.
func WithMaxBuffered(n int) Option {
	return func(t *Tracker) { t.maxBuffered = n }
}

// WithTicker injects the periodic tick channel, replacing the internal
// ticker. Tests drive flushes deterministically through it.
func WithTicker(tick <-chan time.Time) Option {
	return func(t *Tracker) { t.tick = tick }
}

// New creates a Tracker. Call Start to launch the background flusher and
// Close to drain and stop it.
func New(st store.Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:         st,
		now:           time.Now,
		flushSize:     DefaultFlushSize,
		flushInterval: DefaultFlushInterval,
		maxBuffered:   DefaultMaxBuffered,
		flushCh:       make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logging.Default().With("component", "tracker")
	}
	if t.metrics == nil {
		t.metrics = DefaultMetrics()
	}
	t.buffer = make([]experiment.Event, 0, t.flushSize*2)
	return t
}

// Start launches the background flusher. Safe to call once.
func (t *Tracker) Start() {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.mu.Unlock()

	go t.run()
}

// Close flushes remaining events and stops the flusher.
func (t *Tracker) Close() error {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()

	if started {
		close(t.stopCh)
		<-t.doneCh
	}

	// Final synchronous drain.
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	err := t.Flush(ctx)

	if t.sink != nil {
		if cerr := t.sink.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// =============================================================================
// Ingestion
// =============================================================================

// Track validates one event and accepts it into the buffer.
//
// Description:
//
//	Acceptance is success: persistence happens asynchronously within the
//	flush interval. Validation covers the event type enum, structural
//	fields, and that the experiment/variant pair is known.
//
// Outputs:
//   - error: Wraps ErrValidation or ErrNotFound; nil on acceptance.
//
// Thread Safety: Safe for concurrent use; never blocks on storage.
func (t *Tracker) Track(ctx context.Context, ev *experiment.Event) error {
	if err := t.validate(ctx, ev); err != nil {
		t.metrics.EventsRejected.Inc()
		return err
	}
	t.accept(*ev)
	return nil
}

// TrackBatch validates and accepts up to MaxBatchSize events, rejecting
// malformed ones individually.
//
// Outputs:
//   - *BatchResult: Accepted count plus one error per rejected item.
//   - error: Non-nil only for a batch-level failure (oversized batch).
func (t *Tracker) TrackBatch(ctx context.Context, events []experiment.Event) (*BatchResult, error) {
	if len(events) > MaxBatchSize {
		return nil, experiment.ValidationErrorf("batch of %d exceeds limit %d", len(events), MaxBatchSize)
	}

	res := &BatchResult{}
	accepted := make([]experiment.Event, 0, len(events))
	for i := range events {
		if err := t.validate(ctx, &events[i]); err != nil {
			t.metrics.EventsRejected.Inc()
			res.Errors = append(res.Errors, BatchError{Index: i, Err: err})
			continue
		}
		accepted = append(accepted, events[i])
	}

	if len(accepted) > 0 {
		t.acceptAll(accepted)
	}
	res.Accepted = len(accepted)
	return res, nil
}

// validate applies structural rules then checks the experiment/variant pair
// against the store (cached after first sight).
func (t *Tracker) validate(ctx context.Context, ev *experiment.Event) error {
	if err := experiment.ValidateEvent(ev); err != nil {
		return err
	}

	variants, err := t.knownVariants(ctx, ev.ExperimentID)
	if err != nil {
		return err
	}
	if _, ok := variants[ev.VariantID]; !ok {
		return experiment.NotFoundErrorf("variant %s in experiment %s", ev.VariantID, ev.ExperimentID)
	}
	return nil
}

// knownVariants returns the cached variant id set of an experiment.
func (t *Tracker) knownVariants(ctx context.Context, experimentID string) (map[string]struct{}, error) {
	if cached, ok := t.variantIndex.Load(experimentID); ok {
		return cached.(map[string]struct{}), nil
	}

	exp, err := t.store.GetExperiment(ctx, experimentID)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(exp.Variants))
	for i := range exp.Variants {
		ids[exp.Variants[i].ID] = struct{}{}
	}
	t.variantIndex.Store(experimentID, ids)
	return ids, nil
}

// accept stamps identity fields and appends under the lock.
func (t *Tracker) accept(ev experiment.Event) {
	t.acceptAll([]experiment.Event{ev})
}

func (t *Tracker) acceptAll(events []experiment.Event) {
	now := t.now()
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.NewString()
		}
		if events[i].OccurredAt.IsZero() {
			events[i].OccurredAt = now
		}
	}

	t.mu.Lock()
	t.buffer = append(t.buffer, events...)
	if overflow := len(t.buffer) - t.maxBuffered; overflow > 0 {
		// Backpressure: drop the oldest, keep the freshest.
		t.buffer = t.buffer[overflow:]
		t.metrics.EventsDropped.Add(float64(overflow))
		t.logger.Warn("event buffer over capacity, evicting oldest",
			"evicted", overflow,
			"capacity", t.maxBuffered,
		)
	}
	size := len(t.buffer)
	t.mu.Unlock()

	t.metrics.EventsAccepted.Add(float64(len(events)))
	t.metrics.BufferSize.Set(float64(size))

	if size >= t.flushSize {
		t.requestFlush()
	}
}

// requestFlush nudges the flusher without blocking the producer.
func (t *Tracker) requestFlush() {
	select {
	case t.flushCh <- struct{}{}:
	default:
	}
}

// =============================================================================
// Flushing
// =============================================================================

// run is the single background flusher: size trigger via flushCh, time
// trigger via the tick source, backoff after failures.
func (t *Tracker) run() {
	defer close(t.doneCh)

	tick := t.tick
	if tick == nil {
		ticker := time.NewTicker(t.flushInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	retryDelay := retryBaseDelay
	var retryAt time.Time

	flush := func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		err := t.Flush(ctx)
		cancel()
		if err != nil {
			if retryAt.IsZero() {
				retryDelay = retryBaseDelay
			} else if retryDelay < retryMaxDelay {
				retryDelay *= 2
				if retryDelay > retryMaxDelay {
					retryDelay = retryMaxDelay
				}
			}
			retryAt = t.now().Add(retryDelay)
			t.logger.Warn("flush failed, will retry",
				"error", err.Error(),
				"retry_delay", retryDelay.String(),
			)
			return
		}
		retryAt = time.Time{}
	}

	for {
		select {
		case <-t.stopCh:
			return
		case <-t.flushCh:
			if !retryAt.IsZero() && t.now().Before(retryAt) {
				continue // backing off; the tick will retry
			}
			flush()
		case <-tick:
			if !retryAt.IsZero() && t.now().Before(retryAt) {
				continue
			}
			flush()
		}
	}
}

// Flush synchronously drains the buffer into one store transaction.
//
// Description:
//
//	Swaps the buffer out under the lock, aggregates snapshot deltas, and
//	applies events+deltas atomically. On failure the batch is put back at
//	the front of the buffer (subject to the capacity cap) so nothing is
//	silently dropped.
//
// Thread Safety: Safe for concurrent use; concurrent Flush calls serialize
// on the store.
func (t *Tracker) Flush(ctx context.Context) error {
	t.mu.Lock()
	if len(t.buffer) == 0 {
		t.mu.Unlock()
		return nil
	}
	batch := t.buffer
	t.buffer = make([]experiment.Event, 0, t.flushSize*2)
	t.mu.Unlock()

	start := t.now()
	deltas := aggregate(batch)
	err := t.store.ApplyFlush(ctx, batch, deltas, start)
	t.metrics.FlushDuration.Observe(t.now().Sub(start).Seconds())

	if err != nil {
		t.metrics.FlushErrors.Inc()
		if !experiment.IsRetryable(err) && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			// Permanent failures still keep the batch; an operator
			// decides what to do with it.
			t.logger.Error("flush failed with non-retryable error", "error", err.Error())
		}
		t.requeue(batch)
		return err
	}

	t.metrics.EventsFlushed.Add(float64(len(batch)))
	t.mu.Lock()
	size := len(t.buffer)
	t.mu.Unlock()
	t.metrics.BufferSize.Set(float64(size))

	if t.sink != nil {
		if serr := t.sink.Export(ctx, batch); serr != nil {
			t.metrics.SinkErrors.Inc()
			t.logger.Warn("sink export failed", "error", serr.Error(), "events", len(batch))
		}
	}
	return nil
}

// requeue puts a failed batch back at the front of the buffer, evicting the
// oldest events past capacity.
func (t *Tracker) requeue(batch []experiment.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	combined := make([]experiment.Event, 0, len(batch)+len(t.buffer))
	combined = append(combined, batch...)
	combined = append(combined, t.buffer...)
	if overflow := len(combined) - t.maxBuffered; overflow > 0 {
		combined = combined[overflow:]
		t.metrics.EventsDropped.Add(float64(overflow))
		t.logger.Warn("event buffer over capacity after failed flush, evicting oldest",
			"evicted", overflow,
			"capacity", t.maxBuffered,
		)
	}
	t.buffer = combined
	t.metrics.BufferSize.Set(float64(len(t.buffer)))
}

// BufferedCount returns the number of events awaiting flush.
func (t *Tracker) BufferedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buffer)
}

// aggregate folds a batch into per-variant snapshot deltas.
func aggregate(batch []experiment.Event) map[store.SnapshotKey]store.SnapshotDelta {
	deltas := make(map[store.SnapshotKey]store.SnapshotDelta)
	for i := range batch {
		ev := &batch[i]
		key := store.SnapshotKey{ExperimentID: ev.ExperimentID, VariantID: ev.VariantID}
		d := deltas[key]
		switch ev.Type {
		case experiment.EventImpression:
			d.Impressions++
		case experiment.EventClick:
			d.Clicks++
		case experiment.EventConversion:
			d.Conversions++
			if ev.Value != nil {
				d.RevenueSum += *ev.Value
			}
		case experiment.EventRating:
			if ev.Value != nil {
				d.RatingSum += *ev.Value
				d.RatingCount++
			}
		case experiment.EventCustom:
			// Custom events are stored raw but do not move counters.
		}
		deltas[key] = d
	}
	return deltas
}
