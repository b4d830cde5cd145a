// Package consumer implements a stream consumer-group runtime: reads
// consumer-group entries, dispatches to handlers, acknowledges, and
// routes unrecoverable entries to the dead-letter queue.
//
// Delivery is at-least-once; handlers must be idempotent. An entry is
// acknowledged only after its handler returns success. The
// ctx-cancellable dispatch/reclaim loop pair, with metrics on every
// drop/claim/process transition, follows the same consumer-group claim
// loop shape as a Redis-Streams telemetry consumer: discover entries,
// dispatch synchronously, route exhausted deliveries to a dead-letter
// stream.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chainarb/detector/internal/event"
	"github.com/chainarb/detector/internal/metrics"
	"github.com/chainarb/detector/internal/streamname"
	"github.com/chainarb/detector/internal/transport"
)

// Error codes surfaced to the DLQ.
const (
	CodeValMissingID    = "VAL_MISSING_ID"
	CodeValBadShape     = "VAL_BAD_SHAPE"
	CodeErrNoChain      = "ERR_NO_CHAIN"
	CodeErrHandlerFatal = "ERR_HANDLER_FATAL"
	CodeUnknown         = "UNKNOWN"
)

// ClassifiedError distinguishes a transient failure (leave entry in
// PEL for claim/retry) from a permanent one (route to DLQ).
type ClassifiedError struct {
	Code      string
	Transient bool
	Err       error
}

func (c *ClassifiedError) Error() string {
	if c.Err == nil {
		return fmt.Sprintf("[%s]", c.Code)
	}
	return fmt.Sprintf("[%s] %s", c.Code, c.Err.Error())
}

func (c *ClassifiedError) Unwrap() error { return c.Err }

// Transient wraps err as a retryable failure: the entry is left in the
// PEL and redelivered after claimIdle via the reclaim loop.
func Transient(err error) *ClassifiedError {
	return &ClassifiedError{Code: CodeUnknown, Transient: true, Err: err}
}

// Fatal wraps err as a permanent failure with the given DLQ code.
func Fatal(code string, err error) *ClassifiedError {
	return &ClassifiedError{Code: code, Transient: false, Err: err}
}

// Validator checks an entry's fields before the handler runs. It
// returns a *ClassifiedError with a VAL_* or ERR_* code, or nil.
type Validator func(fields map[string]string) error

// Handler processes one validated entry. A returned error should be a
// *ClassifiedError to control PEL-vs-DLQ routing; a plain error is
// treated as CodeErrHandlerFatal (permanent).
type Handler func(ctx context.Context, fields map[string]string) error

// Subscription configures one (stream, group, consumer) dispatch loop.
type Subscription struct {
	Stream        string
	Group         string
	Consumer      string
	BatchSize     int64
	BlockTimeout  time.Duration
	ClaimIdle     time.Duration
	MaxDeliveries int64
	DLQMaxLen     int64

	Validate Validator
	Handle   Handler
}

// Runtime drives one or more Subscriptions against a shared transport.
type Runtime struct {
	transport transport.Transport
	log       *zap.Logger
	metrics   *metrics.Metrics

	shutdownTimeout time.Duration

	wg       sync.WaitGroup
	inFlight sync.WaitGroup
}

// New constructs a Runtime. shutdownTimeout bounds how long the drain
// that runs once a subscription's ctx is cancelled waits for in-flight
// handlers (default <= 5s).
func New(tr transport.Transport, log *zap.Logger, m *metrics.Metrics, shutdownTimeout time.Duration) *Runtime {
	return &Runtime{transport: tr, log: log, metrics: m, shutdownTimeout: shutdownTimeout}
}

// Subscribe registers sub and starts its dispatch and reclaim loops.
// Both loops stop when ctx is cancelled.
func (r *Runtime) Subscribe(ctx context.Context, sub Subscription) error {
	if err := r.transport.EnsureGroup(ctx, sub.Stream, sub.Group); err != nil {
		return fmt.Errorf("consumer.Subscribe(%s,%s): %w", sub.Stream, sub.Group, err)
	}
	r.wg.Add(2)
	go r.dispatchLoop(ctx, sub)
	go r.reclaimLoop(ctx, sub)
	return nil
}

// Wait blocks until all subscription loops have exited (after ctx is
// cancelled and in-flight handlers have drained or timed out).
func (r *Runtime) Wait() { r.wg.Wait() }

func (r *Runtime) dispatchLoop(ctx context.Context, sub Subscription) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			r.drain(sub)
			return
		default:
		}

		entries, err := r.transport.ReadGroup(ctx, sub.Stream, sub.Group, sub.Consumer, sub.BatchSize, sub.BlockTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("readGroup error", zap.String("stream", sub.Stream), zap.Error(err))
			continue
		}
		for _, e := range entries {
			r.process(ctx, sub, e, 1)
		}
	}
}

// reclaimLoop periodically lists PEL entries older than ClaimIdle and
// reassigns them to this consumer for retry.
func (r *Runtime) reclaimLoop(ctx context.Context, sub Subscription) {
	defer r.wg.Done()
	interval := sub.ClaimIdle / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reclaimOnce(ctx, sub)
		}
	}
}

func (r *Runtime) reclaimOnce(ctx context.Context, sub Subscription) {
	pending, err := r.transport.ListPending(ctx, sub.Stream, sub.Group, sub.ClaimIdle)
	if err != nil {
		r.log.Warn("listPending error", zap.String("stream", sub.Stream), zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}
	ids := make([]string, 0, len(pending))
	deliveryByID := make(map[string]int64, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		deliveryByID[p.ID] = p.DeliveryCount
	}
	claimed, err := r.transport.Claim(ctx, sub.Stream, sub.Group, sub.Consumer, sub.ClaimIdle, ids)
	if err != nil {
		r.log.Warn("claim error", zap.String("stream", sub.Stream), zap.Error(err))
		return
	}
	if r.metrics != nil && len(claimed) > 0 {
		r.metrics.ConsumerClaimedTotal.WithLabelValues(sub.Stream, sub.Group).Add(float64(len(claimed)))
	}
	for _, e := range claimed {
		deliveries := deliveryByID[e.ID] + 1
		if deliveries > sub.MaxDeliveries {
			r.routeToDLQ(ctx, sub, e, Fatal(CodeErrHandlerFatal, fmt.Errorf("max deliveries (%d) exceeded", sub.MaxDeliveries)))
			continue
		}
		r.process(ctx, sub, e, deliveries)
	}
}

// process runs validation then the handler for one entry, routing to
// the DLQ or leaving the entry in the PEL according to the outcome.
// Tracked against inFlight so drain can observe real in-flight work
// from both the dispatch loop and the concurrent reclaim loop.
func (r *Runtime) process(ctx context.Context, sub Subscription, e transport.StreamEntry, deliveryCount int64) {
	r.inFlight.Add(1)
	defer r.inFlight.Done()

	if sub.Validate != nil {
		if err := sub.Validate(e.Fields); err != nil {
			r.routeToDLQ(ctx, sub, e, err)
			return
		}
	}

	start := time.Now()
	err := sub.Handle(ctx, e.Fields)
	if r.metrics != nil {
		r.metrics.ConsumerHandlerLatency.WithLabelValues(sub.Stream).Observe(time.Since(start).Seconds())
	}
	if err == nil {
		r.ack(ctx, sub, e.ID)
		if r.metrics != nil {
			r.metrics.ConsumerEntriesProcessedTotal.WithLabelValues(sub.Stream, sub.Group).Inc()
		}
		return
	}

	ce, ok := err.(*ClassifiedError)
	if !ok {
		ce = Fatal(CodeErrHandlerFatal, err)
	}
	if ce.Transient {
		r.log.Debug("handler transient failure, leaving entry in PEL", zap.String("stream", sub.Stream), zap.String("id", e.ID), zap.Error(err))
		return
	}
	if deliveryCount > sub.MaxDeliveries {
		r.routeToDLQ(ctx, sub, e, Fatal(CodeErrHandlerFatal, fmt.Errorf("max deliveries (%d) exceeded: %w", sub.MaxDeliveries, err)))
		return
	}
	r.routeToDLQ(ctx, sub, e, ce)
}

func (r *Runtime) ack(ctx context.Context, sub Subscription, id string) {
	if _, err := r.transport.Ack(ctx, sub.Stream, sub.Group, []string{id}); err != nil {
		r.log.Warn("ack error", zap.String("stream", sub.Stream), zap.String("id", id), zap.Error(err))
	}
}

// routeToDLQ builds a DLQEntry carrying the raw payload and appends it
// to the dead-letter queue, then acknowledges the original entry.
func (r *Runtime) routeToDLQ(ctx context.Context, sub Subscription, e transport.StreamEntry, classified error) {
	code := CodeUnknown
	msg := classified.Error()
	if ce, ok := classified.(*ClassifiedError); ok {
		code = ce.Code
	}

	payload, marshalErr := json.Marshal(e.Fields)
	if marshalErr != nil {
		r.log.Error("failed to marshal original payload for DLQ", zap.Error(marshalErr))
	}

	dlq := event.DLQEntry{
		OriginalMessageID: e.ID,
		OriginalStream:    sub.Stream,
		Error:             fmt.Sprintf("[%s] %s", code, msg),
		Timestamp:         event.NowMillis(),
		Service:           "chainarb-consumer",
		InstanceID:        sub.Consumer,
		OriginalPayload:   string(payload),
	}
	if oppID, ok := e.Fields["id"]; ok {
		dlq.OpportunityID = oppID
	}
	if oppType, ok := e.Fields["type"]; ok {
		dlq.OpportunityType = oppType
	}

	fields, err := toFieldMap(dlq)
	if err != nil {
		r.log.Error("failed to encode DLQ entry", zap.Error(err))
		return
	}
	if _, err := r.transport.Append(ctx, streamname.DeadLetterQueue, fields, sub.DLQMaxLen); err != nil {
		r.log.Error("failed to append DLQ entry", zap.Error(err))
		return
	}
	if r.metrics != nil {
		r.metrics.ConsumerDLQRoutedTotal.WithLabelValues(sub.Stream, code).Inc()
	}
	r.ack(ctx, sub, e.ID)
}

// drain waits for in-flight handler invocations (dispatched from this
// loop or from the concurrent reclaim loop) to finish, up to the
// runtime's shutdown timeout. It returns immediately if nothing is
// in-flight rather than imposing a fixed delay on every shutdown.
func (r *Runtime) drain(sub Subscription) {
	if r.shutdownTimeout <= 0 {
		return
	}
	done := make(chan struct{})
	go func() {
		r.inFlight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(r.shutdownTimeout):
		r.log.Warn("drain timed out waiting for in-flight handlers", zap.String("stream", sub.Stream))
	}
}

// toFieldMap flattens a struct's JSON encoding into a string field map,
// the wire shape every StreamEntry carries.
func toFieldMap(v interface{}) (map[string]string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic map[string]interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(generic))
	for k, v := range generic {
		switch t := v.(type) {
		case string:
			out[k] = t
		default:
			b, err := json.Marshal(t)
			if err != nil {
				return nil, err
			}
			out[k] = string(b)
		}
	}
	return out, nil
}

// ValidateHasID rejects entries missing a non-empty "id" field.
func ValidateHasID(fields map[string]string) error {
	if strings.TrimSpace(fields["id"]) == "" {
		return Fatal(CodeValMissingID, fmt.Errorf("missing required field %q", "id"))
	}
	return nil
}

// ValidateHasChain rejects entries missing a non-empty "chain" field.
func ValidateHasChain(fields map[string]string) error {
	if strings.TrimSpace(fields["chain"]) == "" {
		return Fatal(CodeErrNoChain, fmt.Errorf("missing required field %q", "chain"))
	}
	return nil
}

// Chain composes validators, running each in order and stopping at the
// first failure.
func Chain(validators ...Validator) Validator {
	return func(fields map[string]string) error {
		for _, v := range validators {
			if err := v(fields); err != nil {
				return err
			}
		}
		return nil
	}
}
