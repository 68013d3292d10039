// Package audit implements the engine's Audit Trail: a bounded,
// single-producer-per-caller, multi-consumer event channel with
// monotonically increasing sequence numbers (spec.md §4.8's
// shared-resource policy). A full channel blocks the producer up to a
// short bound, then drops the event and reports it to a metrics sink —
// generalized from the teacher's enrichment_queue.go non-blocking
// select/default send and bounded-timeout requeue idiom.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cortexmem/engine/pkg/types"
)

// EventKind names the audit event types spec.md's state-machine table
// references.
type EventKind string

const (
	EventPromoted              EventKind = "promoted"
	EventForgotten             EventKind = "forgotten"
	EventExpired               EventKind = "expired"
	EventRejected              EventKind = "rejected"
	EventPromotionInconsistent EventKind = "promotion_inconsistent"
)

// Event is one audit record. Fields beyond Kind/ItemID are populated as
// relevant to Kind; zero values are valid ("" From for a non-promotion
// event, for instance).
type Event struct {
	Sequence  uint64
	Kind      EventKind
	ItemID    string
	From      types.Tier
	To        types.Tier
	Reason    string
	Timestamp time.Time
}

// DroppedReporter receives a notification each time an event is dropped
// because the channel was full past SendTimeout. internal/metrics does not
// implement it, and manager.Build passes a nil reporter, so dropped events
// are not counted there.
type DroppedReporter interface {
	RecordAuditDropped(kind EventKind)
}

type noopReporter struct{}

func (noopReporter) RecordAuditDropped(EventKind) {}

// Trail is the bounded multi-consumer audit event channel.
type Trail struct {
	ch          chan Event
	seq         atomic.Uint64
	sendTimeout time.Duration
	dropped     DroppedReporter

	mu          sync.RWMutex
	subscribers []chan Event
}

// Config tunes the Trail's buffer size and producer backpressure bound.
type Config struct {
	BufferSize  int
	SendTimeout time.Duration
}

// New constructs a Trail. reporter may be nil to skip drop reporting.
func New(cfg Config, reporter DroppedReporter) *Trail {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 50 * time.Millisecond
	}
	if reporter == nil {
		reporter = noopReporter{}
	}
	t := &Trail{
		ch:          make(chan Event, cfg.BufferSize),
		sendTimeout: cfg.SendTimeout,
		dropped:     reporter,
	}
	go t.fanOut()
	return t
}

// Emit records one event, stamping it with the next sequence number and
// the current time. Non-blocking up to SendTimeout; beyond that the event
// is dropped and reported via DroppedReporter, never blocking the caller
// indefinitely.
func (t *Trail) Emit(kind EventKind, itemID string, opts ...func(*Event)) {
	evt := Event{
		Sequence:  t.seq.Add(1),
		Kind:      kind,
		ItemID:    itemID,
		Timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(&evt)
	}

	select {
	case t.ch <- evt:
		return
	default:
	}

	timer := time.NewTimer(t.sendTimeout)
	defer timer.Stop()
	select {
	case t.ch <- evt:
	case <-timer.C:
		t.dropped.RecordAuditDropped(kind)
	}
}

// WithPromotion sets From/To on a Promoted event.
func WithPromotion(from, to types.Tier) func(*Event) {
	return func(e *Event) { e.From, e.To = from, to }
}

// WithReason sets Reason on an event (e.g. the decay/forgetting cause, or
// the sanitizer rejection message).
func WithReason(reason string) func(*Event) {
	return func(e *Event) { e.Reason = reason }
}

// Subscribe returns a channel receiving every event emitted after this
// call, closed when ctx is cancelled. Each subscriber gets its own
// buffered copy; a slow subscriber can miss events if its buffer fills
// (fan-out never blocks the main dispatch loop).
func (t *Trail) Subscribe(ctx context.Context) <-chan Event {
	sub := make(chan Event, 256)

	t.mu.Lock()
	t.subscribers = append(t.subscribers, sub)
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		for i, s := range t.subscribers {
			if s == sub {
				t.subscribers = append(t.subscribers[:i], t.subscribers[i+1:]...)
				break
			}
		}
		t.mu.Unlock()
		close(sub)
	}()

	return sub
}

// Close closes the event channel; the fan-out loop ends once the events
// already buffered are delivered. Subscriber channels are not closed here:
// each closes when the context given to its Subscribe call is cancelled.
// Emit must not be called after Close.
func (t *Trail) Close() {
	close(t.ch)
}

func (t *Trail) fanOut() {
	for evt := range t.ch {
		t.mu.RLock()
		subs := make([]chan Event, len(t.subscribers))
		copy(subs, t.subscribers)
		t.mu.RUnlock()

		for _, sub := range subs {
			select {
			case sub <- evt:
			default:
			}
		}
	}
}
