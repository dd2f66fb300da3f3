// Package bus provides the in-process event bus at the center of the vox
// runtime. Subscribers register handlers for an exact event type or for a
// dot-namespaced glob pattern; publishers block until every matching
// handler has run. A failing handler is isolated: its error is logged and
// counted, and the remaining handlers still run.
package bus

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/vox/internal/otel"
)

const (
	defaultHistoryLimit = 100
	defaultStatsWindow  = 60 * time.Second
)

// Handler processes one event. Returning an error marks the delivery as
// failed for stats purposes but never affects the publisher or sibling
// handlers.
type Handler func(ctx context.Context, event Event) error

// Subscription is a handle returned by Subscribe and SubscribeToPattern,
// used to unsubscribe.
type Subscription struct {
	id      int
	typ     string
	pattern *regexp.Regexp
	handler Handler
}

// Options configure a Bus.
type Options struct {
	// HistoryEnabled keeps a bounded ring of recently published events.
	HistoryEnabled bool
	// HistoryLimit caps the history ring. Defaults to 100.
	HistoryLimit int
	// StatsWindow is the rolling window for rate and latency stats.
	// Defaults to 60s.
	StatsWindow time.Duration
	Logger      *slog.Logger
	// Metrics, when set, records handler durations and failures.
	Metrics *otel.Metrics
}

// Stats is a snapshot of bus activity. Rate and latency are computed over
// the rolling window, not over the bus's whole lifetime.
type Stats struct {
	TotalEvents           int64
	EventsPerSecond       float64
	AverageProcessingTime time.Duration
	ErrorCount            int64
	SubscriberCount       int
}

type sample struct {
	at  time.Time
	dur time.Duration
}

// Bus is the hub. All methods are safe for concurrent use. Publishes of
// distinct events proceed independently; ordering is only defined among
// the handlers of a single publish.
type Bus struct {
	mu       sync.RWMutex
	exact    map[string][]*Subscription // subscription order preserved
	patterns []*Subscription            // insertion order preserved
	history  []Event
	nextID   int
	opts     Options
	logger   *slog.Logger

	totalEvents atomic.Int64
	errorCount  atomic.Int64

	sampleMu sync.Mutex
	samples  []sample
}

// New creates a Bus.
func New(opts Options) *Bus {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.StatsWindow <= 0 {
		opts.StatsWindow = defaultStatsWindow
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		exact:  make(map[string][]*Subscription),
		opts:   opts,
		logger: logger,
	}
}

// Subscribe registers a handler for an exact event type. Handlers for the
// same type run in subscription order.
func (b *Bus) Subscribe(eventType string, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, typ: eventType, handler: h}
	b.exact[eventType] = append(b.exact[eventType], sub)
	return sub
}

// SubscribeToPattern registers a handler for every event type matching a
// glob pattern ("." literal, "*" wildcard). The pattern is compiled once.
func (b *Bus) SubscribeToPattern(pattern string, h Handler) (*Subscription, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, pattern: re, handler: h}
	b.patterns = append(b.patterns, sub)
	return sub, nil
}

// Unsubscribe removes a subscription. Removing an already-removed
// subscription is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.pattern != nil {
		for i, s := range b.patterns {
			if s.id == sub.id {
				b.patterns = append(b.patterns[:i], b.patterns[i+1:]...)
				return
			}
		}
		return
	}
	subs := b.exact[sub.typ]
	for i, s := range subs {
		if s.id == sub.id {
			b.exact[sub.typ] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// UnsubscribeFromPattern removes a pattern subscription. It is
// Unsubscribe under the name matching SubscribeToPattern.
func (b *Bus) UnsubscribeFromPattern(sub *Subscription) {
	b.Unsubscribe(sub)
}

// Publish validates the event, records it in history, and runs every
// matching handler: exact-type subscribers first in subscription order,
// then pattern subscribers in insertion order. Publish returns only after
// all handlers for this event have run. Handler errors (and panics) are
// logged and counted, never returned to the publisher.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.opts.HistoryEnabled {
		b.history = append(b.history, event)
		if len(b.history) > b.opts.HistoryLimit {
			b.history = b.history[len(b.history)-b.opts.HistoryLimit:]
		}
	}
	// Snapshot matching handlers under the lock so that concurrent
	// (un)subscribes cannot reorder or skip this event's delivery.
	handlers := make([]*Subscription, 0, len(b.exact[event.Type])+len(b.patterns))
	handlers = append(handlers, b.exact[event.Type]...)
	for _, sub := range b.patterns {
		if sub.pattern.MatchString(event.Type) {
			handlers = append(handlers, sub)
		}
	}
	b.mu.Unlock()

	ctx, span := otel.StartSpan(ctx, "bus.publish",
		otel.AttrEventType.String(event.Type), otel.AttrSessionID.String(event.SessionID))
	defer span.End()

	start := time.Now()
	for _, sub := range handlers {
		b.invoke(ctx, sub, event)
	}
	b.totalEvents.Add(1)
	b.record(sample{at: start, dur: time.Since(start)})
	return nil
}

func (b *Bus) invoke(ctx context.Context, sub *Subscription, event Event) {
	start := time.Now()
	defer func() {
		if m := b.opts.Metrics; m != nil {
			m.HandlerDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(otel.AttrEventType.String(event.Type)))
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			b.fail(ctx, event)
			b.logger.Error("event handler panicked",
				"event_type", event.Type, "event_id", event.ID, "panic", r)
		}
	}()
	if err := sub.handler(ctx, event); err != nil {
		b.fail(ctx, event)
		b.logger.Error("event handler failed",
			"event_type", event.Type, "event_id", event.ID, "error", err)
	}
}

func (b *Bus) fail(ctx context.Context, event Event) {
	b.errorCount.Add(1)
	if m := b.opts.Metrics; m != nil {
		m.HandlerErrors.Add(ctx, 1, metric.WithAttributes(otel.AttrEventType.String(event.Type)))
	}
}

func (b *Bus) record(s sample) {
	b.sampleMu.Lock()
	defer b.sampleMu.Unlock()
	b.samples = append(b.samples, s)
	b.pruneLocked(time.Now())
}

func (b *Bus) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.opts.StatsWindow)
	i := 0
	for i < len(b.samples) && b.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.samples = append(b.samples[:0], b.samples[i:]...)
	}
}

// Stats returns a snapshot of bus activity.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	count := len(b.patterns)
	for _, subs := range b.exact {
		count += len(subs)
	}
	b.mu.RUnlock()

	b.sampleMu.Lock()
	b.pruneLocked(time.Now())
	var total time.Duration
	for _, s := range b.samples {
		total += s.dur
	}
	n := len(b.samples)
	b.sampleMu.Unlock()

	st := Stats{
		TotalEvents:     b.totalEvents.Load(),
		ErrorCount:      b.errorCount.Load(),
		SubscriberCount: count,
	}
	if n > 0 {
		st.EventsPerSecond = float64(n) / b.opts.StatsWindow.Seconds()
		st.AverageProcessingTime = total / time.Duration(n)
	}
	return st
}

// History returns up to limit recent events, oldest first. limit <= 0
// returns the whole ring.
func (b *Bus) History(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	events := b.history
	if limit > 0 && limit < len(events) {
		events = events[len(events)-limit:]
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// Clear drops the event history.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = nil
}
