// Package events records ticket mutations off the request path. Sinks are
// best effort: a slow or failing sink never fails or delays a mutation.
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"qms/triage-service/internal/models"

	"github.com/rs/zerolog"
)

var (
	ErrBufferFull = errors.New("event buffer full")
	ErrClosed     = errors.New("event dispatcher closed")
)

const (
	defaultBuffer       = 256
	defaultWriteTimeout = 5 * time.Second
)

type Sink interface {
	Write(ctx context.Context, event models.Event) error
}

// Dispatcher queues events in a bounded buffer and writes them to a sink
// from a single goroutine, so per-ticket order is preserved.
type Dispatcher struct {
	sink         Sink
	logger       zerolog.Logger
	writeTimeout time.Duration

	mu      sync.RWMutex
	closed  bool
	events  chan models.Event
	done    chan struct{}
	dropped atomic.Int64
	failed  atomic.Int64

	reportMu    sync.Mutex
	lastDropped int64
	lastFailed  int64
}

func NewDispatcher(sink Sink, buffer int, logger zerolog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	d := &Dispatcher{
		sink:         sink,
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
		events:       make(chan models.Event, buffer),
		done:         make(chan struct{}),
	}
	go d.run()
	return d
}

// Emit queues the event without blocking.
func (d *Dispatcher) Emit(ctx context.Context, event models.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.events <- event:
		return nil
	default:
		d.dropped.Add(1)
		return ErrBufferFull
	}
}

// Close stops accepting events and waits for the buffer to drain or ctx to
// end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) Failed() int64 {
	return d.failed.Load()
}

// Report logs the events dropped or rejected by the sink since the previous
// Report and returns those counts.
func (d *Dispatcher) Report(logger zerolog.Logger) (dropped, failed int64) {
	d.reportMu.Lock()
	defer d.reportMu.Unlock()

	totalDropped, totalFailed := d.dropped.Load(), d.failed.Load()
	dropped, failed = totalDropped-d.lastDropped, totalFailed-d.lastFailed
	d.lastDropped, d.lastFailed = totalDropped, totalFailed

	if dropped > 0 {
		logger.Warn().Int64("dropped_events", dropped).Int64("dropped_total", totalDropped).Msg("event buffer overflowed")
	}
	if failed > 0 {
		logger.Warn().Int64("failed_events", failed).Int64("failed_total", totalFailed).Msg("event sink rejected events")
	}
	return dropped, failed
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.events {
		ctx, cancel := context.WithTimeout(context.Background(), d.writeTimeout)
		err := d.sink.Write(ctx, event)
		cancel()
		if err != nil {
			d.failed.Add(1)
			d.logger.Error().Err(err).
				Str("event_id", event.EventID).
				Str("action", event.Action).
				Str("entity_id", event.EntityID).
				Msg("event sink write failed")
		}
	}
}

// MultiSink writes every event to each sink in turn and joins their errors.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, event models.Event) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Write(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) LogSink {
	return LogSink{logger: logger}
}

func (s LogSink) Write(ctx context.Context, event models.Event) error {
	s.logger.Info().
		Str("event_id", event.EventID).
		Str("action", event.Action).
		Str("entity_type", event.EntityType).
		Str("entity_id", event.EntityID).
		Str("actor_id", event.ActorID).
		Str("source", event.Source).
		Interface("detail", event.Detail).
		Time("occurred_at", event.OccurredAt).
		Msg("audit")
	return nil
}
