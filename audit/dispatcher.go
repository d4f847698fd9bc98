package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sink receives events from the dispatcher's worker goroutine.
// Implementations must tolerate being called concurrently with Close.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// NopSink discards all events. Use when no audit backend is configured.
type NopSink struct{}

func (NopSink) Emit(context.Context, Event) error { return nil }

// DispatcherConfig controls the dispatcher's buffering behaviour.
type DispatcherConfig struct {
	// BufferSize is the capacity of the in-flight event channel.
	BufferSize int

	// EmitTimeout bounds a single sink delivery.
	EmitTimeout time.Duration
}

// DefaultDispatcherConfig returns the production defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BufferSize:  1024,
		EmitTimeout: 5 * time.Second,
	}
}

// Dispatcher buffers events and delivers them to one or more sinks on a
// background goroutine. Record never blocks: when the buffer is full the
// event is dropped and the drop counter incremented, so a slow sink cannot
// stall the authentication path while drops stay observable.
type Dispatcher struct {
	cfg     DispatcherConfig
	sinks   []Sink
	logger  *zap.Logger
	events  chan Event
	dropped atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
}

// NewDispatcher starts a dispatcher delivering to the given sinks.
func NewDispatcher(cfg DispatcherConfig, logger *zap.Logger, sinks ...Sink) *Dispatcher {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultDispatcherConfig().BufferSize
	}
	if cfg.EmitTimeout <= 0 {
		cfg.EmitTimeout = DefaultDispatcherConfig().EmitTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		cfg:    cfg,
		sinks:  sinks,
		logger: logger,
		events: make(chan Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Record enqueues an event for delivery. It never blocks; a full buffer
// drops the event and bumps the drop counter.
func (d *Dispatcher) Record(event Event) {
	select {
	case d.events <- event:
	default:
		n := d.dropped.Add(1)
		d.logger.Warn("audit buffer full, event dropped",
			zap.String("event_type", string(event.Type)),
			zap.Uint64("dropped_total", n))
	}
}

// Dropped returns the total number of events dropped due to back-pressure.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Close drains buffered events and stops the worker. Events recorded after
// Close may be dropped.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.events)
		<-d.done
	})
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for event := range d.events {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.EmitTimeout)
	defer cancel()

	for _, sink := range d.sinks {
		if err := sink.Emit(ctx, event); err != nil {
			// Sink failures are logged, never propagated; the audit
			// trail must not turn into an auth failure.
			d.logger.Error("audit emit failed",
				zap.String("event_type", string(event.Type)),
				zap.Error(err))
		}
	}
}
