package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"oprlmbatch/pkg/backoff"
	"oprlmbatch/pkg/circuitbreaker"
	"oprlmbatch/pkg/cloudevent"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryDispatcher is an in-memory async event dispatcher.
// Events are queued in a bounded channel and delivered by a worker pool.
// If the buffer is full, events are dropped (logged + metric incremented).
type MemoryDispatcher struct {
	queue    chan *Event
	sinks    []Sink
	breakers *circuitbreaker.Registry
	retry    backoff.Policy
	config   MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// MetricsRecorder is an optional interface for recording delivery metrics.
type MetricsRecorder interface {
	RecordEventDelivered(ctx context.Context, sink string, durationSeconds float64)
	RecordEventFailed(ctx context.Context, sink string)
	RecordEventDropped(ctx context.Context, sink string)
	RecordEventRequeued(ctx context.Context, sink string)
}

// NewMemory creates an in-memory dispatcher delivering to sinks.
// A nil metrics recorder disables metrics.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder, sinks ...Sink) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		queue:    make(chan *Event, cfg.BufferSize),
		sinks:    sinks,
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{Threshold: defaultBreakerThreshold, Cooldown: cfg.BreakerCooldown}),
		retry:    backoff.Policy{Base: defaultInitialBackoff, Max: defaultMaxBackoff},
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}
	d.breakers.OnStateChange(func(sink string, from, to circuitbreaker.State) {
		d.logger.Warn("Sink circuit state changed", "sink", sink, "from", from.String(), "to", to.String())
	})
	for _, s := range sinks {
		d.breakers.Get(s.Name())
	}

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}

	d.logger.Debug("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize, "sinks", len(sinks))
	return d
}

// Dispatch queues the event once per sink.
func (d *MemoryDispatcher) Dispatch(payload *cloudevent.CloudEvent) error {
	if d.closed.Load() {
		return ErrClosed
	}

	var err error
	for _, sink := range d.sinks {
		select {
		case d.queue <- &Event{Payload: payload, Sink: sink}:
			d.queued.Add(1)
		default:
			d.drop(sink.Name(), payload.Type, "Event dropped, buffer full")
			err = ErrBufferFull
		}
	}
	return err
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	return Stats{
		QueueDepth:   len(d.queue),
		Queued:       d.queued.Load(),
		Delivered:    d.delivered.Load(),
		Failed:       d.failed.Load(),
		Dropped:      d.dropped.Load(),
		Requeued:     d.requeued.Load(),
		RetriesTotal: d.retriesTotal.Load(),
		Sinks:        len(d.sinks),
		BreakersOpen: d.breakers.Stats().Open,
	}
}

// Close gracefully shuts down the dispatcher and its sinks.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Debug("Dispatcher shutting down", "queued", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		d.logger.Info("Event delivery complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		err = ctx.Err()
	}

	for _, s := range d.sinks {
		if cerr := s.Close(); cerr != nil {
			d.logger.Warn("Failed to close sink", "sink", s.Name(), "error", cerr)
			err = errors.Join(err, cerr)
		}
	}
	return err
}

func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

// drainQueue delivers remaining events after shutdown signal.
func (d *MemoryDispatcher) drainQueue() {
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		default:
			return
		}
	}
}

// deliver attempts to deliver an event with retry and circuit breaker.
func (d *MemoryDispatcher) deliver(event *Event) {
	name := event.Sink.Name()
	breaker := d.breakers.Get(name)

	if !breaker.Allow() {
		d.requeue(event, name)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.config.Timeout*time.Duration(defaultMaxRetries+1))
	defer cancel()

	start := time.Now()
	if err := d.sendWithRetry(ctx, event); err != nil {
		breaker.RecordFailure()
		d.failed.Add(1)
		if d.metrics != nil {
			d.metrics.RecordEventFailed(ctx, name)
		}
		d.logger.Warn("Delivery failed", "sink", name, "type", event.Payload.Type, "error", err)
		return
	}

	breaker.RecordSuccess()
	d.delivered.Add(1)
	if d.metrics != nil {
		d.metrics.RecordEventDelivered(ctx, name, time.Since(start).Seconds())
	}
}

// requeue puts an event back in the queue after the breaker cooldown.
// During shutdown the event is dropped instead.
func (d *MemoryDispatcher) requeue(event *Event, name string) {
	if event.Requeues >= defaultMaxRequeues || d.closed.Load() {
		d.drop(name, event.Payload.Type, "Event dropped, circuit open")
		return
	}

	event.Requeues++
	requeues := event.Requeues
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordEventRequeued(context.Background(), name)
	}

	go func() {
		select {
		case <-d.shutdown:
			d.drop(name, event.Payload.Type, "Event dropped on shutdown, circuit open")
			return
		case <-time.After(d.config.BreakerCooldown):
		}

		select {
		case d.queue <- event:
			d.logger.Debug("Event requeued", "sink", name, "type", event.Payload.Type, "requeues", requeues)
		case <-d.shutdown:
			d.drop(name, event.Payload.Type, "Event dropped on shutdown, circuit open")
		default:
			d.drop(name, event.Payload.Type, "Event dropped on requeue, buffer full")
		}
	}()
}

func (d *MemoryDispatcher) drop(sink, eventType, msg string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordEventDropped(context.Background(), sink)
	}
	d.logger.Warn(msg, "sink", sink, "type", eventType)
}

func (d *MemoryDispatcher) sendWithRetry(ctx context.Context, event *Event) error {
	var lastErr error
	for attempt := range defaultMaxRetries + 1 {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			if err := d.retry.Wait(ctx, attempt); err != nil {
				return err
			}
		}

		sendCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
		lastErr = event.Sink.Deliver(sendCtx, event.Payload)
		cancel()
		if lastErr == nil {
			return nil
		}
		if Permanent(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
