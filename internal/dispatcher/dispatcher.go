// Package dispatcher delivers run lifecycle events asynchronously with
// buffering, retry and per-sink circuit breaking.
package dispatcher

import (
	"context"
	"errors"
	"oprlmbatch/pkg/cloudevent"
)

var (
	// ErrBufferFull is returned when the buffer is full and the event is dropped.
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Dispatcher handles async delivery of events.
type Dispatcher interface {
	// Dispatch queues an event for every sink. Non-blocking.
	// Returns ErrBufferFull if the event cannot be queued for some sink.
	Dispatch(event *cloudevent.CloudEvent) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close attempts to deliver queued events, then closes every sink.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Sink is one delivery destination.
type Sink interface {
	// Name identifies the sink in logs and keys its circuit breaker.
	Name() string
	// Deliver sends one event. Errors for which Permanent reports true are not retried.
	Deliver(ctx context.Context, event *cloudevent.CloudEvent) error
	Close() error
}

// Event is an event queued for one sink.
type Event struct {
	Payload  *cloudevent.CloudEvent
	Sink     Sink
	Requeues int // times requeued due to an open circuit
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth   int   // current queue size
	Queued       int64 // total events queued
	Delivered    int64 // successful deliveries
	Failed       int64 // failed after retries
	Dropped      int64 // dropped due to full buffer or max requeues
	Requeued     int64 // requeued due to open circuit
	RetriesTotal int64 // total retry attempts
	Sinks        int   // configured sinks
	BreakersOpen int   // sinks whose circuit is open
}

// Permanent reports errors that retrying cannot fix.
func Permanent(err error) bool {
	return cloudevent.IsClientError(err)
}
