package dispatcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"oprlmbatch/internal/testutil"
	"oprlmbatch/pkg/cloudevent"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testEvent(subject string) *cloudevent.CloudEvent {
	return cloudevent.New("test.event", "test", subject, map[string]any{"jobId": subject})
}

func closeDispatcher(t *testing.T, d *MemoryDispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.Close(ctx)
}

// fakeSink records deliveries and fails the first failures calls.
type fakeSink struct {
	name     string
	failures int32
	err      error

	calls  atomic.Int32
	mu     sync.Mutex
	events []*cloudevent.CloudEvent
	closed atomic.Bool
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Deliver(ctx context.Context, event *cloudevent.CloudEvent) error {
	n := s.calls.Add(1)
	if s.failures < 0 || n <= s.failures {
		return s.err
	}
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeSink) received() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestMemoryDispatcher_Dispatch(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{BufferSize: 100, Workers: 2}, nil, NewWebhookSink(server.URL, "", 5*time.Second))

	if err := d.Dispatch(testEvent("job-1")); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	testutil.MustWaitFor(t, func() bool {
		return received.Load() >= 1
	}, testutil.WithTimeout(5*time.Second))

	if received.Load() != 1 {
		t.Errorf("expected 1 delivery, got %d", received.Load())
	}
	if stats := d.Stats(); stats.Delivered != 1 || stats.Sinks != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	closeDispatcher(t, d)
}

func TestMemoryDispatcher_FansOutToSinks(t *testing.T) {
	a := &fakeSink{name: "a"}
	b := &fakeSink{name: "b"}
	d := NewMemory(MemoryConfig{BufferSize: 10, Workers: 2}, nil, a, b)

	if err := d.Dispatch(testEvent("job-1")); err != nil {
		t.Fatal(err)
	}
	closeDispatcher(t, d)

	if a.received() != 1 || b.received() != 1 {
		t.Errorf("received a=%d b=%d, want 1 each", a.received(), b.received())
	}
	if !a.closed.Load() || !b.closed.Load() {
		t.Error("Close should close every sink")
	}
}

func TestMemoryDispatcher_BufferFull(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{BufferSize: 2, Workers: 1}, nil, NewWebhookSink(server.URL, "", 5*time.Second))

	var full int
	for range 5 {
		if errors.Is(d.Dispatch(testEvent("job-1")), ErrBufferFull) {
			full++
		}
	}

	if full == 0 {
		t.Error("expected ErrBufferFull for some events")
	}
	if d.Stats().Dropped == 0 {
		t.Error("expected some events to be dropped")
	}
	closeDispatcher(t, d)
}

func TestMemoryDispatcher_Retry(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{BufferSize: 100, Workers: 1}, nil, NewWebhookSink(server.URL, "", 5*time.Second))
	d.Dispatch(testEvent("job-1"))

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Delivered >= 1
	}, testutil.WithTimeout(5*time.Second))

	if attempts.Load() < 3 {
		t.Errorf("expected at least 3 attempts, got %d", attempts.Load())
	}
	if stats := d.Stats(); stats.RetriesTotal != 2 {
		t.Errorf("expected 2 retries, got %d", stats.RetriesTotal)
	}
	closeDispatcher(t, d)
}

func TestMemoryDispatcher_NoRetryOn4xx(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{BufferSize: 100, Workers: 1}, nil, NewWebhookSink(server.URL, "", 5*time.Second))
	d.Dispatch(testEvent("job-1"))

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Failed >= 1
	}, testutil.WithTimeout(5*time.Second))

	if attempts.Load() != 1 {
		t.Errorf("expected 1 attempt (no retry on 4xx), got %d", attempts.Load())
	}
	closeDispatcher(t, d)
}

func TestMemoryDispatcher_CircuitBreaker(t *testing.T) {
	sink := &fakeSink{name: "down", failures: -1, err: &cloudevent.HTTPError{StatusCode: http.StatusBadRequest}}
	d := NewMemory(MemoryConfig{BufferSize: 100, Workers: 1, BreakerCooldown: time.Hour}, nil, sink)

	// 4xx fails without retry, so the breaker threshold (5) is reached quickly
	for range 10 {
		d.Dispatch(testEvent("job-1"))
	}

	testutil.MustWaitFor(t, func() bool {
		stats := d.Stats()
		return stats.Failed+stats.Requeued >= 10
	}, testutil.WithTimeout(5*time.Second))

	stats := d.Stats()
	if stats.Failed != defaultBreakerThreshold {
		t.Errorf("expected %d failures before the circuit opened, got %d", defaultBreakerThreshold, stats.Failed)
	}
	if stats.Requeued != 5 || stats.BreakersOpen != 1 {
		t.Errorf("expected 5 requeued with an open circuit, got %+v", stats)
	}
	if sink.calls.Load() != defaultBreakerThreshold {
		t.Errorf("sink called %d times while open", sink.calls.Load())
	}

	closeDispatcher(t, d)
	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Dropped == 5
	})
}

func TestMemoryDispatcher_RequeueRecovers(t *testing.T) {
	sink := &fakeSink{name: "flaky", failures: 5, err: &cloudevent.HTTPError{StatusCode: http.StatusBadRequest}}
	d := NewMemory(MemoryConfig{BufferSize: 100, Workers: 1, BreakerCooldown: 20 * time.Millisecond}, nil, sink)

	for range 8 {
		d.Dispatch(testEvent("job-1"))
	}

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Delivered == 3
	}, testutil.WithTimeout(5*time.Second))

	if d.Stats().Requeued == 0 {
		t.Error("expected requeues while the circuit was open")
	}
	closeDispatcher(t, d)
}

func TestMemoryDispatcher_CloudEventHeaders(t *testing.T) {
	var mu sync.Mutex
	var headers http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		headers = r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{BufferSize: 100, Workers: 1}, nil, NewWebhookSink(server.URL, "", 5*time.Second))
	d.Dispatch(cloudevent.New("oprlm.job.result", "oprlm-batch", "1abc", map[string]any{}))

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Delivered >= 1
	}, testutil.WithTimeout(5*time.Second))

	mu.Lock()
	contentType := headers.Get("Content-Type")
	ceType := headers.Get("Ce-Type")
	ceSubject := headers.Get("Ce-Subject")
	mu.Unlock()

	if contentType != "application/cloudevents+json" {
		t.Errorf("expected cloudevents content type, got %s", contentType)
	}
	if ceType != "oprlm.job.result" || ceSubject != "1abc" {
		t.Errorf("unexpected Ce headers type=%s subject=%s", ceType, ceSubject)
	}
	closeDispatcher(t, d)
}

func TestMemoryDispatcher_Signature(t *testing.T) {
	var mu sync.Mutex
	var signature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		signature = r.Header.Get(cloudevent.SignatureHeader)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{BufferSize: 100, Workers: 1}, nil, NewWebhookSink(server.URL, "secret-key", 5*time.Second))
	d.Dispatch(testEvent("job-1"))

	testutil.MustWaitFor(t, func() bool {
		return d.Stats().Delivered >= 1
	}, testutil.WithTimeout(5*time.Second))

	mu.Lock()
	sig := signature
	mu.Unlock()

	if len(sig) < 10 || sig[:7] != "sha256=" {
		t.Errorf("unexpected signature format: %s", sig)
	}
	closeDispatcher(t, d)
}

func TestMemoryDispatcher_GracefulShutdown(t *testing.T) {
	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	d := NewMemory(MemoryConfig{BufferSize: 100, Workers: 2}, nil, NewWebhookSink(server.URL, "", 5*time.Second))

	for range 10 {
		d.Dispatch(testEvent("job-1"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Errorf("Close failed: %v", err)
	}

	if received.Load() != 10 {
		t.Errorf("expected 10 deliveries, got %d", received.Load())
	}
	if err := d.Dispatch(testEvent("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("Dispatch after Close = %v, want ErrClosed", err)
	}
}

type countingMetrics struct {
	delivered, failed, dropped, requeued atomic.Int32
}

func (m *countingMetrics) RecordEventDelivered(context.Context, string, float64) { m.delivered.Add(1) }
func (m *countingMetrics) RecordEventFailed(context.Context, string)             { m.failed.Add(1) }
func (m *countingMetrics) RecordEventDropped(context.Context, string)            { m.dropped.Add(1) }
func (m *countingMetrics) RecordEventRequeued(context.Context, string)           { m.requeued.Add(1) }

func TestMemoryDispatcher_Metrics(t *testing.T) {
	ok := &fakeSink{name: "ok"}
	bad := &fakeSink{name: "bad", failures: -1, err: &cloudevent.HTTPError{StatusCode: http.StatusNotFound}}
	m := &countingMetrics{}
	d := NewMemory(MemoryConfig{BufferSize: 10, Workers: 1}, m, ok, bad)

	d.Dispatch(testEvent("job-1"))
	closeDispatcher(t, d)

	if m.delivered.Load() != 1 || m.failed.Load() != 1 {
		t.Errorf("delivered=%d failed=%d, want 1/1", m.delivered.Load(), m.failed.Load())
	}
}
