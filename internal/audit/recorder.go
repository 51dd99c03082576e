package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of audit metrics
const MeterName = "licensegate/audit"

// DefaultWriteTimeout bounds a single background write to the sinks
const DefaultWriteTimeout = 5 * time.Second

// DefaultBufferSize is the number of entries that may wait for the writer
const DefaultBufferSize = 1024

type queued struct {
	ctx   context.Context
	entry Entry
}

// Recorder queues entries and writes them to a sink and observers on a single
// background worker. When the queue is full new entries are dropped and
// counted; Emit never blocks.
type Recorder struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration

	failures metric.Int64Counter
	drops    metric.Int64Counter
	dropped  atomic.Int64

	queue chan queued
	done  chan struct{}

	mu        sync.RWMutex // guards observers and closed
	observers []Observer
	closed    bool

	pendingMu sync.Mutex
	drained   *sync.Cond
	pending   int
}

// NewRecorder creates a recorder with DefaultBufferSize. A nil sink records
// nothing but still notifies observers.
func NewRecorder(sink Sink, logger *slog.Logger, observers ...Observer) *Recorder {
	return NewBufferedRecorder(sink, logger, DefaultBufferSize, observers...)
}

// NewBufferedRecorder creates a recorder whose queue holds size entries and
// starts its worker. Close stops it.
func NewBufferedRecorder(sink Sink, logger *slog.Logger, size int, observers ...Observer) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if size <= 0 {
		size = DefaultBufferSize
	}
	r := &Recorder{
		sink:      sink,
		observers: observers,
		logger:    logger.With(slog.String("component", "audit_recorder")),
		timeout:   DefaultWriteTimeout,
		queue:     make(chan queued, size),
		done:      make(chan struct{}),
	}
	r.drained = sync.NewCond(&r.pendingMu)

	meter := otel.Meter(MeterName)
	var err error
	if r.failures, err = meter.Int64Counter(
		"audit_sink_failures_total",
		metric.WithDescription("Audit entries a sink failed to record"),
	); err != nil {
		r.logger.Warn("failed to create audit failure counter", slog.String("error", err.Error()))
	}
	if r.drops, err = meter.Int64Counter(
		"audit_dropped_total",
		metric.WithDescription("Audit entries dropped because the queue was full"),
	); err != nil {
		r.logger.Warn("failed to create audit drop counter", slog.String("error", err.Error()))
	}

	go r.run()
	return r
}

// AddObserver registers an observer
func (r *Recorder) AddObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers[:len(r.observers):len(r.observers)], o)
}

// Emit queues e without blocking the caller. Cancellation of ctx does not
// abort the write; only its values (trace id) are carried over.
func (r *Recorder) Emit(ctx context.Context, e Entry) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}

	r.addPending(1)
	select {
	case r.queue <- queued{ctx: context.WithoutCancel(ctx), entry: e}:
	default:
		r.addPending(-1)
		r.dropped.Add(1)
		if r.drops != nil {
			r.drops.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", e.Kind)))
		}
		r.logger.DebugContext(ctx, "audit queue full, entry dropped", slog.String("audit_id", e.ID))
	}
}

// Dropped returns how many entries were discarded because the queue was full
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

func (r *Recorder) run() {
	defer close(r.done)
	for q := range r.queue {
		r.mu.RLock()
		observers := r.observers
		r.mu.RUnlock()

		ctx, cancel := context.WithTimeout(q.ctx, r.timeout)
		r.dispatch(ctx, q.entry, observers)
		cancel()
		r.addPending(-1)
	}
}

func (r *Recorder) addPending(delta int) {
	r.pendingMu.Lock()
	r.pending += delta
	if r.pending == 0 {
		r.drained.Broadcast()
	}
	r.pendingMu.Unlock()
}

func (r *Recorder) dispatch(ctx context.Context, e Entry, observers []Observer) {
	if r.sink != nil {
		if err := safeRecord(ctx, r.sink, e); err != nil {
			r.recordFailure(ctx, e, err)
		}
	}
	for _, o := range observers {
		r.notify(ctx, o, e)
	}
}

func (r *Recorder) notify(ctx context.Context, o Observer, e Entry) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "audit observer panicked",
				slog.String("audit_id", e.ID),
				slog.String("panic", fmt.Sprint(rec)))
		}
	}()
	o.Notify(ctx, e)
}

func (r *Recorder) recordFailure(ctx context.Context, e Entry, err error) {
	names := failedSinks(err)
	for _, name := range names {
		if r.failures != nil {
			r.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", name)))
		}
	}
	r.logger.ErrorContext(ctx, "failed to record audit entry",
		slog.String("audit_id", e.ID),
		slog.Any("sinks", names),
		slog.String("error", err.Error()))
}

func failedSinks(err error) []string {
	var names []string
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			names = append(names, failedSinks(e)...)
		}
		return names
	}
	var se *SinkError
	if errors.As(err, &se) {
		return []string{se.Sink}
	}
	return []string{"default"}
}

// Flush waits until every queued entry has been written
func (r *Recorder) Flush() {
	r.pendingMu.Lock()
	for r.pending > 0 {
		r.drained.Wait()
	}
	r.pendingMu.Unlock()
}

// Close stops accepting entries, writes the ones already queued and stops the
// worker. It is safe to call more than once.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}
