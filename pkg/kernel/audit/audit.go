// Package audit implements the kernel's async, bounded-queue audit writer
// (spec component C3): record() is non-blocking, overflow drops the oldest
// pending record and increments a counter, and a background goroutine
// drains batches to a pluggable Writer. Shape mirrors the teacher's
// channel-plus-ticker batching writer almost exactly, generalized from a
// Postgres-only sink to any Writer implementation.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

// Outcome is the terminal result recorded for a governed invocation.
type Outcome string

const (
	Allowed      Outcome = "ALLOWED"
	Denied       Outcome = "DENIED"
	ErrorOutcome Outcome = "ERROR"
)

// Record is one audit entry.
type Record struct {
	Timestamp      time.Time
	TraceID        string
	CallerModuleID string
	TargetModuleID string
	ModuleVersion  string // ambient field: target instance's version
	Capability     string
	Operation      string
	Outcome        Outcome
	LatencyNs      int64
}

// Writer persists a batch of records. Implementations live in package
// auditwriter; the sink itself never depends on a concrete backend.
type Writer interface {
	WriteBatch(ctx context.Context, records []Record) error
}

const (
	defaultQueueSize    = 1000
	defaultFlushBatch   = 32
	defaultFlushInterval = 2 * time.Second
)

// Sink is the bounded-queue, async audit writer.
type Sink struct {
	writer   Writer
	logger   *slog.Logger
	interval time.Duration
	batch    int

	sendMu  sync.RWMutex // guards entries sends against a concurrent Close
	entries chan Record
	closed  bool
	wg      sync.WaitGroup

	dropped      atomic.Uint64
	droppedGauge prometheus.Gauge // optional; nil-safe
}

// Option configures a Sink at construction.
type Option func(*Sink)

// WithQueueSize overrides the default channel capacity (1000 per spec §6).
func WithQueueSize(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.entries = make(chan Record, n)
		}
	}
}

// WithFlushInterval overrides the periodic flush tick.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Sink) { s.interval = d }
}

// WithFlushBatch overrides the max records per flush.
func WithFlushBatch(n int) Option {
	return func(s *Sink) { s.batch = n }
}

// WithDroppedGauge wires a Prometheus gauge mirroring DroppedCount, updated
// on every overflow drop.
func WithDroppedGauge(g prometheus.Gauge) Option {
	return func(s *Sink) { s.droppedGauge = g }
}

// NewSink creates a Sink writing through writer. Call Start to begin
// processing; Close to drain and stop.
func NewSink(writer Writer, logger *slog.Logger, opts ...Option) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		writer:   writer,
		logger:   logger,
		interval: defaultFlushInterval,
		batch:    defaultFlushBatch,
		entries:  make(chan Record, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the background flush loop.
func (s *Sink) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

// Close stops accepting new records and blocks, up to deadline, for the
// background loop to flush everything pending.
func (s *Sink) Close(deadline time.Duration) {
	s.sendMu.Lock()
	s.closed = true
	close(s.entries)
	s.sendMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		s.logger.Warn("audit sink close timed out waiting for flush")
	}
}

// Record enqueues rec for async writing. Never blocks: on a full queue the
// oldest pending record is dropped in its favor and DroppedCount increments.
// A Record racing a Close is dropped rather than sent, never panics.
func (s *Sink) Record(rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return
	}

	select {
	case s.entries <- rec:
		return
	default:
	}

	// Queue full: drop the oldest pending entry to make room (drop-oldest
	// policy per spec §4.3), then retry once.
	select {
	case <-s.entries:
		s.incDropped()
		s.logger.Warn("audit queue full, dropped oldest pending record",
			"target_module_id", rec.TargetModuleID, "operation", rec.Operation)
	default:
	}
	select {
	case s.entries <- rec:
	default:
		// Another producer raced us for the freed slot; drop this one
		// instead rather than block the caller.
		s.incDropped()
	}
}

// DroppedCount returns the number of records dropped for overflow so far,
// visible via the status operation spec §4.3 requires.
func (s *Sink) DroppedCount() uint64 { return s.dropped.Load() }

func (s *Sink) incDropped() {
	n := s.dropped.Add(1)
	if s.droppedGauge != nil {
		s.droppedGauge.Set(float64(n))
	}
}

func (s *Sink) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	batch := make([]Record, 0, s.batch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-s.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= s.batch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case rec, ok := <-s.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *Sink) flush(batch []Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	records := make([]Record, len(batch))
	copy(records, batch)

	if err := s.writer.WriteBatch(ctx, records); err != nil {
		s.logger.Error("writing audit batch", "error", err, "count", len(records))
	}
}
