// Package eventbus implements the kernel's typed publish/subscribe channel
// (spec component C1). Dispatch is asynchronous and best-effort: a single
// background goroutine drains a queue and delivers to subscribers in publish
// order; a handler that panics is logged and skipped.
package eventbus

import (
	"log/slog"
	"sync"
)

// Type identifies an event category. The kernel publishes the constants
// below; observers may define their own for module-level signaling.
type Type string

const (
	ModuleInstalling   Type = "MODULE_INSTALLING"
	ModuleInstalled    Type = "MODULE_INSTALLED"
	ModuleUninstalling Type = "MODULE_UNINSTALLING"
	ModuleUninstalled  Type = "MODULE_UNINSTALLED"

	InstanceUpgrading Type = "INSTANCE_UPGRADING"
	InstanceReady     Type = "INSTANCE_READY"
	InstanceStarting  Type = "INSTANCE_STARTING"
	InstanceStarted   Type = "INSTANCE_STARTED"
	InstanceStopping  Type = "INSTANCE_STOPPING"
	InstanceStopped   Type = "INSTANCE_STOPPED"
	InstanceDying     Type = "INSTANCE_DYING"
	InstanceDestroyed Type = "INSTANCE_DESTROYED"

	RuntimeShuttingDown Type = "RUNTIME_SHUTTING_DOWN"
	RuntimeShutdown     Type = "RUNTIME_SHUTDOWN"

	InvocationStarted   Type = "INVOCATION_STARTED"
	InvocationCompleted Type = "INVOCATION_COMPLETED"
	InvocationRejected  Type = "INVOCATION_REJECTED"

	MonitoringTrace Type = "MONITORING_TRACE"
	MonitoringAudit Type = "MONITORING_AUDIT"
)

// Event is one published value.
type Event struct {
	Type    Type
	Payload any
}

// Handler receives a delivered event. Handlers must not block indefinitely;
// the bus has exactly one dispatcher goroutine and a slow handler delays
// every subsequent delivery of every type.
type Handler func(Event)

type subscription struct {
	owner   string
	handler Handler
}

// Bus is the process-wide typed pub/sub hub.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[Type][]*subscription

	sendMu  sync.RWMutex // guards queue sends against a concurrent Close
	queue   chan Event
	closed  bool
	drained chan struct{}
	once    sync.Once
}

// New creates a Bus and starts its dispatcher goroutine. queueSize bounds the
// publish backlog; spec §4.1 accepts an unbounded queue as acceptable for
// this workload, but an explicit bound keeps memory predictable under a
// runaway publisher.
func New(logger *slog.Logger, queueSize int) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 4096
	}
	b := &Bus{
		logger:  logger,
		subs:    make(map[Type][]*subscription),
		queue:   make(chan Event, queueSize),
		drained: make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// Subscribe registers handler for events of the given type, owned by owner
// (typically a module id) so it can later be removed in bulk.
func (b *Bus) Subscribe(owner string, t Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[t] = append(b.subs[t], &subscription{owner: owner, handler: handler})
}

// UnsubscribeAll removes every subscription owned by owner. Atomic with
// respect to future publishes: once it returns, no handler registered under
// owner will run again, though a delivery already pulled off the queue may
// still be mid-flight.
func (b *Bus) UnsubscribeAll(owner string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for t, subs := range b.subs {
		kept := subs[:0:0]
		for _, s := range subs {
			if s.owner != owner {
				kept = append(kept, s)
			}
		}
		b.subs[t] = kept
	}
}

// Publish enqueues an event for asynchronous delivery. Non-blocking unless
// the queue is full, in which case Publish blocks briefly — the spec treats
// this bus as low-volume (lifecycle, audit, dashboards), not a hot path. A
// Publish racing a Close is dropped rather than sent, never panics.
func (b *Bus) Publish(t Type, payload any) {
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()
	if b.closed {
		return
	}
	b.queue <- Event{Type: t, Payload: payload}
}

// Close stops accepting new events and closes the queue so the dispatcher
// drains and exits. Already-queued events are still delivered. Call Wait
// after Close to block until that drain finishes.
func (b *Bus) Close() {
	b.once.Do(func() {
		b.sendMu.Lock()
		b.closed = true
		close(b.queue)
		b.sendMu.Unlock()
	})
}

// Wait blocks until the dispatcher goroutine has delivered every event
// queued before Close and exited.
func (b *Bus) Wait() { <-b.drained }

func (b *Bus) dispatch() {
	defer close(b.drained)
	for ev := range b.queue {
		b.deliver(ev)
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs[ev.Type]...)
	b.mu.RUnlock()

	for _, s := range subs {
		b.invoke(s, ev)
	}
}

// invoke runs a single handler, recovering from panics so one bad subscriber
// never blocks delivery to the next.
func (b *Bus) invoke(s *subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"owner", s.owner, "event_type", ev.Type, "recovered", r)
		}
	}()
	s.handler(ev)
}
