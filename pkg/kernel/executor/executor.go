// Package executor implements the InvocationExecutor (spec component C8):
// bulkhead permit acquisition, instance reference counting, and deadline
// enforcement around exactly one invocation, with RAII-style paired
// release on every exit path. The bulkhead itself generalizes the teacher's
// Redis-counter rate limiter (internal/auth/ratelimit.go) to an in-process
// weighted semaphore per module.
package executor

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
	"go.uber.org/atomic"

	"github.com/wisbric/modkernel/pkg/kernel/collab"
	"github.com/wisbric/modkernel/pkg/kernel/instance"
	"github.com/wisbric/modkernel/pkg/kernel/kerrors"
)

type callerCtxKey struct{}

// WithCallerModuleID returns a copy of ctx carrying callerID, the way Run
// propagates the calling module's identity onto the callee execution
// context (spec §4.8 step 3).
func WithCallerModuleID(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, callerCtxKey{}, callerID)
}

// CallerModuleID returns the invoking module's id as propagated by Run, or
// "" if none was set.
func CallerModuleID(ctx context.Context) string {
	id, _ := ctx.Value(callerCtxKey{}).(string)
	return id
}

// Bulkhead limits concurrent in-flight calls into one module.
type Bulkhead struct {
	sem            *semaphore.Weighted
	acquireTimeout time.Duration
	inFlight       atomic.Int64
}

// NewBulkhead creates a per-module concurrency limiter.
func NewBulkhead(maxConcurrent int64, acquireTimeout time.Duration) *Bulkhead {
	return &Bulkhead{sem: semaphore.NewWeighted(maxConcurrent), acquireTimeout: acquireTimeout}
}

// acquire blocks up to the configured timeout for a permit. Returns a
// release func that must be called exactly once.
func (b *Bulkhead) acquire(ctx context.Context) (release func(), err error) {
	acquireCtx, cancel := context.WithTimeout(ctx, b.acquireTimeout)
	defer cancel()

	if err := b.sem.Acquire(acquireCtx, 1); err != nil {
		return nil, err
	}
	b.inFlight.Add(1)
	return func() { b.inFlight.Add(-1); b.sem.Release(1) }, nil
}

// InFlight returns the number of permits currently held, for metrics.
func (b *Bulkhead) InFlight() int64 { return b.inFlight.Load() }

// Call is the thunk the executor invokes once bulkhead + reference-count
// acquisition succeed. It receives a context carrying the propagated trace
// id and caller identity, already bounded by the invocation deadline.
type Call func(ctx context.Context) (any, error)

// Run executes call against inst, enforcing the full RAII chain described in
// spec §4.8: bulkhead permit -> instance.Enter -> call under deadline ->
// instance.Exit (always) -> bulkhead release (always). The caller's ambient
// context is captured via propagator before Enter and restored onto the
// callee context alongside callerModuleID, per spec §4.8 step 3. propagator
// defaults to collab.NoopPropagator when nil.
func Run(ctx context.Context, bh *Bulkhead, inst *instance.Instance, moduleID, callerModuleID string, deadline time.Duration, propagator collab.ThreadLocalPropagator, call Call) (any, error) {
	if inst == nil {
		return nil, kerrors.New(kerrors.KindUnavailable, moduleID, "", nil)
	}
	if propagator == nil {
		propagator = collab.NoopPropagator{}
	}

	release, err := bh.acquire(ctx)
	if err != nil {
		return nil, kerrors.New(kerrors.KindRejected, moduleID, "", err)
	}
	defer release()

	snap := propagator.Capture(ctx)

	if !inst.Enter() {
		return nil, kerrors.New(kerrors.KindUnavailable, moduleID, "", nil)
	}
	defer inst.Exit()

	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	callCtx = propagator.Restore(callCtx, snap)
	callCtx = WithCallerModuleID(callCtx, callerModuleID)

	type result struct {
		val any
		err error
	}
	done := make(chan result, 1)
	go func() {
		val, err := call(callCtx)
		done <- result{val, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-callCtx.Done():
		// Cooperative cancellation is best-effort: callCtx.Done() already
		// signals the target via ctx; if it ignores cancellation the
		// goroutine above returns naturally later and its result is
		// discarded. Either way the permit and reference count release on
		// this path via the deferred calls above.
		return nil, kerrors.New(kerrors.KindTimeout, moduleID, "", callCtx.Err())
	}
}
