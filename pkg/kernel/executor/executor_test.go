package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wisbric/modkernel/pkg/kernel/collab"
	"github.com/wisbric/modkernel/pkg/kernel/instance"
	"github.com/wisbric/modkernel/pkg/kernel/kerrors"
)

func readyInstance() *instance.Instance {
	i := instance.New("user", "1.0.0", nil, nil)
	i.MarkReady()
	return i
}

func TestRunSuccessReleasesEverything(t *testing.T) {
	bh := NewBulkhead(2, time.Second)
	inst := readyInstance()

	val, err := Run(context.Background(), bh, inst, "user", "caller", time.Second, nil, func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	if err != nil || val != "ok" {
		t.Fatalf("Run() = %v, %v", val, err)
	}
	if inst.RefCount() != 0 {
		t.Fatalf("refcount = %d after successful call, want 0", inst.RefCount())
	}
	if bh.InFlight() != 0 {
		t.Fatalf("bulkhead in-flight = %d after successful call, want 0", bh.InFlight())
	}
}

func TestRunTargetErrorStillReleases(t *testing.T) {
	bh := NewBulkhead(2, time.Second)
	inst := readyInstance()

	wantErr := errors.New("boom")
	_, err := Run(context.Background(), bh, inst, "user", "caller", time.Second, nil, func(ctx context.Context) (any, error) {
		return nil, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped target error, got %v", err)
	}
	if inst.RefCount() != 0 || bh.InFlight() != 0 {
		t.Fatalf("resources not released: refcount=%d inflight=%d", inst.RefCount(), bh.InFlight())
	}
}

func TestRunTimeoutReleasesResources(t *testing.T) {
	bh := NewBulkhead(2, time.Second)
	inst := readyInstance()

	_, err := Run(context.Background(), bh, inst, "user", "caller", 10*time.Millisecond, nil, func(ctx context.Context) (any, error) {
		<-ctx.Done() // cooperative: observes cancellation but we don't rely on it returning instantly
		return nil, ctx.Err()
	})
	if kerrors.KindOf(err) != kerrors.KindTimeout {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}

	// Run releases its Enter and its bulkhead permit when it returns, even
	// though the abandoned goroutine may still be running; the pause only
	// lets that goroutine finish before the test ends.
	time.Sleep(50 * time.Millisecond)
	if inst.RefCount() != 0 {
		t.Fatalf("refcount = %d after timeout, want 0", inst.RefCount())
	}
	if bh.InFlight() != 0 {
		t.Fatalf("bulkhead in-flight = %d after timeout, want 0", bh.InFlight())
	}
}

func TestRunUnavailableOnNilInstance(t *testing.T) {
	bh := NewBulkhead(2, time.Second)
	_, err := Run(context.Background(), bh, nil, "user", "caller", time.Second, nil, func(ctx context.Context) (any, error) {
		return "unreachable", nil
	})
	if kerrors.KindOf(err) != kerrors.KindUnavailable {
		t.Fatalf("expected UNAVAILABLE, got %v", err)
	}
}

func TestRunUnavailableOnDestroyedInstance(t *testing.T) {
	bh := NewBulkhead(2, time.Second)
	inst := readyInstance()
	inst.MoveToDying()
	inst.ForceDestroy()

	_, err := Run(context.Background(), bh, inst, "user", "caller", time.Second, nil, func(ctx context.Context) (any, error) {
		return "unreachable", nil
	})
	if kerrors.KindOf(err) != kerrors.KindUnavailable {
		t.Fatalf("expected UNAVAILABLE, got %v", err)
	}
	if bh.InFlight() != 0 {
		t.Fatalf("expected bulkhead permit released even when Enter fails, got %d in-flight", bh.InFlight())
	}
}

type snapKey struct{}

type fakePropagator struct{ captured bool }

func (p *fakePropagator) Capture(ctx context.Context) collab.Snapshot {
	p.captured = true
	return ctx.Value(snapKey{})
}

func (p *fakePropagator) Restore(ctx context.Context, snap collab.Snapshot) context.Context {
	if snap == nil {
		return ctx
	}
	return context.WithValue(ctx, snapKey{}, snap)
}

func TestRunPropagatesCallerIdentityAndSnapshot(t *testing.T) {
	bh := NewBulkhead(2, time.Second)
	inst := readyInstance()
	prop := &fakePropagator{}

	ctx := context.WithValue(context.Background(), snapKey{}, "ambient-value")

	var gotCaller string
	var gotSnap any
	_, err := Run(ctx, bh, inst, "user", "billing", time.Second, prop, func(callCtx context.Context) (any, error) {
		gotCaller = CallerModuleID(callCtx)
		gotSnap = callCtx.Value(snapKey{})
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !prop.captured {
		t.Fatal("expected propagator.Capture to run before Enter")
	}
	if gotCaller != "billing" {
		t.Fatalf("CallerModuleID(callCtx) = %q, want %q", gotCaller, "billing")
	}
	if gotSnap != "ambient-value" {
		t.Fatalf("restored snapshot = %v, want %q", gotSnap, "ambient-value")
	}
}

func TestRunDefaultsToNoopPropagatorWhenNil(t *testing.T) {
	bh := NewBulkhead(2, time.Second)
	inst := readyInstance()

	_, err := Run(context.Background(), bh, inst, "user", "caller", time.Second, nil, func(ctx context.Context) (any, error) {
		if got := CallerModuleID(ctx); got != "caller" {
			t.Fatalf("CallerModuleID(ctx) = %q, want %q", got, "caller")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunRejectedWhenBulkheadExhausted(t *testing.T) {
	bh := NewBulkhead(2, 50*time.Millisecond)
	inst := readyInstance()

	block := make(chan struct{})
	var wg sync.WaitGroup
	started := make(chan struct{}, 2)

	longCall := func(ctx context.Context) (any, error) {
		started <- struct{}{}
		<-block
		return nil, nil
	}

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Run(context.Background(), bh, inst, "user", "caller", time.Second, nil, longCall)
		}()
	}
	<-started
	<-started

	_, err := Run(context.Background(), bh, inst, "user", "caller", time.Second, nil, func(ctx context.Context) (any, error) {
		return "unreachable", nil
	})
	if kerrors.KindOf(err) != kerrors.KindRejected {
		t.Fatalf("expected REJECTED when bulkhead is exhausted, got %v", err)
	}

	close(block)
	wg.Wait()
	if bh.InFlight() != 0 {
		t.Fatalf("expected bulkhead permits to return to 0 after completion, got %d", bh.InFlight())
	}
}
