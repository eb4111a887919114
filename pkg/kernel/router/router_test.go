package router

import (
	"testing"

	"github.com/wisbric/modkernel/pkg/kernel/instance"
)

func mkPool(t *testing.T, defaultVersion, canaryVersion string) (*instance.Pool, *instance.Instance, *instance.Instance) {
	t.Helper()
	p := instance.NewPool(10)
	def := instance.New("user", defaultVersion, nil, nil)
	def.MarkReady()
	if _, err := p.AddInstance(def, true); err != nil {
		t.Fatalf("AddInstance: %v", err)
	}

	var canary *instance.Instance
	if canaryVersion != "" {
		canary = instance.New("user", canaryVersion, nil, nil)
		canary.MarkReady()
		if _, err := p.AddInstance(canary, false); err != nil {
			t.Fatalf("AddInstance (canary): %v", err)
		}
	}
	return p, def, canary
}

func TestRouteNoCanaryReturnsDefault(t *testing.T) {
	p, def, _ := mkPool(t, "1.0.0", "")
	got := Route(p, CanaryPolicy{})
	if got != def {
		t.Fatal("expected default instance with no canary policy")
	}
}

func TestRouteCanaryAbsentFallsBackToDefault(t *testing.T) {
	p, def, _ := mkPool(t, "1.0.0", "")
	got := Route(p, CanaryPolicy{Percent: 50, CanaryVersion: "2.0-canary"})
	if got != def {
		t.Fatal("expected fallback to default when no canary instance is active")
	}
}

func TestRouteSplitStaysWithinBounds(t *testing.T) {
	p, def, canary := mkPool(t, "1.0.0", "2.0-canary")

	const n = 10000
	canaryHits := 0
	for i := 0; i < n; i++ {
		got := Route(p, CanaryPolicy{Percent: 20, CanaryVersion: "2.0-canary"})
		switch got {
		case canary:
			canaryHits++
		case def:
		default:
			t.Fatalf("route returned neither default nor canary instance: %v", got)
		}
	}

	// Expect roughly 20% +/- a generous margin; spec's S5 tolerance is
	// [1700, 2300] out of 10000.
	if canaryHits < 1700 || canaryHits > 2300 {
		t.Fatalf("canary hits = %d, want in [1700, 2300]", canaryHits)
	}
}

func TestRouteNoEligibleInstanceReturnsNil(t *testing.T) {
	p := instance.NewPool(10)
	if got := Route(p, CanaryPolicy{}); got != nil {
		t.Fatalf("expected nil for empty pool, got %v", got)
	}
}
