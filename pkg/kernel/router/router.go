// Package router implements the TrafficRouter (spec component C7): picks
// one active instance for a request, applying a canary percentage split
// when one is configured for the module.
package router

import (
	"math/rand/v2"

	"github.com/wisbric/modkernel/pkg/kernel/instance"
)

// CanaryPolicy configures the traffic split for one module. Percent is the
// proportion (0-100) of traffic that should be steered at the canary
// version when a canary instance is active.
type CanaryPolicy struct {
	Percent       int
	CanaryVersion string
}

// Route selects an instance from pool for a single call. Ties among
// eligible candidates are broken by insertion order (the order returned by
// ActiveSnapshot). Returns nil if no eligible instance exists — the caller
// must fail UNAVAILABLE.
func Route(pool *instance.Pool, policy CanaryPolicy) *instance.Instance {
	def := pool.Default()

	if policy.Percent <= 0 || policy.CanaryVersion == "" {
		return def
	}

	var canary *instance.Instance
	for _, inst := range pool.ActiveSnapshot() {
		if inst.Version == policy.CanaryVersion && inst.State() == instance.Ready {
			canary = inst
			break
		}
	}
	if canary == nil {
		return def
	}

	draw := rand.IntN(100) // uniform r in [0,100)
	if draw < policy.Percent {
		return canary
	}
	return def
}
