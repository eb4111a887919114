// Package lifecycle implements the LifecycleManager (spec component C10):
// one instance per module, owning its InstancePool and driving every
// add/destroy transition, periodic and forced cleanup, and the lifecycle
// event trail. Mirrors the teacher's background-ticker worker shape
// (internal/audit's flush loop) applied to instance draining instead of
// batch writes.
package lifecycle

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/modkernel/pkg/kernel/collab"
	"github.com/wisbric/modkernel/pkg/kernel/eventbus"
	"github.com/wisbric/modkernel/pkg/kernel/instance"
	"github.com/wisbric/modkernel/pkg/kernel/kerrors"
)

// Config bounds one module's instance churn.
type Config struct {
	MaxHistorySnapshots int
	DyingCheckInterval  time.Duration
	ForceCleanupDelay   time.Duration
	LeakCheckDelay      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxHistorySnapshots <= 0 {
		c.MaxHistorySnapshots = 3
	}
	if c.DyingCheckInterval <= 0 {
		c.DyingCheckInterval = 10 * time.Second
	}
	if c.ForceCleanupDelay <= 0 {
		c.ForceCleanupDelay = 30 * time.Second
	}
	if c.LeakCheckDelay <= 0 {
		c.LeakCheckDelay = 5 * time.Second
	}
	return c
}

// Manager owns one module's InstancePool and all of its state transitions.
type Manager struct {
	ModuleID string

	cfg    Config
	pool   *instance.Pool
	bus    *eventbus.Bus
	guard  collab.ResourceGuard
	logger *slog.Logger

	mu           sync.Mutex // serializes addInstance/shutdown against each other
	shutdownOnce sync.Once
	stopTicker   chan struct{}

	dyingGauge *prometheus.GaugeVec // optional; nil-safe, set via SetDyingGauge
}

// SetDyingGauge wires a Prometheus gauge reporting this module's current
// DYING instance count, updated after every transition that changes it. Nil
// is a valid value (the default) and simply disables the observation.
func (m *Manager) SetDyingGauge(g *prometheus.GaugeVec) {
	m.dyingGauge = g
	m.reportDyingCount()
}

func (m *Manager) reportDyingCount() {
	if m.dyingGauge != nil {
		m.dyingGauge.WithLabelValues(m.ModuleID).Set(float64(m.pool.DyingCount()))
	}
}

// New creates a Manager for moduleID and starts its periodic cleanup
// scheduler. guard may be nil if no leak-detection collaborator is wired.
func New(moduleID string, cfg Config, bus *eventbus.Bus, guard collab.ResourceGuard, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		ModuleID:   moduleID,
		cfg:        cfg,
		pool:       instance.NewPool(cfg.MaxHistorySnapshots),
		bus:        bus,
		guard:      guard,
		logger:     logger,
		stopTicker: make(chan struct{}),
	}
	go m.runCleanupTicker()
	return m
}

// Pool exposes the underlying InstancePool for routing and inspection.
func (m *Manager) Pool() *instance.Pool { return m.pool }

func (m *Manager) publish(t eventbus.Type, payload any) {
	if m.bus != nil {
		m.bus.Publish(t, payload)
	}
}

// AddInstance starts newInst's container, marks it READY, and installs it
// into the pool, displacing and draining the previous default if isDefault
// is set. Spec §4.10.
func (m *Manager) AddInstance(ctx context.Context, newInst *instance.Instance, isDefault bool) error {
	if m.pool.DyingCount() >= m.cfg.MaxHistorySnapshots {
		return kerrors.New(kerrors.KindBusy, m.ModuleID, "", nil)
	}

	m.publish(eventbus.InstanceUpgrading, newInst)

	if newInst.Container != nil {
		if err := newInst.Container.Start(ctx); err != nil {
			newInst.ForceDestroy()
			return kerrors.New(kerrors.KindInstallFailed, m.ModuleID, "", err)
		}
	}
	newInst.MarkReady()

	m.mu.Lock()
	if m.pool.DyingCount() >= m.cfg.MaxHistorySnapshots {
		m.mu.Unlock()
		newInst.MoveToDying()
		newInst.ForceDestroy()
		return kerrors.New(kerrors.KindBusy, m.ModuleID, "", nil)
	}
	if isDefault && newInst.State() != instance.Ready {
		m.mu.Unlock()
		newInst.ForceDestroy()
		return kerrors.New(kerrors.KindInstallFailed, m.ModuleID, "", nil)
	}
	previous, err := m.pool.AddInstance(newInst, isDefault)
	m.mu.Unlock()
	if err != nil {
		newInst.ForceDestroy()
		return err
	}
	if previous != nil {
		m.pool.MoveToDying(previous)
		m.publish(eventbus.InstanceDying, previous)
		m.reportDyingCount()
	}

	m.publish(eventbus.InstanceStarted, newInst)
	return nil
}

// Shutdown idempotently drains every active instance, waits up to
// cfg.ForceCleanupDelay for callers to finish, then force-destroys whatever
// remains. Spec §4.10.
func (m *Manager) Shutdown(ctx context.Context) {
	m.shutdownOnce.Do(func() {
		close(m.stopTicker)
		m.publish(eventbus.RuntimeShuttingDown, m.ModuleID)

		for _, inst := range m.pool.ActiveSnapshot() {
			m.pool.MoveToDying(inst)
			m.publish(eventbus.InstanceDying, inst)
		}
		m.reportDyingCount()
		m.pool.CleanupIdle(m.destroyInstance)

		deadline := time.Now().Add(m.cfg.ForceCleanupDelay)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for m.pool.DyingCount() > 0 && time.Now().Before(deadline) {
			<-ticker.C
			m.pool.CleanupIdle(m.destroyInstance)
		}
		m.pool.ForceCleanupAll(m.destroyInstance)
		m.reportDyingCount()

		m.publish(eventbus.RuntimeShutdown, m.ModuleID)
	})
}

func (m *Manager) runCleanupTicker() {
	ticker := time.NewTicker(m.cfg.DyingCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.pool.CleanupIdle(m.destroyInstance)
			m.reportDyingCount()
		case <-m.stopTicker:
			return
		}
	}
}

// destroyInstance runs the full teardown sequence for one instance: stop
// its container, release the code-loader handle via ResourceGuard, and
// schedule a delayed leak check. Spec §4.10.
func (m *Manager) destroyInstance(inst *instance.Instance) {
	m.publish(eventbus.InstanceStopping, inst)

	var handle collab.CodeLoader
	if inst.Container != nil {
		handle = inst.Container.GetClassLoader()
		if err := inst.Container.Stop(context.Background()); err != nil {
			m.logger.Error("stopping container", "module_id", m.ModuleID, "version", inst.Version, "error", err)
		}
	}

	if m.guard != nil && handle != nil {
		if err := m.guard.Cleanup(m.ModuleID, handle); err != nil {
			m.logger.Error("releasing code-loader handle", "module_id", m.ModuleID, "error", err)
		}
	}

	m.publish(eventbus.InstanceStopped, inst)

	if m.guard != nil && handle != nil {
		go m.checkForLeak(handle)
	}
}

func (m *Manager) checkForLeak(handle collab.CodeLoader) {
	time.Sleep(m.cfg.LeakCheckDelay)
	runtime.GC()
	if m.guard.DetectLeak(m.ModuleID, handle) {
		m.logger.Warn("code-loader handle still reachable after teardown, possible leak",
			"module_id", m.ModuleID, "handle", handle.Identity())
	}
}
