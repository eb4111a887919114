// Package manager implements the ModuleManager (spec component C11): the
// global registrar owning every module's LifecycleManager, the FQSID table,
// the thread budget allocator, and the install/uninstall/canary/reload
// surface that wires the rest of the kernel together per call.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/wisbric/modkernel/pkg/kernel/collab"
	"github.com/wisbric/modkernel/pkg/kernel/eventbus"
	"github.com/wisbric/modkernel/pkg/kernel/governance"
	"github.com/wisbric/modkernel/pkg/kernel/instance"
	"github.com/wisbric/modkernel/pkg/kernel/kerrors"
	"github.com/wisbric/modkernel/pkg/kernel/lifecycle"
	"github.com/wisbric/modkernel/pkg/kernel/manifest"
	"github.com/wisbric/modkernel/pkg/kernel/permission"
	"github.com/wisbric/modkernel/pkg/kernel/registry"
	"github.com/wisbric/modkernel/pkg/kernel/router"
)

// ThreadBudget configures the global thread-budget allocator (spec §4.11).
type ThreadBudget struct {
	GlobalMaxThreads       int64
	DefaultThreadsPerModule int64
	MaxThreadsPerModule    int64
}

func (b ThreadBudget) withDefaults() ThreadBudget {
	if b.GlobalMaxThreads <= 0 {
		b.GlobalMaxThreads = 256
	}
	if b.DefaultThreadsPerModule <= 0 {
		b.DefaultThreadsPerModule = 8
	}
	if b.MaxThreadsPerModule <= 0 {
		b.MaxThreadsPerModule = 32
	}
	return b
}

// moduleRecord is everything the manager keeps about one installed module,
// needed to support reload and uninstall.
type moduleRecord struct {
	def       *manifest.Manifest
	lifecycle *lifecycle.Manager
	source    collab.Source
	threads   int64
}

// Manager is the ModuleManager.
type Manager struct {
	bus         *eventbus.Bus
	permissions *permission.Store
	registry    *registry.Registry
	governance  *governance.Kernel
	containers  collab.ContainerFactory
	loaders     collab.ModuleLoaderFactory
	verifiers   []collab.SecurityVerifier
	lifecycleCfg lifecycle.Config
	logger      *slog.Logger

	budget          ThreadBudget
	remainingThreads atomic.Int64

	mu      sync.RWMutex
	modules map[string]*moduleRecord

	canaryMu sync.RWMutex
	canary   map[string]router.CanaryPolicy

	ifaceCache sync.Map // iface string -> cached resolved moduleId

	installedGauge prometheus.Gauge      // optional; nil-safe
	dyingGauge     *prometheus.GaugeVec  // optional; nil-safe, threaded into each module's LifecycleManager
}

// Deps bundles the Manager's required and optional collaborators.
type Deps struct {
	Bus              *eventbus.Bus
	Permissions      *permission.Store
	Registry         *registry.Registry
	Governance       *governance.Kernel
	Containers       collab.ContainerFactory
	Loaders          collab.ModuleLoaderFactory
	Verifiers        []collab.SecurityVerifier
	LifecycleConfig  lifecycle.Config
	ThreadBudget     ThreadBudget
	Logger           *slog.Logger

	// InstalledGauge and DyingGauge are optional Prometheus collectors
	// (spec §6 monitoring surface). Nil disables the corresponding
	// observation without changing any governance behavior.
	InstalledGauge prometheus.Gauge
	DyingGauge     *prometheus.GaugeVec
}

// New creates a ModuleManager from its collaborators.
func New(d Deps) *Manager {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	budget := d.ThreadBudget.withDefaults()
	m := &Manager{
		bus:            d.Bus,
		permissions:    d.Permissions,
		registry:       d.Registry,
		governance:     d.Governance,
		containers:     d.Containers,
		loaders:        d.Loaders,
		verifiers:      d.Verifiers,
		lifecycleCfg:   d.LifecycleConfig,
		logger:         d.Logger,
		budget:         budget,
		modules:        make(map[string]*moduleRecord),
		canary:         make(map[string]router.CanaryPolicy),
		installedGauge: d.InstalledGauge,
		dyingGauge:     d.DyingGauge,
	}
	m.remainingThreads.Store(budget.GlobalMaxThreads)
	return m
}

func (m *Manager) allocateThreads() int64 {
	want := m.budget.DefaultThreadsPerModule
	if want > m.budget.MaxThreadsPerModule {
		want = m.budget.MaxThreadsPerModule
	}
	for {
		remaining := m.remainingThreads.Load()
		grant := want
		if grant > remaining {
			grant = remaining
		}
		if grant < 1 {
			grant = 1 // always grant at least one, even past budget
		}
		if m.remainingThreads.CompareAndSwap(remaining, remaining-grant) {
			return grant
		}
	}
}

func (m *Manager) releaseThreads(n int64) {
	m.remainingThreads.Add(n)
}

func (m *Manager) reportInstalledCount(n int) {
	if m.installedGauge != nil {
		m.installedGauge.Set(float64(n))
	}
}

func (m *Manager) setCanaryPolicy(moduleID string, p router.CanaryPolicy) {
	m.canaryMu.Lock()
	defer m.canaryMu.Unlock()
	m.canary[moduleID] = p
}

func (m *Manager) canaryPolicy(moduleID string) router.CanaryPolicy {
	m.canaryMu.RLock()
	defer m.canaryMu.RUnlock()
	return m.canary[moduleID]
}

// Install validates def, verifies source, builds a code-loader and
// container, and installs the resulting instance as the module's default.
// Spec §4.11.
func (m *Manager) Install(ctx context.Context, def *manifest.Manifest, source collab.Source) error {
	return m.install(ctx, def, source, true, nil)
}

// InstallDev is Install's dev-mode counterpart: same pipeline, source is
// whatever opaque handle the dev loader produced for a directory on disk.
func (m *Manager) InstallDev(ctx context.Context, def *manifest.Manifest, source collab.Source) error {
	return m.install(ctx, def, source, true, nil)
}

// DeployCanary installs source as a non-default instance of an
// already-installed module, carrying labels through for routing, and
// configures the TrafficRouter to steer percent% of traffic at def.Version
// (spec §4.11, S5). A percent of 0 installs the instance without routing any
// traffic at it yet.
func (m *Manager) DeployCanary(ctx context.Context, def *manifest.Manifest, source collab.Source, labels map[string]string, percent int) error {
	if err := m.install(ctx, def, source, false, labels); err != nil {
		return err
	}
	m.setCanaryPolicy(def.ID, router.CanaryPolicy{Percent: percent, CanaryVersion: def.Version})
	return nil
}

// Reload reinstalls moduleID from its stored source under a fresh version,
// preserving the previous default instance's labels. Spec §4.11.
func (m *Manager) Reload(ctx context.Context, moduleID, newVersion string) error {
	m.mu.RLock()
	rec, ok := m.modules[moduleID]
	m.mu.RUnlock()
	if !ok {
		return kerrors.New(kerrors.KindNotFound, moduleID, "", nil)
	}

	var labels map[string]string
	if def := rec.lifecycle.Pool().Default(); def != nil {
		labels = def.Labels
	}

	next := *rec.def
	next.Version = newVersion
	return m.install(ctx, &next, rec.source, true, labels)
}

func (m *Manager) install(ctx context.Context, def *manifest.Manifest, source collab.Source, isDefault bool, labels map[string]string) error {
	if err := manifest.Validate(def); err != nil {
		return kerrors.New(kerrors.KindInvalidInput, def.ID, "", err)
	}

	for _, v := range m.verifiers {
		if err := v.Verify(def.ID, source); err != nil {
			return kerrors.New(kerrors.KindSecurityViolation, def.ID, "", err)
		}
	}

	var loader collab.CodeLoader
	if m.loaders != nil {
		built, err := m.loaders.Create(def.ID, source, nil)
		if err != nil {
			return kerrors.New(kerrors.KindInstallFailed, def.ID, "", err)
		}
		loader = built
	}

	var container collab.Container
	if m.containers != nil {
		built, err := m.containers.Create(ctx, def.ID, def.Version, source, loader)
		if err != nil {
			return kerrors.New(kerrors.KindInstallFailed, def.ID, "", err)
		}
		container = built
	}

	m.bus.Publish(eventbus.ModuleInstalling, def.ID)

	m.mu.Lock()
	rec, existed := m.modules[def.ID]
	if !existed {
		rec = &moduleRecord{def: def, lifecycle: lifecycle.New(def.ID, m.lifecycleCfg, m.bus, nil, m.logger)}
		rec.lifecycle.SetDyingGauge(m.dyingGauge)
		rec.threads = m.allocateThreads()
		m.modules[def.ID] = rec
	}
	rec.def = def
	rec.source = source
	moduleCount := len(m.modules)
	m.mu.Unlock()
	if !existed {
		m.reportInstalledCount(moduleCount)
	}

	inst := instance.New(def.ID, def.Version, labels, container)
	if err := rec.lifecycle.AddInstance(ctx, inst, isDefault); err != nil {
		return err
	}

	for _, g := range def.Governance.Capabilities {
		m.permissions.Grant(def.ID, g.Capability, g.AccessType)
	}

	m.bus.Publish(eventbus.ModuleInstalled, def.ID)
	return nil
}

// Uninstall tears a module down completely. Failure in any one step is
// logged, not returned, so the remaining cleanup steps still run (spec §7
// failure isolation).
func (m *Manager) Uninstall(ctx context.Context, moduleID string) {
	m.bus.Publish(eventbus.ModuleUninstalling, moduleID)

	m.mu.Lock()
	rec, ok := m.modules[moduleID]
	if ok {
		delete(m.modules, moduleID)
	}
	moduleCount := len(m.modules)
	m.mu.Unlock()
	if ok {
		m.reportInstalledCount(moduleCount)
	}
	if !ok {
		m.logger.Warn("uninstall requested for unknown module", "module_id", moduleID)
		return
	}

	func() {
		defer m.recoverAndLog("lifecycle shutdown", moduleID)
		rec.lifecycle.Shutdown(ctx)
	}()

	func() {
		defer m.recoverAndLog("fqsid cleanup", moduleID)
		m.registry.RemoveModule(moduleID)
	}()

	func() {
		defer m.recoverAndLog("thread budget release", moduleID)
		m.releaseThreads(rec.threads)
	}()

	func() {
		defer m.recoverAndLog("permission cleanup", moduleID)
		m.permissions.RemoveModule(moduleID)
	}()

	func() {
		defer m.recoverAndLog("event unsubscribe", moduleID)
		m.bus.UnsubscribeAll(moduleID)
	}()

	func() {
		defer m.recoverAndLog("canary policy cleanup", moduleID)
		m.canaryMu.Lock()
		delete(m.canary, moduleID)
		m.canaryMu.Unlock()
	}()

	m.bus.Publish(eventbus.ModuleUninstalled, moduleID)
}

// Shutdown drains every currently installed module's LifecycleManager
// concurrently, returning once all of them have finished draining or
// force-destroying their instances (spec §4.10, applied process-wide at
// host shutdown). Module shutdowns never fail, but fanning them out through
// an errgroup.Group gives the concurrent-drain-then-wait shape the rest of
// the kernel uses for bounded fan-out.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	recs := make([]*moduleRecord, 0, len(m.modules))
	for _, rec := range m.modules {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, rec := range recs {
		rec := rec
		g.Go(func() error {
			rec.lifecycle.Shutdown(ctx)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Manager) recoverAndLog(step, moduleID string) {
	if r := recover(); r != nil {
		m.logger.Error("uninstall step failed, continuing remaining steps",
			"module_id", moduleID, "step", step, "recovered", r)
	}
}

// InvokeService routes a call by FQSID through the GovernanceKernel. A
// missing FQSID or a module with no eligible instance fails UNAVAILABLE or
// NOT_FOUND rather than panicking. Spec §4.11.
func (m *Manager) InvokeService(ctx context.Context, callerID string, fqsid registry.FQSID, method string, args []any) (any, error) {
	entry, ok := m.registry.Lookup(fqsid)
	if !ok {
		return nil, kerrors.New(kerrors.KindNotFound, fqsid.ModuleID(), string(fqsid), nil)
	}

	m.mu.RLock()
	rec, ok := m.modules[entry.ModuleID]
	m.mu.RUnlock()
	if !ok {
		return nil, kerrors.New(kerrors.KindNotFound, entry.ModuleID, string(fqsid), nil)
	}

	inst := router.Route(rec.lifecycle.Pool(), m.canaryPolicy(entry.ModuleID))
	if inst == nil {
		return nil, kerrors.New(kerrors.KindUnavailable, entry.ModuleID, string(fqsid), nil)
	}

	opMethod := method
	if opMethod == "" {
		opMethod = entry.Method
	}

	ic := governance.Context{
		CallerModuleID:     callerID,
		TargetModuleID:     entry.ModuleID,
		ResourceType:       "SERVICE",
		ResourceID:         string(fqsid),
		AccessType:         permission.Execute,
		RequiredCapability: string(fqsid),
		Operation:          opMethod,
	}
	return m.governance.Invoke(ctx, ic, inst, func(callCtx context.Context) (any, error) {
		return inst.Container.Invoke(callCtx, string(fqsid), opMethod, args)
	})
}

// ServiceProxy is the opaque handle getGlobalServiceProxy returns: each
// call re-resolves the target module so the proxy survives temporary
// absence of the module it fronts. Spec §4.11.
type ServiceProxy struct {
	m              *Manager
	callerID       string
	iface          string
	pinnedModuleID string // non-empty when targetModuleID was specified explicitly
}

// GetGlobalServiceProxy returns a proxy for iface, optionally pinned to a
// specific module id.
func (m *Manager) GetGlobalServiceProxy(callerID, iface, targetModuleID string) *ServiceProxy {
	return &ServiceProxy{m: m, callerID: callerID, iface: iface, pinnedModuleID: targetModuleID}
}

// Call resolves the proxy's target module and invokes method on it,
// inferring accessType from method the same way GovernanceKernel does.
func (p *ServiceProxy) Call(ctx context.Context, method string, args []any) (any, error) {
	moduleID := p.pinnedModuleID
	if moduleID == "" {
		resolved, err := p.m.registry.ResolveInterface(p.iface, nil)
		if err != nil {
			return nil, kerrors.New(kerrors.KindUnavailable, "", p.iface, err)
		}
		moduleID = resolved
	}

	p.m.mu.RLock()
	rec, ok := p.m.modules[moduleID]
	p.m.mu.RUnlock()
	if !ok {
		return nil, kerrors.New(kerrors.KindUnavailable, moduleID, p.iface, nil)
	}

	inst := router.Route(rec.lifecycle.Pool(), p.m.canaryPolicy(moduleID))
	if inst == nil {
		return nil, kerrors.New(kerrors.KindUnavailable, moduleID, p.iface, nil)
	}

	ic := governance.Context{
		CallerModuleID:     p.callerID,
		TargetModuleID:     moduleID,
		ResourceType:       "SERVICE",
		ResourceID:         p.iface,
		RequiredCapability: fmt.Sprintf("%s:%s", p.iface, method),
		Operation:          method,
	}
	return p.m.governance.Invoke(ctx, ic, inst, func(callCtx context.Context) (any, error) {
		return inst.Container.Invoke(callCtx, p.iface, method, args)
	})
}

// Status is a read-only snapshot of one module's current state, for the
// supplemented status/inspection surface (see DESIGN.md).
type Status struct {
	ModuleID       string
	Version        string
	ThreadsGranted int64
}

// Snapshot returns a Status for every currently installed module.
func (m *Manager) Snapshot() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Status, 0, len(m.modules))
	for id, rec := range m.modules {
		version := ""
		if def := rec.lifecycle.Pool().Default(); def != nil {
			version = def.Version
		}
		out = append(out, Status{ModuleID: id, Version: version, ThreadsGranted: rec.threads})
	}
	return out
}
