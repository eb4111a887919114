package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/wisbric/modkernel/pkg/kernel/audit"
	"github.com/wisbric/modkernel/pkg/kernel/collab"
	"github.com/wisbric/modkernel/pkg/kernel/eventbus"
	"github.com/wisbric/modkernel/pkg/kernel/governance"
	"github.com/wisbric/modkernel/pkg/kernel/kerrors"
	"github.com/wisbric/modkernel/pkg/kernel/lifecycle"
	"github.com/wisbric/modkernel/pkg/kernel/manifest"
	"github.com/wisbric/modkernel/pkg/kernel/permission"
	"github.com/wisbric/modkernel/pkg/kernel/registry"
)

type fakeLoader struct{ id string }

func (f fakeLoader) Identity() string { return f.id }

// fakeContainer echoes its own version on every Invoke so tests can verify
// which instance actually served a call (spec S1's "version tag" check).
type fakeContainer struct {
	version string
	stopErr error
	sleep   time.Duration

	mu     sync.Mutex
	calls  int
}

func (c *fakeContainer) Start(ctx context.Context) error { return nil }
func (c *fakeContainer) Stop(ctx context.Context) error   { return c.stopErr }
func (c *fakeContainer) IsActive() bool                   { return true }
func (c *fakeContainer) GetBean(string) (any, error)      { return nil, nil }
func (c *fakeContainer) GetBeanNames() []string           { return nil }
func (c *fakeContainer) GetClassLoader() collab.CodeLoader {
	return fakeLoader{id: c.version}
}
func (c *fakeContainer) Invoke(ctx context.Context, fqsid, method string, args []any) (any, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.sleep > 0 {
		select {
		case <-time.After(c.sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return c.version, nil
}

type fakeContainerFactory struct {
	newSleep time.Duration
	stopErr  map[string]error
}

func (f *fakeContainerFactory) Create(ctx context.Context, moduleID, version string, source collab.Source, loader collab.CodeLoader) (collab.Container, error) {
	return &fakeContainer{version: version, sleep: f.newSleep, stopErr: f.stopErr[moduleID]}, nil
}

type fakeLoaderFactory struct{}

func (fakeLoaderFactory) Create(moduleID string, source collab.Source, parent collab.CodeLoader) (collab.CodeLoader, error) {
	return fakeLoader{id: moduleID}, nil
}

func newTestManager(t *testing.T, cf collab.ContainerFactory) *Manager {
	t.Helper()
	logger := slog.Default()
	bus := eventbus.New(logger, 256)
	t.Cleanup(bus.Close)

	store := permission.New(logger)
	reg := registry.NewRegistry(logger)
	sink := audit.NewSink(discardWriter{}, logger, audit.WithFlushInterval(5*time.Millisecond))
	sink.Start(context.Background())
	t.Cleanup(func() { sink.Close(time.Second) })

	gov := governance.New(store, sink)

	m := New(Deps{
		Bus:         bus,
		Permissions: store,
		Registry:    reg,
		Governance:  gov,
		Containers:  cf,
		Loaders:     fakeLoaderFactory{},
		LifecycleConfig: lifecycle.Config{
			MaxHistorySnapshots: 4,
			DyingCheckInterval:  20 * time.Millisecond,
			ForceCleanupDelay:   500 * time.Millisecond,
			LeakCheckDelay:      5 * time.Millisecond,
		},
		ThreadBudget: ThreadBudget{GlobalMaxThreads: 64, DefaultThreadsPerModule: 4, MaxThreadsPerModule: 8},
		Logger:       logger,
	})
	return m
}

type discardWriter struct{}

func (discardWriter) WriteBatch(ctx context.Context, recs []audit.Record) error { return nil }

func userManifest(version string) *manifest.Manifest {
	return &manifest.Manifest{
		ID:      "user",
		Version: version,
		Governance: manifest.Governance{
			Capabilities: []manifest.CapabilityGrant{
				{Capability: "user:find", AccessType: permission.Read},
			},
		},
	}
}

func TestInstallGrantsCapabilitiesAndServesRegisteredFQSID(t *testing.T) {
	m := newTestManager(t, &fakeContainerFactory{})
	if err := m.Install(context.Background(), userManifest("1.0.0"), nil); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if got := m.permissions.GetPermission("user", "user:find"); got != permission.Read {
		t.Fatalf("expected Install to grant user:find READ, got %v", got)
	}
	m.registry.Register(registry.Entry{FQSID: registry.New("user", "find"), ModuleID: "user", Method: "find"})

	result, err := m.InvokeService(context.Background(), permission.HostModuleID, registry.New("user", "find"), "", nil)
	if err != nil {
		t.Fatalf("InvokeService: %v", err)
	}
	if result != "1.0.0" {
		t.Fatalf("expected call to land on v1.0.0, got %v", result)
	}
}

func TestInvokeServiceNotFoundForUnknownFQSID(t *testing.T) {
	m := newTestManager(t, &fakeContainerFactory{})
	_, err := m.InvokeService(context.Background(), "host", registry.New("ghost", "op"), "", nil)
	if kerrors.KindOf(err) != kerrors.KindNotFound {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestBlueGreenDrainRoutesInFlightToOldAndNewToNew(t *testing.T) {
	cf := &fakeContainerFactory{newSleep: 150 * time.Millisecond}
	m := newTestManager(t, cf)
	if err := m.Install(context.Background(), userManifest("1.0.0"), nil); err != nil {
		t.Fatalf("Install v1: %v", err)
	}
	m.registry.Register(registry.Entry{FQSID: registry.New("user", "find"), ModuleID: "user", Method: "find"})
	m.governance.ConfigureBulkhead("user", governance.BulkheadConfig{MaxConcurrent: 32, AcquireTimeout: time.Second})

	var wg sync.WaitGroup
	results := make([]any, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			v, err := m.InvokeService(context.Background(), permission.HostModuleID, registry.New("user", "find"), "", nil)
			if err != nil {
				t.Errorf("in-flight invoke %d: %v", idx, err)
				return
			}
			results[idx] = v
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	if err := m.Install(context.Background(), userManifest("2.0.0"), nil); err != nil {
		t.Fatalf("Install v2: %v", err)
	}

	afterUpgrade, err := m.InvokeService(context.Background(), permission.HostModuleID, registry.New("user", "find"), "", nil)
	if err != nil {
		t.Fatalf("post-upgrade invoke: %v", err)
	}
	if afterUpgrade != "2.0.0" {
		t.Fatalf("expected post-upgrade call to land on v2.0.0, got %v", afterUpgrade)
	}

	wg.Wait()
	for i, r := range results {
		if r != "1.0.0" {
			t.Errorf("in-flight call %d expected to complete against v1.0.0, got %v", i, r)
		}
	}
}

func TestPermissionDeniedBlocksCall(t *testing.T) {
	m := newTestManager(t, &fakeContainerFactory{})
	def := userManifest("1.0.0")
	def.Governance.Capabilities = []manifest.CapabilityGrant{
		{Capability: "storage:sql", AccessType: permission.Read},
	}
	if err := m.Install(context.Background(), def, nil); err != nil {
		t.Fatalf("Install: %v", err)
	}

	m.mu.RLock()
	rec := m.modules["user"]
	m.mu.RUnlock()
	inst := rec.lifecycle.Pool().Default()

	ic := governance.Context{
		CallerModuleID:     "user",
		TargetModuleID:     "other",
		RequiredCapability: "storage:sql",
		AccessType:         permission.Write,
	}
	_, err := m.governance.Invoke(context.Background(), ic, inst, func(ctx context.Context) (any, error) {
		t.Fatal("call must not dispatch when access is denied")
		return nil, nil
	})
	if kerrors.KindOf(err) != kerrors.KindPermissionDenied {
		t.Fatalf("expected PERMISSION_DENIED, got %v", err)
	}
}

func TestUninstallIsolatesFailureAndLeavesOthersUnaffected(t *testing.T) {
	cf := &fakeContainerFactory{stopErr: map[string]error{"b": errors.New("stop failed")}}
	m := newTestManager(t, cf)

	if err := m.Install(context.Background(), &manifest.Manifest{ID: "a", Version: "1.0.0"}, nil); err != nil {
		t.Fatalf("Install a: %v", err)
	}
	if err := m.Install(context.Background(), &manifest.Manifest{ID: "b", Version: "1.0.0"}, nil); err != nil {
		t.Fatalf("Install b: %v", err)
	}
	m.registry.Register(registry.Entry{FQSID: registry.New("a", "op"), ModuleID: "a", Method: "op"})
	m.registry.Register(registry.Entry{FQSID: registry.New("b", "op"), ModuleID: "b", Method: "op"})

	m.Uninstall(context.Background(), "b")

	if _, ok := m.registry.Lookup(registry.New("b", "op")); ok {
		t.Fatal("expected b's fqsid entries purged despite its container.Stop failing")
	}

	result, err := m.InvokeService(context.Background(), permission.HostModuleID, registry.New("a", "op"), "", nil)
	if err != nil {
		t.Fatalf("module a should remain callable after b's teardown failure: %v", err)
	}
	if result != "1.0.0" {
		t.Fatalf("unexpected result from module a: %v", result)
	}
}

func TestGlobalServiceProxySurvivesTargetAbsence(t *testing.T) {
	m := newTestManager(t, &fakeContainerFactory{})
	proxy := m.GetGlobalServiceProxy("caller", "com.example.Missing", "")

	_, err := proxy.Call(context.Background(), "doThing", nil)
	if kerrors.KindOf(err) != kerrors.KindUnavailable {
		t.Fatalf("expected UNAVAILABLE for an unresolved interface, got %v", err)
	}
}

func TestGlobalServiceProxyPinnedModuleRoutesDirectly(t *testing.T) {
	m := newTestManager(t, &fakeContainerFactory{})
	if err := m.Install(context.Background(), &manifest.Manifest{ID: "billing", Version: "1.0.0"}, nil); err != nil {
		t.Fatalf("Install: %v", err)
	}
	proxy := m.GetGlobalServiceProxy("caller", "com.example.Billing", "billing")
	m.permissions.Grant("caller", "com.example.Billing:getBalance", permission.Read)

	result, err := proxy.Call(context.Background(), "getBalance", nil)
	if err != nil {
		t.Fatalf("proxy.Call: %v", err)
	}
	if result != "1.0.0" {
		t.Fatalf("expected pinned proxy to reach billing's instance, got %v", result)
	}
}

func TestDeployCanaryRoutesApproximatePercentOfTraffic(t *testing.T) {
	m := newTestManager(t, &fakeContainerFactory{})
	if err := m.Install(context.Background(), userManifest("1.0.0"), nil); err != nil {
		t.Fatalf("Install v1: %v", err)
	}
	m.registry.Register(registry.Entry{FQSID: registry.New("user", "find"), ModuleID: "user", Method: "find"})

	if err := m.DeployCanary(context.Background(), userManifest("2.0-canary"), nil, nil, 20); err != nil {
		t.Fatalf("DeployCanary: %v", err)
	}

	canaryHits := 0
	const n = 5000
	for i := 0; i < n; i++ {
		result, err := m.InvokeService(context.Background(), permission.HostModuleID, registry.New("user", "find"), "", nil)
		if err != nil {
			t.Fatalf("InvokeService: %v", err)
		}
		if result == "2.0-canary" {
			canaryHits++
		}
	}
	if canaryHits < 800 || canaryHits > 1250 {
		t.Fatalf("canary hits = %d out of %d, want roughly 20%%", canaryHits, n)
	}
}

func TestDeployCanaryInstanceDoesNotBecomeDefault(t *testing.T) {
	m := newTestManager(t, &fakeContainerFactory{})
	if err := m.Install(context.Background(), userManifest("1.0.0"), nil); err != nil {
		t.Fatalf("Install v1: %v", err)
	}
	if err := m.DeployCanary(context.Background(), userManifest("2.0-canary"), nil, nil, 0); err != nil {
		t.Fatalf("DeployCanary: %v", err)
	}

	m.mu.RLock()
	rec := m.modules["user"]
	m.mu.RUnlock()
	if def := rec.lifecycle.Pool().Default(); def == nil || def.Version != "1.0.0" {
		t.Fatalf("expected default instance to remain v1.0.0, got %v", def)
	}
}

func TestUninstallClearsCanaryPolicy(t *testing.T) {
	m := newTestManager(t, &fakeContainerFactory{})
	if err := m.Install(context.Background(), userManifest("1.0.0"), nil); err != nil {
		t.Fatalf("Install v1: %v", err)
	}
	if err := m.DeployCanary(context.Background(), userManifest("2.0-canary"), nil, nil, 50); err != nil {
		t.Fatalf("DeployCanary: %v", err)
	}
	m.Uninstall(context.Background(), "user")

	if p := m.canaryPolicy("user"); p.Percent != 0 || p.CanaryVersion != "" {
		t.Fatalf("expected canary policy cleared after uninstall, got %+v", p)
	}
}

func TestShutdownDrainsAllInstalledModulesConcurrently(t *testing.T) {
	m := newTestManager(t, &fakeContainerFactory{})
	if err := m.Install(context.Background(), &manifest.Manifest{ID: "a", Version: "1.0.0"}, nil); err != nil {
		t.Fatalf("Install a: %v", err)
	}
	if err := m.Install(context.Background(), &manifest.Manifest{ID: "b", Version: "1.0.0"}, nil); err != nil {
		t.Fatalf("Install b: %v", err)
	}

	m.Shutdown(context.Background())

	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, rec := range m.modules {
		if def := rec.lifecycle.Pool().Default(); def != nil {
			t.Fatalf("expected module %s to have no default instance after Shutdown, got %v", id, def)
		}
	}
}

func TestThreadBudgetReclaimedOnUninstall(t *testing.T) {
	m := newTestManager(t, &fakeContainerFactory{})
	before := m.remainingThreads.Load()

	if err := m.Install(context.Background(), &manifest.Manifest{ID: "x", Version: "1.0.0"}, nil); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if m.remainingThreads.Load() == before {
		t.Fatal("expected thread budget to shrink after install")
	}

	m.Uninstall(context.Background(), "x")
	if m.remainingThreads.Load() != before {
		t.Fatalf("expected thread budget restored after uninstall, got %d want %d", m.remainingThreads.Load(), before)
	}
}
