// Package governance implements the GovernanceKernel (spec component C9):
// the single entry point every governed call passes through. It composes
// policy inference, a permission check, trace propagation, the bulkhead and
// deadline-bound executor, and conditional audit emission around exactly
// one invocation.
package governance

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wisbric/modkernel/pkg/kernel/audit"
	"github.com/wisbric/modkernel/pkg/kernel/collab"
	"github.com/wisbric/modkernel/pkg/kernel/executor"
	"github.com/wisbric/modkernel/pkg/kernel/instance"
	"github.com/wisbric/modkernel/pkg/kernel/kerrors"
	"github.com/wisbric/modkernel/pkg/kernel/permission"
	"github.com/wisbric/modkernel/pkg/kernel/trace"
)

// Metrics holds the Prometheus collectors Invoke reports through, following
// the teacher's own nil-safe injected-metrics-struct pattern
// (pkg/alert.WebhookMetrics): every field may be left nil, in which case the
// corresponding observation is skipped.
type Metrics struct {
	InvocationsTotal      *prometheus.CounterVec
	InvocationDuration    *prometheus.HistogramVec
	BulkheadRejectedTotal *prometheus.CounterVec
}

// Context is the immutable value passed through invoke (spec §3
// InvocationContext). At invoke time a blank AccessType is inferred from
// Operation and a blank RequiredCapability is taken from ResourceID.
type Context struct {
	CallerModuleID      string
	TargetModuleID      string
	ResourceType        string
	ResourceID          string
	AccessType          permission.AccessType
	RequiredCapability  string
	ShouldAudit        bool
	AuditAction        string
	Operation          string // method-ish name used for access-type inference
	Labels             map[string]string
	Deadline           time.Duration
}

var readPrefixes = []string{"get", "find", "query", "list", "select", "count", "check", "is", "has"}
var writePrefixes = []string{"create", "save", "insert", "update", "modify", "delete", "remove", "add", "set"}

// InferAccessType derives an AccessType from a method-like name's prefix,
// per the table in spec §4.9: read-ish verbs map to READ, write-ish verbs to
// WRITE, anything else to EXECUTE.
func InferAccessType(operation string) permission.AccessType {
	lower := strings.ToLower(operation)
	for _, p := range readPrefixes {
		if strings.HasPrefix(lower, p) {
			return permission.Read
		}
	}
	for _, p := range writePrefixes {
		if strings.HasPrefix(lower, p) {
			return permission.Write
		}
	}
	return permission.Execute
}

// resolvePolicy fills in AccessType and RequiredCapability when left blank,
// inferring from the operation name and resource id respectively.
func resolvePolicy(ic Context) Context {
	if ic.AccessType == permission.None {
		ic.AccessType = InferAccessType(ic.Operation)
	}
	if ic.RequiredCapability == "" {
		ic.RequiredCapability = ic.ResourceID
	}
	return ic
}

// Kernel is the GovernanceKernel.
type Kernel struct {
	permissions *permission.Store
	sink        *audit.Sink
	bulkheads   *bulkheadRegistry
	metrics     *Metrics
	propagator  collab.ThreadLocalPropagator
}

// Option configures a Kernel at construction time.
type Option func(*Kernel)

// WithDefaultBulkhead overrides the bulkhead settings applied to a module on
// first invoke, before any explicit ConfigureBulkhead call for it.
func WithDefaultBulkhead(cfg BulkheadConfig) Option {
	return func(k *Kernel) { k.bulkheads.fallback = cfg }
}

// WithMetrics wires Prometheus collectors into every Invoke call. Omitting
// this option (or leaving individual fields nil) disables the corresponding
// observation — the kernel runs identically either way.
func WithMetrics(m Metrics) Option {
	return func(k *Kernel) { k.metrics = &m }
}

// WithPropagator wires the ThreadLocalPropagator every Invoke call captures
// the caller's ambient context through before handing the callee its
// execution context (spec §4.8 step 3, §6). Omitting this option leaves the
// default collab.NoopPropagator in place.
func WithPropagator(p collab.ThreadLocalPropagator) Option {
	return func(k *Kernel) { k.propagator = p }
}

// New creates a Kernel backed by the given PermissionStore and AuditSink.
func New(permissions *permission.Store, sink *audit.Sink, opts ...Option) *Kernel {
	k := &Kernel{
		permissions: permissions,
		sink:        sink,
		bulkheads:   newBulkheadRegistry(),
		propagator:  collab.NoopPropagator{},
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// BulkheadConfig configures (or reconfigures) the per-module concurrency
// limiter lazily created on first invoke for a module.
type BulkheadConfig struct {
	MaxConcurrent  int64
	AcquireTimeout time.Duration
}

// ConfigureBulkhead installs explicit bulkhead settings for moduleID ahead
// of first use; otherwise sane defaults are created lazily.
func (k *Kernel) ConfigureBulkhead(moduleID string, cfg BulkheadConfig) {
	k.bulkheads.configure(moduleID, cfg)
}

// Call is the thunk the caller supplies; it receives the context carrying
// the propagated trace id. Routing happens before Invoke (which is handed the
// already-routed instance), and executor.Run handles the bulkhead permit and
// the instance's Enter/Exit, so callers only provide the leaf call.
type Call = executor.Call

// Invoke is the GovernanceKernel's single entry point (spec §4.9): resolve
// policy, check permission, start/propagate a trace, execute under the
// module's bulkhead and deadline against inst, and emit exactly one audit
// record on completion when warranted.
func (k *Kernel) Invoke(ctx context.Context, ic Context, inst *instance.Instance, call Call) (any, error) {
	ic = resolvePolicy(ic)

	decision := k.permissions.Check(ic.CallerModuleID, ic.RequiredCapability, ic.AccessType)
	traceID, ctx, end := trace.Start(ctx)
	defer end()
	start := time.Now()

	if !decision.Allowed {
		k.audit(ic, inst, traceID, audit.Denied, start)
		k.recordInvocation(ic.TargetModuleID, "DENIED", start)
		return nil, kerrors.New(kerrors.KindPermissionDenied, ic.TargetModuleID, ic.RequiredCapability, nil)
	}

	deadline := ic.Deadline
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	bh := k.bulkheads.get(ic.TargetModuleID)

	result, err := executor.Run(ctx, bh, inst, ic.TargetModuleID, ic.CallerModuleID, deadline, k.propagator, call)

	if ic.ShouldAudit || ic.AccessType != permission.Read || err != nil || decision.DevBypass {
		outcome := audit.Allowed
		if err != nil {
			outcome = audit.ErrorOutcome
		}
		k.audit(ic, inst, traceID, outcome, start)
	}
	metricOutcome := "COMPLETED"
	if err != nil {
		metricOutcome = kerrors.KindOf(err).String()
	}
	k.recordInvocation(ic.TargetModuleID, metricOutcome, start)
	if kerrors.KindOf(err) == kerrors.KindRejected && k.metrics != nil && k.metrics.BulkheadRejectedTotal != nil {
		k.metrics.BulkheadRejectedTotal.WithLabelValues(ic.TargetModuleID).Inc()
	}
	return result, err
}

// recordInvocation reports one terminal invocation outcome. outcome is
// "COMPLETED" on success, or the failing kerrors.Kind's name otherwise
// ("UNKNOWN" for an error that carries no Kind).
func (k *Kernel) recordInvocation(moduleID, outcome string, start time.Time) {
	if k.metrics == nil {
		return
	}
	if k.metrics.InvocationsTotal != nil {
		k.metrics.InvocationsTotal.WithLabelValues(moduleID, outcome).Inc()
	}
	if k.metrics.InvocationDuration != nil {
		k.metrics.InvocationDuration.WithLabelValues(moduleID).Observe(time.Since(start).Seconds())
	}
}

func (k *Kernel) audit(ic Context, inst *instance.Instance, traceID string, outcome audit.Outcome, start time.Time) {
	if k.sink == nil {
		return
	}
	version := ""
	if inst != nil {
		version = inst.Version
	}
	k.sink.Record(audit.Record{
		TraceID:        traceID,
		CallerModuleID: ic.CallerModuleID,
		TargetModuleID: ic.TargetModuleID,
		ModuleVersion:  version,
		Capability:     ic.RequiredCapability,
		Operation:      ic.Operation,
		Outcome:        outcome,
		LatencyNs:      time.Since(start).Nanoseconds(),
	})
}

// bulkheadRegistry lazily creates and caches one Bulkhead per module id.
type bulkheadRegistry struct {
	mu       sync.Mutex
	defs     map[string]BulkheadConfig
	created  map[string]*executor.Bulkhead
	fallback BulkheadConfig
}

func newBulkheadRegistry() *bulkheadRegistry {
	return &bulkheadRegistry{
		defs:    make(map[string]BulkheadConfig),
		created: make(map[string]*executor.Bulkhead),
		fallback: BulkheadConfig{
			MaxConcurrent:  defaultBulkheadMaxConcurrent,
			AcquireTimeout: defaultBulkheadAcquireTimeout,
		},
	}
}

const (
	defaultBulkheadMaxConcurrent  = 16
	defaultBulkheadAcquireTimeout = 200 * time.Millisecond
)

func (r *bulkheadRegistry) configure(moduleID string, cfg BulkheadConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[moduleID] = cfg
	delete(r.created, moduleID) // next get() rebuilds with the new config
}

func (r *bulkheadRegistry) get(moduleID string) *executor.Bulkhead {
	r.mu.Lock()
	defer r.mu.Unlock()
	if bh, ok := r.created[moduleID]; ok {
		return bh
	}
	cfg, ok := r.defs[moduleID]
	if !ok {
		cfg = r.fallback
	}
	bh := executor.NewBulkhead(cfg.MaxConcurrent, cfg.AcquireTimeout)
	r.created[moduleID] = bh
	return bh
}
