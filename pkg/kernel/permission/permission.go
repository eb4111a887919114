// Package permission implements the capability-based permission lattice and
// the PermissionStore (spec component C2): moduleId -> capability -> grant.
package permission

import (
	"fmt"
	"log/slog"
	"sync"
)

// AccessType is a point in the lattice NONE < READ < WRITE, NONE < EXECUTE.
type AccessType int

const (
	None AccessType = iota
	Read
	Write
	Execute
)

func (a AccessType) String() string {
	switch a {
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	case Execute:
		return "EXECUTE"
	default:
		return "NONE"
	}
}

// Satisfies reports whether a grant of type a covers a required access r.
// Every type satisfies itself and NONE; WRITE additionally satisfies READ.
func (a AccessType) Satisfies(r AccessType) bool {
	if r == None {
		return true
	}
	if a == r {
		return true
	}
	return a == Write && r == Read
}

// FrameworkContractPrefix marks capabilities owned by the hosting framework
// itself (e.g. "framework:lifecycle") which whitelist through IsAllowed
// regardless of module grants.
const FrameworkContractPrefix = "framework:"

// HostModuleID is the reserved identity used by the host process itself when
// it calls into governed code directly (not via another module).
const HostModuleID = "__host__"

// Store holds moduleId -> capability -> AccessType grants.
type Store struct {
	mu    sync.RWMutex
	grant map[string]map[string]AccessType

	devMode              bool
	hostGovernanceEnabled bool
	logger               *slog.Logger
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithDevMode enables the dev-mode bypass: a missing grant is allowed and
// logged instead of denied.
func WithDevMode(enabled bool) Option {
	return func(s *Store) { s.devMode = enabled }
}

// WithHostGovernance controls whether calls attributed to HostModuleID still
// go through a real grant lookup. Disabled (the default) means the host is
// always allowed, matching spec §4.2's whitelist short-circuit.
func WithHostGovernance(enabled bool) Option {
	return func(s *Store) { s.hostGovernanceEnabled = enabled }
}

// New creates an empty PermissionStore.
func New(logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		grant:  make(map[string]map[string]AccessType),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Grant records that moduleId holds access for capability.
func (s *Store) Grant(moduleID, capability string, access AccessType) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.grant[moduleID]
	if !ok {
		m = make(map[string]AccessType)
		s.grant[moduleID] = m
	}
	m[capability] = access
}

// Revoke removes a single capability grant for a module.
func (s *Store) Revoke(moduleID, capability string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.grant[moduleID]; ok {
		delete(m, capability)
	}
}

// GetPermission returns the currently granted access type for a module's
// capability, or None if nothing is granted.
func (s *Store) GetPermission(moduleID, capability string) AccessType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if m, ok := s.grant[moduleID]; ok {
		return m[capability]
	}
	return None
}

// RemoveModule deletes every grant owned by moduleID. Idempotent: calling it
// twice, or on a module with no grants, is a no-op. Must be called during
// uninstall before the module's code-loader is released (spec §4.2).
func (s *Store) RemoveModule(moduleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grant, moduleID)
}

// IsAllowed reports whether moduleID may exercise capability at the required
// access level. Framework-contract capabilities and (when host governance is
// disabled) the host module id short-circuit to true. On a genuine miss,
// dev-mode converts the result to true and logs a structured warning naming
// the missing declaration.
func (s *Store) IsAllowed(moduleID, capability string, required AccessType) bool {
	if len(capability) >= len(FrameworkContractPrefix) && capability[:len(FrameworkContractPrefix)] == FrameworkContractPrefix {
		return true
	}
	if moduleID == HostModuleID && !s.hostGovernanceEnabled {
		return true
	}

	granted := s.GetPermission(moduleID, capability)
	if granted.Satisfies(required) {
		return true
	}

	if s.devMode {
		s.logger.Warn("permission bypass: missing capability declaration (dev mode)",
			"module_id", moduleID,
			"declaration", fmt.Sprintf("%s:%s", capability, required),
		)
		return true
	}

	return false
}

// Decision is the outcome of a permission check, distinguishing a genuine
// grant from a dev-mode bypass so callers (the GovernanceKernel) can audit
// the bypass explicitly.
type Decision struct {
	Allowed   bool
	DevBypass bool
}

// Check is IsAllowed's richer sibling: it reports whether the result came
// from a dev-mode bypass rather than a real grant or whitelist.
func (s *Store) Check(moduleID, capability string, required AccessType) Decision {
	if len(capability) >= len(FrameworkContractPrefix) && capability[:len(FrameworkContractPrefix)] == FrameworkContractPrefix {
		return Decision{Allowed: true}
	}
	if moduleID == HostModuleID && !s.hostGovernanceEnabled {
		return Decision{Allowed: true}
	}

	granted := s.GetPermission(moduleID, capability)
	if granted.Satisfies(required) {
		return Decision{Allowed: true}
	}

	if s.devMode {
		s.logger.Warn("permission bypass: missing capability declaration (dev mode)",
			"module_id", moduleID,
			"declaration", fmt.Sprintf("%s:%s", capability, required),
		)
		return Decision{Allowed: true, DevBypass: true}
	}

	return Decision{Allowed: false}
}
