// Package registry implements the ServiceRegistry (spec component C6): the
// FQSID -> (module, method) table and a lazily populated interface -> module
// cache, modeled on the teacher's provider registry
// (pkg/messaging.Registry) generalized to two maps and warning-on-conflict
// semantics.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// FQSID is a "moduleId:shortId" address, unique process-wide.
type FQSID string

// New builds an FQSID from its parts.
func New(moduleID, shortID string) FQSID {
	return FQSID(moduleID + ":" + shortID)
}

// ModuleID extracts the owning module id from an FQSID.
func (f FQSID) ModuleID() string {
	s := string(f)
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// Entry is one registered (fqsid, module, bean, method) mapping.
type Entry struct {
	FQSID    FQSID
	ModuleID string
	Bean     any
	Method   string
}

// Registry holds the FQSID table and the interface resolution cache.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	fqsid     map[FQSID]Entry
	iface     map[string]string // interface fully-qualified name -> moduleId
	resolved  map[string]bool   // interfaces that have already warned once
}

// NewRegistry creates an empty ServiceRegistry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger,
		fqsid:    make(map[FQSID]Entry),
		iface:    make(map[string]string),
		resolved: make(map[string]bool),
	}
}

// Register adds or replaces an FQSID entry. A conflicting re-register (same
// FQSID, different owning module) logs a warning and overwrites — this is
// what makes a hot blue/green upgrade's registration swap atomic.
func (r *Registry) Register(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.fqsid[e.FQSID]; ok && existing.ModuleID != e.ModuleID {
		r.logger.Warn("fqsid re-registered under a different module",
			"fqsid", e.FQSID, "previous_module_id", existing.ModuleID, "new_module_id", e.ModuleID)
	}
	r.fqsid[e.FQSID] = e
}

// Lookup returns the entry registered for fqsid, if any.
func (r *Registry) Lookup(fqsid FQSID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.fqsid[fqsid]
	return e, ok
}

// Unregister removes a single FQSID entry if it is currently owned by
// moduleID (a stale entry re-registered by a different module is left
// alone).
func (r *Registry) Unregister(fqsid FQSID, moduleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.fqsid[fqsid]; ok && e.ModuleID == moduleID {
		delete(r.fqsid, fqsid)
	}
}

// RemoveModule removes every FQSID entry owned by moduleID and any
// interface-cache entries resolving to it. Must run after the module's
// lifecycle has shut down (spec §4.11).
func (r *Registry) RemoveModule(moduleID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for fqsid, e := range r.fqsid {
		if e.ModuleID == moduleID {
			delete(r.fqsid, fqsid)
		}
	}
	for iface, mod := range r.iface {
		if mod == moduleID {
			delete(r.iface, iface)
			delete(r.resolved, iface)
		}
	}
}

// RegisterInterfaceProviders tells the registry which modules currently
// claim to implement iface, ahead of any ResolveInterface call.
func (r *Registry) RegisterInterfaceProviders(iface string, moduleIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// The winner is fixed here, deterministically (lexicographically smallest
	// module id), unless iface is already resolved; later ResolveInterface
	// calls return it from the cache.
	if _, ok := r.iface[iface]; !ok && len(moduleIDs) > 0 {
		sorted := append([]string(nil), moduleIDs...)
		sort.Strings(sorted)
		r.iface[iface] = sorted[0]
		if len(sorted) > 1 && !r.resolved[iface] {
			r.resolved[iface] = true
			r.logger.Warn("interface implemented by multiple modules, resolving deterministically",
				"interface", iface, "candidates", sorted, "resolved_to", sorted[0])
		}
	}
}

// ResolveInterface returns the module id chosen to serve iface. If multiple
// modules register the same interface the choice is deterministic
// (lexicographically smallest module id) and a warning fires the first time
// it is resolved.
func (r *Registry) ResolveInterface(iface string, candidates []string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if mod, ok := r.iface[iface]; ok {
		return mod, nil
	}
	if len(candidates) == 0 {
		return "", fmt.Errorf("no module registers interface %q", iface)
	}

	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)
	winner := sorted[0]
	r.iface[iface] = winner

	if len(sorted) > 1 && !r.resolved[iface] {
		r.resolved[iface] = true
		r.logger.Warn("interface implemented by multiple modules, resolving deterministically",
			"interface", iface, "candidates", sorted, "resolved_to", winner)
	}
	return winner, nil
}

// BeanHandle is a thin alias documenting that Entry.Bean is whatever opaque
// handle the module's Container returned for the service bean.
type BeanHandle = any
