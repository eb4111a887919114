// Package instance implements Instance and InstancePool (spec component C5):
// the state machine for one running module incarnation and the per-module
// active/dying set with an atomic default pointer.
package instance

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/wisbric/modkernel/pkg/kernel/collab"
	"github.com/wisbric/modkernel/pkg/kernel/kerrors"
)

// State is a point in the instance lifecycle. States only advance.
type State uint32

const (
	Starting State = iota
	Ready
	Dying
	Destroyed
)

func (s State) String() string {
	switch s {
	case Starting:
		return "STARTING"
	case Ready:
		return "READY"
	case Dying:
		return "DYING"
	case Destroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// word packs state (high bits) and refcount (low bits) into one atomic
// value so "state==DYING && refcount==0" is always observed consistently,
// per spec §4.5's single-CAS requirement.
type word uint64

const refcountBits = 32
const refcountMask = (1 << refcountBits) - 1

func packWord(s State, refcount uint32) word {
	return word(uint64(s)<<refcountBits | uint64(refcount))
}

func (w word) state() State      { return State(uint64(w) >> refcountBits) }
func (w word) refcount() uint32 { return uint32(uint64(w) & refcountMask) }

// Instance is one running incarnation of a module at a specific version.
type Instance struct {
	ModuleID  string
	Version   string
	Labels    map[string]string
	Container collab.Container

	sw atomic.Uint64 // packed (state, refcount) word
}

// New creates an Instance in the STARTING state with refcount 0.
func New(moduleID, version string, labels map[string]string, container collab.Container) *Instance {
	i := &Instance{ModuleID: moduleID, Version: version, Labels: labels, Container: container}
	i.sw.Store(uint64(packWord(Starting, 0)))
	return i
}

func (i *Instance) load() word { return word(i.sw.Load()) }

// State returns the instance's current lifecycle state.
func (i *Instance) State() State { return i.load().state() }

// RefCount returns the instance's current reference count.
func (i *Instance) RefCount() uint32 { return i.load().refcount() }

// MarkReady advances STARTING -> READY. No-op if already past STARTING.
func (i *Instance) MarkReady() {
	for {
		cur := i.load()
		if cur.state() != Starting {
			return
		}
		next := packWord(Ready, cur.refcount())
		if i.sw.CompareAndSwap(uint64(cur), uint64(next)) {
			return
		}
	}
}

// Enter atomically increments the reference count iff state is READY or
// DYING. Returns false (caller must re-route or fail) if the instance is
// already DESTROYED, matching spec §4.5.
func (i *Instance) Enter() bool {
	for {
		cur := i.load()
		switch cur.state() {
		case Ready, Dying:
			next := packWord(cur.state(), cur.refcount()+1)
			if i.sw.CompareAndSwap(uint64(cur), uint64(next)) {
				return true
			}
		default:
			return false
		}
	}
}

// Exit atomically decrements the reference count. Returns true if this
// decrement brought refcount to zero while DYING, signaling the cleanup
// scheduler that the instance is now eligible for destruction.
func (i *Instance) Exit() (nowIdleAndDying bool) {
	for {
		cur := i.load()
		if cur.refcount() == 0 {
			// Defensive: exits must always be paired with a successful
			// Enter; an imbalanced Exit is a caller bug, not a race to
			// paper over.
			return false
		}
		next := packWord(cur.state(), cur.refcount()-1)
		if i.sw.CompareAndSwap(uint64(cur), uint64(next)) {
			return next.state() == Dying && next.refcount() == 0
		}
	}
}

// MoveToDying transitions READY -> DYING. Idempotent: calling it on an
// already-DYING or DESTROYED instance is a no-op. Refcount is untouched.
func (i *Instance) MoveToDying() {
	for {
		cur := i.load()
		if cur.state() != Ready {
			return
		}
		next := packWord(Dying, cur.refcount())
		if i.sw.CompareAndSwap(uint64(cur), uint64(next)) {
			return
		}
	}
}

// TryDestroy transitions DYING -> DESTROYED iff refcount is currently zero.
// Returns false if the instance is not eligible (wrong state, or a new
// Enter raced in first).
func (i *Instance) TryDestroy() bool {
	cur := i.load()
	if cur.state() != Dying || cur.refcount() != 0 {
		return false
	}
	next := packWord(Destroyed, 0)
	return i.sw.CompareAndSwap(uint64(cur), uint64(next))
}

// ForceDestroy transitions to DESTROYED regardless of refcount, resetting the
// refcount to zero so a destroyed instance never reports in-flight calls.
// Used only on shutdown after the drain timeout elapses (spec §4.10 shutdown,
// phase 2).
func (i *Instance) ForceDestroy() {
	for {
		cur := i.load()
		if cur.state() == Destroyed {
			return
		}
		next := packWord(Destroyed, 0)
		if i.sw.CompareAndSwap(uint64(cur), uint64(next)) {
			return
		}
	}
}

// Pool holds the active (READY/DYING) instance set for one module and an
// atomic pointer to the default instance.
type Pool struct {
	maxHistorySnapshots int

	mu      sync.RWMutex
	active  []*Instance
	dying   []*Instance
	defIdx  *Instance // nil means no default set
}

// NewPool creates an empty pool. maxHistorySnapshots bounds the number of
// DYING instances retained at once (backpressure, spec §4.5).
func NewPool(maxHistorySnapshots int) *Pool {
	return &Pool{maxHistorySnapshots: maxHistorySnapshots}
}

// DyingCount returns the current number of DYING instances.
func (p *Pool) DyingCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.dying)
}

// Default returns the current default instance, or nil if none is set.
func (p *Pool) Default() *Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.defIdx
}

// ActiveSnapshot returns a lock-free-to-callers copy of the active set for
// routing (spec §4.5's activeSnapshot).
func (p *Pool) ActiveSnapshot() []*Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Instance, len(p.active))
	copy(out, p.active)
	return out
}

// AddInstance appends inst to the active set. If isDefault, the default
// pointer is swapped atomically (under the pool's state lock) and the
// previous default is returned (nil if there was none). Fails BUSY if the
// dying queue is already saturated.
func (p *Pool) AddInstance(inst *Instance, isDefault bool) (previousDefault *Instance, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.dying) >= p.maxHistorySnapshots {
		return nil, kerrors.New(kerrors.KindBusy, inst.ModuleID, "", nil)
	}

	p.active = append(p.active, inst)
	if isDefault {
		prev := p.defIdx
		p.defIdx = inst
		return prev, nil
	}
	return nil, nil
}

// MoveToDying transitions inst to DYING, removes it from the active set (if
// present) and adds it to the dying set. Idempotent.
func (p *Pool) MoveToDying(inst *Instance) {
	p.mu.Lock()
	defer p.mu.Unlock()

	alreadyDying := inst.State() == Dying
	inst.MoveToDying()

	for idx, a := range p.active {
		if a == inst {
			p.active = append(p.active[:idx], p.active[idx+1:]...)
			break
		}
	}
	if p.defIdx == inst {
		p.defIdx = nil
	}
	if !alreadyDying {
		p.dying = append(p.dying, inst)
	}
}

// CleanupIdle destroys every DYING instance with refcount zero, calling
// destroyFn for each before removing it from the dying set. Returns the
// count destroyed. Safe to call concurrently with Enter/Exit.
func (p *Pool) CleanupIdle(destroyFn func(*Instance)) int {
	return p.cleanup(destroyFn, false)
}

// ForceCleanupAll destroys every DYING instance regardless of refcount.
// Used only on shutdown after the drain timeout.
func (p *Pool) ForceCleanupAll(destroyFn func(*Instance)) int {
	return p.cleanup(destroyFn, true)
}

func (p *Pool) cleanup(destroyFn func(*Instance), force bool) int {
	p.mu.Lock()
	var toDestroy []*Instance
	remaining := p.dying[:0:0]
	for _, inst := range p.dying {
		eligible := force || inst.RefCount() == 0
		if !eligible {
			remaining = append(remaining, inst)
			continue
		}
		if force {
			inst.ForceDestroy()
		} else if !inst.TryDestroy() {
			// Lost the race: a new Enter arrived between our refcount
			// read and the CAS. Leave it for the next cleanup tick.
			remaining = append(remaining, inst)
			continue
		}
		toDestroy = append(toDestroy, inst)
	}
	p.dying = remaining
	p.mu.Unlock()

	for _, inst := range toDestroy {
		destroyFn(inst)
	}
	return len(toDestroy)
}
