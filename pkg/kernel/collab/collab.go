// Package collab declares the external collaborator interfaces the kernel
// depends on but does not implement: the module code loader, security
// verification, container lifecycle, resource leak detection, and
// thread-local-style context propagation (spec §6/§9). Production
// implementations (actual bytecode isolation, OS-level sandboxing, etc.)
// live outside this repository; this package only fixes the contract.
package collab

import "context"

// Source is an opaque handle to a module's packaged code, as produced by
// whatever external process reads it from disk (moduleHome, preloadApiJars —
// spec §6). The kernel never inspects it.
type Source interface{}

// CodeLoader is an opaque, isolated resource handle for one module's loaded
// code (the ClassLoader-equivalent named in spec §9). It must be comparable
// so ResourceGuard can detect whether it has been released.
type CodeLoader interface {
	// Identity returns a string unique to this loader instance, used for
	// logging and leak-detection bookkeeping.
	Identity() string
}

// Container is one running incarnation of a module's code inside whatever
// runtime hosts it. Dynamic dispatch into module code — reflection in the
// original system — is collapsed to the single opaque Invoke operation.
type Container interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsActive() bool
	GetBean(nameOrType string) (any, error)
	GetBeanNames() []string
	GetClassLoader() CodeLoader
	Invoke(ctx context.Context, fqsid, method string, args []any) (any, error)
}

// ContainerFactory creates a Container for a module instance.
type ContainerFactory interface {
	Create(ctx context.Context, moduleID, version string, source Source, loader CodeLoader) (Container, error)
}

// ModuleLoaderFactory creates the isolated code-loader resource for a
// module, optionally delegating unresolved lookups to a parent loader.
type ModuleLoaderFactory interface {
	Create(moduleID string, source Source, parent CodeLoader) (CodeLoader, error)
}

// SecurityVerifier inspects a module's source before it is allowed to
// install. A non-nil error is a SECURITY_VIOLATION.
type SecurityVerifier interface {
	Verify(moduleID string, source Source) error
}

// ResourceGuard releases a container's code-loader handle and can later
// confirm it was actually collected, for leak detection after teardown.
type ResourceGuard interface {
	Cleanup(moduleID string, handle CodeLoader) error
	DetectLeak(moduleID string, handle CodeLoader) bool
}

// Snapshot is an opaque capture of whatever ambient context a
// ThreadLocalPropagator implementation tracks (request-scoped values,
// security context, etc.).
type Snapshot any

// ThreadLocalPropagator captures the caller's ambient context before
// crossing into a callee execution context and restores it after. Go has no
// literal thread-locals; implementations typically snapshot values out of a
// context.Context.
type ThreadLocalPropagator interface {
	Capture(ctx context.Context) Snapshot
	Restore(ctx context.Context, snap Snapshot) context.Context
}

// NoopPropagator is the default ThreadLocalPropagator: it propagates nothing
// beyond what context.Context already carries.
type NoopPropagator struct{}

func (NoopPropagator) Capture(ctx context.Context) Snapshot { return nil }
func (NoopPropagator) Restore(ctx context.Context, _ Snapshot) context.Context { return ctx }
