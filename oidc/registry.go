package oidckit

import "sync"

// Registry owns at most one Handle. The first config passed to GetHandle wins.
type Registry struct {
	mu     sync.Mutex
	opts   []Option
	handle *Handle
	builds int
}

// NewRegistry returns an empty registry; opts are applied when the handle is built.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{opts: opts}
}

// GetHandle returns the registry's handle, constructing it from cfg on first use.
// Construction does no network activity; later configs are ignored.
func (r *Registry) GetHandle(cfg Config) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle == nil {
		r.handle = newHandle(cfg, r.opts...)
		r.builds++
	}
	return r.handle
}

// Constructed reports how many handles this registry has built (0 or 1).
func (r *Registry) Constructed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.builds
}

var defaultRegistry = NewRegistry()

// GetHandle returns the process-wide handle.
func GetHandle(cfg Config) *Handle { return defaultRegistry.GetHandle(cfg) }

// Configure replaces the options used to build the handle. It reports false,
// and changes nothing, once the handle exists.
func (r *Registry) Configure(opts ...Option) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle != nil {
		return false
	}
	r.opts = opts
	return true
}

// Default is the process-wide registry behind the package-level GetHandle.
func Default() *Registry { return defaultRegistry }
