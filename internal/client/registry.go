package client

import (
	"sync"

	"github.com/kernelmux/kernelmux/internal/channel"
	"github.com/kernelmux/kernelmux/internal/kernel"
)

// Registry is the process-wide table of active clients keyed by session
// key. Its job is de-duplication: concurrent initiation requests for the
// same session must not create two kernels, so creation runs inside the
// critical section with insert-if-absent semantics.
type Registry struct {
	mu      sync.Mutex
	clients map[string]*Client
}

func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

// GetOrCreate returns the client registered under key, creating it with
// create if absent. Exactly one creation runs per key even under racing
// callers; a failed creation leaves no entry behind.
func (r *Registry) GetOrCreate(key string, create func() (*Client, error)) (*Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[key]; ok {
		return c, nil
	}
	c, err := create()
	if err != nil {
		return nil, err
	}
	c.registry = r
	c.registryKey = key
	r.clients[key] = c
	return c, nil
}

// GetOrCreateSession returns the client for key, launching a kernel from
// spec and starting a fresh client when none exists yet.
func (r *Registry) GetOrCreateSession(key string, spec *kernel.Spec, launch kernel.LaunchOptions, dialer channel.Dialer, opts Options) (*Client, error) {
	return r.GetOrCreate(key, func() (*Client, error) {
		c := New(kernel.NewFromSpec(spec, launch), dialer, opts)
		if err := c.Start(); err != nil {
			return nil, err
		}
		return c, nil
	})
}

// Get returns the client for key, if any.
func (r *Registry) Get(key string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[key]
	return c, ok
}

// Remove drops the entry for key. Called on client teardown and from the
// death path; a no-op for unknown keys.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, key)
}

// All returns a snapshot of the active clients.
func (r *Registry) All() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// Count returns the number of active clients.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
