package eventloop

import (
	"errors"
	"sync"
)

// ErrUnhandled is returned by a Dispatcher for tags it does not know.
// The supervisor tolerates it for the built-in start/quit tags and logs
// it for everything else.
var ErrUnhandled = errors.New("eventloop: unhandled event tag")

// Dispatcher receives every event a worker emits, keyed by tag.
type Dispatcher interface {
	DispatchEvent(tag string, args []any) error
}

// Handle is an opaque id for a registered dispatcher. The zero Handle is
// never issued.
type Handle uint64

// Registry owns dispatch objects on behalf of supervisors. Supervisors
// hold only the opaque Handle; once the owner releases it, lookups report
// not-found and pending events are discarded instead of dispatched
// against a dead target. This is the explicit stand-in for a weak
// reference from worker to owner.
type Registry struct {
	mu      sync.Mutex
	next    Handle
	entries map[Handle]Dispatcher
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[Handle]Dispatcher)}
}

// Add registers d and returns its handle.
func (r *Registry) Add(d Dispatcher) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.entries[r.next] = d
	return r.next
}

// Release invalidates h. Idempotent.
func (r *Registry) Release(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, h)
}

func (r *Registry) lookup(h Handle) (Dispatcher, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.entries[h]
	return d, ok
}
