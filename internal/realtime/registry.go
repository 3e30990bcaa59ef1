package realtime

import (
	"context"
	"sync"

	"github.com/invitewave/project/internal/contracts"
	"github.com/invitewave/project/internal/platform/metrics"
)

// Conn is one live realtime session belonging to a contact. Send must be safe
// for concurrent use and must honor the context deadline; a failed or
// timed-out send marks the connection dead.
type Conn interface {
	Send(ctx context.Context, event contracts.Event) error
	Close() error
}

// Registry maps contact IDs to their live connections. A contact may hold
// several connections at once (multiple devices or tabs). The mutex is scoped
// to map mutation only and is never held across a network send: callers
// iterate over the ConnectionsOf snapshot instead.
type Registry struct {
	mu        sync.Mutex
	byContact map[string]map[Conn]struct{}
}

func NewRegistry() *Registry {
	return &Registry{byContact: make(map[string]map[Conn]struct{})}
}

// Register adds conn to the contact's live set.
func (r *Registry) Register(contactID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byContact[contactID]
	if !ok {
		set = make(map[Conn]struct{})
		r.byContact[contactID] = set
	}
	if _, exists := set[conn]; !exists {
		set[conn] = struct{}{}
		metrics.ConnectedClients.Inc()
	}
}

// Unregister removes conn from the contact's live set. When the set becomes
// empty the contact entry is dropped entirely, so the map never accumulates
// empty entries. Unregistering an unknown connection is a no-op.
func (r *Registry) Unregister(contactID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.byContact[contactID]
	if !ok {
		return
	}
	if _, exists := set[conn]; !exists {
		return
	}
	delete(set, conn)
	metrics.ConnectedClients.Dec()
	if len(set) == 0 {
		delete(r.byContact, contactID)
	}
}

// ConnectionsOf returns a snapshot of the contact's connections. The slice
// does not track later registry mutations.
func (r *Registry) ConnectionsOf(contactID string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byContact[contactID]
	if len(set) == 0 {
		return nil
	}
	conns := make([]Conn, 0, len(set))
	for conn := range set {
		conns = append(conns, conn)
	}
	return conns
}

// Contacts reports how many contacts currently hold at least one connection.
func (r *Registry) Contacts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byContact)
}

// Connections reports the total number of live connections.
func (r *Registry) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, set := range r.byContact {
		total += len(set)
	}
	return total
}
