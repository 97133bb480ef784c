// Package registry owns the identity -> live connection map that every other
// relay component uses to answer "is this user reachable, and how".
//
// It is the only truly shared mutable state in the relay; all mutation goes
// through Register/Unregister and every read sees a consistent snapshot.
package registry

import (
	"sync"
	"time"

	"github.com/mishazen13/gptmessenger/internal/protocol"
)

// Conn is one live transport connection as the registry sees it.
//
// Enqueue offers an event for asynchronous delivery and reports whether it was
// accepted; it must never block, so a slow client cannot stall callers.
type Conn interface {
	Enqueue(ev protocol.Event) bool
	Close()
}

type entry struct {
	conn        Conn
	epoch       uint64
	connectedAt time.Time
}

// Hooks fire after a membership change, outside the registry lock. OnChange
// receives the affected user; OnUnregister additionally fires for teardown of
// anything tied to the identity (active call attempts).
type Hooks struct {
	OnChange     func(userID string)
	OnUnregister func(userID string)
}

type Registry struct {
	mu      sync.Mutex
	entries map[string]entry
	epoch   uint64

	hooks Hooks
}

func New() *Registry {
	return &Registry{
		entries: make(map[string]entry),
	}
}

// SetHooks must be called before the registry receives traffic.
func (r *Registry) SetHooks(h Hooks) {
	r.hooks = h
}

// Register binds conn as the live connection for userID and returns an epoch
// token for the matching Unregister call. A prior connection for the same
// identity is replaced: it keeps its socket but stops receiving events
// (latest connection wins).
func (r *Registry) Register(userID string, conn Conn) uint64 {
	r.mu.Lock()
	r.epoch++
	ep := r.epoch
	r.entries[userID] = entry{conn: conn, epoch: ep, connectedAt: time.Now()}
	r.mu.Unlock()

	if r.hooks.OnChange != nil {
		r.hooks.OnChange(userID)
	}
	return ep
}

// Unregister removes the mapping only if epoch still identifies the
// registered connection. A disconnect callback from a connection that was
// already replaced is a no-op, so it can never evict its successor.
func (r *Registry) Unregister(userID string, epoch uint64) {
	r.mu.Lock()
	e, ok := r.entries[userID]
	if !ok || e.epoch != epoch {
		r.mu.Unlock()
		return
	}
	delete(r.entries, userID)
	r.mu.Unlock()

	// Call teardown runs before the presence rebroadcast so observers never
	// see a ringing call against an identity already reported unreachable.
	if r.hooks.OnUnregister != nil {
		r.hooks.OnUnregister(userID)
	}
	if r.hooks.OnChange != nil {
		r.hooks.OnChange(userID)
	}
}

func (r *Registry) Lookup(userID string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[userID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Snapshot returns the identities with a live connection.
func (r *Registry) Snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for id := range r.entries {
		out = append(out, id)
	}
	return out
}

// Send enqueues ev for userID's connection. It reports false when the user is
// unreachable or the event was dropped by the connection's bounded queue.
func (r *Registry) Send(userID string, ev protocol.Event) bool {
	conn, ok := r.Lookup(userID)
	if !ok {
		return false
	}
	return conn.Enqueue(ev)
}

// Broadcast enqueues ev for every live connection, best effort.
func (r *Registry) Broadcast(ev protocol.Event) {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.entries))
	for _, e := range r.entries {
		conns = append(conns, e.conn)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Enqueue(ev)
	}
}
