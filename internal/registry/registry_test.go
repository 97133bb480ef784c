package registry

import (
	"sort"
	"testing"

	"github.com/mishazen13/gptmessenger/internal/protocol"
)

type fakeConn struct {
	events []protocol.Event
	closed bool
	full   bool
}

func (c *fakeConn) Enqueue(ev protocol.Event) bool {
	if c.full {
		return false
	}
	c.events = append(c.events, ev)
	return true
}

func (c *fakeConn) Close() { c.closed = true }

func TestRegistry_RegisterLookupUnregister(t *testing.T) {
	r := New()
	conn := &fakeConn{}

	ep := r.Register("alice", conn)
	got, ok := r.Lookup("alice")
	if !ok || got != conn {
		t.Fatalf("Lookup after Register: ok=%v conn=%v", ok, got)
	}

	r.Unregister("alice", ep)
	if _, ok := r.Lookup("alice"); ok {
		t.Fatalf("Lookup after Unregister should miss")
	}
}

func TestRegistry_LatestConnectionWins(t *testing.T) {
	r := New()
	first := &fakeConn{}
	second := &fakeConn{}

	epFirst := r.Register("alice", first)
	r.Register("alice", second)

	got, ok := r.Lookup("alice")
	if !ok || got != second {
		t.Fatalf("Lookup=%v, want the replacement connection", got)
	}
	if first.closed {
		t.Fatalf("replaced connection keeps its socket; only event delivery stops")
	}

	// The replaced connection's disconnect callback must not evict the
	// newer mapping.
	r.Unregister("alice", epFirst)
	if got, ok := r.Lookup("alice"); !ok || got != second {
		t.Fatalf("stale Unregister evicted the newer connection")
	}
}

func TestRegistry_HooksFireOutsideLock(t *testing.T) {
	r := New()
	var changes, unregisters []string
	r.SetHooks(Hooks{
		OnChange: func(id string) {
			changes = append(changes, id)
			// Re-entering the registry here would deadlock if hooks ran
			// under the lock.
			r.Snapshot()
		},
		OnUnregister: func(id string) {
			unregisters = append(unregisters, id)
		},
	})

	ep := r.Register("bob", &fakeConn{})
	r.Unregister("bob", ep)

	if len(changes) != 2 {
		t.Fatalf("OnChange fired %d times, want 2", len(changes))
	}
	if len(unregisters) != 1 || unregisters[0] != "bob" {
		t.Fatalf("OnUnregister=%v, want [bob]", unregisters)
	}
}

func TestRegistry_UnregisterOrdering(t *testing.T) {
	r := New()
	var order []string
	r.SetHooks(Hooks{
		OnChange:     func(string) { order = append(order, "change") },
		OnUnregister: func(string) { order = append(order, "unregister") },
	})

	ep := r.Register("bob", &fakeConn{})
	order = nil
	r.Unregister("bob", ep)

	if len(order) != 2 || order[0] != "unregister" || order[1] != "change" {
		t.Fatalf("hook order=%v, want call teardown before presence change", order)
	}
}

func TestRegistry_Snapshot(t *testing.T) {
	r := New()
	r.Register("alice", &fakeConn{})
	r.Register("bob", &fakeConn{})

	snap := r.Snapshot()
	sort.Strings(snap)
	if len(snap) != 2 || snap[0] != "alice" || snap[1] != "bob" {
		t.Fatalf("Snapshot=%v", snap)
	}
}

func TestRegistry_SendAndBroadcast(t *testing.T) {
	r := New()
	alice := &fakeConn{}
	bob := &fakeConn{full: true}
	r.Register("alice", alice)
	r.Register("bob", bob)

	ev := protocol.Event{Type: protocol.EventTypeCallEnded, From: "x"}
	if !r.Send("alice", ev) {
		t.Fatalf("Send to reachable user failed")
	}
	if r.Send("bob", ev) {
		t.Fatalf("Send to full queue should report drop")
	}
	if r.Send("carol", ev) {
		t.Fatalf("Send to absent user should fail")
	}

	r.Broadcast(protocol.Event{Type: protocol.EventTypeCallEnded, From: "y"})
	if len(alice.events) != 2 {
		t.Fatalf("alice received %d events, want 2", len(alice.events))
	}
}
