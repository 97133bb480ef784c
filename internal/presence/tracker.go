// Package presence derives each user's visible status from registry
// membership plus an optional manual override, and broadcasts coarse
// full-snapshot updates to every connected client.
package presence

import (
	"sync"

	"github.com/mishazen13/gptmessenger/internal/protocol"
	"github.com/mishazen13/gptmessenger/internal/registry"
)

type record struct {
	override       protocol.PresenceStatus
	overrideActive bool
}

// Tracker keeps one record per identity ever seen. Records are never deleted;
// an offline user simply derives to "offline" until they reconnect.
type Tracker struct {
	reg *registry.Registry

	mu      sync.Mutex
	records map[string]record
}

func NewTracker(reg *registry.Registry) *Tracker {
	return &Tracker{
		reg:     reg,
		records: make(map[string]record),
	}
}

// OnRegistryChange recomputes the affected identity and rebroadcasts the full
// status map. The full snapshot is deliberate: client counts are small and
// diff tracking is a bug farm; eventual consistency of presence is fine.
func (t *Tracker) OnRegistryChange(userID string) {
	t.mu.Lock()
	if _, ok := t.records[userID]; !ok {
		t.records[userID] = record{}
	}
	t.mu.Unlock()

	t.broadcast()
}

// SetManualOverride records an explicit user preference that wins over
// connectivity-derived status until cleared.
func (t *Tracker) SetManualOverride(userID string, status protocol.PresenceStatus, active bool) {
	t.mu.Lock()
	t.records[userID] = record{override: status, overrideActive: active}
	t.mu.Unlock()

	t.broadcast()
}

// ClearOverride drops any manual override for userID. Used when a user
// reconnects without restating a preference.
func (t *Tracker) ClearOverride(userID string) {
	t.mu.Lock()
	t.records[userID] = record{}
	t.mu.Unlock()

	t.broadcast()
}

// EffectiveStatus resolves override > derived reachability.
func (t *Tracker) EffectiveStatus(userID string) protocol.PresenceStatus {
	reachable := false
	if _, ok := t.reg.Lookup(userID); ok {
		reachable = true
	}

	t.mu.Lock()
	rec := t.records[userID]
	t.mu.Unlock()

	if rec.overrideActive {
		return rec.override
	}
	if reachable {
		return protocol.PresenceOnline
	}
	return protocol.PresenceOffline
}

// Snapshot builds the full identity -> status map across every identity the
// tracker has ever seen plus everyone currently connected.
func (t *Tracker) Snapshot() map[string]protocol.PresenceEntry {
	connected := t.reg.Snapshot()
	reachable := make(map[string]bool, len(connected))
	for _, id := range connected {
		reachable[id] = true
	}

	t.mu.Lock()
	out := make(map[string]protocol.PresenceEntry, len(t.records))
	for id, rec := range t.records {
		status := protocol.PresenceOffline
		if rec.overrideActive {
			status = rec.override
		} else if reachable[id] {
			status = protocol.PresenceOnline
		}
		out[id] = protocol.PresenceEntry{Status: status}
	}
	t.mu.Unlock()

	for id := range reachable {
		if _, ok := out[id]; !ok {
			out[id] = protocol.PresenceEntry{Status: protocol.PresenceOnline}
		}
	}
	return out
}

// broadcast is fire-and-forget: delivery to a disconnected or slow client is
// dropped, never queued durably. Presence is a live signal, not an event log.
func (t *Tracker) broadcast() {
	t.reg.Broadcast(protocol.Event{
		Type:     protocol.EventTypePresenceUpdate,
		Presence: t.Snapshot(),
	})
}
