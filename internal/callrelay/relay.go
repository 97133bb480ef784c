// Package callrelay owns the in-flight call attempt table and forwards call
// lifecycle and WebRTC negotiation events between exactly two users.
//
// The relay is deliberately dumb about media: SDP and ICE payloads pass
// through untouched. What it does enforce is addressing (every forwarded
// event names its sender), attempt lifecycle (ringing -> connected ->
// resolved), and cleanup when either party disconnects mid-call.
package callrelay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mishazen13/gptmessenger/internal/metrics"
	"github.com/mishazen13/gptmessenger/internal/protocol"
	"github.com/mishazen13/gptmessenger/internal/registry"
	"github.com/mishazen13/gptmessenger/internal/roster"
)

type State string

const (
	StateRinging   State = "ringing"
	StateConnected State = "connected"
)

// pair identifies an attempt by who dialed whom. Direction matters: the
// initiator is always the offerer.
type pair struct {
	initiator string
	responder string
}

type attempt struct {
	id        string
	kind      protocol.MediaKind
	state     State
	createdAt time.Time
}

// Relay tracks every unresolved call attempt. All state lives in memory and
// dies with the process; a restart simply drops in-flight calls, which
// clients observe as a disconnect.
type Relay struct {
	reg     *registry.Registry
	names   roster.Directory
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	attempts map[pair]*attempt
}

func New(reg *registry.Registry, names roster.Directory, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		reg:      reg,
		names:    names,
		metrics:  m,
		logger:   logger,
		attempts: make(map[pair]*attempt),
	}
}

// Start begins a call attempt from initiator to target and delivers exactly
// one call:incoming to the target.
//
// A repeated start for the same pair while the first is unresolved is treated
// as an idempotent re-send and does not ring the target again. An unreachable
// target yields ErrUnreachable; a target already in any attempt yields
// ErrBusy, and the caller is expected to answer with an explicit busy event.
func (r *Relay) Start(initiator, target string, kind protocol.MediaKind) error {
	key := pair{initiator: initiator, responder: target}

	r.mu.Lock()
	if _, ok := r.attempts[key]; ok {
		r.mu.Unlock()
		r.logger.Debug("duplicate call start ignored", "from", initiator, "to", target)
		return nil
	}
	if r.involvedLocked(target) {
		r.mu.Unlock()
		r.metrics.Inc(metrics.CallsBusy)
		return ErrBusy
	}
	if _, ok := r.reg.Lookup(target); !ok {
		r.mu.Unlock()
		r.metrics.Inc(metrics.PeerUnreachable)
		return ErrUnreachable
	}
	at := &attempt{
		id:        uuid.NewString(),
		kind:      kind,
		state:     StateRinging,
		createdAt: time.Now(),
	}
	r.attempts[key] = at
	r.mu.Unlock()

	r.metrics.Inc(metrics.CallsStarted)
	r.logger.Info("call started", "call_id", at.id, "from", initiator, "to", target, "media_kind", kind)
	r.reg.Send(target, protocol.Event{
		Type:      protocol.EventTypeCallIncoming,
		From:      initiator,
		FromName:  roster.DisplayName(r.names, initiator),
		MediaKind: kind,
		CallID:    at.id,
	})
	return nil
}

// Accept resolves a ringing attempt from initiator to responder into the
// connected state and notifies the initiator.
//
// Accepting an attempt that does not exist or was already resolved returns
// ErrNoSuchCall; the initiator receives at most one call:accepted. If the
// initiator's connection vanished while the phone was ringing the attempt is
// discarded and ErrPeerGone is returned.
func (r *Relay) Accept(responder, initiator string) error {
	key := pair{initiator: initiator, responder: responder}

	r.mu.Lock()
	at, ok := r.attempts[key]
	if !ok || at.state != StateRinging {
		r.mu.Unlock()
		return ErrNoSuchCall
	}
	if _, reachable := r.reg.Lookup(initiator); !reachable {
		delete(r.attempts, key)
		r.mu.Unlock()
		return ErrPeerGone
	}
	at.state = StateConnected
	r.mu.Unlock()

	r.metrics.Inc(metrics.CallsConnected)
	r.logger.Info("call accepted", "call_id", at.id, "from", initiator, "to", responder)
	r.reg.Send(initiator, protocol.Event{
		Type:   protocol.EventTypeCallAccepted,
		From:   responder,
		CallID: at.id,
	})
	return nil
}

// Reject resolves a ringing attempt without connecting it and notifies the
// initiator. Rejecting an unknown or resolved attempt returns ErrNoSuchCall.
func (r *Relay) Reject(responder, initiator string) error {
	key := pair{initiator: initiator, responder: responder}

	r.mu.Lock()
	at, ok := r.attempts[key]
	if !ok || at.state != StateRinging {
		r.mu.Unlock()
		return ErrNoSuchCall
	}
	delete(r.attempts, key)
	r.mu.Unlock()

	r.metrics.Inc(metrics.CallsRejected)
	r.logger.Info("call rejected", "call_id", at.id, "from", initiator, "to", responder)
	r.reg.Send(initiator, protocol.Event{
		Type: protocol.EventTypeCallRejected,
		From: responder,
	})
	return nil
}

// End terminates the attempt between who and other, ringing or connected,
// regardless of which side dialed. The other party is told who hung up.
// Ending an attempt that no longer exists is a silent no-op, so both sides
// hanging up at once never produces an error.
func (r *Relay) End(who, other string) error {
	r.mu.Lock()
	key, at, ok := r.betweenLocked(who, other)
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.attempts, key)
	r.mu.Unlock()

	r.metrics.Inc(metrics.CallsEnded)
	r.logger.Info("call ended", "call_id", at.id, "by", who, "peer", other)
	r.reg.Send(other, protocol.Event{
		Type: protocol.EventTypeCallEnded,
		From: who,
	})
	return nil
}

// ForwardSignal relays one opaque negotiation payload from -> to, stamping
// the sender. The payload content is not inspected beyond wire validation.
func (r *Relay) ForwardSignal(from, to string, sig *protocol.SignalPayload) error {
	ok := r.reg.Send(to, protocol.Event{
		Type:   protocol.EventTypeSignal,
		From:   from,
		Signal: sig,
	})
	if !ok {
		r.metrics.Inc(metrics.PeerUnreachable)
		return ErrUnreachable
	}
	return nil
}

// HangupAll terminates every attempt involving userID, notifying each peer
// with call:ended as if userID had hung up. Called on disconnect so a dropped
// socket never leaves the other side ringing forever.
func (r *Relay) HangupAll(userID string) {
	type peerEnd struct {
		peer string
		id   string
	}

	r.mu.Lock()
	var ends []peerEnd
	for key, at := range r.attempts {
		switch userID {
		case key.initiator:
			ends = append(ends, peerEnd{peer: key.responder, id: at.id})
			delete(r.attempts, key)
		case key.responder:
			ends = append(ends, peerEnd{peer: key.initiator, id: at.id})
			delete(r.attempts, key)
		}
	}
	r.mu.Unlock()

	for _, e := range ends {
		r.metrics.Inc(metrics.CallsTerminatedOnDisconnect)
		r.logger.Info("call terminated on disconnect", "call_id", e.id, "gone", userID, "peer", e.peer)
		r.reg.Send(e.peer, protocol.Event{
			Type: protocol.EventTypeCallEnded,
			From: userID,
		})
	}
}

// Active reports whether userID participates in any unresolved attempt.
func (r *Relay) Active(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.involvedLocked(userID)
}

func (r *Relay) involvedLocked(userID string) bool {
	for key := range r.attempts {
		if key.initiator == userID || key.responder == userID {
			return true
		}
	}
	return false
}

// betweenLocked finds the attempt between a and b in either direction.
func (r *Relay) betweenLocked(a, b string) (pair, *attempt, bool) {
	if at, ok := r.attempts[pair{initiator: a, responder: b}]; ok {
		return pair{initiator: a, responder: b}, at, true
	}
	if at, ok := r.attempts[pair{initiator: b, responder: a}]; ok {
		return pair{initiator: b, responder: a}, at, true
	}
	return pair{}, nil, false
}
