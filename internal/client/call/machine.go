// Package call implements the client-side call lifecycle: the state a user
// sees (idle, ringing, connected) and the mediation of user actions into
// signaling events and peer links.
//
// The machine owns exactly one call at a time. Incoming calls that arrive
// while a call is in progress are ignored; the relay answers the other
// caller with a busy rejection, so nobody is left ringing forever.
package call

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mishazen13/gptmessenger/internal/client/media"
	"github.com/mishazen13/gptmessenger/internal/client/peer"
	"github.com/mishazen13/gptmessenger/internal/config"
	"github.com/mishazen13/gptmessenger/internal/protocol"
)

var (
	// ErrBusy reports a local action that needs the machine idle while a
	// call is already in progress.
	ErrBusy = errors.New("another call is in progress")

	// ErrNoCall reports a local action with no call in the required state.
	ErrNoCall = errors.New("no call in progress")
)

type State string

const (
	StateIdle            State = "idle"
	StateOutgoingRinging State = "outgoing-ringing"
	StateIncomingRinging State = "incoming-ringing"
	StateConnected       State = "connected"
)

// Peers is the slice of the peer connection manager the machine drives.
type Peers interface {
	Open(remote string, role peer.Role, capture *media.Capture) error
	ApplyRemote(remote string, payload *protocol.SignalPayload) peer.Result
	EndAll()
}

// Signaler sends events to the relay. *socket.Client satisfies it.
type Signaler interface {
	Emit(ev protocol.Event) error
}

// Info is a snapshot of the current call, handed to the OnChange hook and
// returned by Current.
type Info struct {
	State      State
	Remote     string
	RemoteName string
	Kind       protocol.MediaKind
	CallID     string
}

type Config struct {
	Signaler Signaler
	Peers    Peers

	// Source supplies local media when a call starts or is accepted.
	// Capture happens only at those two points, never on an unanswered
	// incoming ring.
	Source media.Source

	// RingTimeout bounds how long an unanswered outgoing call rings before
	// the machine gives up and ends it. Defaults to
	// config.DefaultRingTimeout.
	RingTimeout time.Duration

	Logger *slog.Logger

	// OnChange fires after every state transition, outside the machine's
	// lock. UI code hangs off this.
	OnChange func(Info)
}

// Machine is safe for concurrent use; socket events and user actions arrive
// on different goroutines.
type Machine struct {
	sig         Signaler
	peers       Peers
	acquire     func(wantVideo bool) (*media.Capture, error)
	ringTimeout time.Duration
	log         *slog.Logger
	onChange    func(Info)

	mu         sync.Mutex
	state      State
	remote     string
	remoteName string
	kind       protocol.MediaKind
	callID     string
	capture    *media.Capture
	ringTimer  *time.Timer

	// generation invalidates ring timers left over from a previous call.
	generation uint64
}

func NewMachine(cfg Config) (*Machine, error) {
	if cfg.Signaler == nil {
		return nil, errors.New("call: Signaler is required")
	}
	if cfg.Peers == nil {
		return nil, errors.New("call: Peers is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("call: Source is required")
	}
	timeout := cfg.RingTimeout
	if timeout <= 0 {
		timeout = config.DefaultRingTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		sig:   cfg.Signaler,
		peers: cfg.Peers,
		acquire: func(wantVideo bool) (*media.Capture, error) {
			return media.Acquire(cfg.Source, wantVideo)
		},
		ringTimeout: timeout,
		log:         log,
		onChange:    cfg.OnChange,
		state:       StateIdle,
	}, nil
}

// Current returns a snapshot of the call state.
func (m *Machine) Current() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infoLocked()
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) infoLocked() Info {
	return Info{
		State:      m.state,
		Remote:     m.remote,
		RemoteName: m.remoteName,
		Kind:       m.kind,
		CallID:     m.callID,
	}
}

func (m *Machine) notify(info Info) {
	if m.onChange != nil {
		m.onChange(info)
	}
}

// Call starts an outgoing call to remote. Media capture happens first: if
// the user's devices are unavailable, no signaling is sent and the machine
// stays idle.
func (m *Machine) Call(remote string, kind protocol.MediaKind) error {
	if remote == "" {
		return errors.New("call: empty remote identity")
	}
	if !kind.Valid() {
		return fmt.Errorf("call: invalid media kind %q", kind)
	}

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrBusy
	}

	capture, err := m.acquire(kind == protocol.MediaKindVideo)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("call: acquire media: %w", err)
	}

	// call:start must go out before the link opens: opening produces the
	// offer immediately, and both travel the same FIFO connection. If the
	// offer went first, the callee would see a signal for a call it has not
	// been told about yet.
	if err := m.sig.Emit(protocol.Event{
		Type:      protocol.EventTypeCallStart,
		To:        remote,
		MediaKind: kind,
	}); err != nil {
		capture.Stop()
		m.mu.Unlock()
		return fmt.Errorf("call: send start: %w", err)
	}
	m.capture = capture
	m.remote = remote
	m.state = StateOutgoingRinging

	// The offer travels to the callee while they are still ringing and is
	// buffered there until accept.
	if err := m.peers.Open(remote, peer.RoleInitiator, capture); err != nil {
		if emitErr := m.sig.Emit(protocol.Event{
			Type: protocol.EventTypeCallEnd,
			To:   remote,
		}); emitErr != nil {
			m.log.Warn("end not delivered after failed link open", "remote", remote, "err", emitErr)
		}
		m.teardownLocked()
		m.mu.Unlock()
		return fmt.Errorf("call: open peer link: %w", err)
	}

	m.remoteName = remote
	m.kind = kind
	m.startRingTimerLocked()
	info := m.infoLocked()
	m.mu.Unlock()

	m.notify(info)
	return nil
}

// Accept answers the ringing incoming call. Media is captured only now,
// after the user consented. A capture or link failure declines the call so
// the caller is not left ringing against a dead callee.
func (m *Machine) Accept() error {
	m.mu.Lock()
	if m.state != StateIncomingRinging {
		m.mu.Unlock()
		return ErrNoCall
	}
	remote := m.remote

	capture, err := m.acquire(m.kind == protocol.MediaKindVideo)
	if err != nil {
		m.declineLocked(remote)
		info := m.infoLocked()
		m.mu.Unlock()
		m.notify(info)
		return fmt.Errorf("call: acquire media: %w", err)
	}

	if err := m.peers.Open(remote, peer.RoleResponder, capture); err != nil {
		capture.Stop()
		m.declineLocked(remote)
		info := m.infoLocked()
		m.mu.Unlock()
		m.notify(info)
		return fmt.Errorf("call: open peer link: %w", err)
	}
	m.capture = capture

	if err := m.sig.Emit(protocol.Event{
		Type: protocol.EventTypeCallAccept,
		To:   remote,
	}); err != nil {
		m.teardownLocked()
		info := m.infoLocked()
		m.mu.Unlock()
		m.notify(info)
		return fmt.Errorf("call: send accept: %w", err)
	}

	m.state = StateConnected
	info := m.infoLocked()
	m.mu.Unlock()

	m.notify(info)
	return nil
}

// Reject declines the ringing incoming call. No media was ever captured, so
// there is nothing to release beyond the call bookkeeping.
func (m *Machine) Reject() error {
	m.mu.Lock()
	if m.state != StateIncomingRinging {
		m.mu.Unlock()
		return ErrNoCall
	}
	m.declineLocked(m.remote)
	info := m.infoLocked()
	m.mu.Unlock()

	m.notify(info)
	return nil
}

// HangUp ends the current outgoing or connected call.
func (m *Machine) HangUp() error {
	m.mu.Lock()
	if m.state != StateOutgoingRinging && m.state != StateConnected {
		m.mu.Unlock()
		return ErrNoCall
	}
	remote := m.remote
	m.teardownLocked()
	info := m.infoLocked()
	m.mu.Unlock()

	if err := m.sig.Emit(protocol.Event{
		Type: protocol.EventTypeCallEnd,
		To:   remote,
	}); err != nil {
		m.log.Warn("hang up not delivered", "remote", remote, "err", err)
	}
	m.notify(info)
	return nil
}

// ToggleMute flips the local microphone and reports the new muted state.
// Purely local: nothing is signaled to the remote party.
func (m *Machine) ToggleMute() bool {
	m.mu.Lock()
	capture := m.capture
	m.mu.Unlock()
	if capture == nil {
		return false
	}
	muted := capture.AudioEnabled() // enabled before the flip = muted after it
	capture.SetAudioEnabled(!muted)
	return muted
}

// ToggleVideo flips the local camera and reports whether video is now
// enabled. A no-op false on audio-only calls.
func (m *Machine) ToggleVideo() bool {
	m.mu.Lock()
	capture := m.capture
	m.mu.Unlock()
	if capture == nil || !capture.HasVideo() {
		return false
	}
	capture.SetVideoEnabled(!capture.VideoEnabled())
	return capture.VideoEnabled()
}

// HandleEvent feeds one server event through the machine. Wire it to the
// socket client's event channel.
func (m *Machine) HandleEvent(ev protocol.Event) {
	switch ev.Type {
	case protocol.EventTypeCallIncoming:
		m.handleIncoming(ev)
	case protocol.EventTypeCallAccepted:
		m.handleAccepted(ev)
	case protocol.EventTypeCallRejected, protocol.EventTypeCallEnded, protocol.EventTypeCallBusy:
		m.handleTerminal(ev)
	case protocol.EventTypeSignal:
		m.handleSignal(ev)
	case protocol.EventTypeError:
		m.handleError(ev)
	}
}

// LinkClosed is the peer manager's OnLinkClosed hook: a dead transport ends
// the call for both sides.
func (m *Machine) LinkClosed(remote string, err error) {
	m.mu.Lock()
	if m.state == StateIdle || remote != m.remote {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.log.Warn("peer link failed", "remote", remote, "err", err)
	}
	m.teardownLocked()
	info := m.infoLocked()
	m.mu.Unlock()

	if err := m.sig.Emit(protocol.Event{
		Type: protocol.EventTypeCallEnd,
		To:   remote,
	}); err != nil {
		m.log.Warn("end not delivered after link loss", "remote", remote, "err", err)
	}
	m.notify(info)
}

func (m *Machine) handleIncoming(ev protocol.Event) {
	m.mu.Lock()
	if m.state != StateIdle {
		// Busy. The relay already told the caller; overwriting the current
		// call here would drop an established call for a new ring.
		m.log.Debug("ignoring incoming call while busy",
			"from", ev.From, "state", m.state)
		m.mu.Unlock()
		return
	}
	m.state = StateIncomingRinging
	m.remote = ev.From
	m.remoteName = ev.FromName
	if m.remoteName == "" {
		m.remoteName = ev.From
	}
	m.kind = ev.MediaKind
	m.callID = ev.CallID
	info := m.infoLocked()
	m.mu.Unlock()

	m.notify(info)
}

func (m *Machine) handleAccepted(ev protocol.Event) {
	m.mu.Lock()
	if m.state != StateOutgoingRinging || ev.From != m.remote {
		m.log.Debug("stray accepted event", "from", ev.From, "state", m.state)
		m.mu.Unlock()
		return
	}
	m.state = StateConnected
	if ev.CallID != "" {
		m.callID = ev.CallID
	}
	m.stopRingTimerLocked()
	info := m.infoLocked()
	m.mu.Unlock()

	m.notify(info)
}

// handleTerminal covers rejected, ended and busy: all of them finish the
// current call. An ended for a call we never showed as ringing is a no-op;
// the relay does not promise incoming is seen before a racing end.
func (m *Machine) handleTerminal(ev protocol.Event) {
	m.mu.Lock()
	if m.state == StateIdle || ev.From != m.remote {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	info := m.infoLocked()
	m.mu.Unlock()

	m.notify(info)
}

func (m *Machine) handleSignal(ev protocol.Event) {
	if ev.Signal == nil {
		return
	}
	m.mu.Lock()
	inCall := m.state != StateIdle && ev.From == m.remote
	m.mu.Unlock()
	if !inCall {
		m.log.Debug("dropping negotiation payload outside a call", "from", ev.From)
		return
	}
	// While incoming-ringing there is no link yet; the peer manager buffers
	// the payload and replays it once Accept opens the link.
	if res := m.peers.ApplyRemote(ev.From, ev.Signal); res == peer.Rejected {
		m.log.Warn("negotiation payload rejected", "from", ev.From)
	}
}

// handleError reacts to relay errors about the current call. A peer that
// became unreachable mid-negotiation cannot complete the call, so end it
// rather than ring or hold a half-dead session forever.
func (m *Machine) handleError(ev protocol.Event) {
	switch ev.Code {
	case "peer_unreachable", "call_unavailable":
	default:
		return
	}
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return
	}
	m.log.Warn("relay reported call failure", "code", ev.Code, "remote", m.remote)
	m.teardownLocked()
	info := m.infoLocked()
	m.mu.Unlock()

	m.notify(info)
}

func (m *Machine) startRingTimerLocked() {
	gen := m.generation
	m.ringTimer = time.AfterFunc(m.ringTimeout, func() {
		m.ringTimedOut(gen)
	})
}

func (m *Machine) stopRingTimerLocked() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
}

// ringTimedOut gives up on an unanswered outgoing call. The relay never
// times ringing out by itself; an absent callee would otherwise ring
// forever.
func (m *Machine) ringTimedOut(gen uint64) {
	m.mu.Lock()
	if m.generation != gen || m.state != StateOutgoingRinging {
		m.mu.Unlock()
		return
	}
	remote := m.remote
	m.teardownLocked()
	info := m.infoLocked()
	m.mu.Unlock()

	m.log.Info("outgoing call unanswered", "remote", remote)
	if err := m.sig.Emit(protocol.Event{
		Type: protocol.EventTypeCallEnd,
		To:   remote,
	}); err != nil {
		m.log.Warn("end not delivered after ring timeout", "remote", remote, "err", err)
	}
	m.notify(info)
}

// declineLocked answers the current incoming ring with a reject and resets
// to idle. Caller holds mu.
func (m *Machine) declineLocked(remote string) {
	if err := m.sig.Emit(protocol.Event{
		Type: protocol.EventTypeCallReject,
		To:   remote,
	}); err != nil {
		m.log.Warn("reject not delivered", "remote", remote, "err", err)
	}
	m.resetLocked()
}

// teardownLocked releases links and media and resets to idle. Caller holds
// mu and sends any required relay event afterwards.
func (m *Machine) teardownLocked() {
	m.peers.EndAll()
	if m.capture != nil {
		m.capture.Stop()
	}
	m.resetLocked()
}

func (m *Machine) resetLocked() {
	m.stopRingTimerLocked()
	m.generation++
	m.state = StateIdle
	m.remote = ""
	m.remoteName = ""
	m.kind = ""
	m.callID = ""
	m.capture = nil
}
