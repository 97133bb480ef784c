package peer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mishazen13/gptmessenger/internal/protocol"
)

// Link is the negotiation object for one remote party. Created by
// Manager.Open, destroyed by CloseLink/EndAll or transport failure.
type Link struct {
	remote string
	role   Role
	m      *Manager
	pc     *webrtc.PeerConnection

	mu    sync.Mutex
	phase Phase
	// Candidates that arrived before the remote description; flushed right
	// after it is set.
	earlyCandidates []webrtc.ICECandidateInit

	closeOnce sync.Once
}

func (l *Link) Remote() string { return l.remote }
func (l *Link) Role() Role     { return l.role }

func (l *Link) Phase() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

func (l *Link) setPhase(p Phase) {
	l.mu.Lock()
	l.phase = p
	l.mu.Unlock()
}

// startOffer runs the initiator side: produce an offer and hand it to the
// payload sink. Trickled candidates follow via OnICECandidate.
func (l *Link) startOffer() error {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	l.setPhase(PhaseNegotiating)
	l.m.emit(l.remote, protocol.OfferPayload(offer))
	return nil
}

// apply feeds one remote payload into the link.
func (l *Link) apply(payload *protocol.SignalPayload) Result {
	switch payload.Kind {
	case protocol.SignalKindOffer:
		return l.applyOffer(payload)
	case protocol.SignalKindAnswer:
		return l.applyAnswer(payload)
	case protocol.SignalKindCandidate:
		return l.applyCandidate(payload)
	default:
		l.m.log.Warn("unknown signal kind", "remote", l.remote, "kind", payload.Kind)
		return Rejected
	}
}

func (l *Link) applyOffer(payload *protocol.SignalPayload) Result {
	switch l.Phase() {
	case PhaseConnected:
		// Renegotiation is not supported on an established link; a surplus
		// offer is dropped deterministically rather than tearing the call
		// down.
		l.m.log.Warn("ignoring offer on connected link", "remote", l.remote)
		return Rejected
	case PhaseClosed:
		return Rejected
	}
	if l.role == RoleInitiator {
		l.m.log.Warn("ignoring offer glare on initiator link", "remote", l.remote)
		return Rejected
	}

	desc, err := payload.SDP.ToPion()
	if err != nil {
		return l.fail(fmt.Errorf("decode offer: %w", err))
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return l.fail(fmt.Errorf("set remote offer: %w", err))
	}
	l.flushEarlyCandidates()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return l.fail(fmt.Errorf("create answer: %w", err))
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return l.fail(fmt.Errorf("set local answer: %w", err))
	}
	l.setPhase(PhaseNegotiating)
	l.m.emit(l.remote, protocol.AnswerPayload(answer))
	return Applied
}

func (l *Link) applyAnswer(payload *protocol.SignalPayload) Result {
	if l.role != RoleInitiator {
		l.m.log.Warn("ignoring answer on responder link", "remote", l.remote)
		return Rejected
	}
	if ph := l.Phase(); ph != PhaseNegotiating {
		l.m.log.Warn("ignoring answer", "remote", l.remote, "phase", ph)
		return Rejected
	}

	desc, err := payload.SDP.ToPion()
	if err != nil {
		return l.fail(fmt.Errorf("decode answer: %w", err))
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return l.fail(fmt.Errorf("set remote answer: %w", err))
	}
	l.flushEarlyCandidates()
	return Applied
}

func (l *Link) applyCandidate(payload *protocol.SignalPayload) Result {
	init := payload.Candidate.ToPion()

	l.mu.Lock()
	if l.phase == PhaseClosed {
		l.mu.Unlock()
		return Rejected
	}
	if l.pc.RemoteDescription() == nil {
		l.earlyCandidates = append(l.earlyCandidates, init)
		l.mu.Unlock()
		return Buffered
	}
	l.mu.Unlock()

	if err := l.pc.AddICECandidate(init); err != nil {
		// A bad candidate is not fatal: other paths may still connect.
		l.m.log.Warn("add candidate failed", "remote", l.remote, "err", err)
		return Rejected
	}
	return Applied
}

func (l *Link) flushEarlyCandidates() {
	l.mu.Lock()
	pending := l.earlyCandidates
	l.earlyCandidates = nil
	l.mu.Unlock()

	for _, init := range pending {
		if err := l.pc.AddICECandidate(init); err != nil {
			l.m.log.Warn("add buffered candidate failed", "remote", l.remote, "err", err)
		}
	}
}

// fail closes the link on an unrecoverable negotiation error and notifies
// the owner, so a half-open link never lingers.
func (l *Link) fail(err error) Result {
	l.m.log.Error("negotiation failed", "remote", l.remote, "err", err)
	l.close(err, true)
	return Rejected
}

func (l *Link) close(err error, notify bool) {
	l.closeOnce.Do(func() {
		l.setPhase(PhaseClosed)
		_ = l.pc.Close()
		l.m.dropLink(l)
		if notify && l.m.onClosed != nil {
			l.m.onClosed(l.remote, err)
		}
	})
}

func (l *Link) bindCallbacks(log *slog.Logger) {
	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		l.m.emit(l.remote, protocol.CandidatePayload(c.ToJSON()))
	})

	l.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Debug("remote track", "remote", l.remote, "kind", track.Kind().String())
		if l.m.onTrack != nil {
			l.m.onTrack(l.remote, track)
		}
	})

	l.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			l.setPhase(PhaseConnected)
		case webrtc.PeerConnectionStateFailed:
			l.close(fmt.Errorf("peer connection failed"), true)
		case webrtc.PeerConnectionStateClosed:
			l.close(nil, true)
		}
	})
}
