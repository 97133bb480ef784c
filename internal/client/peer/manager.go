package peer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mishazen13/gptmessenger/internal/client/media"
	"github.com/mishazen13/gptmessenger/internal/protocol"
)

// How many negotiation payloads may queue for a remote with no link yet. An
// offer plus a realistic trickle of candidates fits comfortably.
const maxPendingPayloads = 64

type Config struct {
	// API overrides the default pion API; tests inject one backed by a
	// virtual network.
	API *webrtc.API

	ICEServers []webrtc.ICEServer

	Logger *slog.Logger

	// OnPayload receives locally produced negotiation payloads for delivery
	// through the signaling layer. Required.
	OnPayload func(remote string, payload protocol.SignalPayload)

	// OnRemoteTrack fires as remote media tracks arrive, per link.
	OnRemoteTrack func(remote string, track *webrtc.TrackRemote)

	// OnLinkClosed fires when a link dies for any reason other than an
	// explicit CloseLink/EndAll/replace; err is nil for an orderly remote
	// close.
	OnLinkClosed func(remote string, err error)
}

// Manager owns every Link of the local client plus the shared capture handle
// in use by the current call.
type Manager struct {
	api      *webrtc.API
	ice      []webrtc.ICEServer
	log      *slog.Logger
	onSend   func(remote string, payload protocol.SignalPayload)
	onTrack  func(remote string, track *webrtc.TrackRemote)
	onClosed func(remote string, err error)

	mu      sync.Mutex
	links   map[string]*Link
	pending map[string][]*protocol.SignalPayload
	capture *media.Capture
}

func NewManager(cfg Config) *Manager {
	api := cfg.API
	if api == nil {
		api = webrtc.NewAPI()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		api:      api,
		ice:      cfg.ICEServers,
		log:      log,
		onSend:   cfg.OnPayload,
		onTrack:  cfg.OnRemoteTrack,
		onClosed: cfg.OnLinkClosed,
		links:    make(map[string]*Link),
		pending:  make(map[string][]*protocol.SignalPayload),
	}
}

func (m *Manager) emit(remote string, payload protocol.SignalPayload) {
	if m.onSend != nil {
		m.onSend(remote, payload)
	}
}

// Open creates the Link for remote with the given role, attaching cap's
// local tracks. An existing link for the same remote is replaced — a stale
// link from a failed earlier attempt must never coexist with a fresh one.
// Payloads that arrived for remote before the link existed are replayed in
// order.
func (m *Manager) Open(remote string, role Role, capture *media.Capture) error {
	tracks, err := capture.Tracks()
	if err != nil {
		return err
	}

	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.ice})
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	for _, track := range tracks {
		if _, err := pc.AddTrack(track); err != nil {
			_ = pc.Close()
			return fmt.Errorf("add %s track: %w", track.Kind().String(), err)
		}
	}

	l := &Link{remote: remote, role: role, m: m, pc: pc, phase: PhaseNew}
	l.bindCallbacks(m.log)

	m.mu.Lock()
	old := m.links[remote]
	m.links[remote] = l
	replay := m.pending[remote]
	delete(m.pending, remote)
	m.capture = capture
	m.mu.Unlock()

	if old != nil {
		m.log.Debug("replacing stale link", "remote", remote)
		old.close(nil, false)
	}

	if role == RoleInitiator {
		if err := l.startOffer(); err != nil {
			l.close(err, false)
			return err
		}
	}

	for _, payload := range replay {
		l.apply(payload)
	}
	return nil
}

// ApplyRemote feeds one inbound negotiation payload. Payloads for a remote
// with no link yet are buffered — the candidate-before-accept race must not
// lose them — and replayed by the next Open for that remote.
func (m *Manager) ApplyRemote(remote string, payload *protocol.SignalPayload) Result {
	if payload == nil {
		return Rejected
	}

	m.mu.Lock()
	l, ok := m.links[remote]
	if !ok {
		if len(m.pending[remote]) >= maxPendingPayloads {
			m.mu.Unlock()
			m.log.Warn("pending payload buffer full", "remote", remote)
			return Rejected
		}
		m.pending[remote] = append(m.pending[remote], payload)
		m.mu.Unlock()
		return Buffered
	}
	m.mu.Unlock()

	return l.apply(payload)
}

// Phase reports the link phase for remote, if a link exists.
func (m *Manager) Phase(remote string) (Phase, bool) {
	m.mu.Lock()
	l, ok := m.links[remote]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	return l.Phase(), true
}

// CloseLink tears down the link for remote. Shared local media stays live
// for other links.
func (m *Manager) CloseLink(remote string) {
	m.mu.Lock()
	l := m.links[remote]
	delete(m.pending, remote)
	m.mu.Unlock()
	if l != nil {
		l.close(nil, false)
	}
}

// EndAll closes every link and stops the capture handle, releasing media
// entirely. The next call starts from a fresh Acquire.
func (m *Manager) EndAll() {
	m.mu.Lock()
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	capture := m.capture
	m.capture = nil
	m.pending = make(map[string][]*protocol.SignalPayload)
	m.mu.Unlock()

	for _, l := range links {
		l.close(nil, false)
	}
	if capture != nil {
		capture.Stop()
	}
}

// dropLink removes l from the table if it is still the registered link for
// its remote (a replacement may already be in place).
func (m *Manager) dropLink(l *Link) {
	m.mu.Lock()
	if m.links[l.remote] == l {
		delete(m.links, l.remote)
	}
	m.mu.Unlock()
}
