// Package signaling implements the WebSocket endpoint that carries all
// real-time traffic: authentication, presence, call lifecycle, and WebRTC
// negotiation relaying.
//
// One WebSocket connection per authenticated user. The read loop parses and
// dispatches inbound events; outbound delivery goes through a bounded
// per-connection queue drained by a single writer goroutine, so one stalled
// client cannot back-pressure the rest of the service.
package signaling

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mishazen13/gptmessenger/internal/auth"
	"github.com/mishazen13/gptmessenger/internal/callrelay"
	"github.com/mishazen13/gptmessenger/internal/config"
	"github.com/mishazen13/gptmessenger/internal/metrics"
	"github.com/mishazen13/gptmessenger/internal/origin"
	"github.com/mishazen13/gptmessenger/internal/presence"
	"github.com/mishazen13/gptmessenger/internal/protocol"
	"github.com/mishazen13/gptmessenger/internal/ratelimit"
	"github.com/mishazen13/gptmessenger/internal/registry"
	"github.com/mishazen13/gptmessenger/internal/roster"
	"github.com/mishazen13/gptmessenger/internal/turnrest"
)

// Server owns the signaling state: the connection registry, the presence
// tracker, and the call relay, wired together through registry hooks.
type Server struct {
	cfg      config.Config
	log      *slog.Logger
	verifier auth.Verifier
	metrics  *metrics.Metrics
	clock    ratelimit.Clock

	reg     *registry.Registry
	tracker *presence.Tracker
	relay   *callrelay.Relay
	names   *roster.MemoryDirectory
	minter  *turnrest.Minter

	upgrader websocket.Upgrader
}

func New(cfg config.Config, m *metrics.Metrics, logger *slog.Logger) (*Server, error) {
	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	reg := registry.New()
	names := roster.NewMemoryDirectory()
	tracker := presence.NewTracker(reg)
	relay := callrelay.New(reg, names, m, logger)

	// Disconnect ordering: active calls are torn down first, then presence
	// rebroadcasts the user as offline.
	reg.SetHooks(registry.Hooks{
		OnChange:     tracker.OnRegistryChange,
		OnUnregister: relay.HangupAll,
	})

	var minter *turnrest.Minter
	if cfg.TURNRESTSharedSecret != "" {
		minter, err = turnrest.NewMinter(turnrest.MinterConfig{
			SharedSecret: cfg.TURNRESTSharedSecret,
			TTL:          cfg.TURNRESTTTL,
			Prefix:       cfg.TURNRESTUsernamePrefix,
		})
		if err != nil {
			return nil, err
		}
	}

	s := &Server{
		cfg:      cfg,
		log:      logger,
		verifier: verifier,
		metrics:  m,
		clock:    ratelimit.RealClock{},
		reg:      reg,
		tracker:  tracker,
		relay:    relay,
		names:    names,
		minter:   minter,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s, nil
}

// Registry exposes the connection registry for status endpoints.
func (s *Server) Registry() *registry.Registry { return s.reg }

// RegisterRoutes mounts the signaling endpoints on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /rtc/ws", s.handleWS)
	mux.HandleFunc("GET /rtc/ice", s.handleICE)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return true
	}
	normalized, ok := origin.Normalize(header)
	return ok && origin.Allowed(normalized, s.cfg.AllowedOrigins)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	conn := newWSConn(ws, s.cfg.SendQueueEvents, s.log)
	conn.queue.SetOnDrop(func() { s.metrics.Inc(metrics.EventsDropped) })

	fail := func(wsCloseCode int, code, message string) {
		_ = conn.writeEvent(protocol.Event{Type: protocol.EventTypeError, Code: code, Message: message})
		conn.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(wsCloseCode, message), time.Now().Add(wsWriteWait))
		conn.writeMu.Unlock()
		conn.shutdown()
	}

	identity, ok := s.authenticate(ws, r, fail)
	if !ok {
		return
	}
	s.names.Put(identity.UserID, roster.Profile{DisplayName: identity.DisplayName})

	if err := conn.writeEvent(protocol.Event{
		Type:        protocol.EventTypeAuthOK,
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
	}); err != nil {
		conn.shutdown()
		return
	}

	// Registering triggers a presence broadcast that includes this
	// connection's queue; the writer goroutine below drains it.
	epoch := s.reg.Register(identity.UserID, conn)
	go conn.writeLoop()
	go conn.pingLoop(s.cfg.SignalingWSPingInterval)

	s.log.Info("signaling connected", "user_id", identity.UserID, "remote_addr", r.RemoteAddr)
	defer func() {
		s.reg.Unregister(identity.UserID, epoch)
		conn.shutdown()
		s.log.Info("signaling disconnected", "user_id", identity.UserID, "remote_addr", r.RemoteAddr)
	}()

	s.readLoop(identity, ws, conn, fail)
}

// authenticate resolves the connection's identity from the token query
// parameter or, failing that, from a first auth message sent within the auth
// timeout.
func (s *Server) authenticate(ws *websocket.Conn, r *http.Request, fail func(int, string, string)) (auth.Identity, bool) {
	token := strings.TrimSpace(r.URL.Query().Get("token"))

	if token == "" {
		_ = ws.SetReadDeadline(time.Now().Add(s.cfg.SignalingAuthTimeout))
		ws.SetReadLimit(s.cfg.MaxSignalingMessageBytes)

		msgType, msg, err := ws.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				s.metrics.Inc(metrics.AuthFailure)
				fail(websocket.ClosePolicyViolation, "unauthorized", "authentication timeout")
			}
			return auth.Identity{}, false
		}
		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.AuthFailure)
			fail(websocket.ClosePolicyViolation, "unauthorized", "authentication required")
			return auth.Identity{}, false
		}
		ev, err := protocol.ParseEvent(msg)
		if err != nil || ev.Type != protocol.EventTypeAuth {
			s.metrics.Inc(metrics.AuthFailure)
			fail(websocket.ClosePolicyViolation, "unauthorized", "authentication required")
			return auth.Identity{}, false
		}
		token = ev.Token
		_ = ws.SetReadDeadline(time.Time{})
	}

	identity, err := s.verifier.Verify(token)
	if err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		fail(websocket.ClosePolicyViolation, "unauthorized", "invalid credentials")
		return auth.Identity{}, false
	}
	return identity, true
}

func (s *Server) readLoop(identity auth.Identity, ws *websocket.Conn, conn *wsConn, fail func(int, string, string)) {
	ws.SetReadLimit(s.cfg.MaxSignalingMessageBytes)

	resetIdle := func() {
		if s.cfg.SignalingWSIdleTimeout > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(s.cfg.SignalingWSIdleTimeout))
		}
	}
	resetIdle()
	ws.SetPongHandler(func(string) error {
		resetIdle()
		return nil
	})

	perSecond := s.cfg.MaxSignalingMessagesPerSecond
	bucket := ratelimit.NewTokenBucket(s.clock, int64(perSecond), int64(perSecond))

	for {
		msgType, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		resetIdle()

		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.MessagesRejected)
			fail(websocket.CloseUnsupportedData, "bad_message", "expected text message")
			return
		}
		if perSecond > 0 && !bucket.Allow(1) {
			s.metrics.Inc(metrics.RateLimited)
			conn.Enqueue(protocol.Event{
				Type: protocol.EventTypeError, Code: "rate_limited", Message: "too many messages",
			})
			continue
		}

		ev, err := protocol.ParseEvent(msg)
		if err != nil {
			s.metrics.Inc(metrics.MessagesRejected)
			fail(websocket.CloseUnsupportedData, "bad_message", "invalid message")
			return
		}

		if !s.dispatch(identity, conn, ev) {
			fail(websocket.CloseUnsupportedData, "bad_message", "unexpected message type")
			return
		}
	}
}

// dispatch handles one validated inbound event. It reports false when the
// event type is not one a client may send.
func (s *Server) dispatch(identity auth.Identity, conn *wsConn, ev protocol.Event) bool {
	uid := identity.UserID

	switch ev.Type {
	case protocol.EventTypeAuth:
		// Redundant auth after the handshake; ignore.

	case protocol.EventTypePresenceSet:
		if ev.IsManualOverride {
			s.tracker.SetManualOverride(uid, ev.Status, true)
		} else {
			s.tracker.ClearOverride(uid)
		}

	case protocol.EventTypeCallStart:
		switch err := s.relay.Start(uid, ev.To, ev.MediaKind); {
		case errors.Is(err, callrelay.ErrBusy):
			conn.Enqueue(protocol.Event{Type: protocol.EventTypeCallBusy, From: ev.To})
		case errors.Is(err, callrelay.ErrUnreachable):
			conn.Enqueue(protocol.Event{
				Type: protocol.EventTypeError, Code: "peer_unreachable", Message: "user is not connected",
			})
		}

	case protocol.EventTypeCallAccept:
		switch err := s.relay.Accept(uid, ev.To); {
		case errors.Is(err, callrelay.ErrPeerGone):
			conn.Enqueue(protocol.Event{
				Type: protocol.EventTypeError, Code: "call_unavailable", Message: "call no longer available",
			})
		case errors.Is(err, callrelay.ErrNoSuchCall):
			conn.Enqueue(protocol.Event{
				Type: protocol.EventTypeError, Code: "no_such_call", Message: "no such call",
			})
		}

	case protocol.EventTypeCallReject:
		if err := s.relay.Reject(uid, ev.To); errors.Is(err, callrelay.ErrNoSuchCall) {
			conn.Enqueue(protocol.Event{
				Type: protocol.EventTypeError, Code: "no_such_call", Message: "no such call",
			})
		}

	case protocol.EventTypeCallEnd:
		_ = s.relay.End(uid, ev.To)

	case protocol.EventTypeSignal:
		if err := s.relay.ForwardSignal(uid, ev.To, ev.Signal); errors.Is(err, callrelay.ErrUnreachable) {
			conn.Enqueue(protocol.Event{
				Type: protocol.EventTypeError, Code: "peer_unreachable", Message: "user is not connected",
			})
		}

	default:
		s.metrics.Inc(metrics.MessagesRejected)
		return false
	}
	return true
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
