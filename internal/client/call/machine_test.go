package call

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mishazen13/gptmessenger/internal/client/media"
	"github.com/mishazen13/gptmessenger/internal/client/peer"
	"github.com/mishazen13/gptmessenger/internal/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSignaler struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (s *fakeSignaler) Emit(ev protocol.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *fakeSignaler) sent() []protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *fakeSignaler) lastOfType(t protocol.EventType) (protocol.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].Type == t {
			return s.events[i], true
		}
	}
	return protocol.Event{}, false
}

type openCall struct {
	remote  string
	role    peer.Role
	capture *media.Capture
}

type fakePeers struct {
	mu      sync.Mutex
	opens   []openCall
	applied []string
	endAlls int
	openErr error
}

func (p *fakePeers) Open(remote string, role peer.Role, capture *media.Capture) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openErr != nil {
		return p.openErr
	}
	p.opens = append(p.opens, openCall{remote: remote, role: role, capture: capture})
	return nil
}

func (p *fakePeers) ApplyRemote(remote string, payload *protocol.SignalPayload) peer.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, remote)
	return peer.Applied
}

func (p *fakePeers) EndAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endAlls++
}

func (p *fakePeers) lastOpen(t *testing.T) openCall {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.opens) == 0 {
		t.Fatal("no peer link was opened")
	}
	return p.opens[len(p.opens)-1]
}

func (p *fakePeers) openCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.opens)
}

func (p *fakePeers) endAllCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endAlls
}

func (p *fakePeers) appliedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.applied)
}

// deniedSource simulates the user's devices being unavailable.
type deniedSource struct {
	mu    sync.Mutex
	calls int
}

func (s *deniedSource) AudioTrack() (webrtc.TrackLocal, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return nil, errors.New("microphone permission denied")
}

func (s *deniedSource) VideoTrack() (webrtc.TrackLocal, error) {
	return nil, errors.New("camera permission denied")
}

func (s *deniedSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// countingSource wraps a working source to prove when capture happens.
type countingSource struct {
	inner media.Source
	mu    sync.Mutex
	calls int
}

func (s *countingSource) AudioTrack() (webrtc.TrackLocal, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return s.inner.AudioTrack()
}

func (s *countingSource) VideoTrack() (webrtc.TrackLocal, error) {
	return s.inner.VideoTrack()
}

func (s *countingSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fixture struct {
	m      *Machine
	sig    *fakeSignaler
	peers  *fakePeers
	source *countingSource

	mu      sync.Mutex
	changes []Info
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	f := &fixture{
		sig:    &fakeSignaler{},
		peers:  &fakePeers{},
		source: &countingSource{inner: &media.SyntheticSource{}},
	}
	cfg := Config{
		Signaler: f.sig,
		Peers:    f.peers,
		Source:   f.source,
		Logger:   discardLogger(),
		OnChange: func(info Info) {
			f.mu.Lock()
			f.changes = append(f.changes, info)
			f.mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewMachine(cfg)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	f.m = m
	return f
}

func (f *fixture) lastChange(t *testing.T) Info {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.changes) == 0 {
		t.Fatal("no state change was observed")
	}
	return f.changes[len(f.changes)-1]
}

func incoming(from, name string, kind protocol.MediaKind) protocol.Event {
	return protocol.Event{
		Type:      protocol.EventTypeCallIncoming,
		From:      from,
		FromName:  name,
		MediaKind: kind,
		CallID:    "call-1",
	}
}

// wireRecorder collects events in the order they would leave one signaling
// connection, whether produced by the machine or by the peer layer.
type wireRecorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (w *wireRecorder) Emit(ev protocol.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, ev)
	return nil
}

func (w *wireRecorder) snapshot() []protocol.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]protocol.Event, len(w.events))
	copy(out, w.events)
	return out
}

// The caller's connection is FIFO end to end: if the offer left before
// call:start, the callee would receive a signal for a call it has not been
// told about and drop it. Wire the machine to a real peer manager and check
// the order on the wire.
func TestStartPrecedesOfferOnTheWire(t *testing.T) {
	wire := &wireRecorder{}
	mgr := peer.NewManager(peer.Config{
		Logger: discardLogger(),
		OnPayload: func(remote string, p protocol.SignalPayload) {
			payload := p
			_ = wire.Emit(protocol.Event{
				Type:   protocol.EventTypeSignal,
				To:     remote,
				Signal: &payload,
			})
		},
	})
	t.Cleanup(mgr.EndAll)

	m, err := NewMachine(Config{
		Signaler: wire,
		Peers:    mgr,
		Source:   &media.SyntheticSource{},
		Logger:   discardLogger(),
	})
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}

	if err := m.Call("bob", protocol.MediaKindAudio); err != nil {
		t.Fatalf("call: %v", err)
	}

	events := wire.snapshot()
	if len(events) < 2 {
		t.Fatalf("wire carried %d events, want call:start then the offer", len(events))
	}
	if events[0].Type != protocol.EventTypeCallStart {
		t.Fatalf("wire[0] = %s, want %s", events[0].Type, protocol.EventTypeCallStart)
	}
	if events[1].Type != protocol.EventTypeSignal || events[1].Signal == nil ||
		events[1].Signal.Kind != protocol.SignalKindOffer {
		t.Fatalf("wire[1] = %+v, want the offer signal", events[1])
	}
}

func TestCallMovesToOutgoingRinging(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.m.Call("bob", protocol.MediaKindAudio); err != nil {
		t.Fatalf("call: %v", err)
	}
	if got := f.m.State(); got != StateOutgoingRinging {
		t.Fatalf("state = %q, want %q", got, StateOutgoingRinging)
	}

	open := f.peers.lastOpen(t)
	if open.remote != "bob" || open.role != peer.RoleInitiator {
		t.Fatalf("opened link %q as %v, want bob as initiator", open.remote, open.role)
	}
	start, ok := f.sig.lastOfType(protocol.EventTypeCallStart)
	if !ok {
		t.Fatal("no call:start was sent")
	}
	if start.To != "bob" || start.MediaKind != protocol.MediaKindAudio {
		t.Fatalf("call:start = %+v", start)
	}
	if info := f.lastChange(t); info.State != StateOutgoingRinging || info.Remote != "bob" {
		t.Fatalf("change notification = %+v", info)
	}
}

func TestFailedLinkOpenUnwindsWithEnd(t *testing.T) {
	f := newFixture(t, nil)
	f.peers.openErr = errors.New("no webrtc stack")

	if err := f.m.Call("bob", protocol.MediaKindAudio); err == nil {
		t.Fatal("call succeeded despite failed link open")
	}
	if got := f.m.State(); got != StateIdle {
		t.Fatalf("state = %q, want idle", got)
	}

	// call:start already left; the callee must not be left ringing.
	events := f.sig.sent()
	if len(events) != 2 || events[0].Type != protocol.EventTypeCallStart ||
		events[1].Type != protocol.EventTypeCallEnd {
		t.Fatalf("wire = %+v, want call:start then call:end", events)
	}
}

func TestCallWhileBusyFails(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.m.Call("bob", protocol.MediaKindAudio); err != nil {
		t.Fatalf("call: %v", err)
	}
	if err := f.m.Call("carol", protocol.MediaKindAudio); !errors.Is(err, ErrBusy) {
		t.Fatalf("second call err = %v, want ErrBusy", err)
	}
	if got := f.m.Current().Remote; got != "bob" {
		t.Fatalf("remote = %q, busy call must not overwrite the current one", got)
	}
}

func TestCaptureFailureBlocksOutgoingCall(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Source = &deniedSource{}
	})

	if err := f.m.Call("bob", protocol.MediaKindAudio); err == nil {
		t.Fatal("call succeeded despite denied media")
	}
	if got := f.m.State(); got != StateIdle {
		t.Fatalf("state = %q, want idle after capture failure", got)
	}
	if len(f.sig.sent()) != 0 {
		t.Fatalf("events sent on failed capture: %+v", f.sig.sent())
	}
	if f.peers.openCount() != 0 {
		t.Fatal("peer link opened despite denied media")
	}
}

func TestIncomingRingsWithoutCapturing(t *testing.T) {
	f := newFixture(t, nil)

	f.m.HandleEvent(incoming("alice", "Alice", protocol.MediaKindVideo))

	info := f.m.Current()
	if info.State != StateIncomingRinging {
		t.Fatalf("state = %q, want %q", info.State, StateIncomingRinging)
	}
	if info.Remote != "alice" || info.RemoteName != "Alice" || info.Kind != protocol.MediaKindVideo {
		t.Fatalf("caller info = %+v", info)
	}
	if f.source.callCount() != 0 {
		t.Fatal("media captured before the user accepted")
	}
	if f.peers.openCount() != 0 {
		t.Fatal("peer link opened before the user accepted")
	}
}

func TestIncomingWhileBusyIsIgnored(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.m.Call("bob", protocol.MediaKindAudio); err != nil {
		t.Fatalf("call: %v", err)
	}
	before := len(f.sig.sent())

	f.m.HandleEvent(incoming("carol", "Carol", protocol.MediaKindAudio))

	info := f.m.Current()
	if info.State != StateOutgoingRinging || info.Remote != "bob" {
		t.Fatalf("current call disturbed by busy incoming: %+v", info)
	}
	if got := len(f.sig.sent()); got != before {
		t.Fatalf("busy incoming produced %d events", got-before)
	}
}

func TestAcceptCapturesAndConnects(t *testing.T) {
	f := newFixture(t, nil)

	f.m.HandleEvent(incoming("alice", "Alice", protocol.MediaKindAudio))
	if err := f.m.Accept(); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if got := f.m.State(); got != StateConnected {
		t.Fatalf("state = %q, want connected", got)
	}
	open := f.peers.lastOpen(t)
	if open.remote != "alice" || open.role != peer.RoleResponder {
		t.Fatalf("opened link %q as %v, want alice as responder", open.remote, open.role)
	}
	accept, ok := f.sig.lastOfType(protocol.EventTypeCallAccept)
	if !ok {
		t.Fatal("no call:accept was sent")
	}
	if accept.To != "alice" {
		t.Fatalf("call:accept to %q", accept.To)
	}
	if f.source.callCount() != 1 {
		t.Fatalf("capture acquired %d times, want once on accept", f.source.callCount())
	}
}

func TestAcceptCaptureFailureDeclinesCall(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Source = &deniedSource{}
	})

	f.m.HandleEvent(incoming("alice", "Alice", protocol.MediaKindAudio))
	if err := f.m.Accept(); err == nil {
		t.Fatal("accept succeeded despite denied media")
	}

	// The caller must not be left ringing against a callee that cannot
	// answer.
	reject, ok := f.sig.lastOfType(protocol.EventTypeCallReject)
	if !ok {
		t.Fatal("no call:reject was sent after capture failure")
	}
	if reject.To != "alice" {
		t.Fatalf("call:reject to %q", reject.To)
	}
	if got := f.m.State(); got != StateIdle {
		t.Fatalf("state = %q, want idle", got)
	}
}

func TestRejectNeverCaptures(t *testing.T) {
	f := newFixture(t, nil)

	f.m.HandleEvent(incoming("alice", "Alice", protocol.MediaKindVideo))
	if err := f.m.Reject(); err != nil {
		t.Fatalf("reject: %v", err)
	}

	reject, ok := f.sig.lastOfType(protocol.EventTypeCallReject)
	if !ok {
		t.Fatal("no call:reject was sent")
	}
	if reject.To != "alice" {
		t.Fatalf("call:reject to %q", reject.To)
	}
	if got := f.m.State(); got != StateIdle {
		t.Fatalf("state = %q, want idle", got)
	}
	if f.source.callCount() != 0 {
		t.Fatal("media captured on a rejected call")
	}

	if err := f.m.Reject(); !errors.Is(err, ErrNoCall) {
		t.Fatalf("repeat reject err = %v, want ErrNoCall", err)
	}
}

func TestRemoteAcceptedConnects(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.m.Call("bob", protocol.MediaKindAudio); err != nil {
		t.Fatalf("call: %v", err)
	}
	f.m.HandleEvent(protocol.Event{
		Type:   protocol.EventTypeCallAccepted,
		From:   "bob",
		CallID: "call-9",
	})

	info := f.m.Current()
	if info.State != StateConnected {
		t.Fatalf("state = %q, want connected", info.State)
	}
	if info.CallID != "call-9" {
		t.Fatalf("call id = %q", info.CallID)
	}
}

func TestStrayAcceptedIsIgnored(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.m.Call("bob", protocol.MediaKindAudio); err != nil {
		t.Fatalf("call: %v", err)
	}
	f.m.HandleEvent(protocol.Event{Type: protocol.EventTypeCallAccepted, From: "carol"})

	if got := f.m.State(); got != StateOutgoingRinging {
		t.Fatalf("state = %q after stray accepted, want outgoing-ringing", got)
	}
}

func TestRemoteTerminalEventsReturnToIdle(t *testing.T) {
	terminal := []protocol.EventType{
		protocol.EventTypeCallRejected,
		protocol.EventTypeCallEnded,
		protocol.EventTypeCallBusy,
	}
	for _, typ := range terminal {
		t.Run(string(typ), func(t *testing.T) {
			f := newFixture(t, nil)

			if err := f.m.Call("bob", protocol.MediaKindAudio); err != nil {
				t.Fatalf("call: %v", err)
			}
			capture := f.peers.lastOpen(t).capture

			f.m.HandleEvent(protocol.Event{Type: typ, From: "bob"})

			if got := f.m.State(); got != StateIdle {
				t.Fatalf("state = %q, want idle", got)
			}
			if f.peers.endAllCount() != 1 {
				t.Fatal("peer links were not torn down")
			}
			if !capture.Stopped() {
				t.Fatal("capture still live after call ended")
			}
		})
	}
}

func TestEndedForUnknownCallIsNoOp(t *testing.T) {
	f := newFixture(t, nil)

	// The relay does not promise incoming is seen before a racing end.
	f.m.HandleEvent(protocol.Event{Type: protocol.EventTypeCallEnded, From: "alice"})

	if got := f.m.State(); got != StateIdle {
		t.Fatalf("state = %q, want idle", got)
	}
	if f.peers.endAllCount() != 0 {
		t.Fatal("teardown ran with no call in progress")
	}
	if len(f.sig.sent()) != 0 {
		t.Fatalf("events sent: %+v", f.sig.sent())
	}
}

func TestHangUpEndsCall(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.m.Call("bob", protocol.MediaKindAudio); err != nil {
		t.Fatalf("call: %v", err)
	}
	f.m.HandleEvent(protocol.Event{Type: protocol.EventTypeCallAccepted, From: "bob"})

	if err := f.m.HangUp(); err != nil {
		t.Fatalf("hang up: %v", err)
	}
	end, ok := f.sig.lastOfType(protocol.EventTypeCallEnd)
	if !ok {
		t.Fatal("no call:end was sent")
	}
	if end.To != "bob" {
		t.Fatalf("call:end to %q", end.To)
	}
	if got := f.m.State(); got != StateIdle {
		t.Fatalf("state = %q, want idle", got)
	}

	if err := f.m.HangUp(); !errors.Is(err, ErrNoCall) {
		t.Fatalf("repeat hang up err = %v, want ErrNoCall", err)
	}
}

func TestRingTimeoutEndsUnansweredCall(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.RingTimeout = 50 * time.Millisecond
	})

	if err := f.m.Call("bob", protocol.MediaKindAudio); err != nil {
		t.Fatalf("call: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.m.State() != StateIdle {
		if time.Now().After(deadline) {
			t.Fatal("ring timeout never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}
	end, ok := f.sig.lastOfType(protocol.EventTypeCallEnd)
	if !ok {
		t.Fatal("no call:end was sent on ring timeout")
	}
	if end.To != "bob" {
		t.Fatalf("call:end to %q", end.To)
	}
}

func TestAnswerCancelsRingTimer(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.RingTimeout = 50 * time.Millisecond
	})

	if err := f.m.Call("bob", protocol.MediaKindAudio); err != nil {
		t.Fatalf("call: %v", err)
	}
	f.m.HandleEvent(protocol.Event{Type: protocol.EventTypeCallAccepted, From: "bob"})

	time.Sleep(150 * time.Millisecond)

	if got := f.m.State(); got != StateConnected {
		t.Fatalf("state = %q, stale ring timer ended an answered call", got)
	}
	if _, ok := f.sig.lastOfType(protocol.EventTypeCallEnd); ok {
		t.Fatal("call:end sent for an answered call")
	}
}

func TestSignalsRouteToCurrentPeerOnly(t *testing.T) {
	f := newFixture(t, nil)

	f.m.HandleEvent(incoming("alice", "Alice", protocol.MediaKindAudio))

	sig := protocol.OfferPayload(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "v=0 fake sdp",
	})
	f.m.HandleEvent(protocol.Event{
		Type:   protocol.EventTypeSignal,
		From:   "alice",
		Signal: &sig,
	})
	if f.peers.appliedCount() != 1 {
		t.Fatalf("applied %d payloads, want 1", f.peers.appliedCount())
	}

	f.m.HandleEvent(protocol.Event{
		Type:   protocol.EventTypeSignal,
		From:   "mallory",
		Signal: &sig,
	})
	if f.peers.appliedCount() != 1 {
		t.Fatal("payload from a third party reached the peer manager")
	}
}

func TestTogglesMutateCaptureOnly(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.m.Call("bob", protocol.MediaKindVideo); err != nil {
		t.Fatalf("call: %v", err)
	}
	capture := f.peers.lastOpen(t).capture
	before := len(f.sig.sent())

	if muted := f.m.ToggleMute(); !muted {
		t.Fatal("first toggle should mute")
	}
	if capture.AudioEnabled() {
		t.Fatal("audio still enabled after mute")
	}
	if muted := f.m.ToggleMute(); muted {
		t.Fatal("second toggle should unmute")
	}

	if on := f.m.ToggleVideo(); on {
		t.Fatal("first video toggle should disable")
	}
	if capture.VideoEnabled() {
		t.Fatal("video still enabled after toggle off")
	}
	if on := f.m.ToggleVideo(); !on {
		t.Fatal("second video toggle should re-enable")
	}

	if got := len(f.sig.sent()); got != before {
		t.Fatalf("toggles sent %d events, want none", got-before)
	}
}

func TestTogglesWithoutCallAreNoOps(t *testing.T) {
	f := newFixture(t, nil)

	if f.m.ToggleMute() {
		t.Fatal("mute toggled with no call")
	}
	if f.m.ToggleVideo() {
		t.Fatal("video toggled with no call")
	}
}

func TestLinkFailureEndsCall(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.m.Call("bob", protocol.MediaKindAudio); err != nil {
		t.Fatalf("call: %v", err)
	}
	f.m.HandleEvent(protocol.Event{Type: protocol.EventTypeCallAccepted, From: "bob"})

	f.m.LinkClosed("bob", errors.New("ice failed"))

	if got := f.m.State(); got != StateIdle {
		t.Fatalf("state = %q, want idle after link failure", got)
	}
	if _, ok := f.sig.lastOfType(protocol.EventTypeCallEnd); !ok {
		t.Fatal("no call:end was sent after link failure")
	}
}

func TestPeerUnreachableErrorEndsCall(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.m.Call("bob", protocol.MediaKindAudio); err != nil {
		t.Fatalf("call: %v", err)
	}
	capture := f.peers.lastOpen(t).capture

	f.m.HandleEvent(protocol.Event{
		Type:    protocol.EventTypeError,
		Code:    "peer_unreachable",
		Message: "user is not connected",
	})

	if got := f.m.State(); got != StateIdle {
		t.Fatalf("state = %q, want idle", got)
	}
	if !capture.Stopped() {
		t.Fatal("capture still live after unreachable peer")
	}
}
