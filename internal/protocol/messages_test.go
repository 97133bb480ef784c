package protocol

import (
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestParseEvent_Valid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		typ  EventType
	}{
		{"auth", `{"type":"auth","token":"tok"}`, EventTypeAuth},
		{"presence set", `{"type":"presence:set","status":"dnd","isManualOverride":true}`, EventTypePresenceSet},
		{"presence update", `{"type":"presence:update","presence":{"u1":{"status":"online"}}}`, EventTypePresenceUpdate},
		{"call start", `{"type":"call:start","to":"u2","mediaKind":"audio"}`, EventTypeCallStart},
		{"call accept", `{"type":"call:accept","to":"u1"}`, EventTypeCallAccept},
		{"call incoming", `{"type":"call:incoming","from":"u1","fromName":"Alice","mediaKind":"video"}`, EventTypeCallIncoming},
		{"call ended", `{"type":"call:ended","from":"u1"}`, EventTypeCallEnded},
		{"busy", `{"type":"call:busy","from":"u2"}`, EventTypeCallBusy},
		{"signal offer", `{"type":"signal","to":"u2","signal":{"kind":"offer","sdp":{"type":"offer","sdp":"v=0"}}}`, EventTypeSignal},
		{"signal candidate", `{"type":"signal","from":"u1","signal":{"kind":"candidate","candidate":{"candidate":"candidate:1 1 udp"}}}`, EventTypeSignal},
		{"error", `{"type":"error","code":"unreachable","message":"peer unreachable"}`, EventTypeError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := ParseEvent([]byte(tc.raw))
			if err != nil {
				t.Fatalf("ParseEvent: %v", err)
			}
			if ev.Type != tc.typ {
				t.Fatalf("Type=%q, want %q", ev.Type, tc.typ)
			}
		})
	}
}

func TestParseEvent_Invalid(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"unknown type", `{"type":"nope"}`, "unsupported event type"},
		{"unknown field", `{"type":"auth","token":"t","extra":1}`, "unknown field"},
		{"auth without token", `{"type":"auth"}`, "missing token"},
		{"bad presence status", `{"type":"presence:set","status":"sleeping"}`, "status"},
		{"start without target", `{"type":"call:start","mediaKind":"audio"}`, "missing to"},
		{"start with bad kind", `{"type":"call:start","to":"u2","mediaKind":"hologram"}`, "mediaKind"},
		{"signal without payload", `{"type":"signal","to":"u2"}`, "missing signal"},
		{"signal both directions", `{"type":"signal","to":"u2","from":"u1","signal":{"kind":"candidate","candidate":{"candidate":"c"}}}`, "both to and from"},
		{"offer with wrong sdp type", `{"type":"signal","to":"u2","signal":{"kind":"offer","sdp":{"type":"answer","sdp":"v=0"}}}`, "sdp.type"},
		{"candidate without candidate", `{"type":"signal","to":"u2","signal":{"kind":"candidate"}}`, "missing candidate"},
		{"unknown signal kind", `{"type":"signal","to":"u2","signal":{"kind":"pranswer"}}`, "signal kind"},
		{"trailing data", `{"type":"auth","token":"t"}{}`, "trailing data"},
		{"error without code", `{"type":"error","message":"m"}`, "missing code"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseEvent([]byte(tc.raw))
			if err == nil {
				t.Fatalf("ParseEvent accepted %s", tc.raw)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%q, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestSignalPayload_PionRoundTrip(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	p := CandidatePayload(webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})

	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	init := p.Candidate.ToPion()
	if init.Candidate == "" || init.SDPMid == nil || *init.SDPMid != "0" {
		t.Fatalf("round trip lost fields: %+v", init)
	}
}

func TestSDP_ToPionRejectsUnknownType(t *testing.T) {
	if _, err := (SDP{Type: "rollback", SDP: "v=0"}).ToPion(); err == nil {
		t.Fatalf("expected error for unsupported sdp type")
	}
}
