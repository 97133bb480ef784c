package protocol

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// SignalKind tags the negotiation payload variants the relay forwards
// verbatim between two peers.
type SignalKind string

const (
	SignalKindOffer     SignalKind = "offer"
	SignalKindAnswer    SignalKind = "answer"
	SignalKindCandidate SignalKind = "candidate"
)

// SignalPayload is the tagged union carried by "signal" events. Exactly one
// of SDP/Candidate is set, matching Kind. The relay never interprets the
// contents; only the client peer layer does.
type SignalPayload struct {
	Kind      SignalKind `json:"kind"`
	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

func (p SignalPayload) Validate() error {
	switch p.Kind {
	case SignalKindOffer, SignalKindAnswer:
		if p.SDP == nil {
			return fmt.Errorf("%s signal missing sdp", p.Kind)
		}
		if p.SDP.Type != string(p.Kind) {
			return fmt.Errorf("%s signal has sdp.type=%q", p.Kind, p.SDP.Type)
		}
		if p.SDP.SDP == "" {
			return fmt.Errorf("%s signal has empty sdp", p.Kind)
		}
		if p.Candidate != nil {
			return fmt.Errorf("%s signal has unexpected candidate", p.Kind)
		}
	case SignalKindCandidate:
		if p.Candidate == nil {
			return fmt.Errorf("candidate signal missing candidate")
		}
		if p.SDP != nil {
			return fmt.Errorf("candidate signal has unexpected sdp")
		}
	default:
		return fmt.Errorf("unsupported signal kind %q", p.Kind)
	}
	return nil
}

func OfferPayload(desc webrtc.SessionDescription) SignalPayload {
	sdp := SDPFromPion(desc)
	return SignalPayload{Kind: SignalKindOffer, SDP: &sdp}
}

func AnswerPayload(desc webrtc.SessionDescription) SignalPayload {
	sdp := SDPFromPion(desc)
	return SignalPayload{Kind: SignalKindAnswer, SDP: &sdp}
}

func CandidatePayload(init webrtc.ICECandidateInit) SignalPayload {
	cand := CandidateFromPion(init)
	return SignalPayload{Kind: SignalKindCandidate, Candidate: &cand}
}

type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
