// Package peer manages one WebRTC peer connection per remote party: offer
// and answer negotiation, trickled candidates, and remote media surfacing.
//
// The package never talks to the network signaling layer directly; outbound
// negotiation payloads are handed to a callback, inbound ones arrive through
// ApplyRemote. That keeps it testable against an in-process loopback and
// independent of the socket client.
package peer

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

type Phase string

const (
	PhaseNew         Phase = "new"
	PhaseNegotiating Phase = "negotiating"
	PhaseConnected   Phase = "connected"
	PhaseClosed      Phase = "closed"
)

// Result reports what ApplyRemote did with a payload, so callers can react
// immediately instead of waiting for out-of-band callbacks.
type Result int

const (
	// Applied: the payload was applied to a live link.
	Applied Result = iota
	// Buffered: no link (or no remote description) yet; the payload is held
	// and replayed once the link can take it. Never lost.
	Buffered
	// Rejected: the payload cannot apply in the link's current phase (e.g. a
	// surplus offer on a connected link) and was deliberately dropped.
	Rejected
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Buffered:
		return "buffered"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}
