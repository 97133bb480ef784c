// Package protocol defines the JSON event vocabulary spoken over one
// signaling WebSocket: presence updates, call lifecycle events, and opaque
// WebRTC negotiation payloads relayed between two users.
//
// Parsing is strict (unknown fields rejected) and every event type has its
// own validation, so malformed traffic is rejected at the edge instead of
// surfacing as nil-pointer surprises deeper in the relay.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type EventType string

// Client -> server.
const (
	EventTypeAuth        EventType = "auth"
	EventTypePresenceSet EventType = "presence:set"
	EventTypeCallStart   EventType = "call:start"
	EventTypeCallAccept  EventType = "call:accept"
	EventTypeCallReject  EventType = "call:reject"
	EventTypeCallEnd     EventType = "call:end"
)

// Server -> client.
const (
	EventTypeAuthOK         EventType = "auth:ok"
	EventTypePresenceUpdate EventType = "presence:update"
	EventTypeCallIncoming   EventType = "call:incoming"
	EventTypeCallAccepted   EventType = "call:accepted"
	EventTypeCallRejected   EventType = "call:rejected"
	EventTypeCallEnded      EventType = "call:ended"
	EventTypeCallBusy       EventType = "call:busy"
	EventTypeError          EventType = "error"
)

// Bidirectional (client -> server carries "to", server -> client carries "from").
const (
	EventTypeSignal EventType = "signal"
)

type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	PresenceAway    PresenceStatus = "away"
	PresenceDND     PresenceStatus = "dnd"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceOffline, PresenceAway, PresenceDND:
		return true
	}
	return false
}

type PresenceEntry struct {
	Status PresenceStatus `json:"status"`
}

// Event is the single wire envelope. Exactly one event per WebSocket text
// message; which fields are meaningful depends on Type.
type Event struct {
	Type EventType `json:"type"`

	// auth / auth:ok
	Token       string `json:"token,omitempty"`
	UserID      string `json:"userId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`

	// presence:set / presence:update
	Status           PresenceStatus           `json:"status,omitempty"`
	IsManualOverride bool                     `json:"isManualOverride,omitempty"`
	Presence         map[string]PresenceEntry `json:"presence,omitempty"`

	// Call addressing. "to" on client->server events, "from" on
	// server->client events; never both.
	To       string `json:"to,omitempty"`
	From     string `json:"from,omitempty"`
	FromName string `json:"fromName,omitempty"`

	MediaKind MediaKind `json:"mediaKind,omitempty"`
	CallID    string    `json:"callId,omitempty"`

	// signal
	Signal *SignalPayload `json:"signal,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ParseEvent decodes and validates one wire event.
func ParseEvent(data []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return Event{}, err
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Event{}, fmt.Errorf("unexpected trailing data")
	}
	return ev, nil
}

func (e Event) Validate() error {
	switch e.Type {
	case EventTypeAuth:
		if e.Token == "" {
			return fmt.Errorf("auth event missing token")
		}
	case EventTypeAuthOK:
		if e.UserID == "" {
			return fmt.Errorf("auth:ok event missing userId")
		}
	case EventTypePresenceSet:
		if !e.Status.Valid() {
			return fmt.Errorf("presence:set event has status %q", e.Status)
		}
	case EventTypePresenceUpdate:
		if e.Presence == nil {
			return fmt.Errorf("presence:update event missing presence map")
		}
		for id, entry := range e.Presence {
			if !entry.Status.Valid() {
				return fmt.Errorf("presence:update entry %q has status %q", id, entry.Status)
			}
		}
	case EventTypeCallStart:
		if e.To == "" {
			return fmt.Errorf("call:start event missing to")
		}
		if !e.MediaKind.Valid() {
			return fmt.Errorf("call:start event has mediaKind %q", e.MediaKind)
		}
	case EventTypeCallAccept, EventTypeCallReject, EventTypeCallEnd:
		if e.To == "" {
			return fmt.Errorf("%s event missing to", e.Type)
		}
	case EventTypeCallIncoming:
		if e.From == "" {
			return fmt.Errorf("call:incoming event missing from")
		}
		if !e.MediaKind.Valid() {
			return fmt.Errorf("call:incoming event has mediaKind %q", e.MediaKind)
		}
	case EventTypeCallAccepted, EventTypeCallRejected, EventTypeCallEnded, EventTypeCallBusy:
		if e.From == "" {
			return fmt.Errorf("%s event missing from", e.Type)
		}
	case EventTypeSignal:
		if e.To == "" && e.From == "" {
			return fmt.Errorf("signal event missing to/from")
		}
		if e.To != "" && e.From != "" {
			return fmt.Errorf("signal event has both to and from")
		}
		if e.Signal == nil {
			return fmt.Errorf("signal event missing signal payload")
		}
		if err := e.Signal.Validate(); err != nil {
			return err
		}
	case EventTypeError:
		if e.Code == "" || e.Message == "" {
			return fmt.Errorf("error event missing code/message")
		}
	default:
		return fmt.Errorf("unsupported event type %q", e.Type)
	}
	return nil
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}
