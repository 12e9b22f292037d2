package protocol

import (
	"encoding/json"
	"fmt"
)

// Message is the envelope for every websocket frame exchanged between a
// client and the signaling server. Payload is opaque to the server.
type Message struct {
	Type          string          `json:"type"`
	RoomID        string          `json:"room_id,omitempty"`
	ParticipantID string          `json:"participant_id,omitempty"`
	From          string          `json:"from,omitempty"`
	To            string          `json:"to,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Message type constants.
const (
	// client -> server
	TypeJoinRoom   = "join-room"
	TypeCallUser   = "call-user"
	TypeAnswerCall = "answer-call"

	// server -> client
	TypeWelcome      = "welcome"
	TypeRoomJoined   = "room-joined"
	TypePeerJoined   = "peer-joined"
	TypePeerLeft     = "peer-left"
	TypeReceiveCall  = "receive-call"
	TypeCallAccepted = "call-accepted"
	TypeError        = "error"

	// both directions
	TypeICECandidate = "ice-candidate"
)

// RelayedType maps a client->server signal to the type the destination
// receives. ok is false for types that are not relayed.
func RelayedType(t string) (string, bool) {
	switch t {
	case TypeCallUser:
		return TypeReceiveCall, true
	case TypeAnswerCall:
		return TypeCallAccepted, true
	case TypeICECandidate:
		return TypeICECandidate, true
	}
	return "", false
}

// ErrorPayload is the payload of an error message.
type ErrorPayload struct {
	Error string `json:"error"`
}

// RoomInfo is the body of the rooms endpoint of the signaling server.
type RoomInfo struct {
	RoomID       string   `json:"room_id"`
	Participants []string `json:"participants"`
}

// NewError builds an error message for the given text.
func NewError(text string) *Message {
	payload, _ := json.Marshal(ErrorPayload{Error: text})
	return &Message{Type: TypeError, Payload: payload}
}

// ErrorText extracts the text of an error message. Malformed payloads yield a
// generic description.
func (m *Message) ErrorText() string {
	var p ErrorPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil || p.Error == "" {
		return "unknown error from server"
	}
	return p.Error
}

// Relayed returns the copy of m that is delivered to its destination: the
// type is translated, From is set to the sender and To is cleared. The payload
// bytes are shared, never rewritten.
func (m *Message) Relayed(from string) (*Message, error) {
	t, ok := RelayedType(m.Type)
	if !ok {
		return nil, fmt.Errorf("message type %q is not relayable", m.Type)
	}
	return &Message{
		Type:    t,
		RoomID:  m.RoomID,
		From:    from,
		Payload: m.Payload,
	}, nil
}

// Encode marshals v into a payload.
func Encode(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// DecodePayload unmarshals the payload into v.
func (m *Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", m.Type)
	}
	return json.Unmarshal(m.Payload, v)
}
