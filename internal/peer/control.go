package peer

import (
	"github.com/vmihailenco/msgpack/v5"
)

// ControlLabel is the label of the data channel carrying control messages.
const ControlLabel = "control"

// Control message types
const (
	ControlTypeHello      = "hello"
	ControlTypeMediaState = "media-state"
)

// ControlMessage represents all control data channel messages
type ControlMessage struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// HelloPayload is exchanged once the control channel opens
type HelloPayload struct {
	DeviceName    string `msgpack:"deviceName"`
	DeviceVersion string `msgpack:"deviceVersion"`
}

// MediaState tells the remote side whether our tracks are enabled
type MediaState struct {
	Audio bool `msgpack:"audio"`
	Video bool `msgpack:"video"`
}

// DecodePayload decodes the message payload into the provided struct
func (m ControlMessage) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

// EncodeControl builds the wire form of a control message.
func EncodeControl(t string, payload any) ([]byte, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, NewError("marshal control payload", err)
	}
	data, err := msgpack.Marshal(ControlMessage{Type: t, Payload: b})
	if err != nil {
		return nil, NewError("marshal control message", err)
	}
	return data, nil
}

// ParseControl decodes a control message.
func ParseControl(data []byte) (*ControlMessage, error) {
	var msg ControlMessage
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return nil, NewError("parse control message", err)
	}
	return &msg, nil
}
