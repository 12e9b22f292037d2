package peer

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// Role says which side of the negotiation a session plays.
type Role int

const (
	// Initiator is the existing member that sends the offer.
	Initiator Role = iota
	// Answerer is the newcomer that answers.
	Answerer
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "answerer"
}

// Connection is the peer connection a session drives. PionConnection is the
// production implementation.
type Connection interface {
	// CreateOffer creates the offer and applies it as the local description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)

	// CreateAnswer applies the remote offer, then creates the answer and
	// applies it as the local description.
	CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error)

	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// SendControl writes to the control data channel.
	SendControl(data []byte) error

	Close() error
}

// Handlers are the callbacks a Connection reports through. They may be
// called from any goroutine.
type Handlers struct {
	OnCandidate       func(webrtc.ICECandidateInit)
	OnConnectionState func(webrtc.PeerConnectionState)
	OnTrack           func(*webrtc.TrackRemote)
	OnControlOpen     func()
	OnControl         func([]byte)
}

// ConnectionFactory creates the connection for a new session. tracks are the
// local media tracks to send.
type ConnectionFactory interface {
	NewConnection(role Role, tracks []webrtc.TrackLocal, handlers Handlers) (Connection, error)
}

// Signaler carries a session's signals to the remote participant through the
// relay.
type Signaler interface {
	SendOffer(ctx context.Context, to string, offer webrtc.SessionDescription) error
	SendAnswer(ctx context.Context, to string, answer webrtc.SessionDescription) error
	SendCandidate(ctx context.Context, to string, candidate webrtc.ICECandidateInit) error
}
