package peer

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/BioHazard786/warpmeet/internal/logging"
	"github.com/BioHazard786/warpmeet/internal/version"
)

// State is the negotiation state of a session.
type State int

const (
	Idle State = iota
	Initiating
	AwaitingOffer
	Negotiating
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Initiating:
		return "initiating"
	case AwaitingOffer:
		return "awaiting-offer"
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// EventKind says what an Event reports.
type EventKind int

const (
	EventState EventKind = iota
	EventMedia
	EventTrack
	EventHello
)

// Event is reported to the session's observer.
type Event struct {
	Kind    EventKind
	Session *Session
	State   State
	Media   MediaState
	Hello   HelloPayload
	Track   *webrtc.TrackRemote
	// Err is the cause when a session closes because negotiation failed.
	Err error
}

// Observer receives session events. It is called outside the session lock
// from arbitrary goroutines.
type Observer func(Event)

// Session is the state machine for one remote participant. It owns its
// connection exclusively.
type Session struct {
	peerID   string
	role     Role
	signaler Signaler
	observer Observer
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state State
	conn  Connection

	answerSeen bool
	offerReady bool
	remoteSet  bool
	localSent  bool
	// peerConnected records a connected report that raced ahead of the
	// local transition to Negotiating.
	peerConnected bool

	pendingRemote []webrtc.ICECandidateInit
	pendingLocal  []webrtc.ICECandidateInit

	controlOpen    bool
	pendingControl []byte
}

// NewSession creates an idle session and its connection.
func NewSession(peerID string, role Role, factory ConnectionFactory, tracks []webrtc.TrackLocal, signaler Signaler, observer Observer) (*Session, error) {
	if observer == nil {
		observer = func(Event) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		peerID:   peerID,
		role:     role,
		signaler: signaler,
		observer: observer,
		log:      logging.Component("peer").With().Str("peer", peerID).Str("role", role.String()).Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}

	conn, err := factory.NewConnection(role, tracks, Handlers{
		OnCandidate:       s.onLocalCandidate,
		OnConnectionState: s.onConnectionState,
		OnTrack:           s.onTrack,
		OnControlOpen:     s.onControlOpen,
		OnControl:         s.onControl,
	})
	if err != nil {
		cancel()
		return nil, NewPeerError("create connection for", peerID, err)
	}
	s.conn = conn
	return s, nil
}

// PeerID returns the remote participant id.
func (s *Session) PeerID() string {
	return s.peerID
}

// Role returns the side this session plays.
func (s *Session) Role() Role {
	return s.role
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initiate starts negotiation as the offering side.
func (s *Session) Initiate() error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.role != Initiator || s.state != Idle {
		state := s.state
		s.mu.Unlock()
		return WrapError("initiate", ErrUnexpectedSignal, "state "+state.String())
	}
	s.state = Initiating
	s.mu.Unlock()

	s.emitState(Initiating, nil)
	go s.runOffer()
	return nil
}

func (s *Session) runOffer() {
	offer, err := s.conn.CreateOffer(s.ctx)
	if err != nil {
		s.fail("create offer", err)
		return
	}

	// The answer may be routed back before SendOffer returns; from here on
	// HandleAnswer accepts it.
	s.mu.Lock()
	if s.state != Initiating {
		s.mu.Unlock()
		return
	}
	s.offerReady = true
	s.mu.Unlock()

	if err := s.signaler.SendOffer(s.ctx, s.peerID, offer); err != nil {
		s.fail("send offer", err)
		return
	}
	s.enterNegotiating(Initiating)
}

// Accept answers a remote offer.
func (s *Session) Accept(offer webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.role != Answerer || s.state != Idle {
		state := s.state
		s.mu.Unlock()
		return WrapError("accept", ErrUnexpectedSignal, "state "+state.String())
	}
	s.state = AwaitingOffer
	s.answerSeen = true
	s.mu.Unlock()

	s.emitState(AwaitingOffer, nil)
	go s.runAnswer(offer)
	return nil
}

func (s *Session) runAnswer(offer webrtc.SessionDescription) {
	answer, err := s.conn.CreateAnswer(s.ctx, offer)
	if err != nil {
		s.fail("create answer", err)
		return
	}

	s.mu.Lock()
	if s.state != AwaitingOffer {
		s.mu.Unlock()
		return
	}
	s.remoteSet = true
	pending := s.pendingRemote
	s.pendingRemote = nil
	s.mu.Unlock()

	s.applyCandidates(pending)

	if !s.inState(AwaitingOffer) {
		return
	}
	if err := s.signaler.SendAnswer(s.ctx, s.peerID, answer); err != nil {
		s.fail("send answer", err)
		return
	}
	s.enterNegotiating(AwaitingOffer)
}

// enterNegotiating moves from the given state to Negotiating once our
// description has been sent, then releases the local candidates held back
// until now.
func (s *Session) enterNegotiating(from State) {
	s.mu.Lock()
	if s.state != from {
		s.mu.Unlock()
		return
	}
	s.state = Negotiating
	s.localSent = true
	pending := s.pendingLocal
	s.pendingLocal = nil
	connected := s.peerConnected
	s.mu.Unlock()

	s.emitState(Negotiating, nil)

	for _, c := range pending {
		if err := s.signaler.SendCandidate(s.ctx, s.peerID, c); err != nil {
			s.log.Debug().Err(err).Msg("failed to send buffered candidate")
		}
	}

	if connected {
		s.markConnected()
	}
}

// HandleAnswer applies the remote answer to our offer.
func (s *Session) HandleAnswer(answer webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	offered := s.state == Negotiating || (s.state == Initiating && s.offerReady)
	if s.role != Initiator || !offered || s.answerSeen {
		state := s.state
		s.mu.Unlock()
		return WrapError("handle answer", ErrUnexpectedSignal, "state "+state.String())
	}
	s.answerSeen = true
	s.mu.Unlock()

	if err := s.conn.SetRemoteDescription(answer); err != nil {
		s.fail("set remote description", err)
		return NewPeerError("set remote description for", s.peerID, err)
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.remoteSet = true
	pending := s.pendingRemote
	s.pendingRemote = nil
	s.mu.Unlock()

	s.applyCandidates(pending)
	return nil
}

// HandleCandidate applies a remote candidate, or holds it until the remote
// description is in place.
func (s *Session) HandleCandidate(candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.remoteSet {
		s.pendingRemote = append(s.pendingRemote, candidate)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.conn.AddICECandidate(candidate); err != nil {
		return NewPeerError("add ICE candidate from", s.peerID, err)
	}
	return nil
}

func (s *Session) applyCandidates(candidates []webrtc.ICECandidateInit) {
	for _, c := range candidates {
		if err := s.conn.AddICECandidate(c); err != nil {
			s.log.Debug().Err(err).Msg("failed to add buffered candidate")
		}
	}
}

// SendMediaState tells the remote side which of our tracks are enabled. The
// latest state is held until the control channel opens.
func (s *Session) SendMediaState(ms MediaState) error {
	data, err := EncodeControl(ControlTypeMediaState, ms)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.controlOpen {
		s.pendingControl = data
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.conn.SendControl(data)
}

// Close tears the session down. Only the first call has an effect.
func (s *Session) Close() error {
	return s.close(nil)
}

func (s *Session) close(cause error) error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.state = Closed
	s.cancel()
	s.pendingRemote = nil
	s.pendingLocal = nil
	s.pendingControl = nil
	s.mu.Unlock()

	err := s.conn.Close()
	s.emitState(Closed, cause)
	return err
}

// fail closes the session after an asynchronous step went wrong. Failures
// caused by the session closing underneath the step are not reported.
func (s *Session) fail(op string, err error) {
	if s.ctx.Err() != nil || !s.isOpen() {
		return
	}
	s.log.Warn().Err(err).Str("op", op).Msg("negotiation failed")
	s.close(NewPeerError(op, s.peerID, err))
}

func (s *Session) inState(state State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == state
}

func (s *Session) isOpen() bool {
	return !s.inState(Closed)
}

func (s *Session) markConnected() {
	s.mu.Lock()
	if s.state != Negotiating {
		s.mu.Unlock()
		return
	}
	s.state = Connected
	s.mu.Unlock()

	s.log.Info().Msg("peer connected")
	s.emitState(Connected, nil)
}

func (s *Session) onConnectionState(state webrtc.PeerConnectionState) {
	s.log.Debug().Str("state", state.String()).Msg("connection state changed")

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.mu.Lock()
		switch s.state {
		case Initiating, AwaitingOffer:
			s.peerConnected = true
			s.mu.Unlock()
		case Negotiating:
			s.mu.Unlock()
			s.markConnected()
		default:
			s.mu.Unlock()
		}

	case webrtc.PeerConnectionStateFailed:
		// Closing the connection from inside its own callback can block.
		go s.fail("connect", ErrConnectionFailed)
	}
}

func (s *Session) onLocalCandidate(candidate webrtc.ICECandidateInit) {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	if !s.localSent {
		s.pendingLocal = append(s.pendingLocal, candidate)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := s.signaler.SendCandidate(s.ctx, s.peerID, candidate); err != nil {
		s.log.Debug().Err(err).Msg("failed to send candidate")
	}
}

func (s *Session) onTrack(track *webrtc.TrackRemote) {
	if !s.isOpen() {
		return
	}
	s.observer(Event{Kind: EventTrack, Session: s, Track: track})
}

func (s *Session) onControlOpen() {
	hello, err := EncodeControl(ControlTypeHello, HelloPayload{
		DeviceName:    "CLI",
		DeviceVersion: strings.TrimPrefix(version.Version, "v"),
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to encode hello")
	}

	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.controlOpen = true
	pending := s.pendingControl
	s.pendingControl = nil
	s.mu.Unlock()

	for _, data := range [][]byte{hello, pending} {
		if data == nil {
			continue
		}
		if err := s.conn.SendControl(data); err != nil {
			s.log.Debug().Err(err).Msg("failed to send control message")
		}
	}
}

func (s *Session) onControl(data []byte) {
	if !s.isOpen() {
		return
	}

	msg, err := ParseControl(data)
	if err != nil {
		s.log.Debug().Err(err).Msg("dropping control message")
		return
	}

	switch msg.Type {
	case ControlTypeMediaState:
		var ms MediaState
		if err := msg.DecodePayload(&ms); err != nil {
			s.log.Debug().Err(err).Msg("bad media state")
			return
		}
		s.observer(Event{Kind: EventMedia, Session: s, Media: ms})

	case ControlTypeHello:
		var hello HelloPayload
		if err := msg.DecodePayload(&hello); err != nil {
			s.log.Debug().Err(err).Msg("bad hello")
			return
		}
		s.log.Debug().Str("device", hello.DeviceName).Str("version", hello.DeviceVersion).Msg("remote hello")
		s.observer(Event{Kind: EventHello, Session: s, Hello: hello})

	default:
		s.log.Debug().Str("type", msg.Type).Msg("unknown control message")
	}
}

func (s *Session) emitState(state State, cause error) {
	if cause != nil && errors.Is(cause, context.Canceled) {
		cause = nil
	}
	s.observer(Event{Kind: EventState, Session: s, State: state, Err: cause})
}
