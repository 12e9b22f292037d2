package room

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/BioHazard786/warpmeet/internal/logging"
	"github.com/BioHazard786/warpmeet/internal/media"
	"github.com/BioHazard786/warpmeet/internal/peer"
	"github.com/BioHazard786/warpmeet/internal/protocol"
	"github.com/BioHazard786/warpmeet/internal/transport"
)

var (
	// ErrMediaDenied is returned by JoinRoom when local media is unavailable.
	ErrMediaDenied = media.ErrMediaDenied

	ErrAlreadyJoined  = errors.New("already joined a room")
	ErrRoomNotJoined  = errors.New("not in a room")
	ErrJoinRejected   = errors.New("join rejected by server")
	ErrConnectionLost = errors.New("signaling connection lost")
)

// Transport is the connection to the signaling relay.
type Transport interface {
	peer.Signaler
	Connect(ctx context.Context) (string, error)
	JoinRoom(ctx context.Context, roomID string) error
	Events() <-chan *protocol.Message
	Err() error
	Close() error
}

type phase int

const (
	phaseIdle phase = iota
	phaseJoining
	phaseJoined
	phaseEnded
)

// Controller runs one call: it joins a room, keeps one peer session per
// remote participant and reports tiles to the renderer. A Controller is used
// for a single JoinRoom/LeaveRoom cycle.
type Controller struct {
	transport Transport
	source    media.Source
	factory   peer.ConnectionFactory
	renderer  Renderer
	log       zerolog.Logger

	mu       sync.Mutex
	phase    phase
	roomID   string
	selfID   string
	stream   *media.Stream
	sessions map[string]*peer.Session
	tiles    map[string]*Tile
	order    []string
	endErr   error

	events    *mailbox
	leave     chan struct{}
	leaveOnce sync.Once
	done      chan struct{}
}

// New creates a controller. renderer may be nil.
func New(t Transport, source media.Source, factory peer.ConnectionFactory, renderer Renderer) *Controller {
	if renderer == nil {
		renderer = nopRenderer{}
	}
	return &Controller{
		transport: t,
		source:    source,
		factory:   factory,
		renderer:  renderer,
		log:       logging.Component("room"),
		sessions:  make(map[string]*peer.Session),
		tiles:     make(map[string]*Tile),
		events:    newMailbox(),
		leave:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// JoinRoom acquires local media, connects to the relay and joins roomID. On
// any failure everything acquired so far is released.
func (c *Controller) JoinRoom(ctx context.Context, roomID string) (err error) {
	c.mu.Lock()
	if c.phase != phaseIdle {
		c.mu.Unlock()
		return ErrAlreadyJoined
	}
	c.phase = phaseJoining
	c.mu.Unlock()

	var stream *media.Stream
	connected := false
	defer func() {
		if err == nil {
			return
		}
		if stream != nil {
			stream.Stop()
		}
		if connected {
			c.transport.Close()
		}
		c.mu.Lock()
		c.phase = phaseIdle
		c.mu.Unlock()
	}()

	stream, err = c.source.Acquire(ctx)
	if err != nil {
		return err
	}

	selfID, err := c.transport.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect to signaling server: %w", err)
	}
	connected = true

	if err = c.transport.JoinRoom(ctx, roomID); err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	if err = c.awaitJoined(ctx, roomID); err != nil {
		return err
	}

	c.mu.Lock()
	c.phase = phaseJoined
	c.roomID = roomID
	c.selfID = selfID
	c.stream = stream
	c.log = c.log.With().Str("room", roomID).Str("participant", selfID).Logger()
	c.mu.Unlock()

	c.log.Info().Msg("joined room")
	go c.run()
	return nil
}

func (c *Controller) awaitJoined(ctx context.Context, roomID string) error {
	for {
		select {
		case msg, ok := <-c.transport.Events():
			if !ok {
				return c.lostCause()
			}
			switch msg.Type {
			case protocol.TypeRoomJoined:
				if msg.RoomID == roomID {
					return nil
				}
			case protocol.TypeError:
				return fmt.Errorf("%w: %s", ErrJoinRejected, msg.ErrorText())
			default:
				c.log.Debug().Str("type", msg.Type).Msg("ignoring message before join acknowledgement")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Controller) lostCause() error {
	if err := c.transport.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
	return ErrConnectionLost
}

// RoomID returns the joined room.
func (c *Controller) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// SelfID returns our participant id.
func (c *Controller) SelfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfID
}

// Done is closed once the room has ended, by LeaveRoom or by losing the
// signaling connection.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Err returns why the room ended; nil after LeaveRoom.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endErr
}

// LeaveRoom ends the call: every session is closed, local media stops and
// the relay connection is dropped. Calling it again, or before joining, does
// nothing.
func (c *Controller) LeaveRoom() error {
	c.mu.Lock()
	joined := c.phase == phaseJoined
	c.mu.Unlock()
	if !joined {
		return nil
	}

	c.leaveOnce.Do(func() { close(c.leave) })
	<-c.done
	return nil
}

// ToggleAudio flips the local audio track and returns whether it is now
// enabled.
func (c *Controller) ToggleAudio() (bool, error) {
	return c.toggle(media.KindAudio)
}

// ToggleVideo flips the local video track and returns whether it is now
// enabled.
func (c *Controller) ToggleVideo() (bool, error) {
	return c.toggle(media.KindVideo)
}

func (c *Controller) toggle(kind media.Kind) (bool, error) {
	c.mu.Lock()
	if c.phase != phaseJoined {
		c.mu.Unlock()
		return false, ErrRoomNotJoined
	}
	track, err := c.stream.Track(kind)
	if err != nil {
		c.mu.Unlock()
		return false, err
	}
	enabled := track.Toggle()
	state := c.mediaStateLocked()
	sessions := c.sessionsLocked()
	c.mu.Unlock()

	for _, s := range sessions {
		if err := s.SendMediaState(state); err != nil {
			c.log.Debug().Err(err).Str("peer", s.PeerID()).Msg("failed to send media state")
		}
	}
	return enabled, nil
}

// MediaState returns whether our audio and video are enabled.
func (c *Controller) MediaState() peer.MediaState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mediaStateLocked()
}

func (c *Controller) mediaStateLocked() peer.MediaState {
	var ms peer.MediaState
	if c.stream == nil {
		return ms
	}
	if a := c.stream.Audio(); a != nil {
		ms.Audio = a.Enabled()
	}
	if v := c.stream.Video(); v != nil {
		ms.Video = v.Enabled()
	}
	return ms
}

func (c *Controller) sessionsLocked() []*peer.Session {
	out := make([]*peer.Session, 0, len(c.sessions))
	for _, id := range c.order {
		if s, ok := c.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Tiles returns a snapshot of the tiles in order of first appearance.
func (c *Controller) Tiles() []Tile {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Tile, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, *c.tiles[id])
	}
	return out
}

// run is the event loop. It is the only goroutine that changes the session
// collection and the only one that calls the renderer.
func (c *Controller) run() {
	events := c.transport.Events()
	for {
		select {
		case msg, ok := <-events:
			if !ok {
				err := c.lostCause()
				c.log.Warn().Err(err).Msg("signaling connection lost")
				c.end(err)
				return
			}
			c.handleMessage(msg)

		case <-c.events.ready():
			for _, ev := range c.events.drain() {
				c.handleSessionEvent(ev)
			}

		case <-c.leave:
			c.end(nil)
			return
		}
	}
}

func (c *Controller) handleMessage(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePeerJoined:
		if msg.ParticipantID == "" || msg.ParticipantID == c.SelfID() {
			return
		}
		s := c.replaceSession(msg.ParticipantID, peer.Initiator)
		if s == nil {
			return
		}
		if err := s.Initiate(); err != nil {
			c.log.Warn().Err(err).Str("peer", msg.ParticipantID).Msg("failed to start call")
		}

	case protocol.TypeReceiveCall:
		offer, err := transport.DecodeDescription(msg)
		if err != nil {
			c.log.Warn().Err(err).Str("peer", msg.From).Msg("discarding call")
			return
		}
		s := c.replaceSession(msg.From, peer.Answerer)
		if s == nil {
			return
		}
		if err := s.Accept(offer); err != nil {
			c.log.Warn().Err(err).Str("peer", msg.From).Msg("failed to answer call")
		}

	case protocol.TypeCallAccepted:
		s := c.session(msg.From)
		if s == nil {
			c.log.Debug().Str("peer", msg.From).Msg("answer for unknown peer, discarding")
			return
		}
		answer, err := transport.DecodeDescription(msg)
		if err != nil {
			c.log.Warn().Err(err).Str("peer", msg.From).Msg("discarding answer")
			return
		}
		if err := s.HandleAnswer(answer); err != nil {
			c.log.Debug().Err(err).Str("peer", msg.From).Msg("discarding answer")
		}

	case protocol.TypeICECandidate:
		s := c.session(msg.From)
		if s == nil {
			c.log.Debug().Str("peer", msg.From).Msg("candidate for unknown peer, discarding")
			return
		}
		candidate, err := transport.DecodeCandidate(msg)
		if err != nil {
			c.log.Debug().Err(err).Str("peer", msg.From).Msg("discarding candidate")
			return
		}
		if err := s.HandleCandidate(candidate); err != nil {
			c.log.Debug().Err(err).Str("peer", msg.From).Msg("discarding candidate")
		}

	case protocol.TypePeerLeft:
		c.removeParticipant(msg.ParticipantID)

	case protocol.TypeError:
		c.log.Warn().Str("error", msg.ErrorText()).Msg("signaling server error")

	case protocol.TypeRoomJoined:

	default:
		c.log.Debug().Str("type", msg.Type).Msg("unknown message type")
	}
}

func (c *Controller) session(id string) *peer.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[id]
}

// replaceSession creates the session for id, closing any session it
// replaces. The tile is kept in place and reset.
func (c *Controller) replaceSession(id string, role peer.Role) *peer.Session {
	s, err := peer.NewSession(id, role, c.factory, c.stream.TrackLocals(), c.transport, c.events.push)
	if err != nil {
		c.log.Error().Err(err).Str("peer", id).Msg("failed to create session")
		return nil
	}

	c.mu.Lock()
	old := c.sessions[id]
	c.sessions[id] = s
	tile, existed := c.tiles[id]
	if !existed {
		tile = &Tile{ParticipantID: id}
		c.tiles[id] = tile
		c.order = append(c.order, id)
	}
	*tile = Tile{ParticipantID: id, State: s.State(), Audio: true, Video: true}
	snapshot := *tile
	state := c.mediaStateLocked()
	c.mu.Unlock()

	if old != nil {
		c.log.Debug().Str("peer", id).Msg("replacing session")
		old.Close()
	}

	if existed {
		c.renderer.TileUpdated(snapshot)
	} else {
		c.renderer.TileAdded(snapshot)
	}

	// Delivered once the control channel opens.
	if err := s.SendMediaState(state); err != nil {
		c.log.Debug().Err(err).Str("peer", id).Msg("failed to queue media state")
	}
	return s
}

func (c *Controller) removeParticipant(id string) {
	c.mu.Lock()
	s := c.sessions[id]
	delete(c.sessions, id)
	_, hadTile := c.tiles[id]
	delete(c.tiles, id)
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if s != nil {
		s.Close()
	}
	if hadTile {
		c.log.Info().Str("peer", id).Msg("participant left")
		c.renderer.TileRemoved(id)
	}
}

// handleSessionEvent updates the tile of the event's session, unless that
// session has since been replaced or removed.
func (c *Controller) handleSessionEvent(ev peer.Event) {
	id := ev.Session.PeerID()

	c.mu.Lock()
	if c.sessions[id] != ev.Session {
		c.mu.Unlock()
		return
	}
	tile := c.tiles[id]

	switch ev.Kind {
	case peer.EventState:
		// The latest state wins over the reported one; events from
		// different goroutines can arrive out of order.
		tile.State = ev.Session.State()
		if ev.Err != nil {
			tile.Err = ev.Err
		}
	case peer.EventMedia:
		tile.Audio = ev.Media.Audio
		tile.Video = ev.Media.Video
	case peer.EventTrack:
		tile.Tracks++
	case peer.EventHello:
		tile.Device = ev.Hello.DeviceName
	}
	snapshot := *tile
	c.mu.Unlock()

	if ev.Kind == peer.EventState && snapshot.State == peer.Connected {
		c.log.Info().Str("peer", id).Msg("peer connected")
	}
	c.renderer.TileUpdated(snapshot)
}

// end tears the call down and reports the outcome to the renderer.
func (c *Controller) end(cause error) {
	c.mu.Lock()
	sessions := c.sessionsLocked()
	c.sessions = make(map[string]*peer.Session)
	stream := c.stream
	c.phase = phaseEnded
	c.endErr = cause
	c.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	if stream != nil {
		stream.Stop()
	}
	c.transport.Close()

	c.log.Info().Err(cause).Msg("left room")
	c.renderer.RoomEnded(cause)
	close(c.done)
}

// mailbox is an unbounded queue of session events. Sessions push from any
// goroutine without blocking; the event loop drains.
type mailbox struct {
	mu     sync.Mutex
	items  []peer.Event
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) push(ev peer.Event) {
	m.mu.Lock()
	m.items = append(m.items, ev)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox) ready() <-chan struct{} {
	return m.signal
}

func (m *mailbox) drain() []peer.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}
