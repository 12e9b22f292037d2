package signaling

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/BioHazard786/warpmeet/internal/logging"
	"github.com/BioHazard786/warpmeet/internal/metrics"
	"github.com/BioHazard786/warpmeet/internal/protocol"
)

// registryTimeout bounds a single registry call so a stalled backend cannot
// freeze the event loop forever.
const registryTimeout = 5 * time.Second

// Inbound pairs a decoded message with the connection it arrived on.
// Rejected is set instead of Message when the read pump refused the frame.
type Inbound struct {
	Client   *Client
	Message  *protocol.Message
	Size     int
	Rejected string
}

// Hub is the central brain of the signaling server.
// It owns the live connections and is the only goroutine that mutates them.
type Hub struct {
	// Register is a channel for registering new clients.
	Register chan *Client

	// Unregister is a channel for unregistering clients.
	Unregister chan *Client

	// Incoming carries messages read by the clients' read pumps.
	Incoming chan Inbound

	done     chan struct{}
	clients  map[string]*Client
	registry Registry
	metrics  metrics.Collector
	log      zerolog.Logger
}

// NewHub creates a new Hub instance.
func NewHub(registry Registry, collector metrics.Collector) *Hub {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Incoming:   make(chan Inbound),
		done:       make(chan struct{}),
		clients:    make(map[string]*Client),
		registry:   registry,
		metrics:    collector,
		log:        logging.Component("hub"),
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Registry returns the membership store the hub notifies from.
func (h *Hub) Registry() Registry {
	return h.registry
}

// Run starts the hub's main processing loop. It returns when ctx is done,
// after disconnecting every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	var renew <-chan time.Time
	leaser, leased := h.registry.(Leaser)
	if leased {
		h.renewLease(leaser)
		ticker := time.NewTicker(leaser.RenewInterval())
		defer ticker.Stop()
		renew = ticker.C
	}

	for {
		select {
		case <-renew:
			h.renewLease(leaser)

		case client := <-h.Register:
			h.register(client)

		case client := <-h.Unregister:
			h.unregister(client)

		case in := <-h.Incoming:
			h.handle(in)

		case <-ctx.Done():
			for _, client := range h.clients {
				h.unregister(client)
			}
			return
		}
	}
}

func (h *Hub) renewLease(l Leaser) {
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := l.Renew(ctx); err != nil {
		h.log.Warn().Err(err).Msg("registry lease renewal failed")
	}
}

func (h *Hub) register(client *Client) {
	if old, ok := h.clients[client.ID]; ok {
		// The newer connection replaces the older one.
		h.unregister(old)
	}
	h.clients[client.ID] = client
	h.metrics.ClientConnected()
	h.log.Debug().Str("participant", client.ID).Msg("client registered")

	h.deliver(client, &protocol.Message{
		Type:          protocol.TypeWelcome,
		ParticipantID: client.ID,
	})
}

// unregister removes a client once; later calls for the same client are
// no-ops. Remaining room members are told the participant left.
func (h *Hub) unregister(client *Client) {
	if current, ok := h.clients[client.ID]; !ok || current != client {
		return
	}
	delete(h.clients, client.ID)
	h.metrics.ClientDisconnected()
	h.log.Debug().Str("participant", client.ID).Msg("client unregistered")

	if client.RoomID != "" {
		h.leaveRoom(client)
	}

	close(client.Send)
}

func (h *Hub) handle(in Inbound) {
	client, msg := in.Client, in.Message
	if current, ok := h.clients[client.ID]; !ok || current != client {
		// Message from a connection that was already dropped.
		return
	}

	if in.Rejected != "" {
		h.metrics.MessageDropped("unknown", in.Rejected)
		switch in.Rejected {
		case metrics.DropRateLimited:
			h.deliver(client, protocol.NewError("rate limit exceeded"))
		default:
			h.deliver(client, protocol.NewError("malformed message"))
		}
		return
	}
	h.metrics.MessageReceived(msg.Type, in.Size)

	switch msg.Type {
	case protocol.TypeJoinRoom:
		h.joinRoom(client, msg)

	case protocol.TypeCallUser, protocol.TypeAnswerCall, protocol.TypeICECandidate:
		h.relay(client, msg)

	default:
		h.log.Warn().Str("participant", client.ID).Str("type", msg.Type).Msg("unknown message type")
		h.metrics.MessageDropped(msg.Type, metrics.DropMalformed)
		h.deliver(client, protocol.NewError("unknown message type: "+msg.Type))
	}
}

func (h *Hub) joinRoom(client *Client, msg *protocol.Message) {
	roomID := msg.RoomID
	if roomID == "" {
		h.deliver(client, protocol.NewError("room_id is required"))
		return
	}
	if msg.ParticipantID != "" && msg.ParticipantID != client.ID {
		h.log.Warn().
			Str("participant", client.ID).
			Str("claimed", msg.ParticipantID).
			Msg("join with foreign participant id, using connection id")
	}

	// A participant is in at most one room.
	if client.RoomID != "" && client.RoomID != roomID {
		h.leaveRoom(client)
	}

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()

	others, err := h.registry.Join(ctx, roomID, client.ID)
	if err != nil {
		h.log.Error().Err(err).Str("room", roomID).Str("participant", client.ID).Msg("room join failed")
		h.deliver(client, protocol.NewError("could not join room"))
		return
	}
	rejoin := client.RoomID == roomID
	client.RoomID = roomID
	if !rejoin {
		h.metrics.ParticipantJoined(len(others) == 0)
	}

	h.log.Info().
		Str("room", roomID).
		Str("participant", client.ID).
		Int("others", len(others)).
		Bool("rejoin", rejoin).
		Msg("participant joined room")

	h.deliver(client, &protocol.Message{
		Type:          protocol.TypeRoomJoined,
		RoomID:        roomID,
		ParticipantID: client.ID,
	})

	// Existing members start the negotiation, so only they hear about it.
	for _, id := range others {
		if other, ok := h.clients[id]; ok {
			h.deliver(other, &protocol.Message{
				Type:          protocol.TypePeerJoined,
				RoomID:        roomID,
				ParticipantID: client.ID,
			})
		}
	}
}

func (h *Hub) leaveRoom(client *Client) {
	roomID := client.RoomID
	client.RoomID = ""

	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()

	remaining, err := h.registry.Leave(ctx, roomID, client.ID)
	if err != nil {
		// The departure is real even if the registry missed it; tell the
		// members this node can see.
		h.log.Error().Err(err).Str("room", roomID).Str("participant", client.ID).Msg("room leave failed, notifying local members")
		remaining = h.localMembers(roomID, client)
	}
	h.metrics.ParticipantLeft(len(remaining) == 0)

	if len(remaining) == 0 {
		h.log.Info().Str("room", roomID).Msg("room closed")
		return
	}

	h.log.Info().Str("room", roomID).Str("participant", client.ID).Msg("participant left room")
	for _, id := range remaining {
		if other, ok := h.clients[id]; ok {
			h.deliver(other, &protocol.Message{
				Type:          protocol.TypePeerLeft,
				RoomID:        roomID,
				ParticipantID: client.ID,
			})
		}
	}
}

// localMembers lists the clients connected to this hub that are in roomID,
// except client.
func (h *Hub) localMembers(roomID string, client *Client) []string {
	var ids []string
	for id, c := range h.clients {
		if c != client && c.RoomID == roomID {
			ids = append(ids, id)
		}
	}
	return ids
}

// relay forwards a signal to its destination without looking at the payload.
// Undeliverable signals are dropped: the destination's departure produces its
// own peer-left notification.
func (h *Hub) relay(client *Client, msg *protocol.Message) {
	if client.RoomID == "" {
		h.metrics.MessageDropped(msg.Type, metrics.DropNotInRoom)
		h.deliver(client, protocol.NewError("you must join a room first"))
		return
	}
	if msg.From != "" && msg.From != client.ID {
		h.log.Warn().Str("participant", client.ID).Str("claimed", msg.From).Msg("signal with foreign sender id, overwriting")
	}

	target, ok := h.clients[msg.To]
	if !ok {
		h.log.Debug().Str("from", client.ID).Str("to", msg.To).Str("type", msg.Type).Msg("signal destination not connected, dropped")
		h.metrics.MessageDropped(msg.Type, metrics.DropNoDestination)
		return
	}
	if target.RoomID != client.RoomID {
		h.log.Debug().Str("from", client.ID).Str("to", msg.To).Str("type", msg.Type).Msg("signal destination in another room, dropped")
		h.metrics.MessageDropped(msg.Type, metrics.DropOtherRoom)
		return
	}

	out, err := msg.Relayed(client.ID)
	if err != nil {
		h.metrics.MessageDropped(msg.Type, metrics.DropMalformed)
		return
	}
	out.RoomID = client.RoomID

	if h.deliver(target, out) {
		h.metrics.MessageRelayed(msg.Type)
		h.log.Debug().Str("from", client.ID).Str("to", target.ID).Str("type", out.Type).Msg("signal relayed")
	}
}

// deliver queues msg on the client's send buffer without blocking the loop.
// A client whose buffer is full is disconnected as a slow consumer.
func (h *Hub) deliver(client *Client, msg *protocol.Message) bool {
	select {
	case client.Send <- msg:
		return true
	default:
		h.log.Warn().Str("participant", client.ID).Str("type", msg.Type).Msg("send buffer full, dropping client")
		h.metrics.MessageDropped(msg.Type, metrics.DropSlowConsumer)
		h.unregister(client)
		return false
	}
}
