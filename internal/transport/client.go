package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/BioHazard786/warpmeet/internal/dns"
	"github.com/BioHazard786/warpmeet/internal/logging"
	"github.com/BioHazard786/warpmeet/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	welcomeWait    = 10 * time.Second
)

var (
	// ErrTransportClosed is returned when sending on a closed connection.
	ErrTransportClosed = errors.New("signaling connection closed")
	// ErrNoWelcome means the server did not announce our participant id.
	ErrNoWelcome = errors.New("signaling server sent no welcome")
)

// Client manages the WebSocket connection to the signaling server.
type Client struct {
	serverURL string
	resolver  *dns.Resolver
	log       zerolog.Logger

	conn          *websocket.Conn
	participantID string

	incoming chan *protocol.Message
	outgoing chan *protocol.Message
	done     chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// NewClient creates a new signaling client
func NewClient(serverURL string) *Client {
	return &Client{
		serverURL: serverURL,
		resolver:  dns.NewResolver(),
		log:       logging.Component("transport"),
		incoming:  make(chan *protocol.Message, 64),
		outgoing:  make(chan *protocol.Message, 64),
		done:      make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and waits for the server's
// welcome. It returns the participant id the server assigned.
func (c *Client) Connect(ctx context.Context) (string, error) {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: 15 * time.Second,
		Proxy:            websocket.DefaultDialer.Proxy,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}

			ip, err := c.resolver.Lookup(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("dns lookup failed: %w", err)
			}

			d := &net.Dialer{}
			return d.DialContext(ctx, network, net.JoinHostPort(ip, port))
		},
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	id, err := readWelcome(ctx, conn)
	if err != nil {
		conn.Close()
		return "", err
	}

	c.conn = conn
	c.participantID = id
	c.log = c.log.With().Str("participant", id).Logger()

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()

	c.log.Debug().Str("url", u.String()).Msg("connected to signaling server")
	return id, nil
}

func readWelcome(ctx context.Context, conn *websocket.Conn) (string, error) {
	deadline := time.Now().Add(welcomeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetReadDeadline(deadline)

	var msg protocol.Message
	if err := conn.ReadJSON(&msg); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoWelcome, err)
	}
	if msg.Type != protocol.TypeWelcome || msg.ParticipantID == "" {
		return "", fmt.Errorf("%w: got %q", ErrNoWelcome, msg.Type)
	}
	return msg.ParticipantID, nil
}

// ParticipantID returns the id the server assigned on Connect.
func (c *Client) ParticipantID() string {
	return c.participantID
}

// readPump reads messages from the WebSocket connection until it fails. The
// Events channel is closed when it returns.
func (c *Client) readPump() {
	defer close(c.incoming)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var msg protocol.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.shutdown(err)
			return
		}

		select {
		case c.incoming <- &msg:
		case <-c.done:
			return
		}
	}
}

// writePump writes messages to the WebSocket connection and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(message); err != nil {
				c.shutdown(err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(err)
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
			c.errMu.Lock()
			c.err = cause
			c.errMu.Unlock()
			c.log.Debug().Err(cause).Msg("signaling connection lost")
		}
		close(c.done)
	})
}

// Events returns the messages received from the server. The channel is
// closed when the connection ends.
func (c *Client) Events() <-chan *protocol.Message {
	return c.incoming
}

// Err returns why the connection ended, or nil after a normal Close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close closes the WebSocket connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Client) send(ctx context.Context, msg *protocol.Message) error {
	select {
	case <-c.done:
		return ErrTransportClosed
	default:
	}

	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return ErrTransportClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// JoinRoom asks the server to add us to roomID. The server acknowledges with
// room-joined on the Events channel.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	return c.send(ctx, &protocol.Message{
		Type:          protocol.TypeJoinRoom,
		RoomID:        roomID,
		ParticipantID: c.participantID,
	})
}

// SendOffer sends an offer to the participant to.
func (c *Client) SendOffer(ctx context.Context, to string, offer webrtc.SessionDescription) error {
	return c.sendSignal(ctx, protocol.TypeCallUser, to, offer)
}

// SendAnswer sends an answer to the participant to.
func (c *Client) SendAnswer(ctx context.Context, to string, answer webrtc.SessionDescription) error {
	return c.sendSignal(ctx, protocol.TypeAnswerCall, to, answer)
}

// SendCandidate sends a trickled ICE candidate to the participant to.
func (c *Client) SendCandidate(ctx context.Context, to string, candidate webrtc.ICECandidateInit) error {
	return c.sendSignal(ctx, protocol.TypeICECandidate, to, candidate)
}

func (c *Client) sendSignal(ctx context.Context, msgType, to string, payload any) error {
	raw, err := protocol.Encode(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	return c.send(ctx, &protocol.Message{
		Type:    msgType,
		From:    c.participantID,
		To:      to,
		Payload: raw,
	})
}

// DecodeDescription extracts the session description of a receive-call or
// call-accepted message.
func DecodeDescription(msg *protocol.Message) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := msg.DecodePayload(&desc); err != nil {
		return desc, fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	if desc.SDP == "" {
		return desc, fmt.Errorf("decode %s: empty session description", msg.Type)
	}
	return desc, nil
}

// DecodeCandidate extracts the ICE candidate of an ice-candidate message.
func DecodeCandidate(msg *protocol.Message) (webrtc.ICECandidateInit, error) {
	var candidate webrtc.ICECandidateInit
	if err := msg.DecodePayload(&candidate); err != nil {
		return candidate, fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	return candidate, nil
}
