package signaling

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/BioHazard786/warpmeet/internal/config"
	"github.com/BioHazard786/warpmeet/internal/metrics"
	"github.com/BioHazard786/warpmeet/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Client is a wrapper for a single websocket connection (a participant).
type Client struct {
	// ID is the participant id the server assigned to this connection.
	ID string

	// RoomID is the room the client is in. Only the hub goroutine touches it.
	RoomID string

	// Hub is the hub that manages this client.
	Hub *Hub

	// Conn is the websocket connection. Nil in tests that drive the hub directly.
	Conn *websocket.Conn

	// Send is a buffered channel for all outbound messages. The hub writes to
	// it and closes it; WritePump drains it to the websocket.
	Send chan *protocol.Message

	maxMessageSize int64
	limiter        *rate.Limiter
	log            zerolog.Logger
}

// NewClient wraps conn for the hub using the websocket settings in cfg.
func NewClient(hub *Hub, conn *websocket.Conn, id string, cfg config.WebSocketConfig) *Client {
	limit := rate.Inf
	if cfg.MessagesPerSecond > 0 {
		limit = rate.Limit(cfg.MessagesPerSecond)
	}
	return &Client{
		ID:             id,
		Hub:            hub,
		Conn:           conn,
		Send:           make(chan *protocol.Message, cfg.SendBuffer),
		maxMessageSize: cfg.MaxMessageSize,
		limiter:        rate.NewLimiter(limit, cfg.MessageBurst),
		log:            hub.log.With().Str("participant", id).Logger(),
	}
}

// ReadPump pumps messages from the websocket connection to the hub.
//
// The application runs ReadPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.Hub.Unregister <- c:
		case <-c.Hub.Done():
		}
		c.Conn.Close()
	}()

	if c.maxMessageSize > 0 {
		c.Conn.SetReadLimit(c.maxMessageSize)
	}
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}

		in := Inbound{Client: c, Size: len(data)}
		if !c.limiter.Allow() {
			in.Rejected = metrics.DropRateLimited
		} else {
			var msg protocol.Message
			if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
				c.log.Debug().Err(err).Msg("malformed message")
				in.Rejected = metrics.DropMalformed
			} else {
				in.Message = &msg
			}
		}

		select {
		case c.Hub.Incoming <- in:
		case <-c.Hub.Done():
			return
		}
	}
}

// WritePump pumps messages from the hub to the websocket connection.
//
// A goroutine running WritePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteJSON(message); err != nil {
				c.log.Warn().Err(err).Msg("websocket write failed")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
