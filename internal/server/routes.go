package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/BioHazard786/warpmeet/internal/config"
	"github.com/BioHazard786/warpmeet/internal/logging"
	"github.com/BioHazard786/warpmeet/internal/protocol"
	"github.com/BioHazard786/warpmeet/internal/signaling"
)

// newUpgrader builds the websocket upgrader. An empty allow list accepts
// every origin.
func newUpgrader(allowed []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  64 * 1024, // 64 KB
		WriteBufferSize: 64 * 1024, // 64 KB
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Non-browser clients such as the CLI send no origin.
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, a := range allowed {
				if a == "*" || strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
					return true
				}
			}
			return false
		},
	}
}

// NewRouter wires the HTTP surface of the signaling server.
func (s *Server) NewRouter() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc(s.cfg.WebSocket.Path, ServeWs(s.hub, s.cfg.WebSocket))
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/rooms/{roomID}", s.handleRoom).Methods(http.MethodGet)
	router.HandleFunc("/r/{roomID}", s.handleRoomLink).Methods(http.MethodGet)
	return router
}

// ServeWs returns an http.HandlerFunc that upgrades the request and hands the
// connection to the hub under a fresh participant id.
func ServeWs(hub *signaling.Hub, cfg config.WebSocketConfig) http.HandlerFunc {
	upgrader := newUpgrader(cfg.AllowedOrigins)
	logger := logging.Component("websocket")

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to upgrade connection")
			return
		}

		client := signaling.NewClient(hub, conn, uuid.NewString(), cfg)

		select {
		case hub.Register <- client:
		case <-hub.Done():
			conn.Close()
			return
		}

		go client.WritePump()
		go client.ReadPump()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling server is healthy."))
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]

	members, err := s.hub.Registry().Members(r.Context(), roomID)
	if err != nil {
		s.log.Error().Err(err).Str("room", roomID).Msg("room lookup failed")
		http.Error(w, "room lookup failed", http.StatusInternalServerError)
		return
	}
	if members == nil {
		members = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(protocol.RoomInfo{RoomID: roomID, Participants: members})
}

// handleRoomLink answers the shareable room link with the command that joins
// the room from a terminal.
func (s *Server) handleRoomLink(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomID"]

	members, err := s.hub.Registry().Members(r.Context(), roomID)
	if err != nil {
		s.log.Error().Err(err).Str("room", roomID).Msg("room lookup failed")
		http.Error(w, "room lookup failed", http.StatusInternalServerError)
		return
	}

	scheme := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "wss"
	}
	signalingURL := fmt.Sprintf("%s://%s%s", scheme, r.Host, s.cfg.WebSocket.Path)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "Room %s (%d connected)\n\nJoin from a terminal:\n\n  warpmeet join %q --server %s\n",
		roomID, len(members), roomID, signalingURL)
}
