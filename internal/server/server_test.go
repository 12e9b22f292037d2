package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/BioHazard786/warpmeet/internal/config"
	"github.com/BioHazard786/warpmeet/internal/metrics"
	"github.com/BioHazard786/warpmeet/internal/protocol"
	"github.com/BioHazard786/warpmeet/internal/signaling"
)

func startServer(t *testing.T, collector metrics.Collector) (*Server, *httptest.Server) {
	t.Helper()
	s := New(config.DefaultServerConfig(), signaling.NewMemoryRegistry(), collector)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Hub().Run(ctx)

	ts := httptest.NewServer(s.NewRouter())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-s.Hub().Done()
	})
	return s, ts
}

type wsPeer struct {
	t    *testing.T
	conn *websocket.Conn
	id   string
}

func dial(t *testing.T, ts *httptest.Server) *wsPeer {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	p := &wsPeer{t: t, conn: conn}
	welcome := p.read()
	require.Equal(t, protocol.TypeWelcome, welcome.Type)
	require.NotEmpty(t, welcome.ParticipantID)
	p.id = welcome.ParticipantID
	return p
}

func (p *wsPeer) read() *protocol.Message {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg protocol.Message
	require.NoError(p.t, p.conn.ReadJSON(&msg))
	return &msg
}

func (p *wsPeer) write(msg *protocol.Message) {
	p.t.Helper()
	require.NoError(p.t, p.conn.WriteJSON(msg))
}

func (p *wsPeer) join(roomID string) {
	p.t.Helper()
	p.write(&protocol.Message{Type: protocol.TypeJoinRoom, RoomID: roomID, ParticipantID: p.id})
	ack := p.read()
	require.Equal(p.t, protocol.TypeRoomJoined, ack.Type)
}

func getRoom(t *testing.T, ts *httptest.Server, roomID string) protocol.RoomInfo {
	t.Helper()
	resp, err := http.Get(ts.URL + "/rooms/" + roomID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var info protocol.RoomInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	return info
}

func TestWebSocketCallFlow(t *testing.T) {
	_, ts := startServer(t, nil)

	alice := dial(t, ts)
	bob := dial(t, ts)
	assert.NotEqual(t, alice.id, bob.id)

	alice.join("interview")
	bob.join("interview")

	joined := alice.read()
	assert.Equal(t, protocol.TypePeerJoined, joined.Type)
	assert.Equal(t, bob.id, joined.ParticipantID)

	alice.write(&protocol.Message{
		Type:    protocol.TypeCallUser,
		To:      bob.id,
		Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})
	call := bob.read()
	assert.Equal(t, protocol.TypeReceiveCall, call.Type)
	assert.Equal(t, alice.id, call.From)

	bob.write(&protocol.Message{
		Type:    protocol.TypeAnswerCall,
		To:      alice.id,
		Payload: json.RawMessage(`{"type":"answer","sdp":"v=0"}`),
	})
	accepted := alice.read()
	assert.Equal(t, protocol.TypeCallAccepted, accepted.Type)
	assert.Equal(t, bob.id, accepted.From)

	info := getRoom(t, ts, "interview")
	assert.Equal(t, []string{alice.id, bob.id}, info.Participants)

	bob.conn.Close()
	left := alice.read()
	assert.Equal(t, protocol.TypePeerLeft, left.Type)
	assert.Equal(t, bob.id, left.ParticipantID)

	assert.Equal(t, []string{alice.id}, getRoom(t, ts, "interview").Participants)
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	_, ts := startServer(t, nil)
	p := dial(t, ts)

	require.NoError(t, p.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	msg := p.read()
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, "malformed message", msg.ErrorText())

	p.join("still-alive")
}

func TestUnknownRoomIsEmpty(t *testing.T) {
	_, ts := startServer(t, nil)

	info := getRoom(t, ts, "nobody-here")
	assert.Equal(t, "nobody-here", info.RoomID)
	assert.Empty(t, info.Participants)
	assert.NotNil(t, info.Participants)
}

func TestRoomLinkShowsJoinCommand(t *testing.T) {
	_, ts := startServer(t, nil)
	dial(t, ts).join("standup")

	cfg := &config.Config{SignalingURL: "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"}
	resp, err := http.Get(cfg.GetRoomLink("standup"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "Room standup (1 connected)")
	assert.Contains(t, body.String(), `warpmeet join "standup" --server `+cfg.SignalingURL)

	roomID, err := config.ParseRoomInput(cfg.GetRoomLink("standup"))
	require.NoError(t, err)
	assert.Equal(t, "standup", roomID)
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	collector := metrics.NewPrometheusCollector(prometheus.NewRegistry())
	_, ts := startServer(t, collector)
	dial(t, ts)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, body.String(), "signaling_client_connections_total 1")
}

func TestCheckOrigin(t *testing.T) {
	upgrader := newUpgrader([]string{"meet.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, upgrader.CheckOrigin(req), "no origin header")

	req.Header.Set("Origin", "https://meet.example.com")
	assert.True(t, upgrader.CheckOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, upgrader.CheckOrigin(req))

	open := newUpgrader(nil)
	assert.True(t, open.CheckOrigin(req))
}

func TestGRPCHealth(t *testing.T) {
	s := New(config.DefaultServerConfig(), signaling.NewMemoryRegistry(), nil)

	lis := bufconn.Listen(1024 * 1024)
	srv := s.NewGRPCServer()
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	client := healthpb.NewHealthClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: HealthService})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	s.setServing(true)
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestNewRegistry(t *testing.T) {
	ctx := context.Background()

	reg, closeFn, err := NewRegistry(ctx, config.RegistryConfig{Backend: config.RegistryMemory})
	require.NoError(t, err)
	assert.IsType(t, &signaling.MemoryRegistry{}, reg)
	assert.NoError(t, closeFn())

	mr := miniredis.RunT(t)
	reg, closeFn, err = NewRegistry(ctx, config.RegistryConfig{
		Backend: config.RegistryRedis,
		Redis:   config.RedisConfig{Addr: mr.Addr(), KeyPrefix: "test"},
	})
	require.NoError(t, err)
	assert.IsType(t, &signaling.RedisRegistry{}, reg)

	_, err = reg.Join(ctx, "r", "p1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:room:r"))
	assert.NoError(t, closeFn())

	_, _, err = NewRegistry(ctx, config.RegistryConfig{Backend: "etcd"})
	assert.Error(t, err)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.HTTP.Address = "127.0.0.1:0"
	cfg.GRPC.Address = "127.0.0.1:0"
	s := New(cfg, signaling.NewMemoryRegistry(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}

	select {
	case <-s.Hub().Done():
	default:
		t.Fatal("hub still running after shutdown")
	}
}
