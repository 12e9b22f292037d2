package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/warpmeet/internal/config"
	"github.com/BioHazard786/warpmeet/internal/protocol"
	"github.com/BioHazard786/warpmeet/internal/server"
	"github.com/BioHazard786/warpmeet/internal/signaling"
)

// startRelay runs a signaling server; the returned function stops its hub,
// which disconnects every client.
func startRelay(t *testing.T) (*httptest.Server, func()) {
	t.Helper()
	s := server.New(config.DefaultServerConfig(), signaling.NewMemoryRegistry(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Hub().Run(ctx)

	ts := httptest.NewServer(s.NewRouter())
	stop := func() {
		cancel()
		<-s.Hub().Done()
	}
	t.Cleanup(func() {
		ts.Close()
		stop()
	})
	return ts, stop
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func connect(t *testing.T, ts *httptest.Server) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := NewClient(wsURL(ts))
	id, err := c.Connect(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, id, c.ParticipantID())
	t.Cleanup(func() { c.Close() })
	return c
}

func nextEvent(t *testing.T, c *Client) *protocol.Message {
	t.Helper()
	select {
	case msg, ok := <-c.Events():
		require.True(t, ok, "events closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an event")
		return nil
	}
}

func TestSignalRoundTrip(t *testing.T) {
	ts, _ := startRelay(t)
	ctx := context.Background()

	alice := connect(t, ts)
	bob := connect(t, ts)

	require.NoError(t, alice.JoinRoom(ctx, "r1"))
	assert.Equal(t, protocol.TypeRoomJoined, nextEvent(t, alice).Type)
	require.NoError(t, bob.JoinRoom(ctx, "r1"))
	assert.Equal(t, protocol.TypeRoomJoined, nextEvent(t, bob).Type)

	joined := nextEvent(t, alice)
	require.Equal(t, protocol.TypePeerJoined, joined.Type)
	assert.Equal(t, bob.ParticipantID(), joined.ParticipantID)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	require.NoError(t, alice.SendOffer(ctx, bob.ParticipantID(), offer))

	call := nextEvent(t, bob)
	require.Equal(t, protocol.TypeReceiveCall, call.Type)
	assert.Equal(t, alice.ParticipantID(), call.From)
	got, err := DecodeDescription(call)
	require.NoError(t, err)
	assert.Equal(t, offer, got)

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}
	require.NoError(t, bob.SendAnswer(ctx, alice.ParticipantID(), answer))
	accepted := nextEvent(t, alice)
	require.Equal(t, protocol.TypeCallAccepted, accepted.Type)
	got, err = DecodeDescription(accepted)
	require.NoError(t, err)
	assert.Equal(t, webrtc.SDPTypeAnswer, got.Type)

	mid := "0"
	candidate := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host", SDPMid: &mid}
	require.NoError(t, bob.SendCandidate(ctx, alice.ParticipantID(), candidate))
	ice := nextEvent(t, alice)
	require.Equal(t, protocol.TypeICECandidate, ice.Type)
	gotCandidate, err := DecodeCandidate(ice)
	require.NoError(t, err)
	assert.Equal(t, candidate.Candidate, gotCandidate.Candidate)

	info, err := FetchRoom(ctx, ts.URL, "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{alice.ParticipantID(), bob.ParticipantID()}, info.Participants)

	require.NoError(t, bob.Close())
	left := nextEvent(t, alice)
	assert.Equal(t, protocol.TypePeerLeft, left.Type)
	assert.Equal(t, bob.ParticipantID(), left.ParticipantID)
}

func TestSendAfterClose(t *testing.T) {
	ts, _ := startRelay(t)
	c := connect(t, ts)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err := c.JoinRoom(context.Background(), "r1")
	assert.ErrorIs(t, err, ErrTransportClosed)

	// The events channel drains and closes.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				assert.NoError(t, c.Err())
				return
			}
		case <-deadline:
			t.Fatal("events channel not closed")
		}
	}
}

func TestServerGoneClosesEvents(t *testing.T) {
	ts, stop := startRelay(t)
	c := connect(t, ts)

	stop()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				assert.Error(t, c.Err())
				return
			}
		case <-deadline:
			t.Fatal("events channel not closed")
		}
	}
}

func TestConnectWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewClient("ws://127.0.0.1:1/ws").Connect(ctx)
	assert.Error(t, err)
}

func TestDecodeDescriptionRejectsEmpty(t *testing.T) {
	_, err := DecodeDescription(&protocol.Message{Type: protocol.TypeReceiveCall, Payload: []byte(`{"type":"offer"}`)})
	assert.Error(t, err)
}
