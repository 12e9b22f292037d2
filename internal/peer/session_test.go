package peer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BioHazard786/warpmeet/internal/config"
)

type fakeConn struct {
	mu         sync.Mutex
	handlers   Handlers
	gate       chan struct{}
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	control    [][]byte
	closed     int
}

func (c *fakeConn) wait(ctx context.Context) error {
	if c.gate == nil {
		return nil
	}
	select {
	case <-c.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := c.wait(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}, nil
}

func (c *fakeConn) CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.wait(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (c *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = append(c.remote, desc)
	return nil
}

func (c *fakeConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.remote) == 0 {
		return errors.New("candidate before remote description")
	}
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeConn) SendControl(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.control = append(c.control, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) applied() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeFactory struct {
	conn *fakeConn
}

func (f *fakeFactory) NewConnection(_ Role, _ []webrtc.TrackLocal, h Handlers) (Connection, error) {
	f.conn.handlers = h
	return f.conn, nil
}

type sentSignal struct {
	kind      string
	to        string
	desc      webrtc.SessionDescription
	candidate webrtc.ICECandidateInit
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sentSignal
	ch   chan sentSignal
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{ch: make(chan sentSignal, 32)}
}

func (s *fakeSignaler) record(sig sentSignal) error {
	s.mu.Lock()
	s.sent = append(s.sent, sig)
	s.mu.Unlock()
	s.ch <- sig
	return nil
}

func (s *fakeSignaler) SendOffer(_ context.Context, to string, offer webrtc.SessionDescription) error {
	return s.record(sentSignal{kind: "offer", to: to, desc: offer})
}

func (s *fakeSignaler) SendAnswer(_ context.Context, to string, answer webrtc.SessionDescription) error {
	return s.record(sentSignal{kind: "answer", to: to, desc: answer})
}

func (s *fakeSignaler) SendCandidate(_ context.Context, to string, c webrtc.ICECandidateInit) error {
	return s.record(sentSignal{kind: "candidate", to: to, candidate: c})
}

func (s *fakeSignaler) next(t *testing.T) sentSignal {
	t.Helper()
	select {
	case sig := <-s.ch:
		return sig
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a signal")
		return sentSignal{}
	}
}

func (s *fakeSignaler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Event, 64)}
}

func (r *recorder) observe(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- ev
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, ev := range r.events {
		if ev.Kind == EventState {
			out = append(out, ev.State)
		}
	}
	return out
}

func (r *recorder) waitState(t *testing.T, want State) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind == EventState && ev.State == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s", want)
			return Event{}
		}
	}
}

func newTestSession(t *testing.T, role Role, conn *fakeConn) (*Session, *fakeSignaler, *recorder) {
	t.Helper()
	sig := newFakeSignaler()
	rec := newRecorder()
	s, err := NewSession("remote", role, &fakeFactory{conn: conn}, nil, sig, rec.observe)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, sig, rec
}

func candidate(n string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: "candidate:" + n}
}

var answerDesc = webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"}
var offerDesc = webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}

func TestInitiatorReachesConnectedOnce(t *testing.T) {
	conn := &fakeConn{}
	s, sig, rec := newTestSession(t, Initiator, conn)

	require.NoError(t, s.Initiate())
	offer := sig.next(t)
	assert.Equal(t, "offer", offer.kind)
	assert.Equal(t, "remote", offer.to)
	rec.waitState(t, Negotiating)

	require.NoError(t, s.HandleAnswer(answerDesc))

	conn.handlers.OnConnectionState(webrtc.PeerConnectionStateConnected)
	conn.handlers.OnConnectionState(webrtc.PeerConnectionStateConnected)
	rec.waitState(t, Connected)

	assert.Equal(t, Connected, s.State())
	assert.Equal(t, []State{Initiating, Negotiating, Connected}, rec.states())
}

func TestAnswererSendsAnswer(t *testing.T) {
	conn := &fakeConn{}
	s, sig, rec := newTestSession(t, Answerer, conn)

	require.NoError(t, s.Accept(offerDesc))
	answer := sig.next(t)
	assert.Equal(t, "answer", answer.kind)
	assert.Equal(t, "answer-sdp", answer.desc.SDP)
	rec.waitState(t, Negotiating)

	conn.handlers.OnConnectionState(webrtc.PeerConnectionStateConnected)
	rec.waitState(t, Connected)
	assert.Equal(t, []State{AwaitingOffer, Negotiating, Connected}, rec.states())
}

func TestRemoteCandidatesWaitForRemoteDescription(t *testing.T) {
	conn := &fakeConn{}
	s, sig, rec := newTestSession(t, Initiator, conn)

	require.NoError(t, s.Initiate())
	sig.next(t)
	rec.waitState(t, Negotiating)

	require.NoError(t, s.HandleCandidate(candidate("1")))
	require.NoError(t, s.HandleCandidate(candidate("2")))
	assert.Empty(t, conn.applied())

	require.NoError(t, s.HandleAnswer(answerDesc))
	assert.Equal(t, []webrtc.ICECandidateInit{candidate("1"), candidate("2")}, conn.applied())

	require.NoError(t, s.HandleCandidate(candidate("3")))
	assert.Len(t, conn.applied(), 3)
}

func TestLocalCandidatesFollowTheOffer(t *testing.T) {
	conn := &fakeConn{gate: make(chan struct{})}
	s, sig, _ := newTestSession(t, Initiator, conn)

	require.NoError(t, s.Initiate())
	conn.handlers.OnCandidate(candidate("early"))
	assert.Equal(t, 0, sig.count())

	close(conn.gate)
	assert.Equal(t, "offer", sig.next(t).kind)
	early := sig.next(t)
	assert.Equal(t, "candidate", early.kind)
	assert.Equal(t, candidate("early"), early.candidate)

	conn.handlers.OnCandidate(candidate("late"))
	assert.Equal(t, candidate("late"), sig.next(t).candidate)
}

func TestCloseCancelsInFlightOffer(t *testing.T) {
	conn := &fakeConn{gate: make(chan struct{})}
	s, sig, rec := newTestSession(t, Initiator, conn)

	require.NoError(t, s.Initiate())
	require.NoError(t, s.Close())
	rec.waitState(t, Closed)

	close(conn.gate)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 0, sig.count(), "no offer may be sent after close")
	assert.Equal(t, Closed, s.State())
	assert.Equal(t, 1, conn.closeCount())
}

func TestCloseIsIdempotent(t *testing.T) {
	conn := &fakeConn{}
	s, _, rec := newTestSession(t, Answerer, conn)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, conn.closeCount())
	assert.Equal(t, []State{Closed}, rec.states())
}

// echoSignaler answers the offer from another goroutine before SendOffer
// returns, like a fast relay would.
type echoSignaler struct {
	*fakeSignaler
	session *Session
	result  chan error
}

func (s *echoSignaler) SendOffer(ctx context.Context, to string, offer webrtc.SessionDescription) error {
	go func() { s.result <- s.session.HandleAnswer(answerDesc) }()
	select {
	case err := <-s.result:
		s.result <- err
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.fakeSignaler.SendOffer(ctx, to, offer)
}

func TestAnswerDuringSendOffer(t *testing.T) {
	conn := &fakeConn{}
	rec := newRecorder()
	sig := &echoSignaler{fakeSignaler: newFakeSignaler(), result: make(chan error, 1)}
	s, err := NewSession("remote", Initiator, &fakeFactory{conn: conn}, nil, sig, rec.observe)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	sig.session = s

	require.NoError(t, s.Initiate())
	assert.Equal(t, "offer", sig.next(t).kind)
	require.NoError(t, <-sig.result)
	rec.waitState(t, Negotiating)

	conn.mu.Lock()
	assert.Len(t, conn.remote, 1)
	conn.mu.Unlock()

	require.NoError(t, s.HandleCandidate(candidate("1")))
	assert.Len(t, conn.applied(), 1)
	assert.ErrorIs(t, s.HandleAnswer(answerDesc), ErrUnexpectedSignal, "second answer")

	conn.handlers.OnConnectionState(webrtc.PeerConnectionStateConnected)
	rec.waitState(t, Connected)
}

func TestUnexpectedSignals(t *testing.T) {
	answerer, _, _ := newTestSession(t, Answerer, &fakeConn{})
	assert.ErrorIs(t, answerer.HandleAnswer(answerDesc), ErrUnexpectedSignal)
	assert.ErrorIs(t, answerer.Initiate(), ErrUnexpectedSignal)

	initiator, sig, rec := newTestSession(t, Initiator, &fakeConn{})
	assert.ErrorIs(t, initiator.HandleAnswer(answerDesc), ErrUnexpectedSignal, "answer before offer")
	assert.ErrorIs(t, initiator.Accept(offerDesc), ErrUnexpectedSignal)

	require.NoError(t, initiator.Initiate())
	sig.next(t)
	rec.waitState(t, Negotiating)
	require.NoError(t, initiator.HandleAnswer(answerDesc))
	assert.ErrorIs(t, initiator.HandleAnswer(answerDesc), ErrUnexpectedSignal, "second answer")
}

func TestSignalsAfterCloseAreRejected(t *testing.T) {
	s, _, _ := newTestSession(t, Initiator, &fakeConn{})
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.HandleCandidate(candidate("x")), ErrSessionClosed)
	assert.ErrorIs(t, s.HandleAnswer(answerDesc), ErrSessionClosed)
	assert.ErrorIs(t, s.Initiate(), ErrSessionClosed)
	assert.ErrorIs(t, s.SendMediaState(MediaState{}), ErrSessionClosed)
}

func TestConnectionFailureClosesSession(t *testing.T) {
	conn := &fakeConn{}
	s, sig, rec := newTestSession(t, Initiator, conn)

	require.NoError(t, s.Initiate())
	sig.next(t)
	rec.waitState(t, Negotiating)

	conn.handlers.OnConnectionState(webrtc.PeerConnectionStateFailed)
	ev := rec.waitState(t, Closed)
	assert.ErrorIs(t, ev.Err, ErrConnectionFailed)
	assert.Equal(t, 1, conn.closeCount())
}

func TestConnectedBeforeNegotiatingIsKept(t *testing.T) {
	conn := &fakeConn{gate: make(chan struct{})}
	s, sig, rec := newTestSession(t, Answerer, conn)

	require.NoError(t, s.Accept(offerDesc))
	conn.handlers.OnConnectionState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, AwaitingOffer, s.State())

	close(conn.gate)
	sig.next(t)
	rec.waitState(t, Connected)
	assert.Equal(t, []State{AwaitingOffer, Negotiating, Connected}, rec.states())
}

func TestControlChannel(t *testing.T) {
	conn := &fakeConn{}
	s, _, rec := newTestSession(t, Initiator, conn)

	require.NoError(t, s.SendMediaState(MediaState{Audio: false, Video: true}))
	assert.Empty(t, conn.control, "held until the channel opens")

	conn.handlers.OnControlOpen()
	require.Len(t, conn.control, 2)

	hello, err := ParseControl(conn.control[0])
	require.NoError(t, err)
	assert.Equal(t, ControlTypeHello, hello.Type)

	state, err := ParseControl(conn.control[1])
	require.NoError(t, err)
	var ms MediaState
	require.NoError(t, state.DecodePayload(&ms))
	assert.Equal(t, MediaState{Audio: false, Video: true}, ms)

	data, err := EncodeControl(ControlTypeMediaState, MediaState{Audio: true})
	require.NoError(t, err)
	conn.handlers.OnControl(data)

	select {
	case ev := <-rec.ch:
		for ev.Kind != EventMedia {
			ev = <-rec.ch
		}
		assert.Equal(t, MediaState{Audio: true}, ev.Media)
		assert.Same(t, s, ev.Session)
	case <-time.After(time.Second):
		t.Fatal("no media event")
	}

	conn.handlers.OnControl([]byte{0xc1})
}

func TestErrorFormatting(t *testing.T) {
	err := NewPeerError("add ICE candidate from", "p1", ErrSessionClosed)
	assert.Equal(t, "add ICE candidate from p1: session closed", err.Error())
	assert.ErrorIs(t, err, ErrSessionClosed)

	wrapped := WrapError("handle answer", ErrUnexpectedSignal, "state idle")
	assert.Equal(t, "handle answer: unexpected signal (state idle)", wrapped.Error())
}

// loopSignaler hands every signal straight to the other session.
type loopSignaler struct {
	remote *Session
}

func (l *loopSignaler) SendOffer(_ context.Context, _ string, offer webrtc.SessionDescription) error {
	return l.remote.Accept(offer)
}

func (l *loopSignaler) SendAnswer(_ context.Context, _ string, answer webrtc.SessionDescription) error {
	return l.remote.HandleAnswer(answer)
}

func (l *loopSignaler) SendCandidate(_ context.Context, _ string, c webrtc.ICECandidateInit) error {
	return l.remote.HandleCandidate(c)
}

// waitCall reads events until the session is connected and, when wantMedia
// is set, a media state has arrived. It returns the media event.
func waitCall(t *testing.T, rec *recorder, wantMedia bool) Event {
	t.Helper()
	var connected bool
	var media *Event
	deadline := time.After(10 * time.Second)
	for !connected || (wantMedia && media == nil) {
		select {
		case ev := <-rec.ch:
			switch {
			case ev.Kind == EventState && ev.State == Closed:
				t.Fatalf("session closed before connecting: %v", ev.Err)
			case ev.Kind == EventState && ev.State == Connected:
				connected = true
			case ev.Kind == EventMedia:
				media = &ev
			}
		case <-deadline:
			t.Fatalf("timed out (connected=%v media=%v)", connected, media != nil)
		}
	}
	if media == nil {
		return Event{}
	}
	return *media
}

func TestPionLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}

	for _, trickle := range []bool{true, false} {
		name := "no-trickle"
		if trickle {
			name = "trickle"
		}
		t.Run(name, func(t *testing.T) {
			factory, err := NewPionFactory(&config.Config{Trickle: trickle})
			require.NoError(t, err)

			toCallee, toCaller := &loopSignaler{}, &loopSignaler{}
			callerRec, calleeRec := newRecorder(), newRecorder()

			caller, err := NewSession("callee", Initiator, factory, nil, toCallee, callerRec.observe)
			require.NoError(t, err)
			t.Cleanup(func() { caller.Close() })

			callee, err := NewSession("caller", Answerer, factory, nil, toCaller, calleeRec.observe)
			require.NoError(t, err)
			t.Cleanup(func() { callee.Close() })

			toCallee.remote = callee
			toCaller.remote = caller

			require.NoError(t, caller.SendMediaState(MediaState{Audio: true, Video: false}))
			require.NoError(t, caller.Initiate())

			waitCall(t, callerRec, false)
			ev := waitCall(t, calleeRec, true)
			assert.Equal(t, Connected, caller.State())
			assert.Equal(t, Connected, callee.State())
			assert.Equal(t, MediaState{Audio: true, Video: false}, ev.Media)
			assert.Same(t, callee, ev.Session)
		})
	}
}
