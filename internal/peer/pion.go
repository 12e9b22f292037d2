package peer

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/BioHazard786/warpmeet/internal/config"
	"github.com/BioHazard786/warpmeet/internal/logging"
)

// PionFactory creates pion peer connections configured from the client
// config.
type PionFactory struct {
	api     *webrtc.API
	rtc     webrtc.Configuration
	trickle bool
}

// NewPionFactory builds the pion API with the default codecs and
// interceptors, logging through zerolog.
func NewPionFactory(cfg *config.Config) (*PionFactory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, NewError("register codecs", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, NewError("register interceptors", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: logging.NewPionFactory()}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	)

	return &PionFactory{
		api:     api,
		rtc:     RTCConfiguration(cfg),
		trickle: cfg.Trickle,
	}, nil
}

// RTCConfiguration returns the ICE servers and transport policy for cfg.
func RTCConfiguration(cfg *config.Config) webrtc.Configuration {
	var iceServers []webrtc.ICEServer
	if stun := cfg.GetSTUNServers(); stun != nil {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: stun})
	}

	turnServers := cfg.GetTURNServers()
	if turnServers != nil {
		username, password := cfg.GetTURNCredentials()
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       turnServers,
			Username:   username,
			Credential: password,
		})
	}

	policy := webrtc.ICETransportPolicyAll
	if cfg.UseRelay() {
		policy = webrtc.ICETransportPolicyRelay
	}

	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: policy,
	}
}

// NewConnection implements ConnectionFactory.
func (f *PionFactory) NewConnection(role Role, tracks []webrtc.TrackLocal, h Handlers) (Connection, error) {
	pc, err := f.api.NewPeerConnection(f.rtc)
	if err != nil {
		return nil, NewError("create peer connection", err)
	}

	c := &PionConnection{pc: pc, trickle: f.trickle, handlers: h}

	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			pc.Close()
			return nil, NewError("add track", err)
		}
		go drainRTCP(sender)
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// Without trickle every candidate travels inside the description.
		if candidate == nil || !c.trickle || h.OnCandidate == nil {
			return
		}
		h.OnCandidate(candidate.ToJSON())
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if h.OnConnectionState != nil {
			h.OnConnectionState(state)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if h.OnTrack != nil {
			h.OnTrack(track)
		}
		go drainTrack(track)
	})

	switch role {
	case Initiator:
		ordered := true
		dc, err := pc.CreateDataChannel(ControlLabel, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			pc.Close()
			return nil, NewError("create data channel", err)
		}
		c.bindControl(dc)

	case Answerer:
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			if dc.Label() == ControlLabel {
				c.bindControl(dc)
			}
		})
	}

	return c, nil
}

// PionConnection adapts a pion PeerConnection to Connection.
type PionConnection struct {
	pc       *webrtc.PeerConnection
	trickle  bool
	handlers Handlers

	mu      sync.Mutex
	control *webrtc.DataChannel
}

func (c *PionConnection) bindControl(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.control = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		if c.handlers.OnControlOpen != nil {
			c.handlers.OnControlOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.handlers.OnControl != nil {
			c.handlers.OnControl(msg.Data)
		}
	})
}

// CreateOffer implements Connection.
func (c *PionConnection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, NewError("create offer", err)
	}
	return c.applyLocal(ctx, offer)
}

// CreateAnswer implements Connection.
func (c *PionConnection) CreateAnswer(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, NewError("set remote description", err)
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, NewError("create answer", err)
	}
	return c.applyLocal(ctx, answer)
}

// applyLocal sets the local description. Without trickle it waits for ICE
// gathering so the returned description carries every candidate.
func (c *PionConnection) applyLocal(ctx context.Context, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	var gathered <-chan struct{}
	if !c.trickle {
		gathered = webrtc.GatheringCompletePromise(c.pc)
	}

	if err := c.pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, NewError("set local description", err)
	}

	if gathered != nil {
		select {
		case <-gathered:
		case <-ctx.Done():
			return webrtc.SessionDescription{}, ctx.Err()
		}
	}

	local := c.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, NewError("read local description", errors.New("no local description"))
	}
	return *local, nil
}

// SetRemoteDescription implements Connection.
func (c *PionConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(desc)
}

// AddICECandidate implements Connection.
func (c *PionConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(candidate)
}

// SendControl implements Connection.
func (c *PionConnection) SendControl(data []byte) error {
	c.mu.Lock()
	dc := c.control
	c.mu.Unlock()

	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	return dc.Send(data)
}

// Close implements Connection.
func (c *PionConnection) Close() error {
	return c.pc.Close()
}

// drainRTCP reads RTCP for a sender so interceptors keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// drainTrack consumes a remote track until it ends. Media is not rendered in
// the terminal, but unread packets would back up the receiver.
func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
