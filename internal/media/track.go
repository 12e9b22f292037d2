package media

import (
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

// Kind is the media type of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// Track is a local track that can be muted without renegotiation: while
// disabled, samples are dropped before they reach the connection.
type Track struct {
	kind    Kind
	local   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	written atomic.Uint64
	dropped atomic.Uint64
}

func newTrack(kind Kind, mimeType, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType},
		string(kind),
		streamID,
	)
	if err != nil {
		return nil, err
	}
	t := &Track{kind: kind, local: local}
	t.enabled.Store(true)
	return t, nil
}

// Kind returns whether this is the audio or the video track.
func (t *Track) Kind() Kind {
	return t.kind
}

// MimeType returns the codec of the track.
func (t *Track) MimeType() string {
	return t.local.Codec().MimeType
}

// Local returns the pion track to add to peer connections.
func (t *Track) Local() webrtc.TrackLocal {
	return t.local
}

func (t *Track) Enabled() bool {
	return t.enabled.Load()
}

func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// Toggle flips the enabled flag and returns the new value.
func (t *Track) Toggle() bool {
	for {
		old := t.enabled.Load()
		if t.enabled.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// WriteSample sends a sample to every connection the track is bound to, or
// drops it while the track is disabled.
func (t *Track) WriteSample(s pionmedia.Sample) error {
	if !t.enabled.Load() {
		t.dropped.Add(1)
		return nil
	}
	t.written.Add(1)
	return t.local.WriteSample(s)
}

// Samples reports how many samples were written and dropped.
func (t *Track) Samples() (written, dropped uint64) {
	return t.written.Load(), t.dropped.Load()
}
