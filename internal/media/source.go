package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
	"github.com/rs/zerolog"

	"github.com/BioHazard786/warpmeet/internal/logging"
)

var (
	// ErrMediaDenied means local media could not be acquired.
	ErrMediaDenied = errors.New("media access denied")
	// ErrNoTrack means the stream has no track of the requested kind.
	ErrNoTrack = errors.New("no such track")

	errNoFrames = errors.New("file has no media frames")
)

const (
	streamID = "warpmeet"

	// Opus frames are 20ms; the Ogg page timing below assumes 48kHz.
	opusFrameDuration = 20 * time.Millisecond
	opusSampleRate    = 48000
)

// opusSilence is a single Opus frame encoding 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Source provides the local media stream for a call.
type Source interface {
	Acquire(ctx context.Context) (*Stream, error)
}

// Stream is the local media shared by every peer session of a call.
type Stream struct {
	audio *Track
	video *Track

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Audio returns the audio track, or nil.
func (s *Stream) Audio() *Track {
	return s.audio
}

// Video returns the video track, or nil.
func (s *Stream) Video() *Track {
	return s.video
}

// Track returns the track of the given kind.
func (s *Stream) Track(kind Kind) (*Track, error) {
	var t *Track
	switch kind {
	case KindAudio:
		t = s.audio
	case KindVideo:
		t = s.video
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTrack, kind)
	}
	return t, nil
}

// Tracks returns the present tracks, audio first.
func (s *Stream) Tracks() []*Track {
	var out []*Track
	for _, t := range []*Track{s.audio, s.video} {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

// TrackLocals returns the pion tracks to add to a peer connection.
func (s *Stream) TrackLocals() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	for _, t := range s.Tracks() {
		out = append(out, t.Local())
	}
	return out
}

// Stop ends playback and waits for it to finish. Later calls do nothing.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
	})
}

func (s *Stream) play(ctx context.Context, fn func(context.Context) error, log zerolog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("playback stopped")
		}
	}()
}

// FileSource plays media files in a loop: an Ogg/Opus file for audio and an
// IVF file for video. Without an audio file it sends silence; without a video
// file the stream has no video track.
type FileSource struct {
	AudioFile string
	VideoFile string
}

// Acquire validates the files, creates the tracks and starts playback.
// Unreadable or unsupported files fail with ErrMediaDenied.
func (f *FileSource) Acquire(ctx context.Context) (*Stream, error) {
	log := logging.Component("media")

	if f.AudioFile != "" {
		if err := checkOgg(f.AudioFile); err != nil {
			return nil, fmt.Errorf("%w: audio %s: %v", ErrMediaDenied, f.AudioFile, err)
		}
	}

	var videoMime string
	if f.VideoFile != "" {
		mime, err := checkIVF(f.VideoFile)
		if err != nil {
			return nil, fmt.Errorf("%w: video %s: %v", ErrMediaDenied, f.VideoFile, err)
		}
		videoMime = mime
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream := &Stream{}
	audio, err := newTrack(KindAudio, webrtc.MimeTypeOpus, streamID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaDenied, err)
	}
	stream.audio = audio

	if videoMime != "" {
		video, err := newTrack(KindVideo, videoMime, streamID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMediaDenied, err)
		}
		stream.video = video
	}

	// Playback outlives the acquire call; only Stop ends it.
	playCtx, cancel := context.WithCancel(context.Background())
	stream.cancel = cancel

	if f.AudioFile != "" {
		path := f.AudioFile
		stream.play(playCtx, func(ctx context.Context) error { return loopFile(ctx, path, audio, playOgg) }, log)
	} else {
		stream.play(playCtx, func(ctx context.Context) error { return playSilence(ctx, audio) }, log)
	}
	if stream.video != nil {
		path, video := f.VideoFile, stream.video
		stream.play(playCtx, func(ctx context.Context) error { return loopFile(ctx, path, video, playIVF) }, log)
	}

	log.Debug().
		Str("audio", f.AudioFile).
		Str("video", f.VideoFile).
		Str("video_codec", videoMime).
		Msg("local media acquired")
	return stream, nil
}

func checkOgg(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	_, _, err = oggreader.NewWith(file)
	return err
}

func checkIVF(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	_, header, err := ivfreader.NewWith(file)
	if err != nil {
		return "", err
	}
	return mimeForFourCC(header.FourCC)
}

func mimeForFourCC(fourCC string) (string, error) {
	switch fourCC {
	case "VP80":
		return webrtc.MimeTypeVP8, nil
	case "VP90":
		return webrtc.MimeTypeVP9, nil
	case "AV01":
		return webrtc.MimeTypeAV1, nil
	}
	return "", fmt.Errorf("unsupported video codec %q", fourCC)
}

type player func(ctx context.Context, r io.Reader, track *Track) error

// loopFile plays the file from the start each time it reaches the end.
func loopFile(ctx context.Context, path string, track *Track, play player) error {
	for {
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		err = play(ctx, file, track)
		file.Close()

		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// playOgg sends one Ogg page per Opus frame period. It returns nil at the end
// of the file.
func playOgg(ctx context.Context, r io.Reader, track *Track) error {
	ogg, _, err := oggreader.NewWith(r)
	if err != nil {
		return err
	}

	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for pages := 0; ; pages++ {
		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if pages == 0 {
				return errNoFrames
			}
			return nil
		}
		if err != nil {
			return err
		}

		sampleCount := float64(header.GranulePosition - lastGranule)
		lastGranule = header.GranulePosition
		duration := time.Duration((sampleCount / opusSampleRate) * float64(time.Second))

		if err := track.WriteSample(pionmedia.Sample{Data: page, Duration: duration}); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// playIVF sends one frame per timebase tick. It returns nil at the end of the
// file.
func playIVF(ctx context.Context, r io.Reader, track *Track) error {
	ivf, header, err := ivfreader.NewWith(r)
	if err != nil {
		return err
	}

	period := time.Second / 30
	if header.TimebaseDenominator != 0 && header.TimebaseNumerator != 0 {
		period = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for frames := 0; ; frames++ {
		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if frames == 0 {
				return errNoFrames
			}
			return nil
		}
		if err != nil {
			return err
		}

		if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: period}); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func playSilence(ctx context.Context, track *Track) error {
	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := track.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: opusFrameDuration}); err != nil {
				return err
			}
		}
	}
}
