// Package media provides the local capture tracks attached to every peer link.
package media

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/mesh-signaling/internal/models"
	pion "github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

const (
	audioFrameDuration = 20 * time.Millisecond
	videoFrameDuration = time.Second / 5
)

// Opus TOC byte for a 20ms SILK frame followed by an empty payload.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// Capturer acquires local media. Acquire fails with models.ErrMediaAccessDenied
// when capture is refused.
type Capturer interface {
	Acquire(ctx context.Context) (*Stream, error)
}

// Synthetic is a Capturer that produces generated audio and video samples.
// It stands in for a camera and microphone in headless clients.
type Synthetic struct {
	Audio bool
	Video bool
	// Deny makes Acquire fail as if the user refused capture.
	Deny   bool
	Logger *slog.Logger
}

// Acquire creates the tracks and starts their sample pumps.
func (s Synthetic) Acquire(ctx context.Context) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Deny {
		return nil, models.NewError("acquire media", models.ErrMediaAccessDenied)
	}
	if !s.Audio && !s.Video {
		return nil, models.WrapError("acquire media", models.ErrMediaAccessDenied, "no devices requested")
	}

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	streamID := "meshroom-" + uuid.New().String()
	st := &Stream{
		id:     streamID,
		stop:   make(chan struct{}),
		logger: logger.With("stream", streamID),
	}

	if s.Audio {
		track, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus}, "audio", streamID)
		if err != nil {
			return nil, models.WrapError("acquire media", models.ErrMediaAccessDenied, err.Error())
		}
		st.audio = track
		st.audioEnabled.Store(true)
	}
	if s.Video {
		track, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8}, "video", streamID)
		if err != nil {
			return nil, models.WrapError("acquire media", models.ErrMediaAccessDenied, err.Error())
		}
		st.video = track
		st.videoEnabled.Store(true)
	}

	if st.audio != nil {
		st.wg.Add(1)
		go st.pump(st.audio, &st.audioEnabled, audioFrameDuration, opusSilence)
	}
	if st.video != nil {
		st.wg.Add(1)
		go st.pump(st.video, &st.videoEnabled, videoFrameDuration, placeholderFrame())
	}
	return st, nil
}

// Stream is a set of local tracks. Tracks are enabled and disabled in place;
// Stop releases them.
type Stream struct {
	id    string
	audio *pion.TrackLocalStaticSample
	video *pion.TrackLocalStaticSample

	audioEnabled atomic.Bool
	videoEnabled atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func (s *Stream) ID() string { return s.id }

// Tracks returns the tracks to attach to a peer connection.
func (s *Stream) Tracks() []pion.TrackLocal {
	var tracks []pion.TrackLocal
	if s.audio != nil {
		tracks = append(tracks, s.audio)
	}
	if s.video != nil {
		tracks = append(tracks, s.video)
	}
	return tracks
}

func (s *Stream) HasAudio() bool { return s.audio != nil }
func (s *Stream) HasVideo() bool { return s.video != nil }

func (s *Stream) SetAudioEnabled(enabled bool) { s.audioEnabled.Store(enabled) }
func (s *Stream) AudioEnabled() bool           { return s.audioEnabled.Load() }
func (s *Stream) SetVideoEnabled(enabled bool) { s.videoEnabled.Store(enabled) }
func (s *Stream) VideoEnabled() bool           { return s.videoEnabled.Load() }

// Stop ends every track. It is safe to call more than once.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		s.audioEnabled.Store(false)
		s.videoEnabled.Store(false)
		s.logger.Debug("local media stopped")
	})
}

// Stopped reports whether Stop has been called.
func (s *Stream) Stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Stream) pump(track *pion.TrackLocalStaticSample, enabled *atomic.Bool, every time.Duration, frame []byte) {
	defer s.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if !enabled.Load() {
				continue
			}
			if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: every}); err != nil {
				s.logger.Debug("failed to write sample", "kind", track.Kind().String(), "err", err)
			}
		}
	}
}

// placeholderFrame is a fixed payload emitted on the video track. Receivers
// see a steady stream of frames; decoding them is not meaningful.
func placeholderFrame() []byte {
	frame := make([]byte, 64)
	// VP8 key frame start code.
	frame[3], frame[4], frame[5] = 0x9d, 0x01, 0x2a
	return frame
}
