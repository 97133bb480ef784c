// Package media owns the local capture handle shared by every peer link in a
// call: an audio track and, for video calls, a video track.
//
// Real device capture lives in the application shell; this package works in
// terms of a Source that yields pion local tracks, with a synthetic default
// used in tests and headless builds. Mute and camera toggles gate sample
// forwarding locally and are never signaled to the remote side.
package media

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// ErrStopped is returned when a released capture is used; callers must
// re-acquire.
var ErrStopped = errors.New("media capture stopped")

// Source produces local tracks. Implementations are consulted once per
// Acquire; returning an error models the user denying device access.
type Source interface {
	AudioTrack() (webrtc.TrackLocal, error)
	VideoTrack() (webrtc.TrackLocal, error)
}

// Capture is the shared local media handle for one active call. Acquired
// once and reused across links; Stop releases it for good.
type Capture struct {
	mu sync.Mutex

	audio webrtc.TrackLocal
	video webrtc.TrackLocal

	audioEnabled bool
	videoEnabled bool
	stopped      bool

	stopPump chan struct{}
}

// Acquire obtains microphone (and camera when wantVideo) tracks from src.
// Any device failure surfaces here, before the call leaves the local machine.
func Acquire(src Source, wantVideo bool) (*Capture, error) {
	audio, err := src.AudioTrack()
	if err != nil {
		return nil, fmt.Errorf("acquire audio: %w", err)
	}

	c := &Capture{
		audio:        audio,
		audioEnabled: true,
		stopPump:     make(chan struct{}),
	}
	if wantVideo {
		video, err := src.VideoTrack()
		if err != nil {
			return nil, fmt.Errorf("acquire video: %w", err)
		}
		c.video = video
		c.videoEnabled = true
	}

	if pumped, ok := src.(interface{ pump(*Capture) }); ok {
		go pumped.pump(c)
	}
	return c, nil
}

// Tracks returns the local tracks to attach to a peer connection.
func (c *Capture) Tracks() ([]webrtc.TrackLocal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, ErrStopped
	}
	out := []webrtc.TrackLocal{c.audio}
	if c.video != nil {
		out = append(out, c.video)
	}
	return out, nil
}

func (c *Capture) HasVideo() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.video != nil
}

// SetAudioEnabled gates microphone forwarding. Cheap and safe to call at any
// time, including mid-negotiation.
func (c *Capture) SetAudioEnabled(enabled bool) {
	c.mu.Lock()
	c.audioEnabled = enabled
	c.mu.Unlock()
}

func (c *Capture) SetVideoEnabled(enabled bool) {
	c.mu.Lock()
	c.videoEnabled = enabled
	c.mu.Unlock()
}

func (c *Capture) AudioEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audioEnabled && !c.stopped
}

func (c *Capture) VideoEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.videoEnabled && c.video != nil && !c.stopped
}

// Stop releases the capture. The handle is dead afterwards; the next call
// must Acquire a fresh one.
func (c *Capture) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopPump)
	c.mu.Unlock()
}

func (c *Capture) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// SyntheticSource emits silent Opus samples (and blank VP8 frames when video
// is requested) on static sample tracks. It stands in for device capture in
// tests and headless builds.
type SyntheticSource struct {
	// SampleInterval defaults to 20ms, the Opus frame duration.
	SampleInterval time.Duration

	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample
}

func (s *SyntheticSource) AudioTrack() (webrtc.TrackLocal, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "gptm-local")
	if err != nil {
		return nil, err
	}
	s.audio = track
	return track, nil
}

func (s *SyntheticSource) VideoTrack() (webrtc.TrackLocal, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "gptm-local")
	if err != nil {
		return nil, err
	}
	s.video = track
	return track, nil
}

// pump writes samples until the capture stops, honoring the enabled flags.
// Disabled tracks simply stop producing, which the remote observes as
// silence / a frozen frame.
func (s *SyntheticSource) pump(c *Capture) {
	interval := s.SampleInterval
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	// One silent Opus frame (DTX-style) and a minimal VP8 keyframe header.
	silence := []byte{0xf8, 0xff, 0xfe}
	blank := []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-c.stopPump:
			return
		case <-t.C:
			if c.AudioEnabled() && s.audio != nil {
				_ = s.audio.WriteSample(media.Sample{Data: silence, Duration: interval})
			}
			if c.VideoEnabled() && s.video != nil {
				_ = s.video.WriteSample(media.Sample{Data: blank, Duration: interval})
			}
		}
	}
}
