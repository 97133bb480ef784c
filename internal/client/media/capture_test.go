package media

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

type deniedSource struct {
	denyAudio bool
	denyVideo bool
}

var errDenied = errors.New("permission denied")

func (s *deniedSource) AudioTrack() (webrtc.TrackLocal, error) {
	if s.denyAudio {
		return nil, errDenied
	}
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "t")
}

func (s *deniedSource) VideoTrack() (webrtc.TrackLocal, error) {
	if s.denyVideo {
		return nil, errDenied
	}
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "t")
}

func TestAcquireAudioOnly(t *testing.T) {
	c, err := Acquire(&deniedSource{}, false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer c.Stop()

	tracks, err := c.Tracks()
	if err != nil {
		t.Fatalf("Tracks: %v", err)
	}
	if len(tracks) != 1 {
		t.Fatalf("got %d tracks, want 1", len(tracks))
	}
	if c.HasVideo() || c.VideoEnabled() {
		t.Fatal("audio-only capture should not report video")
	}
	if !c.AudioEnabled() {
		t.Fatal("audio should start enabled")
	}
}

func TestAcquireWithVideo(t *testing.T) {
	c, err := Acquire(&deniedSource{}, true)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer c.Stop()

	tracks, err := c.Tracks()
	if err != nil {
		t.Fatalf("Tracks: %v", err)
	}
	if len(tracks) != 2 || !c.HasVideo() || !c.VideoEnabled() {
		t.Fatalf("video capture = %d tracks, HasVideo=%v", len(tracks), c.HasVideo())
	}
}

func TestAcquireSurfacesDeviceFailure(t *testing.T) {
	if _, err := Acquire(&deniedSource{denyAudio: true}, false); !errors.Is(err, errDenied) {
		t.Fatalf("err = %v, want the device error", err)
	}
	if _, err := Acquire(&deniedSource{denyVideo: true}, true); !errors.Is(err, errDenied) {
		t.Fatalf("err = %v, want the device error", err)
	}
	// Audio-only acquisition never consults the camera.
	if _, err := Acquire(&deniedSource{denyVideo: true}, false); err != nil {
		t.Fatalf("audio-only with denied camera: %v", err)
	}
}

func TestToggles(t *testing.T) {
	c, err := Acquire(&deniedSource{}, true)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer c.Stop()

	c.SetAudioEnabled(false)
	if c.AudioEnabled() {
		t.Fatal("audio should be muted")
	}
	c.SetAudioEnabled(true)
	if !c.AudioEnabled() {
		t.Fatal("audio should be live again")
	}

	c.SetVideoEnabled(false)
	if c.VideoEnabled() {
		t.Fatal("video should be off")
	}
}

func TestStopIsTerminal(t *testing.T) {
	c, err := Acquire(&deniedSource{}, false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	c.Stop()
	c.Stop() // idempotent

	if !c.Stopped() {
		t.Fatal("Stopped should report true")
	}
	if _, err := c.Tracks(); !errors.Is(err, ErrStopped) {
		t.Fatalf("Tracks after Stop: err = %v, want ErrStopped", err)
	}
	if c.AudioEnabled() {
		t.Fatal("stopped capture must not report enabled audio")
	}
}

func TestSyntheticSourcePumpStopsWithCapture(t *testing.T) {
	src := &SyntheticSource{}
	c, err := Acquire(src, true)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// Nothing to assert beyond clean shutdown; the pump goroutine exits when
	// the capture stops.
	c.Stop()
}
