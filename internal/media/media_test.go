package media

import (
	"context"
	"errors"
	"testing"

	"github.com/mossy-p/mesh-signaling/internal/models"
	pion "github.com/pion/webrtc/v4"
)

func TestSynthetic_Deny(t *testing.T) {
	_, err := Synthetic{Audio: true, Video: true, Deny: true}.Acquire(context.Background())
	if !errors.Is(err, models.ErrMediaAccessDenied) {
		t.Fatalf("err=%v, want ErrMediaAccessDenied", err)
	}

	_, err = Synthetic{}.Acquire(context.Background())
	if !errors.Is(err, models.ErrMediaAccessDenied) {
		t.Fatalf("no devices: err=%v, want ErrMediaAccessDenied", err)
	}
}

func TestSynthetic_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := (Synthetic{Audio: true}).Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func TestStream_TracksAndToggles(t *testing.T) {
	st, err := Synthetic{Audio: true, Video: true}.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer st.Stop()

	tracks := st.Tracks()
	if len(tracks) != 2 {
		t.Fatalf("got %d tracks, want 2", len(tracks))
	}
	if tracks[0].Kind() != pion.RTPCodecTypeAudio || tracks[1].Kind() != pion.RTPCodecTypeVideo {
		t.Fatalf("kinds=%v,%v", tracks[0].Kind(), tracks[1].Kind())
	}
	for _, tr := range tracks {
		if tr.StreamID() != st.ID() {
			t.Fatalf("track stream id=%q, want %q", tr.StreamID(), st.ID())
		}
	}

	if !st.AudioEnabled() || !st.VideoEnabled() {
		t.Fatal("tracks should start enabled")
	}
	st.SetAudioEnabled(false)
	if st.AudioEnabled() {
		t.Fatal("audio still enabled")
	}
	if !st.VideoEnabled() {
		t.Fatal("video toggled with audio")
	}
	st.SetVideoEnabled(false)
	st.SetAudioEnabled(true)
	if !st.AudioEnabled() || st.VideoEnabled() {
		t.Fatalf("audio=%v video=%v", st.AudioEnabled(), st.VideoEnabled())
	}
}

func TestStream_StopIdempotent(t *testing.T) {
	st, err := Synthetic{Audio: true}.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if st.HasVideo() || !st.HasAudio() {
		t.Fatal("unexpected track set")
	}
	st.Stop()
	st.Stop()
	if !st.Stopped() {
		t.Fatal("Stopped() = false after Stop")
	}
	if st.AudioEnabled() {
		t.Fatal("audio enabled after Stop")
	}
}
