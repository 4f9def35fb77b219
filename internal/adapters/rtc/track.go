package rtc

import (
	"context"
	"errors"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/pkaminsk/Anchor/internal/core"
)

const frameDuration = 20 * time.Millisecond

// remoteSource adapts a pion remote track to core.AudioSource.
type remoteSource struct {
	id    string
	track *webrtc.TrackRemote
}

func newRemoteSource(id string, track *webrtc.TrackRemote) *remoteSource {
	return &remoteSource{id: id, track: track}
}

func (s *remoteSource) ID() string { return s.id }

// ReadFrame returns the next RTP payload. Reads are bounded by short
// deadlines so a canceled ctx is noticed even while the track is idle.
func (s *remoteSource) ReadFrame(ctx context.Context) (core.Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.track.SetReadDeadline(time.Now().Add(500 * time.Millisecond)); err != nil {
			return nil, err
		}
		pkt, _, err := s.track.ReadRTP()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return nil, err
		}
		if frame := frameFromRTP(pkt); len(frame) > 0 {
			return frame, nil
		}
	}
}

// frameFromRTP extracts the codec payload; padding-only packets yield
// an empty frame and are skipped by the caller.
func frameFromRTP(pkt *rtp.Packet) core.Frame {
	if pkt == nil || len(pkt.Payload) == 0 {
		return nil
	}
	return core.Frame(pkt.Payload)
}

// sampleTrack adapts a pion local sample track to core.OutboundTrack.
type sampleTrack struct {
	track *webrtc.TrackLocalStaticSample
}

// NewOutboundTrack mints one agent audio track (opus, 48kHz stereo).
func NewOutboundTrack() (core.OutboundTrack, error) {
	t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeOpus,
		ClockRate: 48000,
		Channels:  2,
	}, "audio", "anchor-agent")
	if err != nil {
		return nil, err
	}
	return &sampleTrack{track: t}, nil
}

func (t *sampleTrack) ID() string { return t.track.ID() }

func (t *sampleTrack) WriteFrame(f core.Frame) error {
	return t.track.WriteSample(media.Sample{Data: f, Duration: frameDuration})
}
