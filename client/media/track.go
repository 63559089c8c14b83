package media

import (
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Track is a local track that can be muted in place.
// A disabled track stays attached but silently drops outgoing packets.
type Track struct {
	*webrtc.TrackLocalStaticRTP
	media   TrackKind
	enabled atomic.Bool
}

func NewTrack(media TrackKind, codec webrtc.RTPCodecCapability, id, streamID string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	t := &Track{
		TrackLocalStaticRTP: local,
		media:               media,
	}
	t.enabled.Store(true)
	return t, nil
}

func (t *Track) Media() TrackKind {
	return t.media
}

func (t *Track) Enabled() bool {
	return t.enabled.Load()
}

func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

func (t *Track) WriteRTP(p *rtp.Packet) error {
	if !t.enabled.Load() {
		return nil
	}
	return t.TrackLocalStaticRTP.WriteRTP(p)
}

func (t *Track) Write(b []byte) (int, error) {
	if !t.enabled.Load() {
		return len(b), nil
	}
	return t.TrackLocalStaticRTP.Write(b)
}
