package media

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const (
	opusFrame     = 20 * time.Millisecond
	opusClockRate = 48000
	vp8ClockRate  = 90000
	defaultFPS    = 15
)

var (
	OpusCodec = webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   opusClockRate,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
	VP8Codec = webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeVP8,
		ClockRate: vp8ClockRate,
	}

	// opus silence frame
	silence = []byte{0xf8, 0xff, 0xfe}
	// VP8 payload descriptor followed by empty keyframe header
	blankFrame = []byte{0x10, 0x00, 0x00, 0x9d, 0x01, 0x2a}
)

// SyntheticDevice produces generated media instead of capturing real
// devices. It is used by headless participants and in tests.
type SyntheticDevice struct {
	// Denied lists sources for which access is refused.
	Denied map[SourceKind]bool
	// StrictProfile makes device reject any constraints with explicit
	// dimensions, forcing minimal profile.
	StrictProfile bool
	// ScreenDuration ends screen capture after given time if non zero.
	ScreenDuration time.Duration

	mx       sync.Mutex
	captures map[SourceKind]*syntheticCapture
}

func (d *SyntheticDevice) Open(_ context.Context, kind SourceKind, c Constraints) (Capture, error) {
	if d.Denied[kind] {
		return nil, ErrPermissionDenied
	}
	if d.StrictProfile && (c.Width > 0 || c.Height > 0) {
		return nil, ErrConstraintsRejected
	}

	streamID := string(kind) + "-" + uuid.NewString()
	capture := &syntheticCapture{
		kind:  kind,
		ended: make(chan struct{}),
	}
	if c.Audio {
		t, err := NewTrack(TrackAudio, OpusCodec, "audio-"+uuid.NewString(), streamID)
		if err != nil {
			return nil, err
		}
		capture.tracks = append(capture.tracks, t)
	}
	t, err := NewTrack(TrackVideo, VP8Codec, "video-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}
	capture.tracks = append(capture.tracks, t)

	fps := c.FrameRate
	if fps <= 0 {
		fps = defaultFPS
	}
	ctx, cancel := context.WithCancel(context.Background())
	capture.cancel = cancel
	for _, t := range capture.tracks {
		go generate(ctx, t, fps)
	}
	if kind == SourceScreen && d.ScreenDuration > 0 {
		time.AfterFunc(d.ScreenDuration, capture.Stop)
	}

	d.mx.Lock()
	if d.captures == nil {
		d.captures = make(map[SourceKind]*syntheticCapture)
	}
	d.captures[kind] = capture
	d.mx.Unlock()
	return capture, nil
}

// End stops the latest capture of the source as if platform revoked it.
func (d *SyntheticDevice) End(kind SourceKind) {
	d.mx.Lock()
	capture := d.captures[kind]
	d.mx.Unlock()
	if capture != nil {
		capture.Stop()
	}
}

type syntheticCapture struct {
	kind   SourceKind
	tracks []*Track
	ended  chan struct{}
	cancel context.CancelFunc
	once   sync.Once
}

func (c *syntheticCapture) Kind() SourceKind {
	return c.kind
}

func (c *syntheticCapture) Tracks() []*Track {
	return c.tracks
}

func (c *syntheticCapture) Ended() <-chan struct{} {
	return c.ended
}

func (c *syntheticCapture) Stop() {
	c.once.Do(func() {
		c.cancel()
		close(c.ended)
	})
}

func generate(ctx context.Context, t *Track, fps int) {
	interval := opusFrame
	step := uint32(opusClockRate / 1000 * int(opusFrame/time.Millisecond))
	payload := silence
	if t.Media() == TrackVideo {
		interval = time.Second / time.Duration(fps)
		step = uint32(vp8ClockRate / fps)
		payload = blankFrame
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version: 2,
			Marker:  true,
		},
		Payload: payload,
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pkt.SequenceNumber++
			pkt.Timestamp += step
			// unbound tracks and closed transports are not an error here
			_ = t.WriteRTP(pkt)
		}
	}
}
