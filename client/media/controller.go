package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// TrackSink receives the full set of tracks to send after a source switch.
type TrackSink interface {
	ReplaceTracks(ctx context.Context, tracks []webrtc.TrackLocal)
}

type Config struct {
	Logger *zerolog.Logger
	Device Device
	// OnSourceChange is called after active source changes on its own,
	// e.g. when screen capture is revoked.
	OnSourceChange func(kind SourceKind, err error)
}

// Controller owns local capture and the enabled state of local tracks.
type Controller struct {
	logger   zerolog.Logger
	device   Device
	onChange func(SourceKind, error)

	// switchMx serializes source switches, mx guards state.
	switchMx sync.Mutex
	mx       sync.Mutex
	sink     TrackSink
	active   Capture
	enabled  map[TrackKind]bool
	unwatch  context.CancelFunc
}

func NewController(cfg Config) *Controller {
	onChange := cfg.OnSourceChange
	if onChange == nil {
		onChange = func(SourceKind, error) {}
	}
	return &Controller{
		logger:   cfg.Logger.With().Str("component", "media").Logger(),
		device:   cfg.Device,
		onChange: onChange,
		enabled: map[TrackKind]bool{
			TrackAudio: true,
			TrackVideo: true,
		},
	}
}

// SetSink sets receiver of track replacements.
func (c *Controller) SetSink(sink TrackSink) {
	c.mx.Lock()
	c.sink = sink
	c.mx.Unlock()
}

// Acquire opens capture for the source, falling back to the minimal
// profile if the preferred one is rejected.
func (c *Controller) Acquire(ctx context.Context, kind SourceKind) (Capture, error) {
	src, err := SourceFor(kind)
	if err != nil {
		return nil, &MediaError{Op: "acquire", Source: kind, Err: err}
	}
	capture, err := c.device.Open(ctx, kind, src.Preferred)
	if err == nil {
		return capture, nil
	}
	if errors.Is(err, ErrPermissionDenied) {
		return nil, &MediaError{Op: "acquire", Source: kind, Err: err}
	}
	c.logger.Warn().Err(err).Str("source", string(kind)).Msg("preferred constraints failed, using minimal")

	capture, err = c.device.Open(ctx, kind, src.Minimal)
	if err != nil {
		return nil, &MediaError{Op: "acquire", Source: kind, Err: err}
	}
	return capture, nil
}

// Start acquires the source and makes it active.
func (c *Controller) Start(ctx context.Context, kind SourceKind) error {
	return c.SwitchSource(ctx, kind)
}

// SwitchSource replaces active source. On failure the previous source
// stays active.
func (c *Controller) SwitchSource(ctx context.Context, kind SourceKind) error {
	c.switchMx.Lock()
	defer c.switchMx.Unlock()

	c.mx.Lock()
	if c.active != nil && c.active.Kind() == kind {
		c.mx.Unlock()
		return nil
	}
	c.mx.Unlock()

	capture, err := c.Acquire(ctx, kind)
	if err != nil {
		return err
	}
	c.activate(ctx, capture)
	c.logger.Info().Str("source", string(kind)).Msg("capture source switched")
	return nil
}

func (c *Controller) activate(ctx context.Context, capture Capture) {
	c.mx.Lock()
	old := c.active
	if c.unwatch != nil {
		c.unwatch()
		c.unwatch = nil
	}
	c.active = capture
	for _, t := range capture.Tracks() {
		t.SetEnabled(c.enabled[t.Media()])
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	c.unwatch = cancel
	sink := c.sink
	c.mx.Unlock()

	go c.watch(watchCtx, capture)

	if sink != nil {
		sink.ReplaceTracks(ctx, toLocal(capture.Tracks()))
	}
	if old != nil {
		old.Stop()
	}
}

// watch reacts to capture ending outside of controller's control.
func (c *Controller) watch(ctx context.Context, capture Capture) {
	select {
	case <-ctx.Done():
		return
	case <-capture.Ended():
	}

	c.mx.Lock()
	if c.active != capture {
		c.mx.Unlock()
		return
	}
	c.mx.Unlock()

	if capture.Kind() == SourceScreen {
		c.logger.Info().Msg("screen capture ended, switching back to camera")
		err := c.SwitchSource(context.Background(), SourceCamera)
		if err != nil {
			c.logger.Error().Err(err).Msg("unable to resume camera")
			c.deactivate(capture)
		}
		c.onChange(c.Active(), err)
		return
	}

	c.logger.Warn().Str("source", string(capture.Kind())).Msg("capture ended")
	c.deactivate(capture)
	c.onChange("", &MediaError{Op: "capture", Source: capture.Kind(), Err: ErrDeviceUnavailable})
}

func (c *Controller) deactivate(capture Capture) {
	c.switchMx.Lock()
	defer c.switchMx.Unlock()

	c.mx.Lock()
	if c.active != capture {
		c.mx.Unlock()
		return
	}
	c.active = nil
	sink := c.sink
	c.mx.Unlock()

	if sink != nil {
		sink.ReplaceTracks(context.Background(), nil)
	}
}

// SetEnabled flips enabled flag of active tracks of the kind in place.
// The flag carries over to sources activated later.
func (c *Controller) SetEnabled(kind TrackKind, enabled bool) {
	c.mx.Lock()
	defer c.mx.Unlock()

	c.enabled[kind] = enabled
	if c.active == nil {
		return
	}
	for _, t := range c.active.Tracks() {
		if t.Media() == kind {
			t.SetEnabled(enabled)
		}
	}
}

func (c *Controller) Enabled(kind TrackKind) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.enabled[kind]
}

// Active returns kind of active source or empty string.
func (c *Controller) Active() SourceKind {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.Kind()
}

// Tracks returns tracks of active source.
func (c *Controller) Tracks() []webrtc.TrackLocal {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.active == nil {
		return nil
	}
	return toLocal(c.active.Tracks())
}

// Release stops active capture.
func (c *Controller) Release() {
	c.switchMx.Lock()
	defer c.switchMx.Unlock()

	c.mx.Lock()
	defer c.mx.Unlock()
	if c.unwatch != nil {
		c.unwatch()
		c.unwatch = nil
	}
	if c.active != nil {
		c.active.Stop()
		c.active = nil
	}
}

func toLocal(tracks []*Track) []webrtc.TrackLocal {
	out := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	return out
}
