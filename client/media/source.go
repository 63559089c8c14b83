package media

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied    = errors.New("permission denied")
	ErrDeviceUnavailable   = errors.New("capture device unavailable")
	ErrConstraintsRejected = errors.New("capture constraints rejected")
	ErrUnknownSource       = errors.New("unknown capture source")
	ErrNoActiveSource      = errors.New("no active capture source")
)

// SourceKind is a capture source variant.
type SourceKind string

const (
	SourceCamera SourceKind = "camera"
	SourceScreen SourceKind = "screen"
)

// TrackKind is the media kind of a local track.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Constraints describe requested capture profile.
// Zero width, height or frame rate leave the choice to the device.
type Constraints struct {
	Width     int
	Height    int
	FrameRate int

	Audio            bool
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// CaptureSource is the capability to capture local media from one
// kind of source with a preferred and a minimal fallback profile.
type CaptureSource struct {
	Kind      SourceKind
	Preferred Constraints
	Minimal   Constraints
}

var (
	Camera = CaptureSource{
		Kind: SourceCamera,
		Preferred: Constraints{
			Width:            1280,
			Height:           720,
			FrameRate:        30,
			Audio:            true,
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Minimal: Constraints{Audio: true},
	}

	Screen = CaptureSource{
		Kind: SourceScreen,
		Preferred: Constraints{
			Width:     1920,
			Height:    1080,
			FrameRate: 15,
			Audio:     true,
		},
		Minimal: Constraints{},
	}
)

func SourceFor(kind SourceKind) (CaptureSource, error) {
	switch kind {
	case SourceCamera:
		return Camera, nil
	case SourceScreen:
		return Screen, nil
	}
	return CaptureSource{}, ErrUnknownSource
}

// Device opens capture sessions. Implementations wrap platform capture APIs.
type Device interface {
	Open(ctx context.Context, kind SourceKind, c Constraints) (Capture, error)
}

// Capture is a live capture session.
type Capture interface {
	Kind() SourceKind
	Tracks() []*Track
	// Ended is closed when capture stops, including when the platform
	// or the user revokes it.
	Ended() <-chan struct{}
	Stop()
}

// MediaError is a media failure meant to be shown to the user.
type MediaError struct {
	Op     string
	Source SourceKind
	Err    error
}

func (e *MediaError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Source, e.Err)
}

func (e *MediaError) Unwrap() error {
	return e.Err
}

// UserMessage returns an actionable description of the failure.
func (e *MediaError) UserMessage() string {
	switch {
	case errors.Is(e.Err, ErrPermissionDenied):
		return fmt.Sprintf("Access to %s was denied. Allow access in system settings and try again.", e.Source)
	case errors.Is(e.Err, ErrDeviceUnavailable):
		return fmt.Sprintf("No %s is available. Connect a device or close applications using it.", e.Source)
	}
	return fmt.Sprintf("Unable to start %s capture.", e.Source)
}
