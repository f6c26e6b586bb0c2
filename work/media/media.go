// Package media models the platform playback primitives the player drives: a
// video output element, the Picture-in-Picture handle it can hold, and the
// user-gesture requirement that gates unmuted playback and PiP entry.
package media

import (
	"context"
	"errors"
)

var (
	// ErrActivationRequired is returned when an action needs a user gesture.
	// It is a policy condition, not a failure.
	ErrActivationRequired = errors.New("user activation required")

	// ErrUnsupported is returned when the platform cannot perform an action
	// at all (no PiP support, no adaptive playback).
	ErrUnsupported = errors.New("unsupported by platform")

	// ErrReleased is returned by outputs that were already released.
	ErrReleased = errors.New("output released")
)

// Output is a video output element.
type Output interface {
	ID() string

	Play(ctx context.Context) error
	Pause()
	Paused() bool

	// SetMuted may fail with ErrActivationRequired when unmuting without a gesture.
	SetMuted(ctx context.Context, muted bool) error
	Muted() bool
	SetVolume(volume float64)
	Volume() float64

	CurrentTime() float64
	Seek(position float64)
	// Duration is +Inf for live streams and 0 before anything is known.
	Duration() float64
	Seekable() (start, end float64, ok bool)
	BufferedAhead() float64

	RequestPictureInPicture(ctx context.Context) error
	ExitPictureInPicture() error
	InPictureInPicture() bool
	// OnLeavePictureInPicture registers fn for the leave event and returns a
	// function removing the registration.
	OnLeavePictureInPicture(fn func()) (remove func())

	Release()
}

// Sink is the engine-facing side of an output: where segments, duration and
// the seekable window are delivered.
type Sink interface {
	AppendSegment(data []byte, seconds float64)
	SetDuration(duration float64)
	SetSeekable(start, end float64)
	ResetBuffer()
	// ResetBufferAt drops buffered media, records that the next segment
	// starts at start and moves the playhead to position.
	ResetBufferAt(start, position float64)
}

// Factory creates off-screen outputs (used by the PiP manager).
type Factory interface {
	NewOutput(name string) Output
}

type gestureKey struct{}

// WithUserGesture marks ctx as originating from a direct user interaction.
func WithUserGesture(ctx context.Context) context.Context {
	return context.WithValue(ctx, gestureKey{}, true)
}

// IsUserGesture reports whether ctx carries a user gesture.
func IsUserGesture(ctx context.Context) bool {
	v, _ := ctx.Value(gestureKey{}).(bool)
	return v
}
