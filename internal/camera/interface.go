// Package camera describes the capture hardware the mode machine drives: a
// device that opens sessions, sessions that run repeating requests, and the
// targets frames are delivered to.
package camera

import (
	"context"
	"time"
)

// Driver opens a capture device.
type Driver interface {
	Open(ctx context.Context) (Device, error)
}

// Device supports at most one live session at a time.
type Device interface {
	// CreateSession binds targets and returns a configured session, or an
	// ErrConfigurationRejected / ErrDeviceAccess error.
	CreateSession(ctx context.Context, targets []Target) (Session, error)
	Close() error
}

// Session runs one repeating request or burst until replaced or closed.
type Session interface {
	SetRepeatingRequest(req Request) error
	// SetRepeatingBurst repeats reqs in order. A replacement burst takes
	// effect at the start of the next cycle.
	SetRepeatingBurst(reqs []Request) error
	// Close returns once no more frames will reach the session's targets.
	Close() error
}

// Target consumes frames. Accept must not block.
type Target interface {
	Name() string
	Accept(f Frame)
}

// Request is one frame's capture settings.
type Request struct {
	Targets          []Target
	ISO              int
	ExposureDuration time.Duration
	FrameDuration    time.Duration
	AutoExposure     bool
}

type PixelFormat int

const (
	FormatJPEG PixelFormat = iota
	FormatGray
)

func (f PixelFormat) String() string {
	switch f {
	case FormatJPEG:
		return "jpeg"
	case FormatGray:
		return "gray"
	default:
		return "unknown"
	}
}

// Frame is one captured image. Data belongs to the receiver.
type Frame struct {
	Data      []byte
	Format    PixelFormat
	Width     int
	Height    int
	Stride    int
	Sequence  uint64
	Timestamp time.Time
}
