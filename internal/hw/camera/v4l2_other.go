//go:build !linux

package camera

import (
	"context"
	"fmt"
)

// V4L2Config configures the V4L2 backend.
type V4L2Config struct {
	Device    string
	Preview   Resolution
	Max       Resolution
	Framerate float64
}

// V4L2 is only available on Linux.
type V4L2 struct{ settings }

// NewV4L2 always fails outside Linux.
func NewV4L2(cfg V4L2Config) (*V4L2, error) {
	return nil, fmt.Errorf("v4l2 camera %s: %w", cfg.Device, ErrUnsupported)
}

func (v *V4L2) Capture(ctx context.Context, mode Mode) (Frame, error) {
	return Frame{}, ErrUnsupported
}

func (v *V4L2) CaptureContinuous(ctx context.Context, mode Mode) (<-chan Frame, error) {
	return nil, ErrUnsupported
}

func (v *V4L2) SetResolution(r Resolution) error { return ErrUnsupported }
func (v *V4L2) SetFramerate(fps float64) error   { return ErrUnsupported }
func (v *V4L2) SetISO(iso int) error             { return ErrUnsupported }
func (v *V4L2) SetShutterSpeed(us int) error     { return ErrUnsupported }
func (v *V4L2) Close() error                     { return nil }
