package camera

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Mode selects the sensor path used for a capture.
type Mode int

const (
	// ModeVideo uses the fast preview path at the current resolution.
	ModeVideo Mode = iota
	// ModeStill uses the full still pipeline (slower, best quality).
	ModeStill
)

func (m Mode) String() string {
	if m == ModeStill {
		return "still"
	}
	return "video"
}

// PixelFormat describes the layout of Frame.Data.
type PixelFormat int

const (
	FormatRGB24 PixelFormat = iota // packed R,G,B bytes, row major, no padding
	FormatJPEG                     // a complete JPEG image
)

// BytesPerPixel is the size of one FormatRGB24 pixel.
const BytesPerPixel = 3

// DefaultFramerate is the "auto" framerate restored when exposure goes back to auto.
const DefaultFramerate = 30

var (
	// ErrUnsupported is returned when a backend cannot perform an operation.
	ErrUnsupported = errors.New("camera: unsupported operation")
	// ErrClosed is returned by operations on a closed sensor.
	ErrClosed = errors.New("camera: sensor closed")
)

// Resolution is a frame size in pixels.
type Resolution struct {
	Width  int
	Height int
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// IsZero reports whether r is unset.
func (r Resolution) IsZero() bool {
	return r.Width == 0 && r.Height == 0
}

// RGBSize returns the byte length of an RGB24 frame at this resolution.
func (r Resolution) RGBSize() int {
	return r.Width * r.Height * BytesPerPixel
}

// Frame is one image produced by a sensor.
type Frame struct {
	Data       []byte
	Width      int
	Height     int
	Format     PixelFormat
	CapturedAt time.Time
}

// Sensor is the camera handle shared by the preview loop and the still
// capture operation. Capture calls block until the sensor delivers a
// frame and are not interruptible mid-flight. Callers coordinate
// exclusive access themselves (see the preview package).
type Sensor interface {
	// Capture takes one frame using the given path.
	Capture(ctx context.Context, mode Mode) (Frame, error)
	// CaptureContinuous streams frames until ctx is cancelled. The channel
	// is closed once the stream has fully stopped.
	CaptureContinuous(ctx context.Context, mode Mode) (<-chan Frame, error)

	Resolution() Resolution
	SetResolution(r Resolution) error
	Framerate() float64
	SetFramerate(fps float64) error
	ISO() int // 0 = auto
	SetISO(iso int) error
	ShutterSpeed() int // microseconds, 0 = auto
	SetShutterSpeed(us int) error

	ExposureSpeed() int // effective exposure in microseconds
	AnalogGain() float64
	DigitalGain() float64
	MaxResolution() Resolution

	Close() error
}

// streamFrames runs capture in a loop and publishes the results until ctx
// is cancelled. Backends without a native streaming path use it.
func streamFrames(ctx context.Context, mode Mode, capture func(context.Context, Mode) (Frame, error)) <-chan Frame {
	out := make(chan Frame, 1)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			f, err := capture(ctx, mode)
			if err != nil {
				return
			}
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
