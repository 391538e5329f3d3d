package camera

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/TouchCam/internal/debug"
)

// MockConfig configures the synthetic sensor.
type MockConfig struct {
	Preview   Resolution
	Max       Resolution    // defaults to 1920x1080
	Framerate float64       // defaults to DefaultFramerate
	Latency   time.Duration // per-capture delay; 0 = one frame period in video mode
}

// Mock is a synthetic sensor producing a moving RGB test pattern.
// It stands in for real hardware during development and in tests.
type Mock struct {
	settings
	latency  time.Duration
	captures atomic.Uint64
}

// NewMock creates a synthetic sensor.
func NewMock(cfg MockConfig) *Mock {
	maxRes := cfg.Max
	if maxRes.IsZero() {
		maxRes = Resolution{Width: 1920, Height: 1080}
	}
	debug.Info("Using MOCK camera (%s preview, %s max)", cfg.Preview, maxRes)
	return &Mock{
		settings: newSettings(cfg.Preview, maxRes, cfg.Framerate),
		latency:  cfg.Latency,
	}
}

// Captures returns how many frames have been produced.
func (m *Mock) Captures() uint64 { return m.captures.Load() }

func (m *Mock) Capture(ctx context.Context, mode Mode) (Frame, error) {
	if m.isClosed() {
		return Frame{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	delay := m.latency
	if delay == 0 && mode == ModeVideo {
		delay = time.Duration(float64(time.Second) / m.Framerate())
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	res := m.Resolution()
	n := m.captures.Add(1)
	debug.Trace("Mock camera: %s capture #%d at %s", mode, n, res)
	return Frame{
		Data:       testPattern(res, int(n)),
		Width:      res.Width,
		Height:     res.Height,
		Format:     FormatRGB24,
		CapturedAt: time.Now(),
	}, nil
}

func (m *Mock) CaptureContinuous(ctx context.Context, mode Mode) (<-chan Frame, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}
	return streamFrames(ctx, mode, m.Capture), nil
}

func (m *Mock) SetResolution(r Resolution) error { return m.setResolution(r) }
func (m *Mock) SetFramerate(fps float64) error   { return m.setFramerate(fps) }
func (m *Mock) SetISO(iso int) error             { return m.setISO(iso) }
func (m *Mock) SetShutterSpeed(us int) error     { return m.setShutterSpeed(us) }

func (m *Mock) Close() error {
	m.markClosed()
	return nil
}

// testPattern draws a gradient that shifts with every frame.
func testPattern(res Resolution, frame int) []byte {
	buf := make([]byte, res.RGBSize())
	if res.Width == 0 || res.Height == 0 {
		return buf
	}
	for y := 0; y < res.Height; y++ {
		row := buf[y*res.Width*BytesPerPixel:]
		for x := 0; x < res.Width; x++ {
			o := x * BytesPerPixel
			row[o] = byte((x + frame) * 255 / (res.Width + frame))
			row[o+1] = byte(y * 255 / res.Height)
			row[o+2] = byte((x + y + frame*4) % 256)
		}
	}
	return buf
}
