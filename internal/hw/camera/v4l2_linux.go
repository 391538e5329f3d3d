//go:build linux

package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blackjack/webcam"

	"github.com/cjeanneret/TouchCam/internal/debug"
)

// V4L2 pixel format and control IDs (linux/videodev2.h).
const (
	pixFmtMJPEG webcam.PixelFormat = 0x47504A4D // 'MJPG'

	cidExposureAuto       webcam.ControlID = 0x009a0901
	cidExposureAbsolute   webcam.ControlID = 0x009a0902 // 100us units
	cidISOSensitivity     webcam.ControlID = 0x009a0917
	cidISOSensitivityAuto webcam.ControlID = 0x009a0918
)

const (
	exposureManual       = 1
	exposureAperturePrio = 3
	isoSensitivityManual = 0
	isoSensitivityAuto   = 1

	v4l2FrameTimeout = 2 // seconds
)

// V4L2Config configures the V4L2 backend.
type V4L2Config struct {
	Device    string
	Preview   Resolution
	Max       Resolution
	Framerate float64
}

// V4L2 drives a UVC or bcm2835 V4L2 device through blackjack/webcam.
// Frames are requested as MJPEG. The stream is restarted whenever the
// resolution changes.
type V4L2 struct {
	settings
	device string

	mu        sync.Mutex // serialises device access
	cam       *webcam.Webcam
	streaming Resolution
}

// NewV4L2 opens the device and checks that it can deliver MJPEG.
func NewV4L2(cfg V4L2Config) (*V4L2, error) {
	cam, err := webcam.Open(cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}
	if _, ok := cam.GetSupportedFormats()[pixFmtMJPEG]; !ok {
		cam.Close()
		return nil, fmt.Errorf("%s: MJPEG not supported: %w", cfg.Device, ErrUnsupported)
	}

	maxRes := cfg.Max
	if maxRes.IsZero() {
		for _, fs := range cam.GetSupportedFrameSizes(pixFmtMJPEG) {
			if int(fs.MaxWidth) > maxRes.Width || int(fs.MaxHeight) > maxRes.Height {
				maxRes = Resolution{Width: int(fs.MaxWidth), Height: int(fs.MaxHeight)}
			}
		}
	}
	debug.Info("Using V4L2 camera %s (max %s)", cfg.Device, maxRes)

	return &V4L2{
		settings: newSettings(cfg.Preview, maxRes, cfg.Framerate),
		device:   cfg.Device,
		cam:      cam,
	}, nil
}

// ensureStreamingLocked (re)configures the device for the current resolution.
func (v *V4L2) ensureStreamingLocked() error {
	want := v.Resolution()
	if v.streaming == want {
		return nil
	}
	if !v.streaming.IsZero() {
		if err := v.cam.StopStreaming(); err != nil {
			return fmt.Errorf("stop streaming: %w", err)
		}
		v.streaming = Resolution{}
	}
	_, w, h, err := v.cam.SetImageFormat(pixFmtMJPEG, uint32(want.Width), uint32(want.Height))
	if err != nil {
		return fmt.Errorf("set format %s: %w", want, err)
	}
	if int(w) != want.Width || int(h) != want.Height {
		debug.Verbose("V4L2: requested %s, device chose %dx%d", want, w, h)
	}
	if err := v.cam.SetBufferCount(4); err != nil {
		return fmt.Errorf("set buffer count: %w", err)
	}
	if err := v.cam.StartStreaming(); err != nil {
		return fmt.Errorf("start streaming: %w", err)
	}
	v.streaming = want
	return nil
}

func (v *V4L2) Capture(ctx context.Context, mode Mode) (Frame, error) {
	if v.isClosed() {
		return Frame{}, ErrClosed
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ensureStreamingLocked(); err != nil {
		return Frame{}, err
	}
	// Drop the buffered frame after a reconfiguration or a long exposure.
	skip := 0
	if mode == ModeStill {
		skip = 1
	}
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		err := v.cam.WaitForFrame(v4l2FrameTimeout)
		switch err.(type) {
		case nil:
		case *webcam.Timeout:
			debug.Trace("V4L2: frame timeout")
			continue
		default:
			return Frame{}, fmt.Errorf("wait for frame: %w", err)
		}

		data, index, err := v.cam.GetFrame()
		if err != nil {
			return Frame{}, fmt.Errorf("get frame: %w", err)
		}
		if len(data) == 0 || skip > 0 {
			skip--
			v.cam.ReleaseFrame(index)
			continue
		}
		buf := append([]byte(nil), data...)
		v.cam.ReleaseFrame(index)
		return Frame{
			Data:       buf,
			Width:      v.streaming.Width,
			Height:     v.streaming.Height,
			Format:     FormatJPEG,
			CapturedAt: time.Now(),
		}, nil
	}
}

func (v *V4L2) CaptureContinuous(ctx context.Context, mode Mode) (<-chan Frame, error) {
	if v.isClosed() {
		return nil, ErrClosed
	}
	return streamFrames(ctx, mode, v.Capture), nil
}

func (v *V4L2) SetResolution(r Resolution) error { return v.setResolution(r) }

// SetFramerate only records the value; V4L2 devices pace themselves and
// the exposure time is set directly.
func (v *V4L2) SetFramerate(fps float64) error { return v.setFramerate(fps) }

func (v *V4L2) SetISO(iso int) error {
	if err := v.setISO(iso); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if iso == 0 {
		return v.setControlLocked(cidISOSensitivityAuto, isoSensitivityAuto)
	}
	if err := v.setControlLocked(cidISOSensitivityAuto, isoSensitivityManual); err != nil {
		return err
	}
	return v.setControlLocked(cidISOSensitivity, int32(iso))
}

func (v *V4L2) SetShutterSpeed(us int) error {
	if err := v.setShutterSpeed(us); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if us == 0 {
		return v.setControlLocked(cidExposureAuto, exposureAperturePrio)
	}
	if err := v.setControlLocked(cidExposureAuto, exposureManual); err != nil {
		return err
	}
	units := us / 100
	if units < 1 {
		units = 1
	}
	return v.setControlLocked(cidExposureAbsolute, int32(units))
}

// setControlLocked writes a control. Devices that lack it report an error
// which is logged and ignored, since most UVC webcams have no ISO control.
func (v *V4L2) setControlLocked(id webcam.ControlID, value int32) error {
	if err := v.cam.SetControl(id, value); err != nil {
		debug.Verbose("V4L2: control 0x%08x=%d not applied: %v", uint32(id), value, err)
	}
	return nil
}

func (v *V4L2) Close() error {
	if v.markClosed() {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.streaming.IsZero() {
		v.cam.StopStreaming()
	}
	return v.cam.Close()
}
