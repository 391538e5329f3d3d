// Package still takes full-resolution photos while the preview is running.
package still

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/TouchCam/internal/debug"
	"github.com/cjeanneret/TouchCam/internal/hw/camera"
)

// ErrBusy is returned when a capture is already in progress.
var ErrBusy = errors.New("still: capture already in progress")

// Preview is the pause/resume handshake of the preview loop.
type Preview interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// Store persists photos.
type Store interface {
	CheckSpace() error
	Save(data []byte) (string, error)
}

// Config tunes the capture.
type Config struct {
	Quality      int           // JPEG quality for sensors delivering raw frames
	PauseTimeout time.Duration // bound on each preview handshake
}

// Result describes a completed capture.
type Result struct {
	Path        string
	Resolution  camera.Resolution
	ExposureUS  int
	AnalogGain  float64
	DigitalGain float64
	Bytes       int
	Took        time.Duration
}

// Shooter runs the still capture sequence: pause the preview, switch the
// sensor to full resolution, capture, save, restore, resume.
type Shooter struct {
	sensor  camera.Sensor
	preview Preview
	store   Store
	cfg     Config
	busy    atomic.Bool
}

// New creates a Shooter.
func New(sensor camera.Sensor, preview Preview, store Store, cfg Config) *Shooter {
	if cfg.Quality <= 0 {
		cfg.Quality = 90
	}
	if cfg.PauseTimeout <= 0 {
		cfg.PauseTimeout = 2 * time.Second
	}
	return &Shooter{sensor: sensor, preview: preview, store: store, cfg: cfg}
}

// Busy reports whether a capture is in progress.
func (s *Shooter) Busy() bool { return s.busy.Load() }

// Take captures one photo. Whatever happens after the preview has been
// paused, the previous resolution and framerate are restored and the
// preview is resumed before Take returns. A failed save is reported in
// the returned error but leaves the camera usable.
func (s *Shooter) Take(ctx context.Context) (res Result, err error) {
	if !s.busy.CompareAndSwap(false, true) {
		return Result{}, ErrBusy
	}
	defer s.busy.Store(false)
	start := time.Now()

	if err := s.store.CheckSpace(); err != nil {
		return Result{}, err
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.PauseTimeout)
	err = s.preview.Pause(pctx)
	cancel()
	if err != nil {
		return Result{}, fmt.Errorf("pause preview: %w", err)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PauseTimeout)
		defer cancel()
		if rerr := s.preview.Resume(rctx); rerr != nil {
			debug.Errorf("resume preview: %v", rerr)
			err = errors.Join(err, fmt.Errorf("resume preview: %w", rerr))
		}
	}()

	prevRes := s.sensor.Resolution()
	prevFPS := s.sensor.Framerate()
	defer func() {
		if rerr := s.restore(prevRes, prevFPS); rerr != nil {
			debug.Errorf("%v", rerr)
			err = errors.Join(err, rerr)
		}
	}()

	maxRes := s.sensor.MaxResolution()
	debug.Verbose("Still: %s -> %s (framerate %g)", prevRes, maxRes, prevFPS)
	if err := s.sensor.SetResolution(maxRes); err != nil {
		return Result{}, fmt.Errorf("set max resolution: %w", err)
	}
	// Keep a slow-shutter framerate across the resolution switch.
	if s.sensor.Framerate() != prevFPS {
		if err := s.sensor.SetFramerate(prevFPS); err != nil {
			return Result{}, fmt.Errorf("set framerate: %w", err)
		}
	}

	frame, err := s.sensor.Capture(ctx, camera.ModeStill)
	if err != nil {
		return Result{}, fmt.Errorf("capture: %w", err)
	}
	res = Result{
		Resolution:  camera.Resolution{Width: frame.Width, Height: frame.Height},
		ExposureUS:  s.sensor.ExposureSpeed(),
		AnalogGain:  s.sensor.AnalogGain(),
		DigitalGain: s.sensor.DigitalGain(),
	}

	data, err := camera.EncodeJPEG(frame, s.cfg.Quality)
	if err != nil {
		debug.Errorf("encode photo: %v", err)
		return res, fmt.Errorf("encode photo: %w", err)
	}
	res.Bytes = len(data)

	path, err := s.store.Save(data)
	if err != nil {
		debug.Errorf("save photo: %v", err)
		return res, fmt.Errorf("save photo: %w", err)
	}
	res.Path = path
	res.Took = time.Since(start)
	debug.Shot(path)
	debug.Verbose("Still: %s, %d bytes, exposure %dus, gain %.2f/%.2f, %v",
		res.Resolution, res.Bytes, res.ExposureUS, res.AnalogGain, res.DigitalGain, res.Took)
	return res, nil
}

// restore puts back resolution and framerate, in that order since a
// resolution change resets the framerate.
func (s *Shooter) restore(r camera.Resolution, fps float64) error {
	var errs []error
	if err := s.sensor.SetResolution(r); err != nil {
		errs = append(errs, fmt.Errorf("restore resolution %s: %w", r, err))
	}
	if err := s.sensor.SetFramerate(fps); err != nil {
		errs = append(errs, fmt.Errorf("restore framerate %g: %w", fps, err))
	}
	return errors.Join(errs...)
}
