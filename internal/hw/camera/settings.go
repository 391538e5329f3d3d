package camera

import (
	"fmt"
	"sync"
)

// settings holds the mutable configuration common to every backend.
// Changing the resolution resets the framerate to the default, like the
// Pi camera firmware does, so callers must save and restore both.
type settings struct {
	mu        sync.Mutex
	res       Resolution
	maxRes    Resolution
	framerate float64
	iso       int
	shutter   int
	closed    bool
}

func newSettings(res, maxRes Resolution, framerate float64) settings {
	if framerate <= 0 {
		framerate = DefaultFramerate
	}
	return settings{res: res, maxRes: maxRes, framerate: framerate}
}

func (s *settings) Resolution() Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res
}

func (s *settings) setResolution(r Resolution) error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("camera: invalid resolution %s", r)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.maxRes.IsZero() && (r.Width > s.maxRes.Width || r.Height > s.maxRes.Height) {
		return fmt.Errorf("camera: resolution %s exceeds sensor maximum %s", r, s.maxRes)
	}
	s.res = r
	s.framerate = DefaultFramerate
	return nil
}

func (s *settings) MaxResolution() Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRes
}

func (s *settings) Framerate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.framerate
}

func (s *settings) setFramerate(fps float64) error {
	if fps <= 0 {
		return fmt.Errorf("camera: invalid framerate %g", fps)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.framerate = fps
	return nil
}

func (s *settings) ISO() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iso
}

func (s *settings) setISO(iso int) error {
	if iso < 0 {
		return fmt.Errorf("camera: invalid ISO %d", iso)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iso = iso
	return nil
}

func (s *settings) ShutterSpeed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutter
}

func (s *settings) setShutterSpeed(us int) error {
	if us < 0 {
		return fmt.Errorf("camera: invalid shutter speed %dus", us)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutter = us
	return nil
}

// ExposureSpeed reports the effective exposure: the fixed shutter speed,
// or one frame period in auto mode.
func (s *settings) ExposureSpeed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutter > 0 {
		return s.shutter
	}
	return int(1_000_000 / s.framerate)
}

// AnalogGain approximates the sensor gain from the ISO (ISO 100 = 1x).
func (s *settings) AnalogGain() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.iso == 0 {
		return 1
	}
	return float64(s.iso) / 100
}

func (s *settings) DigitalGain() float64 { return 1 }

func (s *settings) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.closed
	s.closed = true
	return was
}

func (s *settings) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
