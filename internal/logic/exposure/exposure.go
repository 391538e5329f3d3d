// Package exposure maps the shutter and ISO steps picked by the user onto
// sensor settings.
//
// Shutter speeds are denominators: 125 means 1/125 s. Zero selects auto
// for both shutter and ISO.
package exposure

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/cjeanneret/TouchCam/internal/debug"
	"github.com/cjeanneret/TouchCam/internal/hw/camera"
)

// DefaultSlowLimit is the slowest denominator that still works at the
// current framerate. Longer exposures need the framerate lowered first.
const DefaultSlowLimit = 30

// ErrNotInTable is returned when a value is not one of the configured steps.
var ErrNotInTable = errors.New("exposure: value not in step table")

// Sensor is the part of camera.Sensor touched by exposure changes.
type Sensor interface {
	SetFramerate(fps float64) error
	SetShutterSpeed(us int) error
	SetISO(iso int) error
}

// Micros converts a shutter denominator to microseconds.
func Micros(denominator int) int {
	return int(math.Round(1_000_000 / float64(denominator)))
}

// ApplyShutter configures the sensor for shutter denominator v.
// v == 0 restores auto (shutter cleared, default framerate). For
// v <= slowLimit the framerate is set to v before the shutter speed.
func ApplyShutter(s Sensor, v, slowLimit int) error {
	if v < 0 {
		return fmt.Errorf("exposure: invalid shutter speed 1/%d", v)
	}
	if v == 0 {
		if err := s.SetShutterSpeed(0); err != nil {
			return fmt.Errorf("set auto shutter: %w", err)
		}
		if err := s.SetFramerate(camera.DefaultFramerate); err != nil {
			return fmt.Errorf("reset framerate: %w", err)
		}
		return nil
	}
	if v <= slowLimit {
		if err := s.SetFramerate(float64(v)); err != nil {
			return fmt.Errorf("set framerate %d: %w", v, err)
		}
	}
	if err := s.SetShutterSpeed(Micros(v)); err != nil {
		return fmt.Errorf("set shutter 1/%d: %w", v, err)
	}
	return nil
}

// ApplyISO sets the sensor ISO; 0 is passed through as auto.
func ApplyISO(s Sensor, iso int) error {
	if iso < 0 {
		return fmt.Errorf("exposure: invalid ISO %d", iso)
	}
	if err := s.SetISO(iso); err != nil {
		return fmt.Errorf("set ISO %d: %w", iso, err)
	}
	return nil
}

// ShutterLabel renders a shutter denominator for display.
func ShutterLabel(v int) string {
	switch {
	case v == 0:
		return "auto"
	case v == 1:
		return "1s"
	default:
		return fmt.Sprintf("1/%d", v)
	}
}

// ISOLabel renders an ISO value for display.
func ISOLabel(iso int) string {
	if iso == 0 {
		return "ISO auto"
	}
	return fmt.Sprintf("ISO %d", iso)
}

// Controller tracks the selected position in the shutter and ISO step
// tables. It is not safe for concurrent use; the UI loop owns it.
type Controller struct {
	shutters  []int
	isos      []int
	slowLimit int
	shutter   int // index into shutters
	iso       int // index into isos
}

// NewController starts at the first entry of each table (auto in the
// default tables).
func NewController(shutters, isos []int, slowLimit int) (*Controller, error) {
	if len(shutters) == 0 || len(isos) == 0 {
		return nil, errors.New("exposure: empty step table")
	}
	if slowLimit <= 0 {
		slowLimit = DefaultSlowLimit
	}
	return &Controller{
		shutters:  slices.Clone(shutters),
		isos:      slices.Clone(isos),
		slowLimit: slowLimit,
	}, nil
}

// Shutter returns the selected shutter denominator.
func (c *Controller) Shutter() int { return c.shutters[c.shutter] }

// ISO returns the selected ISO.
func (c *Controller) ISO() int { return c.isos[c.iso] }

// ShutterSpeeds returns a copy of the shutter table.
func (c *Controller) ShutterSpeeds() []int { return slices.Clone(c.shutters) }

// ISOs returns a copy of the ISO table.
func (c *Controller) ISOs() []int { return slices.Clone(c.isos) }

// StepShutter moves the shutter selection by delta, clamped to the table,
// and applies it. It reports whether the selection changed.
func (c *Controller) StepShutter(s Sensor, delta int) (bool, error) {
	next := clamp(c.shutter+delta, len(c.shutters))
	if next == c.shutter {
		return false, nil
	}
	if err := ApplyShutter(s, c.shutters[next], c.slowLimit); err != nil {
		return false, err
	}
	c.shutter = next
	debug.Exposure(c.Shutter(), c.ISO())
	return true, nil
}

// StepISO moves the ISO selection by delta, clamped to the table, and applies it.
func (c *Controller) StepISO(s Sensor, delta int) (bool, error) {
	next := clamp(c.iso+delta, len(c.isos))
	if next == c.iso {
		return false, nil
	}
	if err := ApplyISO(s, c.isos[next]); err != nil {
		return false, err
	}
	c.iso = next
	debug.Exposure(c.Shutter(), c.ISO())
	return true, nil
}

// Set selects and applies explicit table values.
func (c *Controller) Set(s Sensor, shutter, iso int) error {
	si := slices.Index(c.shutters, shutter)
	if si < 0 {
		return fmt.Errorf("%w: shutter 1/%d", ErrNotInTable, shutter)
	}
	ii := slices.Index(c.isos, iso)
	if ii < 0 {
		return fmt.Errorf("%w: ISO %d", ErrNotInTable, iso)
	}
	if err := ApplyShutter(s, shutter, c.slowLimit); err != nil {
		return err
	}
	c.shutter = si
	if err := ApplyISO(s, iso); err != nil {
		return err
	}
	c.iso = ii
	debug.Exposure(shutter, iso)
	return nil
}

// Apply pushes the current selection to the sensor, e.g. at startup.
func (c *Controller) Apply(s Sensor) error {
	if err := ApplyShutter(s, c.Shutter(), c.slowLimit); err != nil {
		return err
	}
	return ApplyISO(s, c.ISO())
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
