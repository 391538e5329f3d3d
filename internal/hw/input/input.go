// Package input reads the shutter button and the two rotary encoders
// through a GPIO driver and turns them into events.
package input

import (
	"context"
	"fmt"
	"time"

	"github.com/cjeanneret/TouchCam/internal/debug"
	"github.com/cjeanneret/TouchCam/internal/hw/gpio"
)

// Control identifies an adjustable exposure setting.
type Control int

const (
	ControlShutter Control = iota
	ControlISO
)

func (c Control) String() string {
	if c == ControlISO {
		return "iso"
	}
	return "shutter"
}

// Kind is the type of a physical input event.
type Kind int

const (
	KindShoot Kind = iota
	KindStep
)

// Event is one physical input action.
type Event struct {
	Kind    Kind
	Control Control // KindStep only
	Delta   int     // +1 or -1, KindStep only
}

// Config lists the BCM pins and timings.
type Config struct {
	ButtonPin    int
	ShutterPinA  int
	ShutterPinB  int
	ISOPinA      int
	ISOPinB      int
	PollInterval time.Duration
	Debounce     time.Duration
}

// Encoder decodes one quadrature encoder from its two contacts. Every
// change on A is one detent: +1 when A and B differ afterwards, -1 when
// they match.
type Encoder struct {
	PinA, PinB int
	lastA      gpio.Level
	primed     bool
}

// Update feeds the current contact levels and returns the step, if any.
func (e *Encoder) Update(a, b gpio.Level) int {
	if !e.primed {
		e.primed = true
		e.lastA = a
		return 0
	}
	if a == e.lastA {
		return 0
	}
	e.lastA = a
	if a != b {
		return 1
	}
	return -1
}

// Button debounces an active-low push button wired to ground.
type Button struct {
	Pin       int
	Debounce  time.Duration
	stable    gpio.Level
	candidate gpio.Level
	since     time.Time
	primed    bool
}

// Update feeds the current level and reports a debounced press.
func (b *Button) Update(level gpio.Level, now time.Time) bool {
	if !b.primed {
		b.primed = true
		b.stable, b.candidate, b.since = level, level, now
		return false
	}
	if level != b.candidate {
		b.candidate = level
		b.since = now
	}
	if b.candidate == b.stable || now.Sub(b.since) < b.Debounce {
		return false
	}
	b.stable = b.candidate
	return b.stable == gpio.Low
}

// Poller samples the pins at a fixed interval.
type Poller struct {
	drv     gpio.Driver
	cfg     Config
	button  Button
	shutter Encoder
	iso     Encoder
}

// NewPoller configures the pins as pulled-up inputs.
func NewPoller(drv gpio.Driver, cfg Config) (*Poller, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Millisecond
	}
	for _, pin := range []int{cfg.ButtonPin, cfg.ShutterPinA, cfg.ShutterPinB, cfg.ISOPinA, cfg.ISOPinB} {
		if pin <= 0 {
			continue
		}
		if err := drv.SetupPin(pin, gpio.InputPullUp); err != nil {
			return nil, fmt.Errorf("setup input pin %d: %w", pin, err)
		}
	}
	debug.Verbose("Input: button=%d shutter=%d/%d iso=%d/%d", cfg.ButtonPin,
		cfg.ShutterPinA, cfg.ShutterPinB, cfg.ISOPinA, cfg.ISOPinB)
	return &Poller{
		drv:     drv,
		cfg:     cfg,
		button:  Button{Pin: cfg.ButtonPin, Debounce: cfg.Debounce},
		shutter: Encoder{PinA: cfg.ShutterPinA, PinB: cfg.ShutterPinB},
		iso:     Encoder{PinA: cfg.ISOPinA, PinB: cfg.ISOPinB},
	}, nil
}

// Poll samples every pin once and returns the resulting events.
func (p *Poller) Poll(now time.Time) ([]Event, error) {
	var events []Event

	if p.button.Pin > 0 {
		level, err := p.drv.ReadPin(p.button.Pin)
		if err != nil {
			return nil, fmt.Errorf("read button: %w", err)
		}
		if p.button.Update(level, now) {
			events = append(events, Event{Kind: KindShoot})
		}
	}

	for _, enc := range []struct {
		e *Encoder
		c Control
	}{{&p.shutter, ControlShutter}, {&p.iso, ControlISO}} {
		if enc.e.PinA <= 0 {
			continue
		}
		a, err := p.drv.ReadPin(enc.e.PinA)
		if err != nil {
			return events, fmt.Errorf("read %s encoder: %w", enc.c, err)
		}
		b, err := p.drv.ReadPin(enc.e.PinB)
		if err != nil {
			return events, fmt.Errorf("read %s encoder: %w", enc.c, err)
		}
		if d := enc.e.Update(a, b); d != 0 {
			events = append(events, Event{Kind: KindStep, Control: enc.c, Delta: d})
		}
	}
	return events, nil
}

// Run polls until ctx is cancelled, handing each event to emit. emit may
// block; sampling pauses meanwhile.
func (p *Poller) Run(ctx context.Context, emit func(context.Context, Event) error) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	var lastErr string
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			events, err := p.Poll(now)
			if err != nil {
				// Log each distinct error once instead of at the poll rate.
				if err.Error() != lastErr {
					debug.Errorf("input: %v", err)
					lastErr = err.Error()
				}
			} else {
				lastErr = ""
			}
			for _, ev := range events {
				debug.Live("input event: %+v", ev)
				if err := emit(ctx, ev); err != nil {
					return nil
				}
			}
		}
	}
}
