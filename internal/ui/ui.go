// Package ui holds the application state and the single goroutine that
// changes it. Touch, keyboard, GPIO and web requests all arrive as events
// on one channel; the loop applies them in order.
package ui

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cjeanneret/TouchCam/internal/debug"
	"github.com/cjeanneret/TouchCam/internal/hw/input"
	"github.com/cjeanneret/TouchCam/internal/logic/exposure"
	"github.com/cjeanneret/TouchCam/internal/logic/still"
)

// ErrBusy is returned when a request cannot run during a capture.
var ErrBusy = errors.New("ui: capture in progress")

// ErrClosed is returned by requests posted after the loop has exited.
var ErrClosed = errors.New("ui: closed")

// Event is a message for the UI loop.
type Event interface{ event() }

// Tap is a touch or click at window coordinates.
type Tap struct{ X, Y int }

// Shoot takes a picture. Reply, when set, receives nil once the capture
// has started or ErrBusy.
type Shoot struct{ Reply chan<- error }

// Step moves an exposure control one or more steps.
type Step struct {
	Control input.Control
	Delta   int
}

// SetExposure selects explicit table values.
type SetExposure struct {
	Shutter, ISO int
	Reply        chan<- error
}

// Close ends the application.
type Close struct{}

// shotDone reports the end of a capture started by the loop.
type shotDone struct {
	res still.Result
	err error
}

func (Tap) event()         {}
func (Shoot) event()       {}
func (Step) event()        {}
func (SetExposure) event() {}
func (Close) event()       {}
func (shotDone) event()    {}

// State is a snapshot of what the user sees.
type State struct {
	Shutter      int    `json:"shutter"`
	ISO          int    `json:"iso"`
	ShutterLabel string `json:"shutter_label"`
	ISOLabel     string `json:"iso_label"`
	Busy         bool   `json:"busy"`
	LastPhoto    string `json:"last_photo,omitempty"`
	Shots        int    `json:"shots"`
	Status       string `json:"status"`
}

// Shooter takes a photo.
type Shooter interface {
	Take(ctx context.Context) (still.Result, error)
}

// Notifier receives user-visible happenings (the web status stream).
type Notifier interface {
	Broadcast(level, msg string)
}

// Loop owns the UI state.
type Loop struct {
	events  chan Event
	exp     *exposure.Controller
	sensor  exposure.Sensor
	shooter Shooter
	layout  Layout
	notify  Notifier

	mu    sync.RWMutex
	state State

	exiting chan struct{} // closed when Run stops taking events
	done    chan struct{} // closed when Run has returned
	quit    chan struct{}
}

// Options configures a Loop.
type Options struct {
	Exposure *exposure.Controller
	Sensor   exposure.Sensor
	Shooter  Shooter
	Layout   Layout
	Notifier Notifier // may be nil
}

// New creates a loop. Run must be called to process events.
func New(opts Options) *Loop {
	l := &Loop{
		events:  make(chan Event, 32),
		exp:     opts.Exposure,
		sensor:  opts.Sensor,
		shooter: opts.Shooter,
		layout:  opts.Layout,
		notify:  opts.Notifier,
		exiting: make(chan struct{}),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
	}
	l.state = State{Status: "ready"}
	l.syncExposureLocked()
	return l
}

// Layout returns the tap zones.
func (l *Loop) Layout() Layout { return l.layout }

// Snapshot returns a copy of the current state.
func (l *Loop) Snapshot() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Quit is closed once the loop stops, after a Close event or cancellation.
func (l *Loop) Quit() <-chan struct{} { return l.quit }

// Tables returns the shutter and ISO step tables.
func (l *Loop) Tables() (shutters, isos []int) {
	return l.exp.ShutterSpeeds(), l.exp.ISOs()
}

// Post queues an event, blocking while the queue is full.
func (l *Loop) Post(ctx context.Context, ev Event) error {
	select {
	case l.events <- ev:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPost queues an event unless the queue is full. It is meant for the
// render goroutine, which must not block.
func (l *Loop) TryPost(ev Event) bool {
	select {
	case l.events <- ev:
		return true
	default:
		debug.Verbose("ui: event queue full, dropped %T", ev)
		return false
	}
}

// Shoot requests a capture and waits until it has started.
func (l *Loop) Shoot(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := l.Post(ctx, Shoot{Reply: reply}); err != nil {
		return err
	}
	return l.wait(ctx, reply)
}

// SetExposure applies explicit table values and waits for the result.
func (l *Loop) SetExposure(ctx context.Context, shutter, iso int) error {
	reply := make(chan error, 1)
	if err := l.Post(ctx, SetExposure{Shutter: shutter, ISO: iso, Reply: reply}); err != nil {
		return err
	}
	return l.wait(ctx, reply)
}

func (l *Loop) wait(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run applies events until ctx is cancelled or a Close event arrives. A
// capture still running at that point is waited for.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	if err := l.exp.Apply(l.sensor); err != nil {
		l.setStatus("exposure: %v", err)
	}

	var captures sync.WaitGroup
	defer func() {
		close(l.quit)
		close(l.exiting)
		captures.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-l.events:
			if l.apply(ctx, ev, &captures) {
				return nil
			}
		}
	}
}

// apply handles one event and reports whether the loop should exit.
func (l *Loop) apply(ctx context.Context, ev Event, captures *sync.WaitGroup) bool {
	switch ev := ev.(type) {
	case Tap:
		hit := l.layout.Hit(ev.X, ev.Y)
		debug.Trace("tap (%d,%d) -> %T", ev.X, ev.Y, hit)
		if hit == nil {
			return false
		}
		return l.apply(ctx, hit, captures)

	case Close:
		debug.Info("Close requested")
		return true

	case Shoot:
		err := l.startShot(ctx, captures)
		if ev.Reply != nil {
			ev.Reply <- err
		}

	case shotDone:
		l.finishShot(ev)

	case Step:
		if l.Snapshot().Busy {
			l.setStatus("busy")
			return false
		}
		var err error
		if ev.Control == input.ControlISO {
			_, err = l.exp.StepISO(l.sensor, ev.Delta)
		} else {
			_, err = l.exp.StepShutter(l.sensor, ev.Delta)
		}
		l.afterExposure(err)

	case SetExposure:
		var err error
		if l.Snapshot().Busy {
			err = ErrBusy
		} else {
			err = l.exp.Set(l.sensor, ev.Shutter, ev.ISO)
			l.afterExposure(err)
		}
		if ev.Reply != nil {
			ev.Reply <- err
		}
	}
	return false
}

func (l *Loop) startShot(ctx context.Context, captures *sync.WaitGroup) error {
	l.mu.Lock()
	if l.state.Busy {
		l.mu.Unlock()
		return ErrBusy
	}
	l.state.Busy = true
	l.state.Status = "capturing..."
	l.mu.Unlock()

	captures.Add(1)
	go func() {
		defer captures.Done()
		res, err := l.shooter.Take(context.WithoutCancel(ctx))
		// The loop may have exited; the result is then only logged.
		select {
		case l.events <- shotDone{res: res, err: err}:
		case <-l.exiting:
			if err != nil {
				debug.Error(err)
			}
		}
	}()
	return nil
}

func (l *Loop) finishShot(ev shotDone) {
	l.mu.Lock()
	l.state.Busy = false
	if ev.err != nil {
		l.state.Status = fmt.Sprintf("capture failed: %v", ev.err)
	} else {
		l.state.Shots++
		l.state.LastPhoto = ev.res.Path
		l.state.Status = "saved " + filepath.Base(ev.res.Path)
	}
	status := l.state.Status
	l.mu.Unlock()

	if ev.err != nil {
		debug.Errorf("capture: %v", ev.err)
		l.broadcast("error", status)
		return
	}
	l.broadcast("shot", ev.res.Path)
}

func (l *Loop) afterExposure(err error) {
	l.mu.Lock()
	l.syncExposureLocked()
	if err != nil {
		l.state.Status = err.Error()
	} else {
		l.state.Status = l.state.ShutterLabel + "  " + l.state.ISOLabel
	}
	status := l.state.Status
	l.mu.Unlock()

	if err != nil {
		debug.Errorf("exposure: %v", err)
		return
	}
	l.broadcast("exposure", status)
}

func (l *Loop) syncExposureLocked() {
	l.state.Shutter = l.exp.Shutter()
	l.state.ISO = l.exp.ISO()
	l.state.ShutterLabel = exposure.ShutterLabel(l.state.Shutter)
	l.state.ISOLabel = exposure.ISOLabel(l.state.ISO)
}

func (l *Loop) setStatus(format string, args ...interface{}) {
	l.mu.Lock()
	l.state.Status = fmt.Sprintf(format, args...)
	l.mu.Unlock()
}

func (l *Loop) broadcast(level, msg string) {
	if l.notify != nil {
		l.notify.Broadcast(level, msg)
	}
}
