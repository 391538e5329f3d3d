// Package preview runs the live preview capture loop.
//
// The loop owns the sensor while it is Running. Other code that needs the
// sensor (the still capture) calls Pause, which returns only once the loop
// has acknowledged that no capture call is in flight, and Resume when done.
// Commands travel over a channel and are handled between captures; an
// in-flight capture is never interrupted.
package preview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cjeanneret/TouchCam/internal/debug"
	"github.com/cjeanneret/TouchCam/internal/hw/camera"
	"github.com/cjeanneret/TouchCam/internal/logic/framebuf"
)

// ErrStopped is returned by commands sent to a loop that has exited.
var ErrStopped = errors.New("preview: loop stopped")

var errStreamEnded = errors.New("preview: stream ended")

// State is the capture loop state.
type State int32

const (
	StateRunning State = iota
	StatePausePending
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePausePending:
		return "pause-pending"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Config tunes the loop.
type Config struct {
	// Continuous consumes Sensor.CaptureContinuous instead of repeated
	// single captures.
	Continuous bool
	// ErrorBackoff is the wait after a failed capture.
	ErrorBackoff time.Duration
}

type cmdKind int

const (
	cmdPause cmdKind = iota
	cmdResume
	cmdStop
)

// command is one request to the loop. A pause whose caller gave up
// before the acknowledgement is marked abandoned and not applied.
type command struct {
	kind  cmdKind
	reply chan struct{}

	mu        sync.Mutex
	acked     bool
	abandoned bool
}

// ack closes the reply channel unless the caller has abandoned the
// command. It reports whether the command should take effect.
func (c *command) ack() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.abandoned {
		return false
	}
	c.acked = true
	close(c.reply)
	return true
}

// abandon marks the command as given up. It reports false when the loop
// has already acknowledged it, in which case the command did take effect.
func (c *command) abandon() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acked {
		return false
	}
	c.abandoned = true
	return true
}

// Loop keeps a frame buffer fed from a sensor.
type Loop struct {
	sensor camera.Sensor
	buf    *framebuf.Buffer
	cfg    Config

	cmds  chan *command
	done  chan struct{}
	state atomic.Int32

	frames   atomic.Uint64
	dropped  atomic.Uint64
	failures atomic.Uint64
	started  atomic.Bool
}

// New creates a loop publishing into buf. Call Run to start it.
func New(sensor camera.Sensor, buf *framebuf.Buffer, cfg Config) *Loop {
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 500 * time.Millisecond
	}
	return &Loop{
		sensor: sensor,
		buf:    buf,
		cfg:    cfg,
		cmds:   make(chan *command),
		done:   make(chan struct{}),
	}
}

// State returns the current loop state.
func (l *Loop) State() State { return State(l.state.Load()) }

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Frames returns the number of frames published.
func (l *Loop) Frames() uint64 { return l.frames.Load() }

// Dropped returns the number of frames that could not be published.
func (l *Loop) Dropped() uint64 { return l.dropped.Load() }

// Errors returns the number of failed captures.
func (l *Loop) Errors() uint64 { return l.failures.Load() }

// Run captures frames until Stop is called or ctx is cancelled. It must
// be called exactly once.
func (l *Loop) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errors.New("preview: Run called twice")
	}
	defer close(l.done)
	defer l.state.Store(int32(StateStopped))

	debug.Verbose("Preview loop started (continuous=%v)", l.cfg.Continuous)
	for {
		var cmd *command
		var err error

		switch l.State() {
		case StatePaused:
			select {
			case cmd = <-l.cmds:
			case <-ctx.Done():
				return nil
			}
		default:
			if l.cfg.Continuous {
				cmd, err = l.stream(ctx)
			} else {
				cmd, err = l.captureOnce(ctx)
			}
		}

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			l.failures.Add(1)
			debug.Errorf("preview capture: %v", err)
			if cmd == nil {
				cmd = l.backoff(ctx)
			}
		}
		if cmd != nil && l.handle(cmd) {
			debug.Verbose("Preview loop stopped after %d frames", l.Frames())
			return nil
		}
	}
}

// captureOnce takes one frame unless a command is already waiting.
func (l *Loop) captureOnce(ctx context.Context) (*command, error) {
	select {
	case cmd := <-l.cmds:
		return cmd, nil
	case <-ctx.Done():
		return nil, nil
	default:
	}

	f, err := l.sensor.Capture(ctx, camera.ModeVideo)
	if err != nil {
		return nil, err
	}
	l.publish(f)
	return nil, nil
}

// stream consumes the continuous capture until a command arrives. The
// stream is cancelled and drained before returning, so the sensor is
// idle when the command is handled.
func (l *Loop) stream(ctx context.Context) (*command, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames, err := l.sensor.CaptureContinuous(sctx, camera.ModeVideo)
	if err != nil {
		return nil, err
	}
	drain := func() {
		cancel()
		for range frames {
		}
	}

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return nil, errStreamEnded
			}
			l.publish(f)
		case cmd := <-l.cmds:
			drain()
			return cmd, nil
		case <-ctx.Done():
			drain()
			return nil, nil
		}
	}
}

// backoff waits after an error, returning early for a command.
func (l *Loop) backoff(ctx context.Context) *command {
	t := time.NewTimer(l.cfg.ErrorBackoff)
	defer t.Stop()
	select {
	case cmd := <-l.cmds:
		return cmd
	case <-t.C:
	case <-ctx.Done():
	}
	return nil
}

// handle applies a command and reports whether the loop should exit.
func (l *Loop) handle(cmd *command) bool {
	switch cmd.kind {
	case cmdPause:
		if cmd.ack() {
			l.state.Store(int32(StatePaused))
			debug.Live("Preview paused")
		} else {
			l.state.CompareAndSwap(int32(StatePausePending), int32(StateRunning))
		}
	case cmdResume:
		l.state.Store(int32(StateRunning))
		cmd.ack()
		debug.Live("Preview resumed")
	case cmdStop:
		l.state.Store(int32(StateStopped))
		cmd.ack()
		return true
	}
	return false
}

func (l *Loop) publish(f camera.Frame) {
	w, h := l.buf.Dimensions()
	data, err := camera.ToRGB(f, camera.Resolution{Width: w, Height: h})
	if err == nil {
		err = l.buf.Write(data)
	}
	if err != nil {
		l.dropped.Add(1)
		debug.Verbose("preview frame dropped: %v", err)
		return
	}
	n := l.frames.Add(1)
	if n%300 == 0 {
		debug.Trace("preview: %d frames, %d dropped, %d errors", n, l.Dropped(), l.Errors())
	}
}

// send delivers a command and waits for its acknowledgement.
func (l *Loop) send(ctx context.Context, kind cmdKind) error {
	cmd := &command{kind: kind, reply: make(chan struct{})}
	select {
	case l.cmds <- cmd:
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-cmd.reply:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		if !cmd.abandon() {
			return nil
		}
		return ctx.Err()
	}
}

// Pause asks the loop to stop capturing and waits until it has. When it
// returns nil the sensor is free until Resume. When ctx ends first the
// pause is abandoned and the loop keeps running.
func (l *Loop) Pause(ctx context.Context) error {
	l.state.CompareAndSwap(int32(StateRunning), int32(StatePausePending))
	err := l.send(ctx, cmdPause)
	if err != nil {
		l.state.CompareAndSwap(int32(StatePausePending), int32(StateRunning))
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("preview: pause not acknowledged: %w", err)
		}
	}
	return err
}

// Resume restarts capturing after Pause.
func (l *Loop) Resume(ctx context.Context) error {
	return l.send(ctx, cmdResume)
}

// Stop ends the loop and waits for Run to return.
func (l *Loop) Stop(ctx context.Context) error {
	err := l.send(ctx, cmdStop)
	if errors.Is(err, ErrStopped) {
		return nil
	}
	if err != nil {
		return err
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
