package ui

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/TouchCam/internal/config"
	"github.com/cjeanneret/TouchCam/internal/hw/camera"
	"github.com/cjeanneret/TouchCam/internal/hw/input"
	"github.com/cjeanneret/TouchCam/internal/logic/exposure"
	"github.com/cjeanneret/TouchCam/internal/logic/still"
)

var testLayout = Layout{Width: 800, Height: 480, CloseZone: 40, Margin: 200}

func TestLayout_Hit(t *testing.T) {
	tests := []struct {
		name string
		x, y int
		want Event
	}{
		{"close corner", 790, 10, Close{}},
		{"close zone edge", 760, 39, Close{}},
		{"right column below close zone", 790, 40, Step{Control: input.ControlISO, Delta: 1}},
		{"centre shoots", 400, 240, Shoot{}},
		{"centre left edge", 200, 10, Shoot{}},
		{"left upper", 10, 10, Step{Control: input.ControlShutter, Delta: 1}},
		{"left lower", 199, 400, Step{Control: input.ControlShutter, Delta: -1}},
		{"right upper", 600, 100, Step{Control: input.ControlISO, Delta: 1}},
		{"right lower", 700, 479, Step{Control: input.ControlISO, Delta: -1}},
		{"outside", 800, 10, nil},
		{"negative", -1, 10, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := testLayout.Hit(tt.x, tt.y); got != tt.want {
				t.Errorf("Hit(%d,%d) = %#v, want %#v", tt.x, tt.y, got, tt.want)
			}
		})
	}
}

func TestLayout_NarrowWindowHasNoShootZone(t *testing.T) {
	l := Layout{Width: 300, Height: 200, Margin: 200}
	if got := l.Hit(10, 10); got != (Step{Control: input.ControlShutter, Delta: 1}) {
		t.Errorf("left = %#v", got)
	}
	if got := l.Hit(290, 150); got != (Step{Control: input.ControlISO, Delta: -1}) {
		t.Errorf("right = %#v", got)
	}
}

func TestFit(t *testing.T) {
	tests := []struct {
		name                       string
		sw, sh, dw, dh             int
		wantX, wantY, wantW, wantH int
	}{
		{"same size", 800, 480, 800, 480, 0, 0, 800, 480},
		{"pillarbox", 640, 480, 800, 480, 80, 0, 640, 480},
		{"letterbox", 1600, 480, 800, 480, 0, 120, 800, 240},
		{"upscale", 400, 240, 800, 480, 0, 0, 800, 480},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, y, w, h, _ := Fit(tt.sw, tt.sh, tt.dw, tt.dh)
			if x != tt.wantX || y != tt.wantY || w != tt.wantW || h != tt.wantH {
				t.Errorf("Fit = %d,%d %dx%d, want %d,%d %dx%d", x, y, w, h, tt.wantX, tt.wantY, tt.wantW, tt.wantH)
			}
		})
	}
	if _, _, w, h, s := Fit(0, 0, 800, 480); w != 0 || h != 0 || s != 0 {
		t.Error("empty source should fit to nothing")
	}
}

// fakeShooter blocks each Take until released.
type fakeShooter struct {
	mu      sync.Mutex
	takes   int
	release chan struct{}
	err     error
}

func (f *fakeShooter) Take(ctx context.Context) (still.Result, error) {
	f.mu.Lock()
	f.takes++
	n := f.takes
	f.mu.Unlock()
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return still.Result{}, f.err
	}
	return still.Result{Path: "/photos/RPCAM" + string(rune('0'+n)) + ".jpg"}, nil
}

func (f *fakeShooter) Takes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.takes
}

// recordingNotifier records broadcasts.
type recordingNotifier struct {
	mu     sync.Mutex
	levels []string
}

func (r *recordingNotifier) Broadcast(level, msg string) {
	r.mu.Lock()
	r.levels = append(r.levels, level)
	r.mu.Unlock()
}

type harness struct {
	loop    *Loop
	sensor  *camera.Mock
	shooter *fakeShooter
	notify  *recordingNotifier
	cancel  context.CancelFunc
	errc    chan error
}

func newHarness(t *testing.T, shooter *fakeShooter) *harness {
	t.Helper()
	exp, err := exposure.NewController(config.DefaultShutterSpeeds, config.DefaultISOs, 30)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		sensor:  camera.NewMock(camera.MockConfig{Preview: camera.Resolution{Width: 8, Height: 6}}),
		shooter: shooter,
		notify:  &recordingNotifier{},
		errc:    make(chan error, 1),
	}
	h.loop = New(Options{
		Exposure: exp,
		Sensor:   h.sensor,
		Shooter:  shooter,
		Layout:   testLayout,
		Notifier: h.notify,
	})
	var ctx context.Context
	ctx, h.cancel = context.WithCancel(context.Background())
	go func() { h.errc <- h.loop.Run(ctx) }()
	t.Cleanup(func() {
		h.cancel()
		if err := <-h.errc; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	return h
}

func waitState(t *testing.T, l *Loop, what string, cond func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		s := l.Snapshot()
		if cond(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s (state %+v)", what, s)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestLoop_InitialState(t *testing.T) {
	h := newHarness(t, &fakeShooter{})
	s := h.loop.Snapshot()
	if s.Shutter != 0 || s.ISO != 0 || s.ShutterLabel != "auto" || s.ISOLabel != "ISO auto" {
		t.Errorf("initial state = %+v", s)
	}
	shutters, isos := h.loop.Tables()
	if len(shutters) != len(config.DefaultShutterSpeeds) || len(isos) != len(config.DefaultISOs) {
		t.Errorf("Tables() = %v %v", shutters, isos)
	}
}

func TestLoop_TapStepsExposure(t *testing.T) {
	h := newHarness(t, &fakeShooter{})
	ctx := context.Background()

	h.loop.Post(ctx, Tap{X: 10, Y: 10})  // shutter +1 -> 1s
	h.loop.Post(ctx, Tap{X: 10, Y: 10})  // shutter +1 -> 1/2
	h.loop.Post(ctx, Tap{X: 700, Y: 10}) // iso +1 -> 100
	s := waitState(t, h.loop, "iso 100", func(s State) bool { return s.ISO == 100 })
	if s.Shutter != 2 {
		t.Errorf("Shutter = %d, want 2", s.Shutter)
	}
	if h.sensor.ShutterSpeed() != 500000 || h.sensor.Framerate() != 2 {
		t.Errorf("sensor shutter=%dus fps=%g", h.sensor.ShutterSpeed(), h.sensor.Framerate())
	}
	if h.sensor.ISO() != 100 {
		t.Errorf("sensor ISO = %d", h.sensor.ISO())
	}
}

func TestLoop_EncoderStep(t *testing.T) {
	h := newHarness(t, &fakeShooter{})
	h.loop.Post(context.Background(), Step{Control: input.ControlISO, Delta: 4})
	s := waitState(t, h.loop, "iso 400", func(s State) bool { return s.ISO == 400 })
	if s.ISOLabel != "ISO 400" {
		t.Errorf("ISOLabel = %q", s.ISOLabel)
	}
}

func TestLoop_ShootLifecycle(t *testing.T) {
	shooter := &fakeShooter{release: make(chan struct{})}
	h := newHarness(t, shooter)
	ctx := context.Background()

	if err := h.loop.Shoot(ctx); err != nil {
		t.Fatalf("Shoot: %v", err)
	}
	if !h.loop.Snapshot().Busy {
		t.Error("state not busy during capture")
	}
	if err := h.loop.Shoot(ctx); !errors.Is(err, ErrBusy) {
		t.Errorf("second Shoot: err = %v, want ErrBusy", err)
	}
	if err := h.loop.SetExposure(ctx, 125, 400); !errors.Is(err, ErrBusy) {
		t.Errorf("SetExposure while busy: err = %v, want ErrBusy", err)
	}

	close(shooter.release)
	s := waitState(t, h.loop, "capture done", func(s State) bool { return !s.Busy })
	if s.Shots != 1 || s.LastPhoto == "" {
		t.Errorf("after capture: %+v", s)
	}
	if shooter.Takes() != 1 {
		t.Errorf("Takes = %d, want 1", shooter.Takes())
	}
}

func TestLoop_ShootFailureShownInStatus(t *testing.T) {
	shooter := &fakeShooter{err: errors.New("disk full")}
	h := newHarness(t, shooter)
	h.loop.Post(context.Background(), Tap{X: 400, Y: 240})
	s := waitState(t, h.loop, "failure status", func(s State) bool {
		return !s.Busy && s.Status != "ready" && s.Status != "capturing..."
	})
	if s.Shots != 0 {
		t.Errorf("Shots = %d, want 0", s.Shots)
	}
	if s.Status != "capture failed: disk full" {
		t.Errorf("Status = %q", s.Status)
	}
}

func TestLoop_SetExposure(t *testing.T) {
	h := newHarness(t, &fakeShooter{})
	ctx := context.Background()
	if err := h.loop.SetExposure(ctx, 125, 400); err != nil {
		t.Fatalf("SetExposure: %v", err)
	}
	s := h.loop.Snapshot()
	if s.Shutter != 125 || s.ISO != 400 {
		t.Errorf("state = %+v", s)
	}
	if h.sensor.ShutterSpeed() != 8000 {
		t.Errorf("sensor shutter = %d, want 8000", h.sensor.ShutterSpeed())
	}
	if err := h.loop.SetExposure(ctx, 123, 400); !errors.Is(err, exposure.ErrNotInTable) {
		t.Errorf("invalid shutter: err = %v", err)
	}
}

func TestLoop_CloseTap(t *testing.T) {
	h := newHarness(t, &fakeShooter{})
	h.loop.Post(context.Background(), Tap{X: 795, Y: 5})
	select {
	case <-h.loop.Quit():
	case <-time.After(2 * time.Second):
		t.Fatal("close tap did not quit")
	}
	if err := h.loop.Shoot(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Shoot after close: err = %v, want ErrClosed", err)
	}
}

func TestLoop_Broadcasts(t *testing.T) {
	h := newHarness(t, &fakeShooter{})
	ctx := context.Background()
	h.loop.SetExposure(ctx, 60, 200)
	h.loop.Shoot(ctx)
	waitState(t, h.loop, "shot", func(s State) bool { return s.Shots == 1 })

	h.notify.mu.Lock()
	defer h.notify.mu.Unlock()
	want := []string{"exposure", "shot"}
	if len(h.notify.levels) != len(want) {
		t.Fatalf("broadcasts = %v, want %v", h.notify.levels, want)
	}
	for i := range want {
		if h.notify.levels[i] != want[i] {
			t.Errorf("broadcast %d = %q, want %q", i, h.notify.levels[i], want[i])
		}
	}
}

func TestState_Overlay(t *testing.T) {
	s := State{ShutterLabel: "1/125", ISOLabel: "ISO 400", Status: "ready"}
	top, bottom := s.Overlay()
	if top != "1/125  ISO 400" || bottom != "ready" {
		t.Errorf("Overlay = %q / %q", top, bottom)
	}
	s.Busy = true
	s.Shots = 3
	s.Status = "saved RPCAM0003.jpg"
	top, bottom = s.Overlay()
	if top != "1/125  ISO 400  *" || bottom != "saved RPCAM0003.jpg  (3 shots)" {
		t.Errorf("Overlay = %q / %q", top, bottom)
	}
}

func TestLoop_QuitOnCancel(t *testing.T) {
	h := newHarness(t, &fakeShooter{})
	h.cancel()
	select {
	case <-h.loop.Quit():
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not close Quit")
	}
}
