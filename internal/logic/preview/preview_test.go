package preview

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cjeanneret/TouchCam/internal/debug"
	"github.com/cjeanneret/TouchCam/internal/hw/camera"
	"github.com/cjeanneret/TouchCam/internal/logic/framebuf"
)

// fakeSensor wraps the mock sensor and records overlapping access.
// Preview captures use ModeVideo; the test plays the still capture with
// ModeStill while it holds the sensor exclusively.
type fakeSensor struct {
	*camera.Mock

	inFlight   atomic.Int32
	violations atomic.Int32
	exclusive  atomic.Bool
	videoCalls atomic.Int32
	failNext   atomic.Int32
	gate       chan struct{} // when set, each video capture waits for a token
}

func newFakeSensor() *fakeSensor {
	return &fakeSensor{
		Mock: camera.NewMock(camera.MockConfig{
			Preview: camera.Resolution{Width: 8, Height: 6},
			Max:     camera.Resolution{Width: 16, Height: 12},
			Latency: 200 * time.Microsecond,
		}),
	}
}

func (s *fakeSensor) Capture(ctx context.Context, mode camera.Mode) (camera.Frame, error) {
	if s.inFlight.Add(1) > 1 {
		s.violations.Add(1)
	}
	defer s.inFlight.Add(-1)

	if mode == camera.ModeVideo {
		if s.exclusive.Load() {
			s.violations.Add(1)
		}
		s.videoCalls.Add(1)
		if s.gate != nil {
			<-s.gate
		}
		if s.failNext.Load() > 0 {
			s.failNext.Add(-1)
			return camera.Frame{}, errors.New("sensor glitch")
		}
	}
	return s.Mock.Capture(ctx, mode)
}

func (s *fakeSensor) CaptureContinuous(ctx context.Context, mode camera.Mode) (<-chan camera.Frame, error) {
	out := make(chan camera.Frame)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			f, err := s.Capture(ctx, mode)
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
	return out, nil
}

func startLoop(t *testing.T, s camera.Sensor, cfg Config) (*Loop, *framebuf.Buffer) {
	t.Helper()
	buf := framebuf.New(8, 6, camera.BytesPerPixel)
	l := New(s, buf, cfg)
	errc := make(chan error, 1)
	go func() { errc <- l.Run(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
		if err := <-errc; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
	return l, buf
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func ctxTimeout(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestLoop_PublishesFrames(t *testing.T) {
	s := newFakeSensor()
	l, buf := startLoop(t, s, Config{})
	waitFor(t, "three frames", func() bool { return buf.Seq() >= 3 })
	if l.State() != StateRunning {
		t.Errorf("State = %s, want running", l.State())
	}
	if l.Frames() < 3 {
		t.Errorf("Frames() = %d, want >= 3", l.Frames())
	}
}

func TestLoop_ScalesMismatchedFrames(t *testing.T) {
	s := newFakeSensor()
	s.SetResolution(camera.Resolution{Width: 16, Height: 12})
	l, buf := startLoop(t, s, Config{})
	waitFor(t, "a frame", func() bool { return buf.Seq() >= 1 })
	if l.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", l.Dropped())
	}
}

func TestLoop_PauseStopsCapturing(t *testing.T) {
	s := newFakeSensor()
	l, buf := startLoop(t, s, Config{})
	waitFor(t, "first frame", func() bool { return buf.Seq() >= 1 })

	if err := l.Pause(ctxTimeout(t, time.Second)); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if l.State() != StatePaused {
		t.Fatalf("State = %s, want paused", l.State())
	}
	if n := s.inFlight.Load(); n != 0 {
		t.Fatalf("%d captures in flight after Pause returned", n)
	}
	calls := s.videoCalls.Load()
	time.Sleep(20 * time.Millisecond)
	if got := s.videoCalls.Load(); got != calls {
		t.Errorf("loop captured %d frames while paused", got-calls)
	}

	if err := l.Resume(ctxTimeout(t, time.Second)); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	seq := buf.Seq()
	waitFor(t, "frames after resume", func() bool { return buf.Seq() > seq })
}

// syncBuffer is a log sink safe to read while the loop writes to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLoop_PauseResumeLoggedLive(t *testing.T) {
	out := &syncBuffer{}
	debug.SetOutput(out)
	debug.Init(debug.LevelLive)
	t.Cleanup(func() {
		debug.SetOutput(os.Stdout)
		debug.Init(debug.LevelOff)
	})

	s := newFakeSensor()
	l, buf := startLoop(t, s, Config{})
	waitFor(t, "first frame", func() bool { return buf.Seq() >= 1 })
	if err := l.Pause(ctxTimeout(t, time.Second)); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := l.Resume(ctxTimeout(t, time.Second)); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, "resume logged", func() bool {
		return strings.Contains(out.String(), "[LIVE] Preview resumed")
	})
	if !strings.Contains(out.String(), "[LIVE] Preview paused") {
		t.Errorf("pause not logged at live level: %q", out.String())
	}
}

func TestLoop_MutualExclusion(t *testing.T) {
	for _, continuous := range []bool{false, true} {
		name := "single"
		if continuous {
			name = "continuous"
		}
		t.Run(name, func(t *testing.T) {
			s := newFakeSensor()
			l, buf := startLoop(t, s, Config{Continuous: continuous})
			waitFor(t, "first frame", func() bool { return buf.Seq() >= 1 })

			for i := 0; i < 50; i++ {
				ctx := ctxTimeout(t, 2*time.Second)
				if err := l.Pause(ctx); err != nil {
					t.Fatalf("Pause %d: %v", i, err)
				}
				s.exclusive.Store(true)
				if _, err := s.Capture(ctx, camera.ModeStill); err != nil {
					t.Fatalf("exclusive capture: %v", err)
				}
				s.exclusive.Store(false)
				if err := l.Resume(ctx); err != nil {
					t.Fatalf("Resume %d: %v", i, err)
				}
				// Double pause and resume are harmless.
				if i%10 == 0 {
					l.Resume(ctx)
				}
			}
			if v := s.violations.Load(); v != 0 {
				t.Errorf("%d overlapping sensor accesses", v)
			}
		})
	}
}

func TestLoop_PauseTimeoutAbandons(t *testing.T) {
	s := newFakeSensor()
	s.gate = make(chan struct{})
	l, buf := startLoop(t, s, Config{})
	t.Cleanup(func() { close(s.gate) })

	// Let the loop block inside a capture.
	waitFor(t, "capture in flight", func() bool { return s.inFlight.Load() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Pause(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Pause err = %v, want DeadlineExceeded", err)
	}
	if l.State() != StateRunning {
		t.Errorf("State after abandoned pause = %s, want running", l.State())
	}

	// Release three captures; the loop keeps running. The gate is closed
	// at cleanup, so no send may still be pending then.
	go func() {
		for i := 0; i < 3; i++ {
			s.gate <- struct{}{}
		}
	}()
	waitFor(t, "frames after abandoned pause", func() bool { return buf.Seq() >= 3 })
	if l.State() != StateRunning {
		t.Errorf("State = %s, want running", l.State())
	}
}

func TestLoop_ErrorBackoff(t *testing.T) {
	s := newFakeSensor()
	s.failNext.Store(2)
	l, buf := startLoop(t, s, Config{ErrorBackoff: time.Millisecond})
	waitFor(t, "recovery", func() bool { return buf.Seq() >= 1 })
	if l.Errors() != 2 {
		t.Errorf("Errors() = %d, want 2", l.Errors())
	}
}

func TestLoop_PauseDuringBackoff(t *testing.T) {
	s := newFakeSensor()
	s.failNext.Store(1)
	l, _ := startLoop(t, s, Config{ErrorBackoff: time.Hour})
	waitFor(t, "failure", func() bool { return l.Errors() == 1 })
	if err := l.Pause(ctxTimeout(t, time.Second)); err != nil {
		t.Fatalf("Pause during backoff: %v", err)
	}
	if l.State() != StatePaused {
		t.Errorf("State = %s, want paused", l.State())
	}
}

func TestLoop_CommandsAfterStop(t *testing.T) {
	s := newFakeSensor()
	buf := framebuf.New(8, 6, camera.BytesPerPixel)
	l := New(s, buf, Config{})
	errc := make(chan error, 1)
	go func() { errc <- l.Run(context.Background()) }()

	ctx := ctxTimeout(t, time.Second)
	if err := l.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if l.State() != StateStopped {
		t.Errorf("State = %s, want stopped", l.State())
	}
	if err := l.Pause(ctx); !errors.Is(err, ErrStopped) {
		t.Errorf("Pause after stop: %v, want ErrStopped", err)
	}
	if err := l.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if err := l.Run(context.Background()); err == nil {
		t.Error("second Run should fail")
	}
}

func TestLoop_ContextCancelStops(t *testing.T) {
	s := newFakeSensor()
	buf := framebuf.New(8, 6, camera.BytesPerPixel)
	l := New(s, buf, Config{Continuous: true})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- l.Run(ctx) }()

	waitFor(t, "a frame", func() bool { return buf.Seq() >= 1 })
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	<-l.Done()
	if n := s.inFlight.Load(); n != 0 {
		t.Errorf("%d captures in flight after Run returned", n)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateRunning:      "running",
		StatePausePending: "pause-pending",
		StatePaused:       "paused",
		StateStopped:      "stopped",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int32(s), s.String(), want)
		}
	}
}
