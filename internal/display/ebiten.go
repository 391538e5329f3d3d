// Package display shows the live preview full screen with Ebitengine and
// turns touches, clicks and keys into UI events.
package display

import (
	"errors"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	"github.com/cjeanneret/TouchCam/internal/debug"
	"github.com/cjeanneret/TouchCam/internal/hw/camera"
	"github.com/cjeanneret/TouchCam/internal/hw/input"
	"github.com/cjeanneret/TouchCam/internal/logic/framebuf"
	"github.com/cjeanneret/TouchCam/internal/ui"
)

// Config sets up the window.
type Config struct {
	Title      string
	Fullscreen bool
}

// Viewfinder is the ebiten.Game drawing the frame buffer.
type Viewfinder struct {
	buf    *framebuf.Buffer
	loop   *ui.Loop
	cfg    Config
	layout ui.Layout

	frameW, frameH int
	img            *ebiten.Image
	rgba           []byte
	lastSeq        uint64
	touches        []ebiten.TouchID
}

// New creates a viewfinder. The logical screen is the tap layout size;
// ebiten scales it to the physical window.
func New(buf *framebuf.Buffer, loop *ui.Loop, cfg Config) *Viewfinder {
	w, h := buf.Dimensions()
	if cfg.Title == "" {
		cfg.Title = "TouchCam"
	}
	return &Viewfinder{
		buf:    buf,
		loop:   loop,
		cfg:    cfg,
		layout: loop.Layout(),
		frameW: w,
		frameH: h,
		rgba:   make([]byte, w*h*4),
	}
}

// Run starts the Ebitengine game loop. Must be called from the main goroutine.
// It returns nil when the user closes the viewfinder.
func (v *Viewfinder) Run() error {
	ebiten.SetWindowSize(v.layout.Width, v.layout.Height)
	ebiten.SetWindowTitle(v.cfg.Title)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	if v.cfg.Fullscreen {
		ebiten.SetFullscreen(true)
		ebiten.SetCursorMode(ebiten.CursorModeHidden)
	}
	debug.Verbose("Viewfinder %dx%d (fullscreen=%v)", v.layout.Width, v.layout.Height, v.cfg.Fullscreen)
	err := ebiten.RunGame(v)
	if errors.Is(err, ebiten.Termination) {
		return nil
	}
	return err
}

// --- ebiten.Game interface ---

func (v *Viewfinder) Update() error {
	select {
	case <-v.loop.Quit():
		return ebiten.Termination
	default:
	}
	v.captureTouches()
	v.captureMouse()
	v.captureKeys()
	return nil
}

func (v *Viewfinder) Draw(screen *ebiten.Image) {
	if v.img == nil {
		v.img = ebiten.NewImage(v.frameW, v.frameH)
	}
	v.buf.View(func(frame []byte, seq uint64) {
		if seq == 0 || seq == v.lastSeq {
			return
		}
		camera.RGBToRGBA(v.rgba, frame)
		v.img.WritePixels(v.rgba)
		v.lastSeq = seq
	})
	if v.lastSeq != 0 {
		sw, sh := screen.Bounds().Dx(), screen.Bounds().Dy()
		x, y, _, _, scale := ui.Fit(v.frameW, v.frameH, sw, sh)
		op := &ebiten.DrawImageOptions{}
		op.GeoM.Scale(scale, scale)
		op.GeoM.Translate(float64(x), float64(y))
		screen.DrawImage(v.img, op)
	}

	state := v.loop.Snapshot()
	top, bottom := state.Overlay()
	ebitenutil.DebugPrintAt(screen, top, 8, 8)
	ebitenutil.DebugPrintAt(screen, bottom, 8, v.layout.Height-24)
	if v.layout.CloseZone > 0 {
		ebitenutil.DebugPrintAt(screen, "[X]", v.layout.Width-v.layout.CloseZone/2-10, v.layout.CloseZone/2-8)
	}
}

func (v *Viewfinder) Layout(outsideWidth, outsideHeight int) (int, int) {
	return v.layout.Width, v.layout.Height
}

// --- Input capture ---

func (v *Viewfinder) captureTouches() {
	v.touches = inpututil.AppendJustPressedTouchIDs(v.touches[:0])
	for _, id := range v.touches {
		x, y := ebiten.TouchPosition(id)
		v.loop.TryPost(ui.Tap{X: x, Y: y})
	}
}

func (v *Viewfinder) captureMouse() {
	if inpututil.IsMouseButtonJustPressed(ebiten.MouseButtonLeft) {
		x, y := ebiten.CursorPosition()
		v.loop.TryPost(ui.Tap{X: x, Y: y})
	}
}

var keyEvents = []struct {
	key ebiten.Key
	ev  ui.Event
}{
	{ebiten.KeySpace, ui.Shoot{}},
	{ebiten.KeyEnter, ui.Shoot{}},
	{ebiten.KeyArrowRight, ui.Step{Control: input.ControlShutter, Delta: 1}},
	{ebiten.KeyArrowLeft, ui.Step{Control: input.ControlShutter, Delta: -1}},
	{ebiten.KeyArrowUp, ui.Step{Control: input.ControlISO, Delta: 1}},
	{ebiten.KeyArrowDown, ui.Step{Control: input.ControlISO, Delta: -1}},
	{ebiten.KeyEscape, ui.Close{}},
	{ebiten.KeyQ, ui.Close{}},
}

func (v *Viewfinder) captureKeys() {
	for _, k := range keyEvents {
		if inpututil.IsKeyJustPressed(k.key) {
			v.loop.TryPost(k.ev)
		}
	}
}
