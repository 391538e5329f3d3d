package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cjeanneret/TouchCam/internal/config"
	"github.com/cjeanneret/TouchCam/internal/debug"
	"github.com/cjeanneret/TouchCam/internal/display"
	"github.com/cjeanneret/TouchCam/internal/hw/camera"
	"github.com/cjeanneret/TouchCam/internal/hw/gpio"
	"github.com/cjeanneret/TouchCam/internal/hw/input"
	"github.com/cjeanneret/TouchCam/internal/logic/exposure"
	"github.com/cjeanneret/TouchCam/internal/logic/framebuf"
	"github.com/cjeanneret/TouchCam/internal/logic/preview"
	"github.com/cjeanneret/TouchCam/internal/logic/still"
	"github.com/cjeanneret/TouchCam/internal/storage"
	"github.com/cjeanneret/TouchCam/internal/ui"
	"github.com/cjeanneret/TouchCam/internal/web"
)

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	outputDir := flag.String("output_dir", "", "override output directory for photos")
	headless := flag.Bool("headless", false, "run without the viewfinder window")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}
	applyOverrides(cfg, *outputDir, webPort.port(), *headless)

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	var broadcaster *web.StatusBroadcaster
	if cfg.Web.Port > 0 {
		broadcaster = web.NewStatusBroadcaster()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))
	}

	// Initialize camera
	debug.Step(1, "Initializing camera")
	sensor, err := newSensorFromConfig(cfg)
	if err != nil {
		log.Fatalf("init camera failed: %v", err)
	}
	defer func() {
		if err := sensor.Close(); err != nil {
			log.Printf("closing camera failed: %v", err)
		}
	}()
	debug.Value("Camera type", cfg.Camera.Type)
	debug.Value("Preview resolution", sensor.Resolution())
	debug.Value("Max resolution", sensor.MaxResolution())

	// Preview pipeline
	debug.Step(2, "Starting preview")
	previewRes := sensor.Resolution()
	buf := framebuf.New(previewRes.Width, previewRes.Height, camera.BytesPerPixel)
	if cfg.Camera.Type == "rpicam" && !cfg.StreamPreview() {
		debug.Info("rpicam preview without camera.continuous starts one rpicam-still per frame")
	}
	pv := preview.New(sensor, buf, preview.Config{
		Continuous:   cfg.StreamPreview(),
		ErrorBackoff: cfg.ErrorBackoff(),
	})

	// Still capture
	debug.Step(3, "Preparing still capture")
	store, err := storage.New(cfg.Output.Dir, cfg.Output.Prefix, cfg.MinFreeBytes())
	if err != nil {
		log.Fatalf("init storage failed: %v", err)
	}
	debug.Value("Output dir", cfg.Output.Dir)
	debug.Value("Prefix", cfg.Output.Prefix)
	shooter := still.New(sensor, pv, store, still.Config{
		Quality:      cfg.Output.JPEGQuality,
		PauseTimeout: cfg.PauseTimeout(),
	})

	exp, err := exposure.NewController(cfg.Exposure.ShutterSpeeds, cfg.Exposure.ISOs, cfg.Exposure.SlowShutterLimit)
	if err != nil {
		log.Fatalf("init exposure failed: %v", err)
	}
	debug.PrintStruct("Exposure config", cfg.Exposure)

	opts := ui.Options{
		Exposure: exp,
		Sensor:   sensor,
		Shooter:  shooter,
		Layout: ui.Layout{
			Width:     previewRes.Width,
			Height:    previewRes.Height,
			CloseZone: cfg.Display.CloseZonePx,
			Margin:    cfg.Display.CaptureMarginPx,
		},
	}
	if broadcaster != nil {
		opts.Notifier = broadcaster
	}
	loop := ui.New(opts)

	// Physical controls
	var poller *input.Poller
	if cfg.Input.Enabled {
		debug.Step(4, "Initializing GPIO inputs")
		debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
		gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
		if err != nil {
			log.Fatalf("init GPIO failed: %v", err)
		}
		defer func() {
			if err := gpioDriver.Close(); err != nil {
				log.Printf("closing GPIO driver failed: %v", err)
			}
		}()
		poller, err = input.NewPoller(gpioDriver, inputConfig(cfg))
		if err != nil {
			log.Fatalf("init inputs failed: %v", err)
		}
		debug.PrintStruct("Input config", cfg.Input)
	}

	// The preview outlives the UI loop so an in-flight capture can still
	// pause and resume it during shutdown.
	previewCtx, stopPreview := context.WithCancel(context.Background())
	defer stopPreview()
	previewDone := make(chan error, 1)
	go func() { previewDone <- pv.Run(previewCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return loop.Run(gctx)
	})
	g.Go(func() error {
		select {
		case <-loop.Quit():
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	if poller != nil {
		g.Go(func() error {
			return poller.Run(gctx, func(ctx context.Context, ev input.Event) error {
				return loop.Post(ctx, uiEvent(ev))
			})
		})
	}
	if cfg.Web.Port > 0 {
		srv := web.NewServer(fmt.Sprintf(":%d", cfg.Web.Port), web.Options{
			Broadcaster:     broadcaster,
			Control:         loop,
			Frames:          buf,
			Quality:         cfg.Output.JPEGQuality,
			PreviewInterval: cfg.PreviewInterval(),
		})
		g.Go(func() error { return srv.Run(gctx) })
	}

	if cfg.Display.Enabled {
		debug.Step(5, "Opening viewfinder")
		vf := display.New(buf, loop, display.Config{Title: "TouchCam", Fullscreen: cfg.Display.Fullscreen})
		if err := vf.Run(); err != nil {
			log.Printf("viewfinder: %v", err)
		}
		cancel()
	} else {
		debug.Info("Headless mode, waiting for signal")
		<-gctx.Done()
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("shutdown: %v", err)
	}

	debug.Section("Shutdown")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := pv.Stop(stopCtx); err != nil {
		log.Printf("stopping preview failed: %v", err)
	}
	stopPreview()
	if err := <-previewDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("preview: %v", err)
	}
	debug.Info("Preview frames: %d, dropped: %d, errors: %d", pv.Frames(), pv.Dropped(), pv.Errors())
}

// applyOverrides mutates cfg with CLI overrides. Zero values keep the config.
func applyOverrides(cfg *config.Config, outputDir string, webPort int, headless bool) {
	if outputDir != "" {
		cfg.Output.Dir = outputDir
	}
	if webPort > 0 {
		cfg.Web.Port = webPort
	}
	if headless {
		cfg.Display.Enabled = false
	}
}

func inputConfig(cfg *config.Config) input.Config {
	return input.Config{
		ButtonPin:    cfg.Input.ButtonPin,
		ShutterPinA:  cfg.Input.ShutterPinA,
		ShutterPinB:  cfg.Input.ShutterPinB,
		ISOPinA:      cfg.Input.ISOPinA,
		ISOPinB:      cfg.Input.ISOPinB,
		PollInterval: cfg.PollInterval(),
		Debounce:     cfg.Debounce(),
	}
}

// uiEvent maps a physical control event onto the UI loop.
func uiEvent(ev input.Event) ui.Event {
	if ev.Kind == input.KindShoot {
		return ui.Shoot{}
	}
	return ui.Step{Control: ev.Control, Delta: ev.Delta}
}

// webPortFlag implements flag.Value for -web: 0 = use config, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }

// newSensorFromConfig selects a sensor implementation based on configuration.
func newSensorFromConfig(cfg *config.Config) (camera.Sensor, error) {
	previewRes := camera.Resolution{Width: cfg.Camera.PreviewWidth, Height: cfg.Camera.PreviewHeight}
	maxRes := camera.Resolution{Width: cfg.Camera.MaxWidth, Height: cfg.Camera.MaxHeight}
	fps := float64(cfg.Camera.Framerate)

	switch cfg.Camera.Type {
	case "mock":
		return camera.NewMock(camera.MockConfig{Preview: previewRes, Max: maxRes, Framerate: fps}), nil
	case "rpicam":
		return camera.NewRPiCam(camera.RPiCamConfig{
			Preview:   previewRes,
			Max:       maxRes,
			Framerate: fps,
			Quality:   cfg.Output.JPEGQuality,
		})
	case "v4l2":
		return camera.NewV4L2(camera.V4L2Config{
			Device:    cfg.Camera.Device,
			Preview:   previewRes,
			Max:       maxRes,
			Framerate: fps,
		})
	default:
		return nil, fmt.Errorf("unsupported camera type: %s", cfg.Camera.Type)
	}
}
