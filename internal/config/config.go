package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a config file accepted by Load.
const MaxConfigFileBytes = 64 * 1024

// Defaults applied by Load when a value is missing.
const (
	DefaultPreviewWidth     = 800
	DefaultPreviewHeight    = 480
	DefaultFramerate        = 30
	DefaultPauseTimeoutMs   = 2000
	DefaultErrorBackoffMs   = 500
	DefaultPrefix           = "RPCAM"
	DefaultJPEGQuality      = 90
	DefaultSlowShutterLimit = 30
	DefaultPollIntervalMs   = 1
	DefaultDebounceMs       = 50
	DefaultCloseZonePx      = 40
	DefaultCaptureMarginPx  = 200
	DefaultPreviewFPS       = 10
)

// DefaultShutterSpeeds is the shutter step table (denominators, 0 = auto).
var DefaultShutterSpeeds = []int{0, 1, 2, 4, 8, 15, 30, 60, 125, 250, 500, 1000, 2000}

// DefaultISOs is the ISO step table (0 = auto).
var DefaultISOs = []int{0, 100, 200, 320, 400, 500, 640, 800}

// CameraConfig selects and configures the sensor backend.
// Type selects a concrete implementation ("mock", "rpicam", "v4l2").
type CameraConfig struct {
	Type           string `yaml:"type"`             // e.g., "rpicam"
	Device         string `yaml:"device"`           // V4L2 device path, e.g. /dev/video0
	PreviewWidth   int    `yaml:"preview_width"`    // preview resolution (px)
	PreviewHeight  int    `yaml:"preview_height"`   // preview resolution (px)
	Framerate      int    `yaml:"framerate"`        // preview framerate, also the "auto" framerate
	MaxWidth       int    `yaml:"max_width"`        // optional still resolution override (px). 0 = sensor maximum.
	MaxHeight      int    `yaml:"max_height"`       // optional still resolution override (px)
	Continuous     *bool  `yaml:"continuous"`       // use the continuous stream path for preview. Unset = backend default.
	PauseTimeoutMs int    `yaml:"pause_timeout_ms"` // bound on waiting for the preview to pause
	ErrorBackoffMs int    `yaml:"error_backoff_ms"` // delay after a failed preview capture
}

// OutputConfig describes where stills are written.
type OutputConfig struct {
	Dir         string `yaml:"dir"`          // output directory
	Prefix      string `yaml:"prefix"`       // filename prefix, e.g. "RPCAM"
	JPEGQuality int    `yaml:"jpeg_quality"` // used when the sensor returns raw frames (1-100)
	MinFreeMB   int    `yaml:"min_free_mb"`  // refuse captures below this free space. 0 = no check.
}

// ExposureConfig holds the step tables offered to the user.
type ExposureConfig struct {
	ShutterSpeeds    []int `yaml:"shutter_speeds"`     // denominators, 0 = auto
	ISOs             []int `yaml:"isos"`               // 0 = auto
	SlowShutterLimit int   `yaml:"slow_shutter_limit"` // at or below this the framerate is lowered too
}

// InputConfig describes the physical button and rotary encoders (BCM pins).
// A pin value of 0 means "not connected".
type InputConfig struct {
	Enabled        bool `yaml:"enabled"`
	ButtonPin      int  `yaml:"button_pin"`
	ShutterPinA    int  `yaml:"shutter_pin_a"`
	ShutterPinB    int  `yaml:"shutter_pin_b"`
	ISOPinA        int  `yaml:"iso_pin_a"`
	ISOPinB        int  `yaml:"iso_pin_b"`
	PollIntervalMs int  `yaml:"poll_interval_ms"`
	DebounceMs     int  `yaml:"debounce_ms"`
}

// DisplayConfig describes the viewfinder window.
type DisplayConfig struct {
	Enabled         bool `yaml:"enabled"`
	Fullscreen      bool `yaml:"fullscreen"`
	CloseZonePx     int  `yaml:"close_zone_px"`     // top-right square that closes the app
	CaptureMarginPx int  `yaml:"capture_margin_px"` // left/right margins outside the capture zone
}

// WebConfig describes the optional remote control server.
type WebConfig struct {
	Port       int `yaml:"port"`        // 0 = disabled
	PreviewFPS int `yaml:"preview_fps"` // websocket preview rate cap
}

// DefaultsConfig contains generic parameters.
type DefaultsConfig struct {
	DebugLevel int  `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Camera   CameraConfig   `yaml:"camera"`
	Output   OutputConfig   `yaml:"output"`
	Exposure ExposureConfig `yaml:"exposure"`
	Input    InputConfig    `yaml:"input"`
	Display  DisplayConfig  `yaml:"display"`
	Web      WebConfig      `yaml:"web"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// ValidateConfigPath checks that path points to a .yaml file directly inside
// a directory named "configs".
func ValidateConfigPath(path string) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config file must have .yaml extension, got %q", filepath.Ext(clean))
	}
	abs, err := filepath.Abs(clean)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if filepath.Base(filepath.Dir(abs)) != "configs" {
		return fmt.Errorf("config file must be inside a configs/ directory: %s", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), MaxConfigFileBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	// Basic validation
	switch c.Camera.Type {
	case "":
		return errors.New("camera.type is required")
	case "mock", "rpicam", "v4l2":
	default:
		return fmt.Errorf("unsupported camera.type: %q", c.Camera.Type)
	}
	if c.Camera.Type == "v4l2" && c.Camera.Device == "" {
		c.Camera.Device = "/dev/video0"
	}
	if c.Camera.PreviewWidth < 0 || c.Camera.PreviewHeight < 0 {
		return fmt.Errorf("camera preview size must be positive, got %dx%d", c.Camera.PreviewWidth, c.Camera.PreviewHeight)
	}
	if c.Camera.PreviewWidth == 0 {
		c.Camera.PreviewWidth = DefaultPreviewWidth
	}
	if c.Camera.PreviewHeight == 0 {
		c.Camera.PreviewHeight = DefaultPreviewHeight
	}
	if c.Camera.Framerate <= 0 {
		c.Camera.Framerate = DefaultFramerate
	}
	if (c.Camera.MaxWidth == 0) != (c.Camera.MaxHeight == 0) {
		return errors.New("camera.max_width and camera.max_height must be set together")
	}
	if c.Camera.Continuous == nil {
		// rpicam single captures start one process per frame.
		stream := c.Camera.Type == "rpicam"
		c.Camera.Continuous = &stream
	}
	if c.Camera.PauseTimeoutMs <= 0 {
		c.Camera.PauseTimeoutMs = DefaultPauseTimeoutMs
	}
	if c.Camera.ErrorBackoffMs <= 0 {
		c.Camera.ErrorBackoffMs = DefaultErrorBackoffMs
	}

	if c.Output.Dir == "" {
		c.Output.Dir = "."
	}
	if c.Output.Prefix == "" {
		c.Output.Prefix = DefaultPrefix
	}
	if c.Output.JPEGQuality == 0 {
		c.Output.JPEGQuality = DefaultJPEGQuality
	}
	if c.Output.JPEGQuality < 1 || c.Output.JPEGQuality > 100 {
		return fmt.Errorf("output.jpeg_quality must be between 1 and 100, got %d", c.Output.JPEGQuality)
	}
	if c.Output.MinFreeMB < 0 {
		return fmt.Errorf("output.min_free_mb must be >= 0, got %d", c.Output.MinFreeMB)
	}

	if len(c.Exposure.ShutterSpeeds) == 0 {
		c.Exposure.ShutterSpeeds = append([]int(nil), DefaultShutterSpeeds...)
	}
	if len(c.Exposure.ISOs) == 0 {
		c.Exposure.ISOs = append([]int(nil), DefaultISOs...)
	}
	for _, v := range c.Exposure.ShutterSpeeds {
		if v < 0 {
			return fmt.Errorf("exposure.shutter_speeds must not contain negative values, got %d", v)
		}
	}
	for _, v := range c.Exposure.ISOs {
		if v < 0 {
			return fmt.Errorf("exposure.isos must not contain negative values, got %d", v)
		}
	}
	if c.Exposure.SlowShutterLimit <= 0 {
		c.Exposure.SlowShutterLimit = DefaultSlowShutterLimit
	}

	if c.Input.PollIntervalMs <= 0 {
		c.Input.PollIntervalMs = DefaultPollIntervalMs
	}
	if c.Input.DebounceMs <= 0 {
		c.Input.DebounceMs = DefaultDebounceMs
	}
	if c.Input.ShutterPinA > 0 && c.Input.ShutterPinB <= 0 || c.Input.ISOPinA > 0 && c.Input.ISOPinB <= 0 {
		return errors.New("input: encoder pins must be configured in A/B pairs")
	}

	if c.Display.CloseZonePx <= 0 {
		c.Display.CloseZonePx = DefaultCloseZonePx
	}
	if c.Display.CaptureMarginPx <= 0 {
		c.Display.CaptureMarginPx = DefaultCaptureMarginPx
	}

	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be 0-65535, got %d", c.Web.Port)
	}
	if c.Web.PreviewFPS <= 0 {
		c.Web.PreviewFPS = DefaultPreviewFPS
	}

	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// StreamPreview reports whether the preview uses the continuous stream path.
func (c *Config) StreamPreview() bool {
	return c.Camera.Continuous != nil && *c.Camera.Continuous
}

// PauseTimeout returns the bound on waiting for the preview to pause.
func (c *Config) PauseTimeout() time.Duration {
	return time.Duration(c.Camera.PauseTimeoutMs) * time.Millisecond
}

// ErrorBackoff returns the delay after a failed preview capture.
func (c *Config) ErrorBackoff() time.Duration {
	return time.Duration(c.Camera.ErrorBackoffMs) * time.Millisecond
}

// PollInterval returns the GPIO polling period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Input.PollIntervalMs) * time.Millisecond
}

// Debounce returns the button debounce duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Input.DebounceMs) * time.Millisecond
}

// PreviewInterval returns the minimum delay between two websocket preview frames.
func (c *Config) PreviewInterval() time.Duration {
	return time.Second / time.Duration(c.Web.PreviewFPS)
}

// MinFreeBytes returns the free space required before writing a still.
func (c *Config) MinFreeBytes() uint64 {
	return uint64(c.Output.MinFreeMB) * 1024 * 1024
}
