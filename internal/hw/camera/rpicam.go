package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"time"

	"github.com/cjeanneret/TouchCam/internal/debug"
)

// DefaultRPiMax is the full resolution of the Raspberry Pi HQ camera,
// used when no maximum is configured.
var DefaultRPiMax = Resolution{Width: 4056, Height: 3040}

// RPiCamConfig configures the rpicam-apps backend.
type RPiCamConfig struct {
	Preview   Resolution
	Max       Resolution
	Framerate float64
	Quality   int // JPEG quality passed to the tools
}

// RPiCam drives the Raspberry Pi camera through the rpicam-apps command
// line tools. Newer Raspberry Pi OS (Bookworm+) ships rpicam-*, older
// releases libcamera-*; both are tried.
type RPiCam struct {
	settings
	stillCmd string
	vidCmd   string
	quality  int
}

// NewRPiCam locates the rpicam tools and returns a sensor handle.
func NewRPiCam(cfg RPiCamConfig) (*RPiCam, error) {
	stillCmd, err := findTool("rpicam-still", "libcamera-still")
	if err != nil {
		return nil, err
	}
	vidCmd, err := findTool("rpicam-vid", "libcamera-vid")
	if err != nil {
		return nil, err
	}
	maxRes := cfg.Max
	if maxRes.IsZero() {
		maxRes = DefaultRPiMax
	}
	quality := cfg.Quality
	if quality <= 0 {
		quality = 90
	}
	debug.Info("Using rpicam camera (%s, %s)", stillCmd, vidCmd)
	return &RPiCam{
		settings: newSettings(cfg.Preview, maxRes, cfg.Framerate),
		stillCmd: stillCmd,
		vidCmd:   vidCmd,
		quality:  quality,
	}, nil
}

func findTool(names ...string) (string, error) {
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("camera: none of %v found (install with: sudo apt install -y rpicam-apps)", names)
}

// exposureArgs renders the current exposure settings as tool flags.
func (c *RPiCam) exposureArgs() []string {
	var args []string
	if us := c.ShutterSpeed(); us > 0 {
		args = append(args, "--shutter", strconv.Itoa(us))
	}
	if iso := c.ISO(); iso > 0 {
		args = append(args, "--gain", strconv.FormatFloat(float64(iso)/100, 'f', 2, 64))
	}
	args = append(args, "--framerate", strconv.FormatFloat(c.Framerate(), 'f', -1, 64))
	return args
}

// stillArgs builds the rpicam-still arguments for one capture written to stdout.
func (c *RPiCam) stillArgs(mode Mode) []string {
	res := c.Resolution()
	args := []string{
		"--nopreview",
		"--immediate",
		"--timeout", "1",
		"--width", strconv.Itoa(res.Width),
		"--height", strconv.Itoa(res.Height),
		"--encoding", "jpg",
		"--quality", strconv.Itoa(c.quality),
	}
	if mode == ModeVideo {
		// Preview frames skip the still pipeline's full-resolution mode switch.
		args = append(args, "--mode", fmt.Sprintf("%d:%d", res.Width, res.Height))
	}
	args = append(args, c.exposureArgs()...)
	return append(args, "--output", "-")
}

// vidArgs builds the rpicam-vid arguments for an endless MJPEG stream on stdout.
func (c *RPiCam) vidArgs() []string {
	res := c.Resolution()
	args := []string{
		"--nopreview",
		"--timeout", "0",
		"--width", strconv.Itoa(res.Width),
		"--height", strconv.Itoa(res.Height),
		"--codec", "mjpeg",
		"--quality", strconv.Itoa(c.quality),
	}
	args = append(args, c.exposureArgs()...)
	return append(args, "--output", "-")
}

func (c *RPiCam) Capture(ctx context.Context, mode Mode) (Frame, error) {
	if c.isClosed() {
		return Frame{}, ErrClosed
	}
	args := c.stillArgs(mode)
	debug.Trace("rpicam: %s %v", c.stillCmd, args)

	cmd := exec.CommandContext(ctx, c.stillCmd, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Frame{}, fmt.Errorf("%s failed: %w (stderr: %s)", c.stillCmd, err, bytes.TrimSpace(stderr.Bytes()))
	}
	if stdout.Len() == 0 {
		return Frame{}, fmt.Errorf("%s returned an empty frame", c.stillCmd)
	}

	res := c.Resolution()
	return Frame{
		Data:       stdout.Bytes(),
		Width:      res.Width,
		Height:     res.Height,
		Format:     FormatJPEG,
		CapturedAt: time.Now(),
	}, nil
}

// CaptureContinuous runs rpicam-vid in MJPEG mode and splits its output
// into frames. Cancelling ctx kills the process; the channel closes once
// its output has been drained.
func (c *RPiCam) CaptureContinuous(ctx context.Context, mode Mode) (<-chan Frame, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	args := c.vidArgs()
	debug.Verbose("rpicam: starting stream %s %v", c.vidCmd, args)

	cmd := exec.CommandContext(ctx, c.vidCmd, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("rpicam stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.vidCmd, err)
	}

	res := c.Resolution()
	out := make(chan Frame, 1)
	go func() {
		defer close(out)
		defer func() {
			if err := cmd.Wait(); err != nil && ctx.Err() == nil {
				debug.Errorf("rpicam stream exited: %v", err)
			}
		}()
		readMJPEG(ctx, stdout, res, out)
	}()
	return out, nil
}

// readMJPEG splits a concatenated JPEG stream into frames and sends them on out.
func readMJPEG(ctx context.Context, r io.Reader, res Resolution, out chan<- Frame) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 512*1024), 16*1024*1024)
	sc.Split(splitJPEG)
	for sc.Scan() {
		data := append([]byte(nil), sc.Bytes()...)
		f := Frame{Data: data, Width: res.Width, Height: res.Height, Format: FormatJPEG, CapturedAt: time.Now()}
		select {
		case out <- f:
		case <-ctx.Done():
			// keep draining so the producer can exit
		}
	}
}

var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

// splitJPEG is a bufio.SplitFunc returning one complete JPEG (SOI..EOI)
// per token. Bytes before the first SOI are skipped.
func splitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// keep a possible partial marker
		if len(data) > 1 {
			return len(data) - 1, nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start+2:], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}

func (c *RPiCam) SetResolution(r Resolution) error { return c.setResolution(r) }
func (c *RPiCam) SetFramerate(fps float64) error   { return c.setFramerate(fps) }
func (c *RPiCam) SetISO(iso int) error             { return c.setISO(iso) }
func (c *RPiCam) SetShutterSpeed(us int) error     { return c.setShutterSpeed(us) }

func (c *RPiCam) Close() error {
	c.markClosed()
	return nil
}
