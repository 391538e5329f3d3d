package ui

import "github.com/cjeanneret/TouchCam/internal/hw/input"

// Layout describes the tap zones of the viewfinder window.
//
//	+--------+----------------+--------+
//	| shutter|                |  iso [x]
//	|   +1   |                |   +1   |
//	+--------+     shoot      +--------+
//	| shutter|                |  iso   |
//	|   -1   |                |   -1   |
//	+--------+----------------+--------+
type Layout struct {
	Width, Height int
	CloseZone     int // side of the square close zone in the top-right corner
	Margin        int // width of the left and right step columns
}

// Hit maps a tap at window coordinates to an event, or nil outside the window.
func (l Layout) Hit(x, y int) Event {
	if x < 0 || y < 0 || x >= l.Width || y >= l.Height {
		return nil
	}
	if x >= l.Width-l.CloseZone && y < l.CloseZone {
		return Close{}
	}
	margin := l.Margin
	if 2*margin > l.Width {
		margin = l.Width / 2
	}
	delta := -1
	if y < l.Height/2 {
		delta = 1
	}
	switch {
	case x < margin:
		return Step{Control: input.ControlShutter, Delta: delta}
	case x >= l.Width-margin:
		return Step{Control: input.ControlISO, Delta: delta}
	default:
		return Shoot{}
	}
}

// Fit returns the largest rectangle with the source aspect ratio that fits
// in the destination, centred, and the scale factor applied.
func Fit(srcW, srcH, dstW, dstH int) (x, y, w, h int, scale float64) {
	if srcW <= 0 || srcH <= 0 || dstW <= 0 || dstH <= 0 {
		return 0, 0, 0, 0, 0
	}
	sx := float64(dstW) / float64(srcW)
	sy := float64(dstH) / float64(srcH)
	scale = sx
	if sy < sx {
		scale = sy
	}
	w = int(float64(srcW) * scale)
	h = int(float64(srcH) * scale)
	return (dstW - w) / 2, (dstH - h) / 2, w, h, scale
}
