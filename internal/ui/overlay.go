package ui

import "fmt"

// Overlay returns the two text lines drawn over the preview: exposure on
// top, status at the bottom.
func (s State) Overlay() (top, bottom string) {
	top = fmt.Sprintf("%s  %s", s.ShutterLabel, s.ISOLabel)
	if s.Busy {
		top += "  *"
	}
	bottom = s.Status
	if s.Shots > 0 {
		bottom = fmt.Sprintf("%s  (%d shots)", s.Status, s.Shots)
	}
	return top, bottom
}
