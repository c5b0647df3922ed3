// Package media provides the domain types shared by the playback engine and
// the streaming strategies.
package media

// AutoBitrate is the bitrate index meaning "let the strategy choose".
const AutoBitrate = -1

// BitrateLevel represents one quality variant offered by a manifest.
type BitrateLevel struct {
	Bitrate int `json:"bitrate"` // bits per second
	Width   int `json:"width"`
	Height  int `json:"height"`
}

// Rotation is the number of clockwise quarter turns applied to the picture.
type Rotation int

const (
	Rotate0   Rotation = iota // No rotation
	Rotate90                  // One quarter turn
	Rotate180                 // Half turn
	Rotate270                 // Three quarter turns
)

// NormalizeRotation reduces any number of quarter turns to [0, 3].
func NormalizeRotation(quarterTurns int) Rotation {
	r := quarterTurns % 4
	if r < 0 {
		r += 4
	}
	return Rotation(r)
}

// Degrees returns the rotation in degrees.
func (r Rotation) Degrees() int {
	return int(r) * 90
}

// SwapsAxes reports whether the rotation exchanges width and height.
func (r Rotation) SwapsAxes() bool {
	return r == Rotate90 || r == Rotate270
}

// DisplaySize returns the frame size of a level after rotation is applied.
func (l BitrateLevel) DisplaySize(r Rotation) (width, height int) {
	if r.SwapsAxes() {
		return l.Height, l.Width
	}
	return l.Width, l.Height
}
