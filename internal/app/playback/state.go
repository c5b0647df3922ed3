// Package playback keeps a consistent snapshot of an element's playback state
// and exposes the commands that drive it.
package playback

import (
	"math"

	"github.com/osa030/mediasync/internal/domain/media"
)

// State is a snapshot of every observable playback and streaming attribute.
type State struct {
	CurrentTime    float64          `json:"currentTime"`
	Duration       float64          `json:"duration"`
	DurationKnown  bool             `json:"durationKnown"`
	Paused         bool             `json:"paused"`
	PlaybackRate   float64          `json:"playbackRate"`
	Volume         float64          `json:"volume"`
	Muted          bool             `json:"muted"`
	Ended          bool             `json:"ended"`
	IsLoading      bool             `json:"isLoading"`
	BufferedRanges media.TimeRanges `json:"bufferedRanges"`
	Rotation       media.Rotation   `json:"rotation"`

	// Streaming attributes, written only by the active strategy's sinks
	// and by SetBitrateIndex.
	FPS                 float64              `json:"fps"`
	BitrateLevels       []media.BitrateLevel `json:"bitrateLevels"`
	CurrentBitrateIndex int                  `json:"currentBitrateIndex"`
	AutoBitrateEnabled  bool                 `json:"autoBitrateEnabled"`
}

// initialState returns the state of an engine with no media loaded.
func initialState() State {
	return State{
		Paused:              true,
		PlaybackRate:        1,
		Volume:              1,
		IsLoading:           true,
		CurrentBitrateIndex: media.AutoBitrate,
		AutoBitrateEnabled:  true,
	}
}

// resetSource clears everything derived from the previous source.
// Element settings (rate, volume, mute) and rotation are kept.
func (s *State) resetSource() {
	s.CurrentTime = 0
	s.Duration = 0
	s.DurationKnown = false
	s.Ended = false
	s.IsLoading = true
	s.BufferedRanges = nil
	s.FPS = 0
	s.BitrateLevels = nil
	s.CurrentBitrateIndex = media.AutoBitrate
	s.AutoBitrateEnabled = true
}

// Clone returns a deep copy of the state.
func (s State) Clone() State {
	out := s
	out.BufferedRanges = s.BufferedRanges.Clone()
	if s.BitrateLevels != nil {
		out.BitrateLevels = make([]media.BitrateLevel, len(s.BitrateLevels))
		copy(out.BitrateLevels, s.BitrateLevels)
	}
	return out
}

// clampTime limits t to [0, Duration], or to [0, +Inf) while the duration is unknown.
func (s State) clampTime(t float64) float64 {
	if math.IsNaN(t) || t < 0 {
		return 0
	}
	if s.DurationKnown && t > s.Duration {
		return s.Duration
	}
	return t
}

// HasDataAtCurrentTime reports whether the buffered snapshot covers CurrentTime.
func (s State) HasDataAtCurrentTime() bool {
	return media.HasDataAt(s.BufferedRanges, s.CurrentTime)
}

// DisplaySize returns the rotated frame size of the active level.
// ok is false when no concrete level is active.
func (s State) DisplaySize() (width, height int, ok bool) {
	i := s.CurrentBitrateIndex
	if i < 0 || i >= len(s.BitrateLevels) {
		return 0, 0, false
	}
	width, height = s.BitrateLevels[i].DisplaySize(s.Rotation)
	return width, height, true
}
