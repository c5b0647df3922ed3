// Package streaming provides adaptive bitrate streaming strategies.
// A strategy is bound to one element and one source URL and reports quality
// metadata back through its sinks.
package streaming

import (
	"github.com/cockroachdb/errors"

	"github.com/osa030/mediasync/internal/domain/media"
)

// Errors
var (
	ErrStrategyNotReady       = errors.New("streaming strategy is not ready")
	ErrResourceInitialization = errors.New("adaptive streaming engine could not be initialized")
	ErrBitrateOutOfRange      = errors.Wrap(ErrStrategyNotReady, "bitrate index out of range")
	ErrReleased               = errors.New("streaming strategy released")
)

// Strategy is an adaptive streaming backend.
type Strategy interface {
	// Init starts acquiring the source. It may hand the URL to the element for
	// native playback, in which case no sink is ever called.
	Init(sourceURL string) error

	// SetBitrateIndex requests a level, or media.AutoBitrate for automatic
	// selection. Requesting the active selection is a no-op.
	SetBitrateIndex(index int) error

	// Release tears the strategy down. Safe to call repeatedly and after a
	// failed or partial Init.
	Release()

	// Name returns the strategy type name (used in config).
	Name() string
}

// Sinks receive the only output of a strategy. Nil sinks are skipped.
type Sinks struct {
	FrameRate    func(fps float64)
	Bitrates     func(levels []media.BitrateLevel)
	BitrateIndex func(index int)
}

func (s Sinks) frameRate(fps float64) {
	if s.FrameRate != nil {
		s.FrameRate(fps)
	}
}

func (s Sinks) bitrates(levels []media.BitrateLevel) {
	if s.Bitrates != nil {
		s.Bitrates(levels)
	}
}

func (s Sinks) bitrateIndex(index int) {
	if s.BitrateIndex != nil {
		s.BitrateIndex(index)
	}
}

// Constructor builds a strategy bound to an element.
type Constructor func(element media.Element, sinks Sinks) (Strategy, error)
