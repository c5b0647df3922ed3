package playback

import (
	"math"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/mediasync/internal/domain/media"
)

// ErrUnknownSignal is returned by Dispatch for signals outside the table.
var ErrUnknownSignal = errors.New("unknown media signal")

// signalHandler reads what it needs from the element and folds it into state.
// Handlers must be idempotent: the same signal may arrive repeatedly.
type signalHandler func(e *Engine, el media.Element, ev Event)

// signalTable maps every element signal to its state mutation.
var signalTable = map[media.Signal]signalHandler{
	media.SignalSeeking: func(e *Engine, el media.Element, ev Event) {
		t := el.CurrentTime()
		buffered := el.Buffered()
		e.update(ev, func(s *State) {
			s.CurrentTime = t
			if !media.HasDataAt(buffered, t) {
				s.IsLoading = true
			}
		})
	},
	media.SignalLoadedMetadata: func(e *Engine, el media.Element, _ Event) {
		e.resolveDuration(el)
	},
	media.SignalRateChange: func(e *Engine, el media.Element, ev Event) {
		rate := el.PlaybackRate()
		if rate <= 0 || math.IsNaN(rate) || math.IsInf(rate, 0) {
			// Transient element state; the next ratechange re-derives it.
			return
		}
		e.update(ev, func(s *State) {
			s.PlaybackRate = rate
		})
	},
	media.SignalVolumeChange: func(e *Engine, el media.Element, ev Event) {
		muted := el.Muted()
		volume := clampVolume(el.Volume())
		e.update(ev, func(s *State) {
			s.Muted = muted
			s.Volume = volume
		})
	},
	media.SignalCanPlay: func(e *Engine, _ media.Element, ev Event) {
		e.update(ev, func(s *State) {
			s.IsLoading = false
		})
	},
	media.SignalProgress: func(e *Engine, el media.Element, ev Event) {
		buffered := el.Buffered().Clone()
		e.update(ev, func(s *State) {
			s.IsLoading = false
			s.BufferedRanges = buffered
		})
	},
	media.SignalWaiting: func(e *Engine, el media.Element, ev Event) {
		t := el.CurrentTime()
		if media.HasDataAt(el.Buffered(), t) {
			return
		}
		e.update(ev, func(s *State) {
			s.IsLoading = true
		})
	},
	media.SignalPause: func(e *Engine, _ media.Element, ev Event) {
		e.update(ev, func(s *State) {
			s.Paused = true
			e.playing = false
		})
	},
	media.SignalPlay: func(e *Engine, _ media.Element, ev Event) {
		e.update(ev, func(s *State) {
			s.Paused = false
			s.Ended = false
		})
	},
	media.SignalTimeUpdate: func(e *Engine, el media.Element, ev Event) {
		t := el.CurrentTime()
		e.update(ev, func(s *State) {
			s.CurrentTime = t
		})
	},
	media.SignalEnded: func(e *Engine, _ media.Element, ev Event) {
		e.update(ev, func(s *State) {
			s.Ended = true
		})
	},
	media.SignalPlaying: func(e *Engine, _ media.Element, ev Event) {
		e.update(ev, func(s *State) {
			e.playing = true
		})
	},
}

// Dispatch translates an element signal into state. It is safe to call from
// the element's own callbacks, including from inside Play or Pause.
// Signals arriving while no element is bound are ignored.
func (e *Engine) Dispatch(sig media.Signal) error {
	handler, ok := signalTable[sig]
	if !ok {
		return errors.Wrapf(ErrUnknownSignal, "%q", string(sig))
	}

	e.mu.Lock()
	el := e.element
	closed := e.closed
	e.mu.Unlock()
	if closed || el == nil {
		zlog.Debug().Msgf("playback: signal ignored: engine=%s signal=%s", e.id, sig)
		return nil
	}

	e.recorder.SignalDispatched(sig)
	handler(e, el, Event{Type: EventSignal, Signal: sig})
	return nil
}

// Listener returns a callback suitable for an element's signal subscription.
func (e *Engine) Listener() func(media.Signal) {
	return func(sig media.Signal) {
		if err := e.Dispatch(sig); err != nil {
			zlog.Warn().Msgf("playback: %v", err)
		}
	}
}

func clampVolume(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
