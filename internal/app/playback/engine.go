package playback

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/mediasync/internal/app/streaming"
	"github.com/osa030/mediasync/internal/domain/media"
)

// Errors
var (
	ErrResourceUnavailable = errors.New("media element is not available")
	ErrStrategyUnavailable = errors.New("streaming strategy is not available")
	ErrClosed              = errors.New("engine closed")
)

// Config holds engine configuration.
type Config struct {
	DurationPollInterval    time.Duration // Delay between duration reads after loadedmetadata
	DurationPollMaxAttempts int           // Give up after this many reads, 0 for never
	EventBuffer             int           // Capacity of the events channel
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		DurationPollInterval:    100 * time.Millisecond,
		DurationPollMaxAttempts: 600,
		EventBuffer:             64,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder sets the activity recorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// Engine owns the playback state of one element and the streaming strategy
// attached to it.
type Engine struct {
	mu sync.Mutex
	// sourceMu serializes source changes so a released strategy is gone
	// before the next one is initialized.
	sourceMu sync.Mutex

	id          string
	config      Config
	newStrategy streaming.Constructor
	recorder    Recorder

	element  media.Element
	source   string
	strategy streaming.Strategy

	// generation increments whenever the strategy or source is superseded.
	// Strategy sinks and duration polls only write while it is unchanged.
	generation uint64

	state   State
	playing bool // Element reported "playing" and has not paused since

	sourceCtx    context.Context
	sourceCancel context.CancelFunc
	pollCancel   context.CancelFunc
	pollWG       sync.WaitGroup

	eventCh chan Event
	closed  bool
}

// NewEngine creates an engine. newStrategy is called on every source change.
func NewEngine(config Config, newStrategy streaming.Constructor, opts ...Option) *Engine {
	defaults := DefaultConfig()
	if config.DurationPollInterval <= 0 {
		config.DurationPollInterval = defaults.DurationPollInterval
	}
	if config.DurationPollMaxAttempts < 0 {
		config.DurationPollMaxAttempts = 0
	}
	if config.EventBuffer <= 0 {
		config.EventBuffer = defaults.EventBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		id:           uuid.NewString(),
		config:       config,
		newStrategy:  newStrategy,
		recorder:     nopRecorder{},
		state:        initialState(),
		sourceCtx:    ctx,
		sourceCancel: cancel,
		eventCh:      make(chan Event, config.EventBuffer),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ID returns the engine instance ID.
func (e *Engine) ID() string {
	return e.id
}

// Events returns the state change channel. It is closed by Close.
func (e *Engine) Events() <-chan Event {
	return e.eventCh
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// Source returns the current source URL.
func (e *Engine) Source() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.source
}

// Bind attaches the engine to an element. If a source is set, the source
// change protocol runs again against the new element. Bind(nil) unbinds.
func (e *Engine) Bind(el media.Element) error {
	e.sourceMu.Lock()
	defer e.sourceMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.element == el {
		e.mu.Unlock()
		return nil
	}
	e.element = el
	e.playing = false
	source := e.source
	e.mu.Unlock()

	zlog.Debug().Msgf("playback: element bound: engine=%s bound=%t", e.id, el != nil)
	if el == nil {
		e.detachLocked()
		return nil
	}
	if source == "" {
		return nil
	}
	return e.attachLocked(source)
}

// Unbind detaches the element and releases the strategy.
func (e *Engine) Unbind() error {
	return e.Bind(nil)
}

// SetSource changes the media source. An empty source leaves the engine idle.
// Setting the current source again does nothing.
func (e *Engine) SetSource(source string) error {
	e.sourceMu.Lock()
	defer e.sourceMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if source == e.source && (e.strategy != nil || source == "") {
		e.mu.Unlock()
		return nil
	}
	e.source = source
	e.mu.Unlock()

	zlog.Info().Msgf("playback: source changed: engine=%s source=%q", e.id, source)
	if source == "" {
		e.detachLocked()
		return nil
	}
	return e.attachLocked(source)
}

// detachLocked supersedes the current generation and releases the strategy.
// Callers hold sourceMu.
func (e *Engine) detachLocked() {
	e.mu.Lock()
	old := e.strategy
	e.strategy = nil
	e.generation++
	e.cancelPollsLocked()
	e.state.resetSource()
	e.emitLocked(Event{Type: EventSourceChanged})
	e.mu.Unlock()

	// Released outside mu: a strategy's loader may be blocked in a sink.
	if old != nil {
		old.Release()
		e.recorder.StrategyReleased(old.Name())
		zlog.Debug().Msgf("playback: strategy released: engine=%s strategy=%s", e.id, old.Name())
	}
}

// attachLocked runs the source change protocol for source. Callers hold sourceMu.
func (e *Engine) attachLocked(source string) error {
	e.detachLocked()

	e.mu.Lock()
	el := e.element
	gen := e.generation
	e.mu.Unlock()

	if el == nil {
		// Attached later by Bind.
		return ErrResourceUnavailable
	}
	if e.newStrategy == nil {
		return errors.Wrap(ErrStrategyUnavailable, "no strategy constructor configured")
	}

	strategy, err := e.newStrategy(el, e.sinks(gen))
	if err != nil {
		return errors.Wrap(err, "failed to create streaming strategy")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		strategy.Release()
		return ErrClosed
	}
	e.strategy = strategy
	e.mu.Unlock()
	e.recorder.StrategyAttached(strategy.Name())

	if err := strategy.Init(source); err != nil {
		e.mu.Lock()
		if e.strategy == strategy {
			e.strategy = nil
		}
		e.mu.Unlock()
		strategy.Release()
		e.recorder.StrategyReleased(strategy.Name())
		return errors.Wrapf(err, "failed to initialize %s strategy", strategy.Name())
	}

	zlog.Debug().Msgf("playback: strategy attached: engine=%s strategy=%s generation=%d", e.id, strategy.Name(), gen)
	return nil
}

// sinks binds strategy callbacks to generation gen.
func (e *Engine) sinks(gen uint64) streaming.Sinks {
	return streaming.Sinks{
		Bitrates: func(levels []media.BitrateLevel) {
			copied := make([]media.BitrateLevel, len(levels))
			copy(copied, levels)
			e.updateStrategy(gen, func(s *State) {
				s.BitrateLevels = copied
			})
		},
		// A level switch reports the concrete level in use, so an automatic
		// selection reads as manual once the strategy switches.
		BitrateIndex: func(index int) {
			e.recorder.LevelSwitched()
			e.updateStrategy(gen, func(s *State) {
				s.CurrentBitrateIndex = index
				s.AutoBitrateEnabled = index == media.AutoBitrate
			})
		},
		FrameRate: func(fps float64) {
			if fps < 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
				return
			}
			e.recorder.FrameRateReported(fps)
			e.updateStrategy(gen, func(s *State) {
				s.FPS = fps
			})
		},
	}
}

func (e *Engine) updateStrategy(gen uint64, fn func(s *State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || gen != e.generation {
		zlog.Debug().Msgf("playback: dropping stale strategy update: engine=%s generation=%d current=%d", e.id, gen, e.generation)
		return
	}
	e.applyLocked(Event{Type: EventStrategy}, fn)
}

// update applies fn to the state and emits an event. Used by the signal bridge.
func (e *Engine) update(ev Event, fn func(s *State)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.applyLocked(ev, fn)
}

func (e *Engine) applyLocked(ev Event, fn func(s *State)) {
	fn(&e.state)
	e.state.CurrentTime = e.state.clampTime(e.state.CurrentTime)
	e.emitLocked(ev)
}

// emitLocked sends an event without blocking.
func (e *Engine) emitLocked(ev Event) {
	if e.closed {
		return
	}
	ev.State = e.state.Clone()
	select {
	case e.eventCh <- ev:
	default:
		// Channel full, drop event
	}
}

// elementOrErr returns the bound element, or ErrResourceUnavailable.
func (e *Engine) elementOrErr() (media.Element, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	if e.element == nil {
		return nil, ErrResourceUnavailable
	}
	return e.element, nil
}

// SetPaused requests pause (true) or play (false). The paused flag is updated
// immediately; the element's pause and play signals confirm it.
func (e *Engine) SetPaused(paused bool) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	el := e.element
	if el == nil {
		e.mu.Unlock()
		return ErrResourceUnavailable
	}
	playing := e.playing
	e.applyLocked(Event{Type: EventCommand}, func(s *State) {
		s.Paused = paused
	})
	e.mu.Unlock()

	if paused && playing {
		el.Pause()
	}
	if !paused && !playing {
		if err := el.Play(); err != nil {
			return errors.Wrap(err, "failed to start playback")
		}
	}
	return nil
}

// SetCurrentTime seeks to t, clamped to [0, duration].
func (e *Engine) SetCurrentTime(t float64) error {
	el, err := e.elementOrErr()
	if err != nil {
		return err
	}
	e.mu.Lock()
	clamped := e.state.clampTime(t)
	e.mu.Unlock()

	el.SetCurrentTime(clamped)
	return nil
}

// SetPlaybackRate writes the rate to the element. State follows ratechange.
func (e *Engine) SetPlaybackRate(rate float64) error {
	el, err := e.elementOrErr()
	if err != nil {
		return err
	}
	if err := el.SetPlaybackRate(rate); err != nil {
		return errors.Wrapf(err, "failed to set playback rate %v", rate)
	}
	return nil
}

// SetVolume writes the volume to the element. State follows volumechange.
func (e *Engine) SetVolume(volume float64) error {
	el, err := e.elementOrErr()
	if err != nil {
		return err
	}
	if err := el.SetVolume(volume); err != nil {
		return errors.Wrapf(err, "failed to set volume %v", volume)
	}
	return nil
}

// SetMuted writes the mute flag to the element. State follows volumechange.
func (e *Engine) SetMuted(muted bool) error {
	el, err := e.elementOrErr()
	if err != nil {
		return err
	}
	el.SetMuted(muted)
	return nil
}

// SetRotation stores quarterTurns modulo 4. The element is not involved.
func (e *Engine) SetRotation(quarterTurns int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.applyLocked(Event{Type: EventCommand}, func(s *State) {
		s.Rotation = media.NormalizeRotation(quarterTurns)
	})
	return nil
}

// SetBitrateIndex selects a level, or media.AutoBitrate for automatic
// selection. The index is written optimistically; the strategy's level
// switch confirms it.
func (e *Engine) SetBitrateIndex(index int) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.element == nil {
		e.mu.Unlock()
		return ErrResourceUnavailable
	}
	strategy := e.strategy
	gen := e.generation
	e.mu.Unlock()

	if strategy == nil {
		return ErrStrategyUnavailable
	}
	if err := strategy.SetBitrateIndex(index); err != nil {
		return errors.Wrapf(err, "failed to set bitrate index %d", index)
	}
	e.recorder.BitrateRequested(index == media.AutoBitrate)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || gen != e.generation {
		return nil
	}
	e.applyLocked(Event{Type: EventCommand}, func(s *State) {
		s.AutoBitrateEnabled = index == media.AutoBitrate
		s.CurrentBitrateIndex = index
	})
	return nil
}

// Close cancels pending duration polls, releases the strategy and closes the
// events channel. Safe to call more than once.
func (e *Engine) Close() {
	e.sourceMu.Lock()
	defer e.sourceMu.Unlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.sourceCancel()
	e.pollCancel = nil
	e.generation++
	strategy := e.strategy
	e.strategy = nil
	e.mu.Unlock()

	e.pollWG.Wait()

	if strategy != nil {
		strategy.Release()
		e.recorder.StrategyReleased(strategy.Name())
	}

	e.mu.Lock()
	close(e.eventCh)
	e.mu.Unlock()

	zlog.Debug().Msgf("playback: engine closed: engine=%s", e.id)
}

// cancelPollsLocked cancels every pending duration poll and starts a fresh
// context for the next source. Callers hold mu.
func (e *Engine) cancelPollsLocked() {
	e.sourceCancel()
	e.pollCancel = nil
	e.sourceCtx, e.sourceCancel = context.WithCancel(context.Background())
}

// resolveDuration waits, without blocking the caller, until the element
// reports a finite duration and commits it.
func (e *Engine) resolveDuration(el media.Element) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.pollCancel != nil {
		e.pollCancel()
	}
	ctx, cancel := context.WithCancel(e.sourceCtx)
	e.pollCancel = cancel
	gen := e.generation
	e.pollWG.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.pollWG.Done()
		defer cancel()
		e.pollDuration(ctx, el, gen)
	}()
}

func (e *Engine) pollDuration(ctx context.Context, el media.Element, gen uint64) {
	ticker := time.NewTicker(e.config.DurationPollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		d := el.Duration()
		e.recorder.DurationPolled()

		if !math.IsInf(d, 0) && !math.IsNaN(d) && d >= 0 {
			e.mu.Lock()
			defer e.mu.Unlock()
			if ctx.Err() != nil || e.closed || gen != e.generation {
				return
			}
			e.applyLocked(Event{Type: EventDuration}, func(s *State) {
				s.Duration = d
				s.DurationKnown = true
			})
			zlog.Debug().Msgf("playback: duration resolved: engine=%s duration=%v attempts=%d", e.id, d, attempt)
			return
		}

		if e.config.DurationPollMaxAttempts > 0 && attempt >= e.config.DurationPollMaxAttempts {
			zlog.Warn().Msgf("playback: duration not resolved: engine=%s attempts=%d", e.id, attempt)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
