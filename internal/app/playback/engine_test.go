package playback

import (
	"math"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/mediasync/internal/domain/media"
)

func testConfig() Config {
	return Config{
		DurationPollInterval:    time.Millisecond,
		DurationPollMaxAttempts: 0,
		EventBuffer:             256,
	}
}

// newBoundEngine returns an engine bound to a fake element whose signals are
// wired back into the engine.
func newBoundEngine(t *testing.T) (*Engine, *fakeElement, *strategyFactory) {
	t.Helper()
	factory := &strategyFactory{}
	e := NewEngine(testConfig(), factory.constructor())
	t.Cleanup(e.Close)

	el := newFakeElement()
	el.listener = e.Listener()
	require.NoError(t, e.Bind(el))
	return e, el, factory
}

func resolveDuration(t *testing.T, e *Engine, el *fakeElement, d float64) {
	t.Helper()
	el.setDurations(d)
	require.NoError(t, e.Dispatch(media.SignalLoadedMetadata))
	require.Eventually(t, func() bool { return e.Snapshot().DurationKnown }, time.Second, time.Millisecond)
}

func TestEngine_InitialState(t *testing.T) {
	e := NewEngine(testConfig(), nil)
	defer e.Close()

	s := e.Snapshot()
	assert.True(t, s.Paused)
	assert.Equal(t, 1.0, s.PlaybackRate)
	assert.Equal(t, 1.0, s.Volume)
	assert.True(t, s.IsLoading)
	assert.False(t, s.DurationKnown)
	assert.Equal(t, media.AutoBitrate, s.CurrentBitrateIndex)
	assert.True(t, s.AutoBitrateEnabled)
	assert.Equal(t, media.Rotate0, s.Rotation)
	assert.Zero(t, s.FPS)
}

func TestEngine_CommandsRequireElement(t *testing.T) {
	e := NewEngine(testConfig(), (&strategyFactory{}).constructor())
	defer e.Close()

	commands := map[string]func() error{
		"SetPaused":       func() error { return e.SetPaused(false) },
		"SetCurrentTime":  func() error { return e.SetCurrentTime(3) },
		"SetPlaybackRate": func() error { return e.SetPlaybackRate(2) },
		"SetVolume":       func() error { return e.SetVolume(0.5) },
		"SetMuted":        func() error { return e.SetMuted(true) },
		"SetBitrateIndex": func() error { return e.SetBitrateIndex(0) },
	}

	for name, cmd := range commands {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, cmd(), ErrResourceUnavailable)
		})
	}

	assert.ErrorIs(t, e.SetSource("https://example.com/a.m3u8"), ErrResourceUnavailable)
}

func TestEngine_SetRotationWithoutElement(t *testing.T) {
	e := NewEngine(testConfig(), (&strategyFactory{}).constructor())

	require.NoError(t, e.SetRotation(3))
	assert.Equal(t, media.Rotate270, e.Snapshot().Rotation)

	e.Close()
	assert.ErrorIs(t, e.SetRotation(1), ErrClosed)
}

func TestEngine_SetBitrateIndexWithoutStrategy(t *testing.T) {
	e, _, _ := newBoundEngine(t)
	assert.ErrorIs(t, e.SetBitrateIndex(1), ErrStrategyUnavailable)
}

func TestEngine_SetCurrentTimeClamps(t *testing.T) {
	tests := []struct {
		name     string
		duration float64 // 0 means unknown
		target   float64
		expected float64
	}{
		{"negative clamps to zero", 100, -5, 0},
		{"inside range", 100, 42, 42},
		{"past the end clamps to duration", 100, 150, 100},
		{"exactly the end", 100, 100, 100},
		{"unknown duration only clamps at zero", 0, 150, 150},
		{"unknown duration negative", 0, -1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, el, _ := newBoundEngine(t)
			if tt.duration > 0 {
				resolveDuration(t, e, el, tt.duration)
			}

			require.NoError(t, e.SetCurrentTime(tt.target))
			require.NoError(t, e.Dispatch(media.SignalTimeUpdate))

			assert.Equal(t, tt.expected, el.CurrentTime())
			assert.Equal(t, tt.expected, e.Snapshot().CurrentTime)
		})
	}
}

func TestEngine_TimeUpdateIsClamped(t *testing.T) {
	e, el, _ := newBoundEngine(t)
	resolveDuration(t, e, el, 10)

	el.mu.Lock()
	el.currentTime = 12
	el.mu.Unlock()
	require.NoError(t, e.Dispatch(media.SignalTimeUpdate))

	assert.Equal(t, 10.0, e.Snapshot().CurrentTime)
}

func TestEngine_SetMuted(t *testing.T) {
	e, el, _ := newBoundEngine(t)
	require.NoError(t, e.SetVolume(0.3))
	require.NoError(t, e.SetMuted(true))

	s := e.Snapshot()
	assert.True(t, s.Muted)
	assert.Equal(t, 0.3, s.Volume)

	require.NoError(t, e.SetMuted(false))
	assert.False(t, e.Snapshot().Muted)
	assert.False(t, el.Muted())
}

func TestEngine_SetVolumeAndRatePassThrough(t *testing.T) {
	e, el, _ := newBoundEngine(t)

	require.NoError(t, e.SetPlaybackRate(1.5))
	assert.Equal(t, 1.5, e.Snapshot().PlaybackRate)

	assert.Error(t, e.SetPlaybackRate(0), "element rejection is returned")
	assert.Equal(t, 1.5, e.Snapshot().PlaybackRate)

	assert.Error(t, e.SetVolume(2))
	assert.Equal(t, 1.0, el.Volume())
}

func TestEngine_StateFollowsElementNotCommand(t *testing.T) {
	factory := &strategyFactory{}
	e := NewEngine(testConfig(), factory.constructor())
	defer e.Close()

	// No listener: the element never confirms.
	el := newFakeElement()
	require.NoError(t, e.Bind(el))

	require.NoError(t, e.SetPlaybackRate(2))
	require.NoError(t, e.SetVolume(0.5))
	assert.Equal(t, 1.0, e.Snapshot().PlaybackRate)
	assert.Equal(t, 1.0, e.Snapshot().Volume)

	require.NoError(t, e.Dispatch(media.SignalRateChange))
	require.NoError(t, e.Dispatch(media.SignalVolumeChange))
	assert.Equal(t, 2.0, e.Snapshot().PlaybackRate)
	assert.Equal(t, 0.5, e.Snapshot().Volume)
}

func TestEngine_SetPaused(t *testing.T) {
	e, el, _ := newBoundEngine(t)

	require.NoError(t, e.SetPaused(false))
	assert.Equal(t, 1, el.playCalls)
	assert.False(t, e.Snapshot().Paused)

	// Already playing: no redundant play.
	require.NoError(t, e.SetPaused(false))
	assert.Equal(t, 1, el.playCalls)

	require.NoError(t, e.SetPaused(true))
	assert.Equal(t, 1, el.pauseCalls)
	assert.True(t, e.Snapshot().Paused)

	// Not playing any more: no redundant pause.
	require.NoError(t, e.SetPaused(true))
	assert.Equal(t, 1, el.pauseCalls)
}

func TestEngine_SetPausedPlayError(t *testing.T) {
	e, el, _ := newBoundEngine(t)
	el.playErr = errors.New("autoplay blocked")

	err := e.SetPaused(false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "autoplay blocked")
	// Optimistic until the element says otherwise.
	assert.False(t, e.Snapshot().Paused)

	require.NoError(t, e.Dispatch(media.SignalPause))
	assert.True(t, e.Snapshot().Paused)
}

func TestEngine_PlayClearsEnded(t *testing.T) {
	e, _, _ := newBoundEngine(t)

	require.NoError(t, e.Dispatch(media.SignalEnded))
	assert.True(t, e.Snapshot().Ended)

	require.NoError(t, e.Dispatch(media.SignalPlay))
	s := e.Snapshot()
	assert.False(t, s.Ended)
	assert.False(t, s.Paused)
}

func TestEngine_SetRotation(t *testing.T) {
	e, _, _ := newBoundEngine(t)

	tests := []struct {
		input    int
		expected media.Rotation
	}{
		{0, media.Rotate0},
		{1, media.Rotate90},
		{5, media.Rotate90},
		{-1, media.Rotate270},
		{8, media.Rotate0},
	}

	for _, tt := range tests {
		require.NoError(t, e.SetRotation(tt.input))
		assert.Equal(t, tt.expected, e.Snapshot().Rotation, "input %d", tt.input)
	}
}

func TestEngine_SourceChangeReleasesPreviousStrategy(t *testing.T) {
	e, _, factory := newBoundEngine(t)

	require.NoError(t, e.SetSource("https://example.com/a.m3u8"))
	first := factory.last()
	require.NotNil(t, first)
	assert.Equal(t, "https://example.com/a.m3u8", first.source)

	require.NoError(t, e.SetSource("https://example.com/b.m3u8"))
	second := factory.last()
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, first.released)
	assert.Equal(t, 0, second.released)
	assert.Equal(t, "https://example.com/b.m3u8", second.source)

	// Same source again is not a change.
	require.NoError(t, e.SetSource("https://example.com/b.m3u8"))
	assert.Len(t, factory.built, 2)

	require.NoError(t, e.SetSource(""))
	assert.Equal(t, 1, second.released)
	assert.Len(t, factory.built, 2)

	assert.Equal(t, 1, factory.maxLive, "never two strategies attached")
	assert.Equal(t, 0, factory.live)
	assert.ErrorIs(t, e.SetBitrateIndex(0), ErrStrategyUnavailable)
}

func TestEngine_CloseReleasesStrategyOnce(t *testing.T) {
	factory := &strategyFactory{}
	e := NewEngine(testConfig(), factory.constructor())
	require.NoError(t, e.Bind(newFakeElement()))
	require.NoError(t, e.SetSource("https://example.com/a.m3u8"))

	e.Close()
	e.Close()

	assert.Equal(t, 1, factory.last().released)
	assert.ErrorIs(t, e.SetSource("https://example.com/b.m3u8"), ErrClosed)
	assert.ErrorIs(t, e.SetPaused(true), ErrClosed)

	_, open := <-drain(e.Events())
	assert.False(t, open)
}

// drain consumes buffered events and returns the channel once empty.
func drain(ch <-chan Event) <-chan Event {
	for range ch {
	}
	return ch
}

func TestEngine_StrategyInitFailure(t *testing.T) {
	e, _, factory := newBoundEngine(t)
	factory.initErr = errors.New("no engine")

	err := e.SetSource("https://example.com/a.m3u8")
	require.Error(t, err)
	assert.Equal(t, 1, factory.last().released)
	assert.Equal(t, 0, factory.live)
	assert.ErrorIs(t, e.SetBitrateIndex(0), ErrStrategyUnavailable)
}

func TestEngine_StrategyConstructionFailure(t *testing.T) {
	e, _, factory := newBoundEngine(t)
	factory.buildErr = errors.New("unsupported")

	require.Error(t, e.SetSource("https://example.com/a.m3u8"))
	assert.ErrorIs(t, e.SetBitrateIndex(0), ErrStrategyUnavailable)
}

func TestEngine_BindAfterSource(t *testing.T) {
	factory := &strategyFactory{}
	e := NewEngine(testConfig(), factory.constructor())
	defer e.Close()

	assert.ErrorIs(t, e.SetSource("https://example.com/a.m3u8"), ErrResourceUnavailable)
	assert.Empty(t, factory.built)
	assert.Equal(t, "https://example.com/a.m3u8", e.Source())

	require.NoError(t, e.Bind(newFakeElement()))
	require.Len(t, factory.built, 1)
	assert.Equal(t, "https://example.com/a.m3u8", factory.last().source)

	// Rebinding re-runs the protocol against the new element.
	require.NoError(t, e.Bind(newFakeElement()))
	require.Len(t, factory.built, 2)
	assert.Equal(t, 1, factory.built[0].released)

	require.NoError(t, e.Unbind())
	assert.Equal(t, 1, factory.built[1].released)
	assert.Equal(t, 1, factory.maxLive)
}

func TestEngine_SetBitrateIndex(t *testing.T) {
	e, _, factory := newBoundEngine(t)
	require.NoError(t, e.SetSource("https://example.com/a.m3u8"))
	strategy := factory.last()

	require.NoError(t, e.SetBitrateIndex(1))
	s := e.Snapshot()
	assert.Equal(t, 1, s.CurrentBitrateIndex)
	assert.False(t, s.AutoBitrateEnabled)
	assert.Equal(t, 1, strategy.index)

	require.NoError(t, e.SetBitrateIndex(media.AutoBitrate))
	s = e.Snapshot()
	assert.Equal(t, media.AutoBitrate, s.CurrentBitrateIndex)
	assert.True(t, s.AutoBitrateEnabled)

	require.NoError(t, e.SetBitrateIndex(0))
	assert.False(t, e.Snapshot().AutoBitrateEnabled)

	strategy.setErr = errors.New("not ready")
	require.Error(t, e.SetBitrateIndex(media.AutoBitrate))
	s = e.Snapshot()
	assert.Equal(t, 0, s.CurrentBitrateIndex, "failed request leaves state untouched")
	assert.False(t, s.AutoBitrateEnabled)
}

func TestEngine_LevelSwitchAfterAutoSelection(t *testing.T) {
	e, _, factory := newBoundEngine(t)
	require.NoError(t, e.SetSource("https://example.com/a.m3u8"))
	strategy := factory.last()

	require.NoError(t, e.SetBitrateIndex(media.AutoBitrate))
	assert.True(t, e.Snapshot().AutoBitrateEnabled)

	strategy.sinks.BitrateIndex(1)

	s := e.Snapshot()
	assert.Equal(t, 1, s.CurrentBitrateIndex)
	assert.False(t, s.AutoBitrateEnabled)
	assert.Equal(t, media.AutoBitrate, strategy.index, "strategy stays in automatic mode")
}

func TestEngine_StrategySinks(t *testing.T) {
	e, _, factory := newBoundEngine(t)
	require.NoError(t, e.SetSource("https://example.com/a.m3u8"))
	sinks := factory.last().sinks

	levels := []media.BitrateLevel{
		{Bitrate: 500000, Width: 640, Height: 360},
		{Bitrate: 1500000, Width: 1280, Height: 720},
	}
	sinks.Bitrates(levels)
	assert.Equal(t, levels, e.Snapshot().BitrateLevels)

	sinks.BitrateIndex(1)
	s := e.Snapshot()
	assert.Equal(t, 1, s.CurrentBitrateIndex)
	assert.False(t, s.AutoBitrateEnabled)

	sinks.FrameRate(25)
	assert.Equal(t, 25.0, e.Snapshot().FPS)
	sinks.FrameRate(math.NaN())
	assert.Equal(t, 25.0, e.Snapshot().FPS)

	w, h, ok := e.Snapshot().DisplaySize()
	require.True(t, ok)
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)

	require.NoError(t, e.SetRotation(1))
	w, h, _ = e.Snapshot().DisplaySize()
	assert.Equal(t, 720, w)
	assert.Equal(t, 1280, h)
}

func TestEngine_StaleSinksAreDropped(t *testing.T) {
	e, _, factory := newBoundEngine(t)
	require.NoError(t, e.SetSource("https://example.com/a.m3u8"))
	stale := factory.last().sinks

	require.NoError(t, e.SetSource("https://example.com/b.m3u8"))
	stale.Bitrates([]media.BitrateLevel{{Bitrate: 1}})
	stale.BitrateIndex(0)
	stale.FrameRate(30)

	s := e.Snapshot()
	assert.Nil(t, s.BitrateLevels)
	assert.Equal(t, media.AutoBitrate, s.CurrentBitrateIndex)
	assert.Zero(t, s.FPS)
}

func TestEngine_SourceChangeResetsSourceState(t *testing.T) {
	e, el, factory := newBoundEngine(t)
	require.NoError(t, e.SetSource("https://example.com/a.m3u8"))
	resolveDuration(t, e, el, 30)
	factory.last().sinks.FrameRate(25)
	require.NoError(t, e.SetVolume(0.4))
	require.NoError(t, e.SetRotation(2))

	require.NoError(t, e.SetSource("https://example.com/b.m3u8"))

	s := e.Snapshot()
	assert.False(t, s.DurationKnown)
	assert.Zero(t, s.FPS)
	assert.True(t, s.IsLoading)
	assert.Equal(t, 0.4, s.Volume)
	assert.Equal(t, media.Rotate180, s.Rotation)
}

func TestEngine_Events(t *testing.T) {
	e, _, _ := newBoundEngine(t)
	drainNow(e.Events())

	require.NoError(t, e.Dispatch(media.SignalEnded))

	select {
	case ev := <-e.Events():
		assert.Equal(t, EventSignal, ev.Type)
		assert.Equal(t, media.SignalEnded, ev.Signal)
		assert.True(t, ev.State.Ended)
		assert.Equal(t, "signal", ev.Type.String())
	case <-time.After(time.Second):
		t.Fatal("no event emitted")
	}
}

func drainNow(ch <-chan Event) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}
