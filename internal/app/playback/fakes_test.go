package playback

import (
	"math"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/osa030/mediasync/internal/app/streaming"
	"github.com/osa030/mediasync/internal/domain/media"
)

// fakeElement behaves like a media element: setters emit the matching
// signals to the listener, outside the element's lock.
type fakeElement struct {
	mu sync.Mutex

	currentTime float64
	durations   []float64 // Consumed one per Duration call; the last value sticks
	rate        float64
	volume      float64
	muted       bool
	buffered    media.TimeRanges
	source      string
	playErr     error

	playCalls     int
	pauseCalls    int
	durationReads int

	listener func(media.Signal)
}

func newFakeElement() *fakeElement {
	return &fakeElement{
		durations: []float64{math.Inf(1)},
		rate:      1,
		volume:    1,
	}
}

func (f *fakeElement) emit(sigs ...media.Signal) {
	f.mu.Lock()
	l := f.listener
	f.mu.Unlock()
	if l == nil {
		return
	}
	for _, sig := range sigs {
		l(sig)
	}
}

func (f *fakeElement) CurrentTime() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentTime
}

func (f *fakeElement) SetCurrentTime(t float64) {
	f.mu.Lock()
	f.currentTime = t
	f.mu.Unlock()
	f.emit(media.SignalSeeking)
}

func (f *fakeElement) Duration() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.durationReads++
	d := f.durations[0]
	if len(f.durations) > 1 {
		f.durations = f.durations[1:]
	}
	return d
}

func (f *fakeElement) setDurations(ds ...float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.durations = ds
}

func (f *fakeElement) reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.durationReads
}

func (f *fakeElement) PlaybackRate() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rate
}

func (f *fakeElement) SetPlaybackRate(rate float64) error {
	if rate <= 0 {
		return errors.New("rate must be positive")
	}
	f.mu.Lock()
	f.rate = rate
	f.mu.Unlock()
	f.emit(media.SignalRateChange)
	return nil
}

func (f *fakeElement) Volume() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volume
}

func (f *fakeElement) SetVolume(volume float64) error {
	if volume < 0 || volume > 1 {
		return errors.Newf("volume %v out of range", volume)
	}
	f.mu.Lock()
	f.volume = volume
	f.mu.Unlock()
	f.emit(media.SignalVolumeChange)
	return nil
}

func (f *fakeElement) Muted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.muted
}

func (f *fakeElement) SetMuted(muted bool) {
	f.mu.Lock()
	f.muted = muted
	f.mu.Unlock()
	f.emit(media.SignalVolumeChange)
}

func (f *fakeElement) Buffered() media.TimeRanges {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buffered.Clone()
}

func (f *fakeElement) setBuffered(ranges media.TimeRanges) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buffered = ranges
}

func (f *fakeElement) Play() error {
	f.mu.Lock()
	f.playCalls++
	err := f.playErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.emit(media.SignalPlay, media.SignalPlaying)
	return nil
}

func (f *fakeElement) Pause() {
	f.mu.Lock()
	f.pauseCalls++
	f.mu.Unlock()
	f.emit(media.SignalPause)
}

func (f *fakeElement) CanPlayType(string) bool { return true }

func (f *fakeElement) SetSource(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.source = url
}

// fakeStrategy records its lifecycle.
type fakeStrategy struct {
	factory  *strategyFactory
	source   string
	sinks    streaming.Sinks
	index    int
	released int
	initErr  error
	setErr   error
}

func (s *fakeStrategy) Name() string { return "fake" }

func (s *fakeStrategy) Init(sourceURL string) error {
	s.source = sourceURL
	return s.initErr
}

func (s *fakeStrategy) SetBitrateIndex(index int) error {
	if s.setErr != nil {
		return s.setErr
	}
	s.index = index
	return nil
}

func (s *fakeStrategy) Release() {
	s.factory.mu.Lock()
	defer s.factory.mu.Unlock()
	if s.released == 0 {
		s.factory.live--
	}
	s.released++
}

// strategyFactory builds fakeStrategy values and tracks how many are live.
type strategyFactory struct {
	mu       sync.Mutex
	built    []*fakeStrategy
	live     int
	maxLive  int
	initErr  error
	buildErr error
}

func (f *strategyFactory) constructor() streaming.Constructor {
	return func(_ media.Element, sinks streaming.Sinks) (streaming.Strategy, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.buildErr != nil {
			return nil, f.buildErr
		}
		s := &fakeStrategy{factory: f, sinks: sinks, index: media.AutoBitrate, initErr: f.initErr}
		f.built = append(f.built, s)
		f.live++
		if f.live > f.maxLive {
			f.maxLive = f.live
		}
		return s, nil
	}
}

func (f *strategyFactory) last() *fakeStrategy {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.built) == 0 {
		return nil
	}
	return f.built[len(f.built)-1]
}
