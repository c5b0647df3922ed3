// Package headless provides a media element without a decoder or renderer.
// Playback is simulated by a clock that advances through buffered data.
package headless

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/mediasync/internal/domain/media"
)

var (
	// ErrNoSource is returned by Play before any media is attached.
	ErrNoSource = errors.New("no media source")
	// ErrInvalidRate is returned for rates that are not finite and positive.
	ErrInvalidRate = errors.New("invalid playback rate")
	// ErrInvalidVolume is returned for volumes outside [0, 1].
	ErrInvalidVolume = errors.New("volume out of range")
)

const (
	// AAC frames per second at 44.1 kHz.
	audioFrameRate = 44100.0 / 1024
	// Seconds reported as buffered ahead of the position for native sources.
	nativeBufferAhead = 30.0
)

var hlsMimeTypes = []string{
	"application/vnd.apple.mpegurl",
	"application/x-mpegurl",
	"audio/mpegurl",
}

// Options configures an Element.
type Options struct {
	// Tick is the clock resolution used by Run.
	Tick time.Duration
	// NativeHLS makes the element claim native HLS support.
	NativeHLS bool
}

// Element implements media.Element and media.SourceBuffer.
type Element struct {
	opts Options

	mu       sync.Mutex
	listener func(media.Signal)
	source   string
	native   bool
	opened   bool
	hasData  bool
	current  float64
	duration float64
	rate     float64
	volume   float64
	muted    bool
	paused   bool
	ended    bool
	stalled  bool
	buffered media.TimeRanges
}

// New creates an idle element.
func New(opts Options) *Element {
	if opts.Tick <= 0 {
		opts.Tick = 250 * time.Millisecond
	}
	return &Element{
		opts:     opts,
		duration: math.NaN(),
		rate:     1,
		volume:   1,
		paused:   true,
	}
}

// OnSignal registers the signal listener. Signals are delivered without the
// element lock held, so the listener may call back into the element.
func (e *Element) OnSignal(fn func(media.Signal)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = fn
}

func (e *Element) emit(sigs ...media.Signal) {
	e.mu.Lock()
	fn := e.listener
	e.mu.Unlock()
	if fn == nil {
		return
	}
	for _, sig := range sigs {
		fn(sig)
	}
}

// Run advances the clock every tick until ctx is done.
func (e *Element) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Advance(e.opts.Tick)
		}
	}
}

// Advance moves the playback position forward by d scaled by the rate.
// Playback stalls with waiting when the position leaves buffered data and
// resumes with playing once data arrives.
func (e *Element) Advance(d time.Duration) {
	e.mu.Lock()
	if e.paused || e.ended || !e.opened {
		e.mu.Unlock()
		return
	}
	if !e.dataAtLocked(e.current) {
		var sigs []media.Signal
		if !e.stalled {
			e.stalled = true
			sigs = append(sigs, media.SignalWaiting)
		}
		e.mu.Unlock()
		e.emit(sigs...)
		return
	}

	next := e.current + d.Seconds()*e.rate
	if end := e.bufferedEndLocked(e.current); !e.finiteDuration() || end < e.duration {
		next = math.Min(next, end)
	}
	sigs := []media.Signal{media.SignalTimeUpdate}
	if e.finiteDuration() && next >= e.duration {
		next = e.duration
		e.paused = true
		e.ended = true
		sigs = append(sigs, media.SignalPause, media.SignalEnded)
	}
	e.current = next
	e.mu.Unlock()

	e.emit(sigs...)
}

func (e *Element) finiteDuration() bool {
	return !math.IsNaN(e.duration) && !math.IsInf(e.duration, 0)
}

// dataAtLocked reports whether data exists ahead of pos.
func (e *Element) dataAtLocked(pos float64) bool {
	if e.native {
		return true
	}
	for _, r := range e.buffered {
		if pos >= r.Start && pos < r.End {
			return true
		}
	}
	return false
}

// bufferedEndLocked returns the end of the range containing pos.
func (e *Element) bufferedEndLocked(pos float64) float64 {
	if e.native {
		return math.Inf(1)
	}
	for _, r := range e.buffered {
		if pos >= r.Start && pos < r.End {
			return r.End
		}
	}
	return pos
}

func (e *Element) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// SetCurrentTime seeks. The position is clamped to the known duration.
func (e *Element) SetCurrentTime(t float64) {
	e.mu.Lock()
	if math.IsNaN(t) || t < 0 {
		t = 0
	}
	if e.finiteDuration() && t > e.duration {
		t = e.duration
	}
	e.current = t
	if e.ended && (!e.finiteDuration() || t < e.duration) {
		e.ended = false
	}
	sigs := []media.Signal{media.SignalSeeking, media.SignalTimeUpdate}
	if !e.paused {
		e.stalled = !e.dataAtLocked(t)
		if e.stalled {
			sigs = append(sigs, media.SignalWaiting)
		}
	}
	e.mu.Unlock()

	e.emit(sigs...)
}

func (e *Element) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration
}

func (e *Element) PlaybackRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

func (e *Element) SetPlaybackRate(rate float64) error {
	if math.IsNaN(rate) || math.IsInf(rate, 0) || rate <= 0 {
		return errors.Wrapf(ErrInvalidRate, "rate=%v", rate)
	}
	e.mu.Lock()
	changed := e.rate != rate
	e.rate = rate
	e.mu.Unlock()

	if changed {
		e.emit(media.SignalRateChange)
	}
	return nil
}

func (e *Element) Volume() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volume
}

func (e *Element) SetVolume(volume float64) error {
	if math.IsNaN(volume) || volume < 0 || volume > 1 {
		return errors.Wrapf(ErrInvalidVolume, "volume=%v", volume)
	}
	e.mu.Lock()
	changed := e.volume != volume
	e.volume = volume
	e.mu.Unlock()

	if changed {
		e.emit(media.SignalVolumeChange)
	}
	return nil
}

func (e *Element) Muted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}

func (e *Element) SetMuted(muted bool) {
	e.mu.Lock()
	changed := e.muted != muted
	e.muted = muted
	e.mu.Unlock()

	if changed {
		e.emit(media.SignalVolumeChange)
	}
}

func (e *Element) Buffered() media.TimeRanges {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.native && e.opened {
		return media.TimeRanges{{Start: 0, End: e.current + nativeBufferAhead}}
	}
	return e.buffered.Clone()
}

// Play starts the clock. Playing the ended media restarts it from zero.
func (e *Element) Play() error {
	e.mu.Lock()
	if !e.opened {
		e.mu.Unlock()
		return ErrNoSource
	}
	if e.ended {
		e.ended = false
		e.current = 0
	}
	var sigs []media.Signal
	if e.paused {
		e.paused = false
		sigs = append(sigs, media.SignalPlay)
	}
	if e.dataAtLocked(e.current) {
		e.stalled = false
		sigs = append(sigs, media.SignalPlaying)
	} else {
		e.stalled = true
		sigs = append(sigs, media.SignalWaiting)
	}
	e.mu.Unlock()

	e.emit(sigs...)
	return nil
}

func (e *Element) Pause() {
	e.mu.Lock()
	changed := !e.paused
	e.paused = true
	e.stalled = false
	e.mu.Unlock()

	if changed {
		e.emit(media.SignalPause)
	}
}

func (e *Element) CanPlayType(mimeType string) bool {
	if !e.opts.NativeHLS {
		return false
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	for _, t := range hlsMimeTypes {
		if mimeType == t {
			return true
		}
	}
	return false
}

// SetSource plays url natively. Without a decoder the native source is
// treated as a live stream that is always buffered.
func (e *Element) SetSource(url string) {
	e.mu.Lock()
	wasPlaying := !e.paused
	e.resetLocked()
	e.source = url
	e.native = true
	e.opened = true
	e.hasData = true
	e.duration = math.Inf(1)
	e.mu.Unlock()

	zlog.Debug().Msgf("headless: native source: url=%s", url)
	sigs := []media.Signal{media.SignalLoadedMetadata, media.SignalCanPlay}
	if wasPlaying {
		sigs = append([]media.Signal{media.SignalPause}, sigs...)
	}
	e.emit(sigs...)
}

// Source returns the natively assigned URL.
func (e *Element) Source() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.source
}

func (e *Element) resetLocked() {
	e.source = ""
	e.native = false
	e.hasData = false
	e.current = 0
	e.duration = math.NaN()
	e.paused = true
	e.ended = false
	e.stalled = false
	e.buffered = nil
}

// OpenMediaSource discards the current media and waits for appended data.
func (e *Element) OpenMediaSource() {
	e.mu.Lock()
	wasPlaying := !e.paused
	e.resetLocked()
	e.opened = true
	e.mu.Unlock()

	if wasPlaying {
		e.emit(media.SignalPause)
	}
}

// SetMediaDuration sets the duration of the attached media source.
func (e *Element) SetMediaDuration(seconds float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.duration = seconds
}

// AppendFragment buffers the fragment's time span and reports its samples.
// Frames are derived from the advertised frame rate, since the element does not
// demux payloads.
func (e *Element) AppendFragment(ctx context.Context, frag media.Fragment) ([]media.FragmentInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "append fragment")
	}
	if frag.Duration <= 0 || math.IsNaN(frag.Start) {
		return nil, errors.Newf("invalid fragment timing: start=%v duration=%v", frag.Start, frag.Duration)
	}

	start, end := frag.Start, frag.Start+frag.Duration

	e.mu.Lock()
	if !e.opened || e.native {
		e.mu.Unlock()
		return nil, errors.Wrap(ErrNoSource, "append fragment")
	}
	first := !e.hasData
	e.hasData = true
	e.buffered = addRange(e.buffered, media.TimeRange{Start: start, End: end})
	var sigs []media.Signal
	if first {
		sigs = append(sigs, media.SignalLoadedMetadata, media.SignalCanPlay)
	}
	sigs = append(sigs, media.SignalProgress)
	if e.stalled && e.dataAtLocked(e.current) {
		e.stalled = false
		if !first {
			sigs = append(sigs, media.SignalCanPlay)
		}
		sigs = append(sigs, media.SignalPlaying)
	}
	e.mu.Unlock()

	e.emit(sigs...)

	if frag.FrameRate > 0 && frag.Width > 0 && frag.Height > 0 {
		return []media.FragmentInfo{{
			Type:     media.FragmentVideo,
			Samples:  int(math.Round(frag.FrameRate * frag.Duration)),
			StartPTS: start,
			EndPTS:   end,
		}}, nil
	}
	return []media.FragmentInfo{{
		Type:     media.FragmentAudio,
		Samples:  int(math.Round(audioFrameRate * frag.Duration)),
		StartPTS: start,
		EndPTS:   end,
	}}, nil
}

// addRange inserts r into sorted ranges, merging overlapping or touching spans.
func addRange(ranges media.TimeRanges, r media.TimeRange) media.TimeRanges {
	out := make(media.TimeRanges, 0, len(ranges)+1)
	inserted := false
	for _, cur := range ranges {
		switch {
		case cur.End < r.Start:
			out = append(out, cur)
		case r.End < cur.Start:
			if !inserted {
				out = append(out, r)
				inserted = true
			}
			out = append(out, cur)
		default:
			r.Start = math.Min(r.Start, cur.Start)
			r.End = math.Max(r.End, cur.End)
		}
	}
	if !inserted {
		out = append(out, r)
	}
	return out
}
