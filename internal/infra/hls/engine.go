// Package hls provides an adaptive HLS loader that feeds fragments into a
// media source buffer and reports manifest, level and fragment events.
package hls

import (
	"bytes"
	"context"
	"io"
	"math"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Eyevinn/hls-m3u8/m3u8"
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/mediasync/internal/domain/media"
)

// Errors
var (
	ErrNotAttached   = errors.New("media is not attached")
	ErrDestroyed     = errors.New("engine destroyed")
	ErrAlreadyLoaded = errors.New("source already loading")
)

// Config holds engine configuration.
type Config struct {
	RequestTimeout        time.Duration // Timeout for each playlist or fragment request
	StartLevel            int           // Level to start with, -1 for automatic
	BandwidthSafetyFactor float64       // Fraction of the estimated bandwidth ABR may use
	MaxFragments          int           // Stop after this many fragments, 0 for all
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:        10 * time.Second,
		StartLevel:            -1,
		BandwidthSafetyFactor: 0.8,
	}
}

// FragmentData is reported once per demuxed track of a loaded fragment.
type FragmentData struct {
	Level    int
	Sequence uint64
	media.FragmentInfo
}

// Handlers are invoked from the loader goroutine. Nil handlers are skipped.
type Handlers struct {
	MediaAttached  func()
	ManifestParsed func(levels []Level)
	LevelSwitched  func(level int)
	FragParsed     func(data FragmentData)
	Error          func(err error, fatal bool)
}

// Option configures an Engine.
type Option func(*Engine)

// WithHTTPClient sets the HTTP client used for all requests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		e.httpClient = c
	}
}

// IsSupported reports whether the element accepts pushed media data.
func IsSupported(el media.Element) bool {
	_, ok := el.(media.SourceBuffer)
	return ok
}

// Engine loads an HLS source level by level and appends its fragments to an
// attached source buffer.
type Engine struct {
	mu sync.Mutex

	config     Config
	httpClient *http.Client
	handlers   Handlers
	buffer     media.SourceBuffer

	levels      []Level
	manualLevel int     // Requested level, -1 for automatic
	loadLevel   int     // Level of the last loaded fragment, -1 before any
	bandwidth   float64 // Estimated throughput in bits per second

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	loading   bool
	destroyed bool
}

// New creates an engine.
func New(config Config, opts ...Option) *Engine {
	if config.BandwidthSafetyFactor <= 0 {
		config.BandwidthSafetyFactor = DefaultConfig().BandwidthSafetyFactor
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		config:      config,
		httpClient:  http.DefaultClient,
		manualLevel: -1,
		loadLevel:   -1,
		ctx:         ctx,
		cancel:      cancel,
	}
	if config.StartLevel >= 0 {
		e.manualLevel = config.StartLevel
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// On replaces the event handlers. It must be called before AttachMedia.
func (e *Engine) On(h Handlers) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = h
}

// AttachMedia binds the source buffer, opens a fresh media source on it and
// fires MediaAttached.
func (e *Engine) AttachMedia(buffer media.SourceBuffer) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrDestroyed
	}
	e.buffer = buffer
	h := e.handlers
	e.mu.Unlock()

	buffer.OpenMediaSource()

	if h.MediaAttached != nil {
		h.MediaAttached()
	}
	return nil
}

// LoadSource starts loading the given master or media playlist.
func (e *Engine) LoadSource(src string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return ErrDestroyed
	}
	if e.buffer == nil {
		return ErrNotAttached
	}
	if e.loading {
		return ErrAlreadyLoaded
	}
	e.loading = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(src)
	}()
	return nil
}

// Levels returns a copy of the parsed levels (nil before the manifest is parsed).
func (e *Engine) Levels() []Level {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.levels == nil {
		return nil
	}
	out := make([]Level, len(e.levels))
	copy(out, e.levels)
	return out
}

// CurrentLevel returns the level of the last loaded fragment, -1 before any.
func (e *Engine) CurrentLevel() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadLevel
}

// ManualLevel returns the requested level, -1 while automatic selection is on.
func (e *Engine) ManualLevel() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.manualLevel
}

// SetCurrentLevel requests a level for the next fragment; -1 enables ABR.
func (e *Engine) SetCurrentLevel(level int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if level < 0 {
		level = -1
	}
	e.manualLevel = level
	zlog.Debug().Msgf("hls: level requested: level=%d", level)
}

// Destroy stops loading and waits for the loader to exit. Safe to call more
// than once and before LoadSource.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	e.buffer = nil
	e.handlers = Handlers{}
	e.mu.Unlock()
}

func (e *Engine) run(src string) {
	base, err := url.Parse(src)
	if err != nil {
		e.fail(errors.Wrapf(err, "invalid source %q", src), true)
		return
	}

	levels, single, err := e.loadManifest(base)
	if err != nil {
		e.fail(err, true)
		return
	}

	e.mu.Lock()
	e.levels = levels
	h := e.handlers
	e.mu.Unlock()

	zlog.Debug().Msgf("hls: manifest parsed: source=%s levels=%d", src, len(levels))
	if e.alive() && h.ManifestParsed != nil {
		out := make([]Level, len(levels))
		copy(out, levels)
		h.ManifestParsed(out)
	}

	if err := e.stream(levels, single); err != nil {
		e.fail(err, true)
	}
}

// loadManifest returns the levels of src. A media playlist is wrapped into a
// single level and returned as well so it is not fetched twice.
func (e *Engine) loadManifest(base *url.URL) ([]Level, *m3u8.MediaPlaylist, error) {
	pl, listType, err := e.fetchPlaylist(base.String())
	if err != nil {
		return nil, nil, err
	}

	switch listType {
	case m3u8.MASTER:
		master, ok := pl.(*m3u8.MasterPlaylist)
		if !ok {
			return nil, nil, errors.New("unexpected master playlist type")
		}
		levels, err := levelsFromMaster(master, base)
		return levels, nil, err
	case m3u8.MEDIA:
		mp, ok := pl.(*m3u8.MediaPlaylist)
		if !ok {
			return nil, nil, errors.New("unexpected media playlist type")
		}
		return []Level{{URI: base.String()}}, mp, nil
	default:
		return nil, nil, errors.Newf("unknown playlist type: %v", listType)
	}
}

// stream loads fragments in order, switching levels between fragments.
func (e *Engine) stream(levels []Level, single *m3u8.MediaPlaylist) error {
	playlists := make(map[int][]*m3u8.MediaSegment)
	if single != nil {
		playlists[0] = segmentsOf(single)
		e.setDuration(single)
	}

	position := 0.0
	loaded := 0
	for index := 0; ; index++ {
		if !e.alive() {
			return nil
		}
		if e.config.MaxFragments > 0 && loaded >= e.config.MaxFragments {
			return nil
		}

		level := e.nextLevel(levels)
		segments, ok := playlists[level]
		if !ok {
			mp, err := e.fetchMediaPlaylist(levels[level].URI)
			if err != nil {
				return err
			}
			segments = segmentsOf(mp)
			playlists[level] = segments
			if len(playlists) == 1 {
				e.setDuration(mp)
			}
		}
		if index >= len(segments) {
			zlog.Debug().Msgf("hls: end of playlist reached: fragments=%d", loaded)
			return nil
		}

		e.switchLevel(level)

		seg := segments[index]
		if err := e.loadFragment(levels, level, seg, position); err != nil {
			return err
		}
		position += seg.Duration
		loaded++
	}
}

func (e *Engine) nextLevel(levels []Level) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.manualLevel >= 0 && e.manualLevel < len(levels) {
		return e.manualLevel
	}
	if e.bandwidth == 0 {
		// No throughput sample yet: keep the current level, or start lowest.
		if e.loadLevel >= 0 {
			return e.loadLevel
		}
		return chooseLevel(levels, 0, e.config.BandwidthSafetyFactor)
	}
	return chooseLevel(levels, e.bandwidth, e.config.BandwidthSafetyFactor)
}

func (e *Engine) switchLevel(level int) {
	e.mu.Lock()
	if e.loadLevel == level {
		e.mu.Unlock()
		return
	}
	e.loadLevel = level
	h := e.handlers
	e.mu.Unlock()

	zlog.Debug().Msgf("hls: level switched: level=%d", level)
	if e.alive() && h.LevelSwitched != nil {
		h.LevelSwitched(level)
	}
}

func (e *Engine) loadFragment(levels []Level, level int, seg *m3u8.MediaSegment, start float64) error {
	uri, err := resolve(mustParse(levels[level].URI), seg.URI)
	if err != nil {
		return err
	}

	began := time.Now()
	data, err := e.fetch(uri)
	if err != nil {
		return errors.Wrapf(err, "failed to load fragment %d", seg.SeqId)
	}
	e.sampleBandwidth(len(data), time.Since(began))

	e.mu.Lock()
	buffer := e.buffer
	h := e.handlers
	e.mu.Unlock()
	if buffer == nil {
		return nil
	}

	l := levels[level]
	infos, err := buffer.AppendFragment(e.ctx, media.Fragment{
		Level:     level,
		Sequence:  seg.SeqId,
		URI:       uri,
		Start:     start,
		Duration:  seg.Duration,
		FrameRate: l.FrameRate,
		Width:     l.Width,
		Height:    l.Height,
		Data:      data,
	})
	if err != nil {
		if e.ctx.Err() != nil {
			return nil
		}
		return errors.Wrapf(err, "failed to append fragment %d", seg.SeqId)
	}

	for _, info := range infos {
		if !e.alive() || h.FragParsed == nil {
			break
		}
		h.FragParsed(FragmentData{Level: level, Sequence: seg.SeqId, FragmentInfo: info})
	}
	return nil
}

// sampleBandwidth folds one download into the throughput estimate.
func (e *Engine) sampleBandwidth(size int, elapsed time.Duration) {
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	sample := float64(size*8) / elapsed.Seconds()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bandwidth == 0 {
		e.bandwidth = sample
		return
	}
	e.bandwidth = 0.7*e.bandwidth + 0.3*sample
}

func (e *Engine) setDuration(mp *m3u8.MediaPlaylist) {
	e.mu.Lock()
	buffer := e.buffer
	e.mu.Unlock()
	if buffer == nil {
		return
	}

	if !mp.Closed {
		buffer.SetMediaDuration(math.Inf(1))
		return
	}
	total := 0.0
	for _, seg := range segmentsOf(mp) {
		total += seg.Duration
	}
	buffer.SetMediaDuration(total)
}

func (e *Engine) fetchMediaPlaylist(uri string) (*m3u8.MediaPlaylist, error) {
	pl, listType, err := e.fetchPlaylist(uri)
	if err != nil {
		return nil, err
	}
	mp, ok := pl.(*m3u8.MediaPlaylist)
	if listType != m3u8.MEDIA || !ok {
		return nil, errors.Newf("expected media playlist at %s", uri)
	}
	return mp, nil
}

func (e *Engine) fetchPlaylist(uri string) (m3u8.Playlist, m3u8.ListType, error) {
	body, err := e.fetch(uri)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to load playlist")
	}
	pl, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "failed to parse playlist %s", uri)
	}
	return pl, listType, nil
}

func (e *Engine) fetch(uri string) ([]byte, error) {
	ctx := e.ctx
	if e.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.RequestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf("unexpected status %d for %s", resp.StatusCode, uri)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}
	return body, nil
}

func (e *Engine) fail(err error, fatal bool) {
	if !e.alive() {
		return
	}
	zlog.Warn().Msgf("hls: loader error: fatal=%t error=%v", fatal, err)

	e.mu.Lock()
	h := e.handlers
	e.mu.Unlock()
	if h.Error != nil {
		h.Error(err, fatal)
	}
}

func (e *Engine) alive() bool {
	return e.ctx.Err() == nil
}

// segmentsOf returns the populated segments of a media playlist.
func segmentsOf(mp *m3u8.MediaPlaylist) []*m3u8.MediaSegment {
	out := make([]*m3u8.MediaSegment, 0, len(mp.Segments))
	for _, seg := range mp.Segments {
		if seg != nil {
			out = append(out, seg)
		}
	}
	return out
}

func mustParse(uri string) *url.URL {
	u, err := url.Parse(uri)
	if err != nil {
		return nil
	}
	return u
}
