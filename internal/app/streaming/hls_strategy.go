package streaming

import (
	"math"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/mediasync/internal/domain/media"
	"github.com/osa030/mediasync/internal/infra/hls"
)

// HLSConfig represents the HLS strategy settings.
type HLSConfig struct {
	PreferNative          bool    `yaml:"prefer_native" mapstructure:"prefer_native" default:"true"`
	NativeMimeType        string  `yaml:"native_mime_type" mapstructure:"native_mime_type" default:"application/vnd.apple.mpegurl" validate:"required"`
	StartLevel            int     `yaml:"start_level" mapstructure:"start_level" default:"-1" validate:"gte=-1"`
	RequestTimeoutMs      int     `yaml:"request_timeout_ms" mapstructure:"request_timeout_ms" default:"10000" validate:"gte=1"`
	BandwidthSafetyFactor float64 `yaml:"bandwidth_safety_factor" mapstructure:"bandwidth_safety_factor" default:"0.8" validate:"gt=0,lte=1"`
	MaxFragments          int     `yaml:"max_fragments" mapstructure:"max_fragments" validate:"gte=0"`
}

// NewHLSConfig decodes settings over the defaults.
func NewHLSConfig(settings map[string]any) (HLSConfig, error) {
	var cfg HLSConfig
	// Defaults first; explicit settings, including false and zero, override them.
	if err := defaults.Set(&cfg); err != nil {
		return cfg, errors.Wrap(err, "failed to set defaults")
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return cfg, errors.Wrap(err, "failed to create settings decoder")
	}
	if err := decoder.Decode(settings); err != nil {
		return cfg, errors.Wrap(err, "failed to decode settings")
	}
	if err := validator.New().Struct(cfg); err != nil {
		return cfg, errors.Wrap(err, "validation failed")
	}
	return cfg, nil
}

func (c HLSConfig) engineConfig() hls.Config {
	return hls.Config{
		RequestTimeout:        time.Duration(c.RequestTimeoutMs) * time.Millisecond,
		StartLevel:            c.StartLevel,
		BandwidthSafetyFactor: c.BandwidthSafetyFactor,
		MaxFragments:          c.MaxFragments,
	}
}

// hlsEngine is the subset of *hls.Engine the strategy drives.
type hlsEngine interface {
	On(h hls.Handlers)
	AttachMedia(buffer media.SourceBuffer) error
	LoadSource(src string) error
	ManualLevel() int
	SetCurrentLevel(level int)
	Destroy()
}

// HLSStrategy plays HLS sources either natively or through an hls.Engine.
type HLSStrategy struct {
	mu sync.Mutex

	id        string
	config    HLSConfig
	element   media.Element
	sinks     Sinks
	newEngine func(cfg HLSConfig) (hlsEngine, error)

	engine     hlsEngine
	native     bool
	levelCount int // Levels of the parsed manifest, 0 before parsing
	released   bool
}

// NewHLSStrategy creates an HLS strategy bound to element.
func NewHLSStrategy(element media.Element, sinks Sinks, config HLSConfig) (*HLSStrategy, error) {
	if element == nil {
		return nil, errors.New("element is required")
	}
	return &HLSStrategy{
		id:      uuid.NewString(),
		config:  config,
		element: element,
		sinks:   sinks,
		newEngine: func(cfg HLSConfig) (hlsEngine, error) {
			return hls.New(cfg.engineConfig()), nil
		},
	}, nil
}

// Name returns the strategy type name.
func (s *HLSStrategy) Name() string {
	return "hls"
}

// Init starts loading sourceURL.
func (s *HLSStrategy) Init(sourceURL string) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return ErrReleased
	}
	if s.engine != nil || s.native {
		s.mu.Unlock()
		return errors.New("strategy already initialized")
	}

	nativeOK := s.element.CanPlayType(s.config.NativeMimeType)
	mseOK := hls.IsSupported(s.element)

	if nativeOK && (s.config.PreferNative || !mseOK) {
		// Native playback; no sink will ever fire.
		s.native = true
		s.mu.Unlock()
		s.element.SetSource(sourceURL)
		zlog.Info().Msgf("hls: using native playback: strategy=%s source=%s", s.id, sourceURL)
		return nil
	}
	if !mseOK {
		s.mu.Unlock()
		return errors.Wrap(ErrResourceInitialization, "element supports neither native HLS nor media source buffers")
	}

	buffer := s.element.(media.SourceBuffer)

	engine, err := s.newEngine(s.config)
	if err != nil {
		s.mu.Unlock()
		return errors.WithSecondaryError(errors.Wrap(ErrResourceInitialization, "failed to create hls engine"), err)
	}
	engine.On(s.handlers(engine, sourceURL))
	s.engine = engine
	s.mu.Unlock()

	// Handlers may fire during AttachMedia and take s.mu.
	if err := engine.AttachMedia(buffer); err != nil {
		return errors.WithSecondaryError(errors.Wrap(ErrResourceInitialization, "failed to attach media"), err)
	}
	zlog.Info().Msgf("hls: adaptive engine attached: strategy=%s source=%s", s.id, sourceURL)
	return nil
}

func (s *HLSStrategy) handlers(engine hlsEngine, sourceURL string) hls.Handlers {
	return hls.Handlers{
		MediaAttached: func() {
			if err := engine.LoadSource(sourceURL); err != nil {
				zlog.Warn().Msgf("hls: failed to load source: strategy=%s error=%v", s.id, err)
			}
		},
		ManifestParsed: func(levels []hls.Level) {
			s.mu.Lock()
			if s.released {
				s.mu.Unlock()
				return
			}
			s.levelCount = len(levels)
			s.mu.Unlock()

			bitrates := make([]media.BitrateLevel, len(levels))
			for i, l := range levels {
				bitrates[i] = media.BitrateLevel{Bitrate: l.Bitrate, Width: l.Width, Height: l.Height}
			}
			s.sinks.bitrates(bitrates)
		},
		LevelSwitched: func(level int) {
			if s.isReleased() {
				return
			}
			s.sinks.bitrateIndex(level)
		},
		FragParsed: func(data hls.FragmentData) {
			if s.isReleased() {
				return
			}
			if fps, ok := EstimateFrameRate(data.FragmentInfo); ok {
				s.sinks.frameRate(fps)
			}
		},
		Error: func(err error, fatal bool) {
			zlog.Warn().Msgf("hls: engine error: strategy=%s fatal=%t error=%v", s.id, fatal, err)
		},
	}
}

// EstimateFrameRate returns the rounded frame rate of a parsed video fragment.
func EstimateFrameRate(info media.FragmentInfo) (float64, bool) {
	if info.Type != media.FragmentVideo {
		return 0, false
	}
	span := info.EndPTS - info.StartPTS
	if span <= 0 || info.Samples < 0 {
		return 0, false
	}
	return math.Round(float64(info.Samples) / span), true
}

// SetBitrateIndex requests a level or media.AutoBitrate.
func (s *HLSStrategy) SetBitrateIndex(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released || s.engine == nil || s.levelCount == 0 {
		return ErrStrategyNotReady
	}
	if index != media.AutoBitrate && (index < 0 || index >= s.levelCount) {
		return errors.Wrapf(ErrBitrateOutOfRange, "index %d, levels %d", index, s.levelCount)
	}
	if s.engine.ManualLevel() == index {
		return nil
	}
	s.engine.SetCurrentLevel(index)
	zlog.Debug().Msgf("hls: bitrate index set: strategy=%s index=%d", s.id, index)
	return nil
}

// Release destroys the engine, if any.
func (s *HLSStrategy) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	engine := s.engine
	s.engine = nil
	s.mu.Unlock()

	// Destroy waits for the loader, which may be inside a handler taking s.mu.
	if engine != nil {
		engine.Destroy()
	}
	zlog.Debug().Msgf("hls: strategy released: strategy=%s", s.id)
}

// Native reports whether the source was handed to the element.
func (s *HLSStrategy) Native() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.native
}

func (s *HLSStrategy) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}
