package streaming

import (
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/mediasync/internal/domain/media"
	"github.com/osa030/mediasync/internal/infra/config"
)

// NewConstructorFromConfig returns the constructor for the configured strategy type.
// Settings are decoded and validated once, here.
func NewConstructorFromConfig(cfg config.StrategyConfig) (Constructor, error) {
	zlog.Debug().Msgf("creating streaming strategy: type=%s settings=%+v", cfg.Type, cfg.Settings)

	switch cfg.Type {
	case "hls", "":
		hlsCfg, err := NewHLSConfig(cfg.Settings)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to configure strategy (type %s)", "hls")
		}
		zlog.Info().Msgf("registered streaming strategy: type=hls prefer_native=%t start_level=%d",
			hlsCfg.PreferNative, hlsCfg.StartLevel)
		return func(element media.Element, sinks Sinks) (Strategy, error) {
			s, err := NewHLSStrategy(element, sinks, hlsCfg)
			if err != nil {
				return nil, err
			}
			return s, nil
		}, nil

	default:
		return nil, errors.Newf("unsupported strategy type: %s", cfg.Type)
	}
}
