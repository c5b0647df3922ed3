// Package main provides the mediasync command line entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/osa030/mediasync/internal/app/playback"
	"github.com/osa030/mediasync/internal/app/streaming"
	"github.com/osa030/mediasync/internal/domain/media"
	"github.com/osa030/mediasync/internal/infra/config"
	"github.com/osa030/mediasync/internal/infra/headless"
	"github.com/osa030/mediasync/internal/infra/hls"
	"github.com/osa030/mediasync/internal/infra/logger"
	"github.com/osa030/mediasync/internal/infra/metrics"
)

var (
	app        = kingpin.New("mediasync", "Media state synchronization engine")
	configPath = app.Flag("config", "Path to config file").Default("config/mediasync.yaml").String()
	verbose    = app.Flag("verbose", "Enable verbose (DEBUG) logging").Short('v').Bool()
	logfile    = app.Flag("logfile", "Path to log file (default: stderr)").String()

	probeCmd     = app.Command("probe", "Print the bitrate levels of an HLS manifest")
	probeURL     = probeCmd.Arg("url", "Manifest URL").Required().String()
	probeTimeout = probeCmd.Flag("timeout", "Time to wait for the manifest").Default("15s").Duration()

	playCmd = app.Command("play", "Play a source on a headless element")
	playURL = playCmd.Arg("url", "Source URL (default: config source)").String()
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logCfg := logger.Config{Level: cfg.Log.Level, File: cfg.Log.File}
	if *verbose {
		logCfg.Level = "debug"
	}
	if *logfile != "" {
		logCfg.File = *logfile
	}
	closer, err := logger.Init(logCfg)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case probeCmd.FullCommand():
		err = probe(ctx, *probeURL, *probeTimeout)
	case playCmd.FullCommand():
		src := cfg.Source
		if *playURL != "" {
			src = *playURL
		}
		err = play(ctx, cfg, src)
	}
	if err != nil {
		zlog.Error().Msgf("%s: %v", command, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file. A missing file yields the defaults
// with environment overrides applied.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.Parse(nil)
	}
	return config.Load(path)
}

// probe loads a manifest and prints its levels.
func probe(ctx context.Context, src string, timeout time.Duration) error {
	hlsCfg := hls.DefaultConfig()
	hlsCfg.MaxFragments = 1
	engine := hls.New(hlsCfg)
	defer engine.Destroy()

	levelsCh := make(chan []hls.Level, 1)
	errCh := make(chan error, 1)
	engine.On(hls.Handlers{
		ManifestParsed: func(levels []hls.Level) {
			select {
			case levelsCh <- levels:
			default:
			}
		},
		Error: func(err error, fatal bool) {
			if !fatal {
				return
			}
			select {
			case errCh <- err:
			default:
			}
		},
	})

	if err := engine.AttachMedia(headless.New(headless.Options{})); err != nil {
		return errors.Wrap(err, "failed to attach media")
	}
	if err := engine.LoadSource(src); err != nil {
		return errors.Wrap(err, "failed to load source")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case levels := <-levelsCh:
		fmt.Printf("Levels (%d):\n", len(levels))
		for i, l := range levels {
			fmt.Printf("  [%d] %9d bps  %4dx%-4d  %5.2f fps  %s\n", i, l.Bitrate, l.Width, l.Height, l.FrameRate, l.URI)
		}
		return nil
	case err := <-errCh:
		return err
	case <-timer.C:
		return errors.Newf("timed out after %s waiting for manifest", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// play drives the engine with a headless element until the media ends or
// ctx is cancelled.
func play(ctx context.Context, cfg *config.Config, src string) error {
	if src == "" {
		return errors.New("no source: pass a URL or set source in the config")
	}

	newStrategy, err := streaming.NewConstructorFromConfig(cfg.Strategy)
	if err != nil {
		return errors.Wrap(err, "invalid strategy config")
	}

	var opts []playback.Option
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		opts = append(opts, playback.WithRecorder(m))
	}

	engine := playback.NewEngine(playback.Config{
		DurationPollInterval:    cfg.Engine.DurationPollInterval(),
		DurationPollMaxAttempts: cfg.Engine.DurationPollMaxAttempts,
		EventBuffer:             cfg.Engine.EventBuffer,
	}, newStrategy, opts...)
	defer engine.Close()

	element := headless.New(headless.Options{
		Tick:      cfg.Headless.Tick(),
		NativeHLS: cfg.Headless.NativeHLS,
	})
	element.OnSignal(engine.Listener())

	var server *http.Server
	serverErrCh := make(chan error, 1)
	if m != nil {
		server = newStatusServer(cfg.Metrics.Addr, m, engine)
		go func() {
			zlog.Info().Msgf("Starting status server: addr=%s", cfg.Metrics.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErrCh <- err
			}
		}()
	}

	if err := engine.Bind(element); err != nil {
		return errors.Wrap(err, "failed to bind element")
	}
	if err := engine.SetSource(src); err != nil {
		return errors.Wrap(err, "failed to set source")
	}
	if err := engine.SetPaused(false); err != nil {
		return errors.Wrap(err, "failed to start playback")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go element.Run(runCtx)

	zlog.Info().Msgf("Playing: engine=%s source=%s", engine.ID(), src)
	err = watch(ctx, engine, serverErrCh)

	if server != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			zlog.Error().Msgf("Failed to shutdown status server: %v", err)
		}
	}
	return err
}

// watch logs engine events until the media ends, ctx is done or the
// status server fails.
func watch(ctx context.Context, engine *playback.Engine, serverErrCh <-chan error) error {
	events := engine.Events()
	for {
		select {
		case <-ctx.Done():
			zlog.Info().Msg("Received shutdown signal...")
			return nil
		case err := <-serverErrCh:
			return errors.Wrap(err, "status server")
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			logEvent(ev)
			if ev.Type == playback.EventSignal && ev.Signal == media.SignalEnded {
				zlog.Info().Msg("Playback ended")
				return nil
			}
		}
	}
}

func logEvent(ev playback.Event) {
	s := ev.State
	switch ev.Type {
	case playback.EventSignal:
		zlog.Debug().Msgf("signal: %s: time=%.2f paused=%t loading=%t", ev.Signal, s.CurrentTime, s.Paused, s.IsLoading)
	case playback.EventStrategy:
		zlog.Info().Msgf("strategy: levels=%d index=%d auto=%t fps=%.2f",
			len(s.BitrateLevels), s.CurrentBitrateIndex, s.AutoBitrateEnabled, s.FPS)
	case playback.EventDuration:
		zlog.Info().Msgf("duration: %.2fs", s.Duration)
	default:
		zlog.Debug().Msgf("%s: time=%.2f", ev.Type, s.CurrentTime)
	}
}

// newStatusServer serves metrics and the current state over h2c.
func newStatusServer(addr string, m *metrics.Metrics, engine *playback.Engine) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(engine.Snapshot()); err != nil {
			zlog.Warn().Msgf("Failed to encode state: %v", err)
		}
	})
	return &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
