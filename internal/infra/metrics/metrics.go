// Package metrics exports playback engine activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/osa030/mediasync/internal/domain/media"
)

// Metrics holds Prometheus counters and gauges for a playback engine.
// It implements playback.Recorder.
type Metrics struct {
	registry           *prometheus.Registry
	signalsTotal       *prometheus.CounterVec
	strategiesAttached *prometheus.CounterVec
	strategiesReleased *prometheus.CounterVec
	liveStrategies     prometheus.Gauge
	bitrateRequests    *prometheus.CounterVec
	levelSwitches      prometheus.Counter
	frameRate          prometheus.Gauge
	durationPolls      prometheus.Counter
}

// New creates and registers Prometheus metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	signalsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasync_signals_total",
		Help: "Total number of element signals dispatched",
	}, []string{"signal"})
	strategiesAttached := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasync_strategies_attached_total",
		Help: "Total number of streaming strategies attached",
	}, []string{"strategy"})
	strategiesReleased := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasync_strategies_released_total",
		Help: "Total number of streaming strategies released",
	}, []string{"strategy"})
	liveStrategies := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mediasync_live_strategies",
		Help: "Number of streaming strategies currently attached",
	})
	bitrateRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mediasync_bitrate_requests_total",
		Help: "Total number of accepted bitrate selection requests",
	}, []string{"mode"})
	levelSwitches := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mediasync_level_switches_total",
		Help: "Total number of level switches reported by strategies",
	})
	frameRate := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mediasync_frame_rate",
		Help: "Last frame rate estimated from parsed fragments",
	})
	durationPolls := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mediasync_duration_polls_total",
		Help: "Total number of duration reads while resolving metadata",
	})

	registry.MustRegister(
		signalsTotal,
		strategiesAttached,
		strategiesReleased,
		liveStrategies,
		bitrateRequests,
		levelSwitches,
		frameRate,
		durationPolls,
	)

	return &Metrics{
		registry:           registry,
		signalsTotal:       signalsTotal,
		strategiesAttached: strategiesAttached,
		strategiesReleased: strategiesReleased,
		liveStrategies:     liveStrategies,
		bitrateRequests:    bitrateRequests,
		levelSwitches:      levelSwitches,
		frameRate:          frameRate,
		durationPolls:      durationPolls,
	}
}

// SignalDispatched counts a dispatched signal.
func (m *Metrics) SignalDispatched(sig media.Signal) {
	m.signalsTotal.WithLabelValues(string(sig)).Inc()
}

// StrategyAttached counts an attached strategy.
func (m *Metrics) StrategyAttached(name string) {
	m.strategiesAttached.WithLabelValues(name).Inc()
	m.liveStrategies.Inc()
}

// StrategyReleased counts a released strategy.
func (m *Metrics) StrategyReleased(name string) {
	m.strategiesReleased.WithLabelValues(name).Inc()
	m.liveStrategies.Dec()
}

// BitrateRequested counts an accepted bitrate request.
func (m *Metrics) BitrateRequested(auto bool) {
	mode := "manual"
	if auto {
		mode = "auto"
	}
	m.bitrateRequests.WithLabelValues(mode).Inc()
}

// LevelSwitched counts a reported level switch.
func (m *Metrics) LevelSwitched() {
	m.levelSwitches.Inc()
}

// FrameRateReported records the latest frame rate estimate.
func (m *Metrics) FrameRateReported(fps float64) {
	m.frameRate.Set(fps)
}

// DurationPolled counts a duration read.
func (m *Metrics) DurationPolled() {
	m.durationPolls.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
