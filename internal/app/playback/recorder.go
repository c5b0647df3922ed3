package playback

import "github.com/osa030/mediasync/internal/domain/media"

// Recorder receives engine activity, typically to export metrics.
type Recorder interface {
	SignalDispatched(sig media.Signal)
	StrategyAttached(name string)
	StrategyReleased(name string)
	BitrateRequested(auto bool)
	LevelSwitched()
	FrameRateReported(fps float64)
	DurationPolled()
}

type nopRecorder struct{}

func (nopRecorder) SignalDispatched(media.Signal) {}
func (nopRecorder) StrategyAttached(string) {}
func (nopRecorder) StrategyReleased(string) {}
func (nopRecorder) BitrateRequested(bool) {}
func (nopRecorder) LevelSwitched() {}
func (nopRecorder) FrameRateReported(float64) {}
func (nopRecorder) DurationPolled() {}
