package streaming

import (
	"context"
	"sync"

	"github.com/osa030/mediasync/internal/domain/media"
	"github.com/osa030/mediasync/internal/infra/hls"
)

// fakeElement is a native-only element.
type fakeElement struct {
	mu       sync.Mutex
	native   bool
	source   string
	mimeSeen []string
}

func (f *fakeElement) CurrentTime() float64 { return 0 }
func (f *fakeElement) SetCurrentTime(float64) {}
func (f *fakeElement) Duration() float64 { return 0 }
func (f *fakeElement) PlaybackRate() float64 { return 1 }
func (f *fakeElement) SetPlaybackRate(float64) error { return nil }
func (f *fakeElement) Volume() float64 { return 1 }
func (f *fakeElement) SetVolume(float64) error { return nil }
func (f *fakeElement) Muted() bool { return false }
func (f *fakeElement) SetMuted(bool) {}
func (f *fakeElement) Buffered() media.TimeRanges { return nil }
func (f *fakeElement) Play() error { return nil }
func (f *fakeElement) Pause() {}

func (f *fakeElement) CanPlayType(mimeType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mimeSeen = append(f.mimeSeen, mimeType)
	return f.native
}

func (f *fakeElement) SetSource(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.source = url
}

// fakeMSEElement also accepts pushed fragments.
type fakeMSEElement struct {
	fakeElement
}

func (f *fakeMSEElement) OpenMediaSource() {}

func (f *fakeMSEElement) SetMediaDuration(float64) {}

func (f *fakeMSEElement) AppendFragment(context.Context, media.Fragment) ([]media.FragmentInfo, error) {
	return nil, nil
}

type fakeHLSEngine struct {
	mu          sync.Mutex
	handlers    hls.Handlers
	attached    media.SourceBuffer
	loaded      string
	manualLevel int
	setCalls    int
	destroyed   int
	attachErr   error
}

func newFakeHLSEngine() *fakeHLSEngine {
	return &fakeHLSEngine{manualLevel: -1}
}

func (f *fakeHLSEngine) On(h hls.Handlers) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = h
}

func (f *fakeHLSEngine) AttachMedia(buffer media.SourceBuffer) error {
	f.mu.Lock()
	if f.attachErr != nil {
		err := f.attachErr
		f.mu.Unlock()
		return err
	}
	f.attached = buffer
	h := f.handlers
	f.mu.Unlock()
	if h.MediaAttached != nil {
		h.MediaAttached()
	}
	return nil
}

func (f *fakeHLSEngine) LoadSource(src string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = src
	return nil
}

func (f *fakeHLSEngine) ManualLevel() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.manualLevel
}

func (f *fakeHLSEngine) SetCurrentLevel(level int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manualLevel = level
	f.setCalls++
}

func (f *fakeHLSEngine) Destroy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
}

func (f *fakeHLSEngine) emit() hls.Handlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers
}

type sinkRecorder struct {
	mu       sync.Mutex
	fps      []float64
	bitrates [][]media.BitrateLevel
	indexes  []int
}

func (r *sinkRecorder) sinks() Sinks {
	return Sinks{
		FrameRate: func(fps float64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.fps = append(r.fps, fps)
		},
		Bitrates: func(levels []media.BitrateLevel) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.bitrates = append(r.bitrates, levels)
		},
		BitrateIndex: func(index int) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.indexes = append(r.indexes, index)
		},
	}
}
