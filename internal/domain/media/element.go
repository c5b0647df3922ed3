package media

import "context"

// Signal is a lifecycle signal emitted by an element.
// Signals carry no payload; handlers query the element for current values.
type Signal string

const (
	SignalSeeking        Signal = "seeking"
	SignalLoadedMetadata Signal = "loadedmetadata"
	SignalRateChange     Signal = "ratechange"
	SignalVolumeChange   Signal = "volumechange"
	SignalCanPlay        Signal = "canplay"
	SignalWaiting        Signal = "waiting"
	SignalPause          Signal = "pause"
	SignalPlay           Signal = "play"
	SignalTimeUpdate     Signal = "timeupdate"
	SignalEnded          Signal = "ended"
	SignalProgress       Signal = "progress"
	SignalPlaying        Signal = "playing"
)

// Signals lists every signal an element must be able to emit.
var Signals = []Signal{
	SignalSeeking,
	SignalLoadedMetadata,
	SignalRateChange,
	SignalVolumeChange,
	SignalCanPlay,
	SignalWaiting,
	SignalPause,
	SignalPlay,
	SignalTimeUpdate,
	SignalEnded,
	SignalProgress,
	SignalPlaying,
}

// Element is a playable resource handle.
// Duration returns +Inf (or NaN) while the duration is not yet known.
type Element interface {
	CurrentTime() float64
	SetCurrentTime(t float64)
	Duration() float64
	PlaybackRate() float64
	SetPlaybackRate(rate float64) error
	Volume() float64
	SetVolume(volume float64) error
	Muted() bool
	SetMuted(muted bool)
	Buffered() TimeRanges

	Play() error
	Pause()

	// CanPlayType reports whether the element plays the MIME type natively.
	CanPlayType(mimeType string) bool
	// SetSource assigns a source URL for native playback.
	SetSource(url string)
}

// Fragment is a unit of media data handed to a SourceBuffer.
type Fragment struct {
	Level     int     // Index of the level the fragment belongs to
	Sequence  uint64  // Media sequence number
	URI       string  // Resolved fragment URL
	Start     float64 // Presentation start time in seconds
	Duration  float64 // Declared duration in seconds
	FrameRate float64 // Frame rate advertised by the manifest (0 if absent)
	Width     int     // Advertised frame width (0 for audio-only)
	Height    int     // Advertised frame height (0 for audio-only)
	Data      []byte
}

// FragmentType identifies the track type of a parsed fragment.
type FragmentType string

const (
	FragmentVideo FragmentType = "video"
	FragmentAudio FragmentType = "audio"
)

// FragmentInfo describes a fragment after demuxing.
type FragmentInfo struct {
	Type     FragmentType
	Samples  int     // Number of samples (frames for video)
	StartPTS float64 // Presentation time of the first sample, seconds
	EndPTS   float64 // Presentation time after the last sample, seconds
}

// SourceBuffer is implemented by elements that accept media data pushed by an
// adaptive streaming engine. Elements without it can only play natively.
type SourceBuffer interface {
	// OpenMediaSource discards the element's current media and prepares it
	// for appended data.
	OpenMediaSource()
	// SetMediaDuration sets the duration of the attached media source.
	// +Inf means live or unknown.
	SetMediaDuration(seconds float64)
	// AppendFragment demuxes and buffers a fragment.
	AppendFragment(ctx context.Context, frag Fragment) ([]FragmentInfo, error)
}
