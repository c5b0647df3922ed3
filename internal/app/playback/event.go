package playback

import "github.com/osa030/mediasync/internal/domain/media"

// EventType represents what caused a state change.
type EventType int

const (
	EventSignal         EventType = iota // An element signal was translated
	EventCommand                         // A command updated state optimistically
	EventStrategy                        // The strategy reported streaming metadata
	EventDuration                        // The duration resolved
	EventSourceChanged                   // The source changed and state was reset
)

// String returns the string representation of the event type.
func (e EventType) String() string {
	switch e {
	case EventSignal:
		return "signal"
	case EventCommand:
		return "command"
	case EventStrategy:
		return "strategy"
	case EventDuration:
		return "duration"
	case EventSourceChanged:
		return "source_changed"
	default:
		return "unknown"
	}
}

// Event represents a state change.
type Event struct {
	Type   EventType
	Signal media.Signal // Set for EventSignal
	State  State        // State after the change
}
