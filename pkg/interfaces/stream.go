package interfaces

import "context"

// StreamEventKind distinguishes text deltas from the end-of-stream marker
type StreamEventKind int

const (
	// EventDelta carries an incremental text fragment
	EventDelta StreamEventKind = iota
	// EventEnd marks the end of the stream
	EventEnd
)

func (k StreamEventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventEnd:
		return "end"
	default:
		return "unknown"
	}
}

// StreamEvent is one item produced by a StreamSource
type StreamEvent struct {
	Kind StreamEventKind
	Text string
}

// Delta builds a delta event
func Delta(text string) StreamEvent {
	return StreamEvent{Kind: EventDelta, Text: text}
}

// End builds the end-of-stream event
func End() StreamEvent {
	return StreamEvent{Kind: EventEnd}
}

// StreamSource yields text deltas in the order they were produced.
//
// Recv blocks until the next event is available. After EventEnd, or after a
// non-nil error, the source must not be read again. Sources may report the
// end of the stream as io.EOF instead of EventEnd.
type StreamSource interface {
	Recv(ctx context.Context) (StreamEvent, error)
	Close() error
}
