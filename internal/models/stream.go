package models

// StreamMessageType tags a propagation stream message
type StreamMessageType string

const (
	StreamFrame    StreamMessageType = "frame"
	StreamComplete StreamMessageType = "complete"
	StreamError    StreamMessageType = "error"
)

// StreamMessage is one message on the propagation stream. Exactly one
// complete or error message ends a stream that was not cancelled.
type StreamMessage struct {
	Type        StreamMessageType `json:"type"`
	FrameIndex  *int              `json:"frame_index,omitempty"`
	Objects     []VideoObject     `json:"objects,omitempty"`
	TotalFrames *int              `json:"total_frames,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// FrameMessage wraps a frame result
func FrameMessage(f FrameResult) StreamMessage {
	idx := f.FrameIndex
	objects := f.Objects
	if objects == nil {
		objects = []VideoObject{}
	}
	return StreamMessage{Type: StreamFrame, FrameIndex: &idx, Objects: objects}
}

// CompleteMessage ends a stream that ran to exhaustion
func CompleteMessage(totalFrames int) StreamMessage {
	return StreamMessage{Type: StreamComplete, TotalFrames: &totalFrames}
}

// ErrorMessage ends a stream that failed
func ErrorMessage(msg string) StreamMessage {
	return StreamMessage{Type: StreamError, Error: msg}
}

// IsTerminal reports whether the message ends the stream
func (m StreamMessage) IsTerminal() bool {
	return m.Type == StreamComplete || m.Type == StreamError
}
