package propagation

import (
	"context"
	"errors"
	"sync"

	"segmentation-gateway/internal/models"
)

// Sink receives stream messages. Send blocks while the consumer is slow,
// which pauses the pull loop. Any error from Send is treated as the consumer
// going away.
type Sink interface {
	Send(ctx context.Context, msg models.StreamMessage) error
}

// ErrSinkClosed is returned by ChannelSink.Send after Close
var ErrSinkClosed = errors.New("sink closed")

// ChannelSink is a bounded in-process sink. The consumer reads Messages and
// calls Close to cancel the stream.
type ChannelSink struct {
	ch     chan models.StreamMessage
	done   chan struct{}
	closed sync.Once
}

// NewChannelSink creates a sink that buffers at most size messages
func NewChannelSink(size int) *ChannelSink {
	return &ChannelSink{
		ch:   make(chan models.StreamMessage, size),
		done: make(chan struct{}),
	}
}

// Send enqueues msg, blocking while the buffer is full
func (s *ChannelSink) Send(ctx context.Context, msg models.StreamMessage) error {
	select {
	case <-s.done:
		return ErrSinkClosed
	default:
	}

	select {
	case s.ch <- msg:
		return nil
	case <-s.done:
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages is the consumer side of the sink
func (s *ChannelSink) Messages() <-chan models.StreamMessage {
	return s.ch
}

// Close signals that the consumer is no longer reading
func (s *ChannelSink) Close() {
	s.closed.Do(func() { close(s.done) })
}
