package relay

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrSubscriberClosed = errors.New("subscriber closed")
	ErrSlowSubscriber   = errors.New("subscriber send queue full")
)

// Subscriber is a listener connection as seen by the registry. It only
// holds a bounded queue of chunks; the websocket itself is owned by the
// handler that drains the queue.
type Subscriber struct {
	id      string
	channel Channel
	queue   chan []byte

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func NewSubscriber(channel Channel, queueSize int) *Subscriber {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Subscriber{
		id:      uuid.NewString(),
		channel: channel,
		queue:   make(chan []byte, queueSize),
		done:    make(chan struct{}),
	}
}

func (s *Subscriber) ID() string       { return s.id }
func (s *Subscriber) Channel() Channel { return s.channel }

// Chunks is drained by the connection's writer loop.
func (s *Subscriber) Chunks() <-chan []byte { return s.queue }

// Done is closed once the subscriber has been closed.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Send queues chunk without blocking.
func (s *Subscriber) Send(chunk []byte) error {
	select {
	case <-s.done:
		return ErrSubscriberClosed
	default:
	}

	select {
	case s.queue <- chunk:
		return nil
	case <-s.done:
		return ErrSubscriberClosed
	default:
		return ErrSlowSubscriber
	}
}

// Close marks the subscriber closed with the given cause. Only the first
// cause is kept. The queue is left open so concurrent senders never panic.
func (s *Subscriber) Close(cause error) {
	s.closeOnce.Do(func() {
		s.closeErr = cause
		close(s.done)
	})
}

// Err returns the close cause, or nil while the subscriber is open.
func (s *Subscriber) Err() error {
	select {
	case <-s.done:
		return s.closeErr
	default:
		return nil
	}
}
